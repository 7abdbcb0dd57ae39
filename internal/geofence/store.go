// Package geofence is the durable mapping from geofence ID to definition,
// status and timestamps. Every mutation is serialized by the store mutex.
package geofence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"geofenced/internal/clock"
	glog "geofenced/internal/log"
	"geofenced/internal/model"
	"geofenced/internal/store"
)

const (
	keyPrefix         = "geofence/"
	callbackHandleKey = "callback/dispatcher"
)

var ErrNotFound = errors.New("geofence not found")

type Store struct {
	mu    sync.Mutex
	kv    store.KV
	clock clock.Clock
	log   zerolog.Logger
}

func NewStore(kv store.KV, c clock.Clock) *Store {
	if c == nil {
		c = clock.Real()
	}
	return &Store{kv: kv, clock: c, log: glog.WithComponent("geofence_store")}
}

func key(id string) string { return keyPrefix + id }

// Save inserts or replaces the record for g.ID.
func (s *Store) Save(ctx context.Context, g model.Geofence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(ctx, g)
}

func (s *Store) put(ctx context.Context, g model.Geofence) error {
	b, err := encodeRecord(g)
	if err != nil {
		return fmt.Errorf("encode geofence %s: %w", g.ID, err)
	}
	if err := s.kv.Set(ctx, key(g.ID), b); err != nil {
		return fmt.Errorf("save geofence %s: %w", g.ID, err)
	}
	s.log.Debug().Str("geofence_id", g.ID).Str("status", string(g.Status)).Msg("geofence saved")
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (model.Geofence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx, id)
}

// load reads and decodes one record. Legacy records are rewritten in the
// current format; corrupt ones are deleted and reported as not found.
func (s *Store) load(ctx context.Context, id string) (model.Geofence, error) {
	b, err := s.kv.Get(ctx, key(id))
	if errors.Is(err, store.ErrNotFound) {
		return model.Geofence{}, ErrNotFound
	}
	if err != nil {
		return model.Geofence{}, fmt.Errorf("load geofence %s: %w", id, err)
	}
	g, migrated, err := decodeRecord(b, clock.NowMillis(s.clock))
	if err != nil {
		s.log.Error().Err(err).Str("geofence_id", id).Str("data", string(b)).Msg("discarding unreadable geofence record")
		if derr := s.kv.Delete(ctx, key(id)); derr != nil {
			s.log.Warn().Err(derr).Str("geofence_id", id).Msg("delete unreadable record")
		}
		return model.Geofence{}, ErrNotFound
	}
	if migrated {
		if err := s.put(ctx, g); err != nil {
			return model.Geofence{}, err
		}
		s.log.Info().Str("geofence_id", id).Msg("migrated geofence from legacy format")
	}
	return g, nil
}

// Exists reports whether a readable record is stored for id.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// List returns every readable record ordered by ID.
func (s *Store) List(ctx context.Context) ([]model.Geofence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, err := s.ids(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Geofence, 0, len(ids))
	for _, id := range ids {
		g, err := s.load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	s.log.Debug().Int("count", len(out)).Msg("geofences loaded")
	return out, nil
}

func (s *Store) ListIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids(ctx)
}

func (s *Store) ids(ctx context.Context) ([]string, error) {
	keys, err := s.kv.ListKeysWithPrefix(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list geofences: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, keyPrefix))
	}
	sort.Strings(ids)
	return ids, nil
}

// Remove deletes the record and reports whether one existed.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.kv.Get(ctx, key(id))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load geofence %s: %w", id, err)
	}
	if err := s.kv.Delete(ctx, key(id)); err != nil {
		return false, fmt.Errorf("remove geofence %s: %w", id, err)
	}
	s.log.Debug().Str("geofence_id", id).Msg("geofence removed")
	return true, nil
}

// RemoveAll deletes every record and returns how many were removed.
func (s *Store) RemoveAll(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, err := s.ids(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := s.kv.Delete(ctx, key(id)); err != nil {
			return 0, fmt.Errorf("remove geofence %s: %w", id, err)
		}
	}
	s.log.Debug().Int("count", len(ids)).Msg("all geofences removed")
	return len(ids), nil
}

// Update applies fn to the stored record under the store lock and persists the
// result. fn may return an error to abort without writing.
func (s *Store) Update(ctx context.Context, id string, fn func(*model.Geofence) error) (model.Geofence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.load(ctx, id)
	if err != nil {
		return model.Geofence{}, err
	}
	if err := fn(&g); err != nil {
		return model.Geofence{}, err
	}
	if err := s.put(ctx, g); err != nil {
		return model.Geofence{}, err
	}
	return g, nil
}

// SetStatus moves one geofence to status. Unchanged records are not rewritten.
func (s *Store) SetStatus(ctx context.Context, id string, status model.Status) (model.Geofence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.load(ctx, id)
	if err != nil {
		return model.Geofence{}, err
	}
	if !g.SetStatus(status, clock.NowMillis(s.clock)) {
		return g, nil
	}
	if err := s.put(ctx, g); err != nil {
		return model.Geofence{}, err
	}
	s.log.Info().Str("geofence_id", id).Str("status", string(status)).Msg("geofence status changed")
	return g, nil
}

// SetStatuses applies status to every listed geofence that still exists.
func (s *Store) SetStatuses(ctx context.Context, ids []string, status model.Status) error {
	for _, id := range ids {
		if _, err := s.SetStatus(ctx, id, status); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

// SaveCallbackHandle records the dispatcher handle used to start the callback runtime.
func (s *Store) SaveCallbackHandle(ctx context.Context, handle int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Set(ctx, callbackHandleKey, []byte(strconv.FormatInt(handle, 10)))
}

// CallbackHandle returns the stored dispatcher handle, if any.
func (s *Store) CallbackHandle(ctx context.Context) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.kv.Get(ctx, callbackHandleKey)
	if errors.Is(err, store.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	h, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		s.log.Error().Err(err).Msg("discarding unreadable callback handle")
		return 0, false, nil
	}
	return h, true, nil
}
