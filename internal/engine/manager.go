// Package engine is the caller-facing facade of the geofence daemon. A Manager
// owns the geofence store, the reconciler, the callback runtime supervisor,
// the event queue and the recovery backoff, and routes OS triggers, OS errors
// and system signals between them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"geofenced/internal/clock"
	"geofenced/internal/geofence"
	glog "geofenced/internal/log"
	"geofenced/internal/model"
	"geofenced/internal/platform"
	"geofenced/internal/queue"
	"geofenced/internal/reconcile"
	"geofenced/internal/recovery"
	"geofenced/internal/runtime"
	"geofenced/internal/store"
)

type Config struct {
	// Capacity bounds the event queue. Default queue.DefaultCapacity.
	Capacity int
	// DebounceWindow throttles non-forced syncs. Default 5s.
	DebounceWindow time.Duration
	Retry          recovery.RetryConfig
	Runtime        runtime.Config
	Clock          clock.Clock
	Notify         Notifier
}

type Manager struct {
	store      *geofence.Store
	platform   platform.Platform
	reconciler *reconcile.Engine
	supervisor *runtime.Supervisor
	queue      *queue.Queue
	retry      *recovery.RetryManager
	clock      clock.Clock
	notify     Notifier
	log        zerolog.Logger

	provMu          sync.Mutex
	providerKnown   bool
	providerEnabled bool
}

// New wires a Manager over kv. The caller keeps ownership of kv.
func New(kv store.KV, p platform.Platform, l runtime.Launcher, cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Notify == nil {
		cfg.Notify = func(string, any) {}
	}
	if cfg.Retry == (recovery.RetryConfig{}) {
		cfg.Retry = recovery.DefaultRetryConfig()
	}
	if cfg.Runtime.Clock == nil {
		cfg.Runtime.Clock = cfg.Clock
	}
	st := geofence.NewStore(kv, cfg.Clock)
	sup := runtime.NewSupervisor(l, st, cfg.Runtime)
	return &Manager{
		store:    st,
		platform: p,
		reconciler: reconcile.NewEngine(st, p, reconcile.Config{
			DebounceWindow: cfg.DebounceWindow,
			Clock:          cfg.Clock,
			Notify:         reconcile.Notifier(cfg.Notify),
		}),
		supervisor: sup,
		queue: queue.New(kv, sup, queue.Config{
			Capacity: cfg.Capacity,
			Clock:    cfg.Clock,
			Observer: queueObserver{notify: cfg.Notify},
		}),
		retry:  recovery.NewRetryManager(kv, cfg.Clock, cfg.Retry),
		clock:  cfg.Clock,
		notify: cfg.Notify,
		log:    glog.WithComponent("engine"),
	}
}

// Start recovers the persisted event backlog and catches up on geofences
// that are not known to be honored by the OS.
func (m *Manager) Start(ctx context.Context) error {
	n, err := m.queue.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover event queue: %w", err)
	}
	m.log.Info().Int("queue_depth", n).Msg("engine started")
	if _, err := m.reconciler.Sync(ctx, false); err != nil {
		m.log.Error().Err(err).Msg("startup sync failed")
	}
	return nil
}

// Run feeds OS events into HandleEvent until ctx is done or events closes.
func (m *Manager) Run(ctx context.Context, events <-chan platform.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := m.HandleEvent(ctx, ev); err != nil {
				m.log.Error().Err(err).Msg("platform event not handled")
			}
		}
	}
}

// Close stops the queue, which persists what is left, and the runtime.
func (m *Manager) Close(ctx context.Context) error {
	qerr := m.queue.Close(ctx)
	serr := m.supervisor.Close(ctx)
	return errors.Join(qerr, serr)
}

// Initialize stores the callback dispatcher handle and runs a normal sync.
func (m *Manager) Initialize(ctx context.Context, handle int64) error {
	if handle == 0 {
		return newError(CodeInvalidArguments, nil, "callback handle must be non-zero")
	}
	if err := m.store.SaveCallbackHandle(ctx, handle); err != nil {
		return newError(CodeInternal, err, "store callback handle")
	}
	m.log.Info().Int64("callback_handle", handle).Msg("callback dispatcher initialized")
	if _, err := m.reconciler.Sync(ctx, false); err != nil {
		m.log.Error().Err(err).Msg("sync after initialize failed")
	}
	return nil
}

// CreateGeofence validates and registers def. When the OS rejects it the
// FAILED record is returned together with the error.
func (m *Manager) CreateGeofence(ctx context.Context, def model.Definition) (model.ActiveGeofence, error) {
	if err := def.Validate(); err != nil {
		return model.ActiveGeofence{}, newError(CodeInvalidArguments, err, "%v", err)
	}
	if _, ok, err := m.store.CallbackHandle(ctx); err != nil {
		return model.ActiveGeofence{}, newError(CodeInternal, err, "read callback handle")
	} else if !ok {
		return model.ActiveGeofence{}, newError(CodeCallbackNotInitialized, nil, "initialize must be called before creating geofences")
	}
	g, err := m.reconciler.CreateGeofence(ctx, def)
	if err == nil {
		return g.Active(), nil
	}
	var re *reconcile.RegistrationError
	if errors.As(err, &re) {
		return g.Active(), newError(Code(re.Reason), err, "geofence %s was not registered", def.ID)
	}
	return model.ActiveGeofence{}, newError(CodeInternal, err, "create geofence %s", def.ID)
}

// RemoveGeofence deregisters and deletes one geofence. A region the OS did not
// hold still counts as removed when the record exists.
func (m *Manager) RemoveGeofence(ctx context.Context, id string) error {
	if id == "" {
		return newError(CodeInvalidArguments, nil, "geofence id is required")
	}
	if err := m.reconciler.Remove(ctx, id); err != nil {
		if errors.Is(err, reconcile.ErrUnknownGeofence) {
			return newError(CodeNotFound, err, "geofence %s not found", id)
		}
		m.log.Error().Err(err).Str("geofence_id", id).Msg("removing geofence failed")
		return newError(CodeInternal, err, "remove geofence %s", id)
	}
	m.log.Info().Str("geofence_id", id).Msg("geofence removed")
	m.notify("geofence.removed", map[string]any{"id": id})
	return nil
}

// RemoveAll clears the OS table and every stored geofence.
func (m *Manager) RemoveAll(ctx context.Context) error {
	n, err := m.reconciler.RemoveAll(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("removing all geofences failed")
		return newError(CodeInternal, err, "remove all geofences")
	}
	m.log.Info().Int("count", n).Msg("all geofences removed")
	m.notify("geofence.removed_all", map[string]any{"count": n})
	return nil
}

func (m *Manager) ListIDs(ctx context.Context) ([]string, error) {
	ids, err := m.store.ListIDs(ctx)
	if err != nil {
		return nil, newError(CodeInternal, err, "list geofence ids")
	}
	return ids, nil
}

// ListActive returns every stored geofence with its status, FAILED ones included.
func (m *Manager) ListActive(ctx context.Context) ([]model.ActiveGeofence, error) {
	all, err := m.store.List(ctx)
	if err != nil {
		return nil, newError(CodeInternal, err, "list geofences")
	}
	out := make([]model.ActiveGeofence, 0, len(all))
	for _, g := range all {
		out = append(out, g.Active())
	}
	return out, nil
}

// Sync runs a reconciliation pass on behalf of a caller.
func (m *Manager) Sync(ctx context.Context, force bool) (reconcile.Result, error) {
	res, err := m.reconciler.Sync(ctx, force)
	if err != nil {
		return res, newError(CodeInternal, err, "sync")
	}
	return res, nil
}

// EnsureRuntime starts the callback runtime if it is not running.
func (m *Manager) EnsureRuntime(ctx context.Context) error {
	_, err := m.supervisor.EnsureReady(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, runtime.ErrNotInitialized):
		return newError(CodeCallbackNotInitialized, err, "callback dispatcher not initialized")
	default:
		return newError(CodeInternal, err, "start callback runtime")
	}
}

// StopRuntime tears the callback runtime down. The queue restarts it on demand.
func (m *Manager) StopRuntime(ctx context.Context) error {
	return m.supervisor.Stop(ctx)
}

func (m *Manager) QueueSnapshot() queue.Snapshot { return m.queue.Snapshot() }

func (m *Manager) PendingEvents() []model.QueuedEvent { return m.queue.Pending() }

func (m *Manager) RuntimeSnapshot() runtime.Snapshot { return m.supervisor.Snapshot() }

// RetryState reports the backoff counter for one recovery key.
func (m *Manager) RetryState(ctx context.Context, key string) (model.RetryState, bool, error) {
	return m.retry.State(ctx, key)
}
