// Package reconcile aligns the persisted geofences with the OS registration
// table. Every (re)registration deregisters the IDs first so the OS never holds
// two regions for one ID.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"geofenced/internal/clock"
	"geofenced/internal/geofence"
	glog "geofenced/internal/log"
	"geofenced/internal/metrics"
	"geofenced/internal/model"
	"geofenced/internal/platform"
)

const DefaultDebounceWindow = 5 * time.Second

// Notifier receives sync and status notifications. It must not block.
type Notifier func(topic string, payload any)

type Config struct {
	DebounceWindow time.Duration
	Clock          clock.Clock
	Notify         Notifier
}

// Result summarizes one Sync call.
type Result struct {
	Forced    bool     `json:"forced"`
	Skipped   bool     `json:"skipped"`
	Selected  int      `json:"selected"`
	BatchOK   bool     `json:"batchOk"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	FailedIDs []string `json:"failedIds,omitempty"`
}

func (r Result) mode() string {
	if r.Forced {
		return "forced"
	}
	return "normal"
}

type Engine struct {
	store    *geofence.Store
	platform platform.Platform
	clock    clock.Clock
	window   time.Duration
	notify   Notifier
	log      zerolog.Logger

	// syncMu serializes reconciliation passes.
	syncMu  sync.Mutex
	limitMu sync.Mutex
	limiter *rate.Limiter
}

func NewEngine(st *geofence.Store, p platform.Platform, cfg Config) *Engine {
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = DefaultDebounceWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Notify == nil {
		cfg.Notify = func(string, any) {}
	}
	return &Engine{
		store:    st,
		platform: p,
		clock:    cfg.Clock,
		window:   cfg.DebounceWindow,
		notify:   cfg.Notify,
		log:      glog.WithComponent("reconcile"),
		limiter:  rate.NewLimiter(rate.Every(cfg.DebounceWindow), 1),
	}
}

// admit applies the debounce. Forced passes always run and restart the window.
func (e *Engine) admit(force bool) bool {
	e.limitMu.Lock()
	defer e.limitMu.Unlock()
	now := e.clock.Now()
	if force {
		e.limiter = rate.NewLimiter(rate.Every(e.window), 1)
		e.limiter.AllowN(now, 1)
		return true
	}
	return e.limiter.AllowN(now, 1)
}

// Sync re-registers every geofence (force) or every geofence that is not
// ACTIVE. A batch failure falls back to one registration per geofence.
func (e *Engine) Sync(ctx context.Context, force bool) (Result, error) {
	res := Result{Forced: force}
	if !e.admit(force) {
		res.Skipped = true
		e.log.Debug().Msg("sync skipped; debounce window in effect")
		metrics.SyncRuns.WithLabelValues(res.mode(), "skipped").Inc()
		return res, nil
	}

	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	all, err := e.store.List(ctx)
	if err != nil {
		metrics.SyncRuns.WithLabelValues(res.mode(), "error").Inc()
		return res, fmt.Errorf("sync: %w", err)
	}
	var selected []model.Geofence
	for _, g := range all {
		if force || g.Status != model.StatusActive {
			selected = append(selected, g)
		}
	}
	res.Selected = len(selected)
	e.log.Info().Bool("force", force).Int("total", len(all)).Int("selected", len(selected)).Msg("sync started")
	if len(selected) == 0 {
		res.BatchOK = true
		metrics.SyncRuns.WithLabelValues(res.mode(), "batch").Inc()
		e.notify("sync.completed", res)
		return res, nil
	}

	ids := make([]string, 0, len(selected))
	for _, g := range selected {
		ids = append(ids, g.ID)
	}
	err = e.replace(ctx, selected)
	if err == nil {
		res.BatchOK = true
		res.Succeeded = len(selected)
		if err := e.store.SetStatuses(ctx, ids, model.StatusPending); err != nil {
			return res, fmt.Errorf("sync: %w", err)
		}
		metrics.Registrations.WithLabelValues("success").Add(float64(len(selected)))
		metrics.SyncRuns.WithLabelValues(res.mode(), "batch").Inc()
		e.log.Info().Int("count", len(selected)).Msg("batch registration succeeded")
		e.notify("sync.completed", res)
		return res, nil
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	e.log.Warn().Err(err).Int("count", len(selected)).Msg("batch registration failed; registering individually")

	var reason Failure
	for _, g := range selected {
		if err := e.replace(ctx, []model.Geofence{g}); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			if reason == "" {
				reason = e.diagnose(ctx)
			}
			res.Failed++
			res.FailedIDs = append(res.FailedIDs, g.ID)
			metrics.Registrations.WithLabelValues("failure").Inc()
			e.log.Error().Err(err).Str("geofence_id", g.ID).Str("reason", string(reason)).Msg("registration failed")
			if _, serr := e.store.SetStatus(ctx, g.ID, model.StatusFailed); serr != nil && !errors.Is(serr, geofence.ErrNotFound) {
				return res, fmt.Errorf("sync: %w", serr)
			}
			e.notify("geofence.failed", map[string]any{"id": g.ID, "reason": reason})
			continue
		}
		res.Succeeded++
		metrics.Registrations.WithLabelValues("success").Inc()
		if _, serr := e.store.SetStatus(ctx, g.ID, model.StatusPending); serr != nil && !errors.Is(serr, geofence.ErrNotFound) {
			return res, fmt.Errorf("sync: %w", serr)
		}
	}
	metrics.SyncRuns.WithLabelValues(res.mode(), "fallback").Inc()
	e.log.Info().Int("succeeded", res.Succeeded).Int("failed", res.Failed).Msg("individual registration finished")
	e.notify("sync.completed", res)
	return res, nil
}

// replace deregisters then registers gs. Regions the OS does not hold are
// not an error.
func (e *Engine) replace(ctx context.Context, gs []model.Geofence) error {
	ids := make([]string, 0, len(gs))
	for _, g := range gs {
		ids = append(ids, g.ID)
	}
	if err := e.platform.Deregister(ctx, ids); err != nil && !platform.IsNotRegistered(err) {
		return fmt.Errorf("deregister: %w", err)
	}
	return e.platform.Register(ctx, gs)
}

// ErrUnknownGeofence is returned by Remove when no record exists for the ID.
var ErrUnknownGeofence = errors.New("unknown geofence")

// Remove deregisters id and deletes its record. It holds the sync lock for
// both steps, so a running pass cannot register the region again afterwards.
// A region the OS does not hold still counts as removed when the record exists.
func (e *Engine) Remove(ctx context.Context, id string) error {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	exists, err := e.store.Exists(ctx, id)
	if err != nil {
		return fmt.Errorf("look up %s: %w", id, err)
	}
	perr := e.platform.Deregister(ctx, []string{id})
	switch {
	case perr == nil:
	case platform.IsNotRegistered(perr) && exists:
		e.log.Debug().Str("geofence_id", id).Msg("region was not registered; removing record")
	case exists:
		return fmt.Errorf("deregister %s: %w", id, perr)
	default:
		return fmt.Errorf("%w %s: %v", ErrUnknownGeofence, id, perr)
	}
	if _, err := e.store.Remove(ctx, id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

// RemoveAll clears the OS table and deletes every record under the sync lock.
func (e *Engine) RemoveAll(ctx context.Context) (int, error) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	if err := e.platform.DeregisterAll(ctx); err != nil {
		return 0, fmt.Errorf("deregister all: %w", err)
	}
	n, err := e.store.RemoveAll(ctx)
	if err != nil {
		return n, fmt.Errorf("delete geofences: %w", err)
	}
	return n, nil
}
