package engine

import (
	"context"
	"errors"
	"fmt"

	"geofenced/internal/clock"
	"geofenced/internal/geofence"
	"geofenced/internal/metrics"
	"geofenced/internal/model"
	"geofenced/internal/platform"
	"geofenced/internal/recovery"
)

// HandleEvent processes one event from the OS trigger channel. Only malformed
// events and storage failures are returned; recovery problems are logged.
func (m *Manager) HandleEvent(ctx context.Context, ev platform.Event) error {
	if err := ev.Validate(); err != nil {
		return newError(CodeInvalidArguments, err, "%v", err)
	}
	if ev.IsError() {
		m.handleError(ctx, ev.ErrorCode)
		return nil
	}
	return m.handleTrigger(ctx, ev)
}

// handleTrigger promotes every triggering geofence to ACTIVE and queues one
// event carrying all of them.
func (m *Manager) handleTrigger(ctx context.Context, ev platform.Event) error {
	metrics.Triggers.WithLabelValues(string(ev.Transition)).Inc()
	if ev.Location == nil {
		m.log.Debug().Strs("geofence_ids", ev.RegionIDs).Msg("trigger carries no location")
	}
	var (
		triggered []model.ActiveGeofence
		handle    int64
	)
	for _, id := range ev.RegionIDs {
		g, err := m.store.SetStatus(ctx, id, model.StatusActive)
		if errors.Is(err, geofence.ErrNotFound) {
			m.log.Warn().Str("geofence_id", id).Msg("trigger for unknown geofence ignored")
			continue
		}
		if err != nil {
			return fmt.Errorf("mark %s active: %w", id, err)
		}
		if len(triggered) == 0 {
			handle = g.CallbackHandle
		}
		triggered = append(triggered, g.Active())
	}
	if len(triggered) == 0 {
		return nil
	}

	at := ev.TriggeredAtMillis
	if at == 0 {
		at = clock.NowMillis(m.clock)
	}
	queued, err := m.queue.Enqueue(ctx, model.QueuedEvent{
		Geofences:         triggered,
		Event:             ev.Transition,
		Location:          ev.Location,
		CallbackHandle:    handle,
		TriggeredAtMillis: at,
	})
	if err != nil {
		return fmt.Errorf("enqueue trigger: %w", err)
	}
	m.log.Info().Str("event", string(ev.Transition)).Strs("geofence_ids", queued.GeofenceIDs()).Msg("geofence triggered")
	m.notify("geofence.triggered", queued)
	return nil
}

func (m *Manager) handleError(ctx context.Context, code platform.Code) {
	d := recovery.Classify(code)
	metrics.PlatformErrors.WithLabelValues(code.String(), string(d.Class)).Inc()
	l := m.log.With().Int("code", int(code)).Str("code_name", code.String()).Str("class", string(d.Class)).Logger()
	switch d.Class {
	case recovery.Unrecoverable:
		l.Error().Msg("platform error needs application action")
		return
	case recovery.PermissionGated:
		l.Warn().Msg("platform error waits for location permission")
		return
	}
	if !d.ForceSync {
		return
	}
	if !m.retry.ShouldAttemptRecovery(ctx, d.RetryKey) {
		l.Info().Msg("recovery deferred by backoff")
		return
	}
	st, err := m.retry.RecordAttempt(ctx, d.RetryKey)
	if err != nil {
		l.Error().Err(err).Msg("recording recovery attempt failed")
		return
	}
	l.Info().Int("attempt", st.AttemptCount).Msg("recovering with forced sync")
	res, err := m.reconciler.Sync(ctx, true)
	if err != nil {
		l.Error().Err(err).Int("attempt", st.AttemptCount).Msg("recovery sync failed")
		return
	}
	if res.Failed > 0 {
		l.Warn().Int("failed", res.Failed).Int("attempt", st.AttemptCount).Msg("recovery sync left failed geofences")
		return
	}
	if err := m.retry.Reset(ctx, d.RetryKey); err != nil {
		l.Warn().Err(err).Msg("resetting recovery backoff failed")
	}
	m.notify("recovery.completed", map[string]any{"code": code.String(), "attempt": st.AttemptCount})
}

// OnBootCompleted re-registers everything; the OS drops all regions on reboot.
func (m *Manager) OnBootCompleted(ctx context.Context) error {
	return m.systemSync(ctx, "boot_completed")
}

// OnPackageReplaced re-registers everything after an application upgrade.
func (m *Manager) OnPackageReplaced(ctx context.Context) error {
	return m.systemSync(ctx, "package_replaced")
}

// OnProviderChanged forces a sync when location becomes available after being
// unavailable or unknown.
func (m *Manager) OnProviderChanged(ctx context.Context, enabled bool) error {
	m.provMu.Lock()
	edge := enabled && (!m.providerKnown || !m.providerEnabled)
	m.providerKnown, m.providerEnabled = true, enabled
	m.provMu.Unlock()

	if !enabled {
		m.log.Warn().Msg("all location providers disabled; geofences will not trigger")
		return nil
	}
	if !edge {
		return nil
	}
	return m.systemSync(ctx, "provider_enabled")
}

func (m *Manager) systemSync(ctx context.Context, signal string) error {
	m.log.Info().Str("signal", signal).Msg("system signal; forcing sync")
	if _, err := m.reconciler.Sync(ctx, true); err != nil {
		m.log.Error().Err(err).Str("signal", signal).Msg("sync after system signal failed")
		return newError(CodeInternal, err, "sync after %s", signal)
	}
	return nil
}
