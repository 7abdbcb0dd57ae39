package reconcile

import (
	"context"
	"fmt"

	"geofenced/internal/clock"
	"geofenced/internal/metrics"
	"geofenced/internal/model"
)

// Failure is why a registration was rejected, in the order it is checked.
type Failure string

const (
	FailureLocationPermission   Failure = "MISSING_LOCATION_PERMISSION"
	FailureBackgroundPermission Failure = "MISSING_BACKGROUND_LOCATION_PERMISSION"
	FailureInternal             Failure = "PLUGIN_INTERNAL"
)

// RegistrationError is returned by CreateGeofence when the OS rejected the region.
type RegistrationError struct {
	ID     string
	Reason Failure
	Err    error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register geofence %s: %s: %v", e.ID, e.Reason, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// diagnose picks the most specific reason for a failed registration.
func (e *Engine) diagnose(ctx context.Context) Failure {
	perms, err := e.platform.Permissions(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("permission check failed")
		return FailureInternal
	}
	if !perms.FineLocation {
		return FailureLocationPermission
	}
	if perms.BackgroundRequired && !perms.BackgroundLocation {
		return FailureBackgroundPermission
	}
	return FailureInternal
}

// CreateGeofence persists def as PENDING and registers it under the sync lock.
// On rejection the record is kept as FAILED and a *RegistrationError is
// returned.
func (e *Engine) CreateGeofence(ctx context.Context, def model.Definition) (model.Geofence, error) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	now := clock.NowMillis(e.clock)
	g := model.Geofence{
		Definition:            def,
		Status:                model.StatusPending,
		CreatedAtMillis:       now,
		StatusChangedAtMillis: now,
	}
	if err := e.store.Save(ctx, g); err != nil {
		return g, err
	}
	if err := e.replace(ctx, []model.Geofence{g}); err != nil {
		metrics.Registrations.WithLabelValues("failure").Inc()
		reason := e.diagnose(ctx)
		e.log.Error().Err(err).Str("geofence_id", def.ID).Str("reason", string(reason)).Msg("geofence registration failed")
		failed, serr := e.store.SetStatus(ctx, def.ID, model.StatusFailed)
		if serr != nil {
			return g, serr
		}
		e.notify("geofence.failed", map[string]any{"id": def.ID, "reason": reason})
		return failed, &RegistrationError{ID: def.ID, Reason: reason, Err: err}
	}
	metrics.Registrations.WithLabelValues("success").Inc()
	e.log.Info().Str("geofence_id", def.ID).Msg("geofence registered")
	e.notify("geofence.created", g.Active())
	return g, nil
}
