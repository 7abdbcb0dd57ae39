// Package platform describes the OS geofencing service the engine drives and
// ships an in-memory Simulator of it.
package platform

import (
	"context"
	"errors"
	"fmt"

	"geofenced/internal/model"
)

// Code is a status code reported by the OS geofencing service.
type Code int

const (
	CodeInternalError          Code = 8
	CodeInterrupted            Code = 14
	CodeTimeout                Code = 15
	CodeGeofenceNotAvailable   Code = 1000
	CodeTooManyGeofences       Code = 1001
	CodeTooManyPendingIntents  Code = 1002
	CodeInsufficientPermission Code = 1004
	CodeRequestTooFrequent     Code = 1005
	// CodeNotRegistered is reported when deregistering an ID the OS does not hold.
	CodeNotRegistered Code = 1100
)

func (c Code) String() string {
	switch c {
	case CodeInternalError:
		return "INTERNAL_ERROR"
	case CodeInterrupted:
		return "INTERRUPTED"
	case CodeTimeout:
		return "TIMEOUT"
	case CodeGeofenceNotAvailable:
		return "GEOFENCE_NOT_AVAILABLE"
	case CodeTooManyGeofences:
		return "GEOFENCE_TOO_MANY_GEOFENCES"
	case CodeTooManyPendingIntents:
		return "GEOFENCE_TOO_MANY_PENDING_INTENTS"
	case CodeInsufficientPermission:
		return "GEOFENCE_INSUFFICIENT_LOCATION_PERMISSION"
	case CodeRequestTooFrequent:
		return "GEOFENCE_REQUEST_TOO_FREQUENT"
	case CodeNotRegistered:
		return "NOT_REGISTERED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(c))
	}
}

// Error is a failed platform call.
type Error struct {
	Code Code
	Op   string
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("platform %s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("platform %s: %s: %s", e.Op, e.Code, e.Msg)
}

// CodeOf extracts the platform code from err.
func CodeOf(err error) (Code, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code, true
	}
	return 0, false
}

// IsNotRegistered reports whether err says the OS did not hold the region.
func IsNotRegistered(err error) bool {
	c, ok := CodeOf(err)
	return ok && c == CodeNotRegistered
}

// Permissions is the location permission state of the host application.
type Permissions struct {
	FineLocation       bool `json:"fineLocation"`
	BackgroundLocation bool `json:"backgroundLocation"`
	// BackgroundRequired is true on OS versions that need background location
	// for geofencing.
	BackgroundRequired bool `json:"backgroundRequired"`
}

// Platform is the OS registration table. Calls block until the OS answers.
type Platform interface {
	Register(ctx context.Context, geofences []model.Geofence) error
	Deregister(ctx context.Context, ids []string) error
	DeregisterAll(ctx context.Context) error
	Permissions(ctx context.Context) (Permissions, error)
}

// Event is what the OS trigger channel delivers: either a transition for one
// or more regions or an error code.
type Event struct {
	RegionIDs         []string        `json:"regionIds,omitempty"`
	Transition        model.Trigger   `json:"transition,omitempty"`
	Location          *model.Location `json:"location,omitempty"`
	ErrorCode         Code            `json:"errorCode,omitempty"`
	TriggeredAtMillis int64           `json:"triggeredAtMillis,omitempty"`
}

func (e Event) IsError() bool { return e.ErrorCode != 0 }

// Validate rejects events that carry neither a transition nor an error.
func (e Event) Validate() error {
	if e.IsError() {
		return nil
	}
	if len(e.RegionIDs) == 0 {
		return errors.New("event has no region ids")
	}
	if e.Transition != model.TriggerEnter && e.Transition != model.TriggerExit {
		return fmt.Errorf("unknown transition %q", e.Transition)
	}
	return nil
}
