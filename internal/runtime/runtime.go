// Package runtime supervises the callback runtime: the external process or
// in-process handler that runs application code for each delivered event.
package runtime

import (
	"context"
	"errors"

	"geofenced/internal/model"
)

var (
	// ErrRuntimeUnavailable is returned when every start attempt failed.
	ErrRuntimeUnavailable = errors.New("callback runtime unavailable")
	// ErrNotInitialized is returned when no callback handle has been stored.
	ErrNotInitialized = errors.New("callback dispatcher not initialized")
)

// Runtime is a started callback runtime.
type Runtime interface {
	// Dispatch hands one event to the application and blocks until it is
	// acknowledged (nil) or rejected.
	Dispatch(ctx context.Context, ev model.QueuedEvent) error
	Stop(ctx context.Context) error
}

// Mode is an execution-mode hint sent by a running runtime.
type Mode string

const (
	ModePromote Mode = "promote"
	ModeDemote  Mode = "demote"
)

// Hooks are how a launched runtime reports back. Nil fields are no-ops.
type Hooks struct {
	// Ready announces that the runtime accepts dispatch calls.
	Ready func()
	// Died reports that the runtime is gone.
	Died func(err error)
	// Mode forwards an execution-mode hint.
	Mode func(m Mode)
}

// NotifyReady calls Ready if set.
func (h Hooks) NotifyReady() {
	if h.Ready != nil {
		h.Ready()
	}
}

// NotifyDied calls Died if set.
func (h Hooks) NotifyDied(err error) {
	if h.Died != nil {
		h.Died(err)
	}
}

// NotifyMode calls Mode if set.
func (h Hooks) NotifyMode(m Mode) {
	if h.Mode != nil {
		h.Mode(m)
	}
}

// Launcher starts a runtime for the given callback handle. Launch returns once
// the runtime process exists; readiness arrives later through hooks.Ready.
type Launcher interface {
	Launch(ctx context.Context, handle int64, hooks Hooks) (Runtime, error)
}

// HandleSource yields the stored callback dispatcher handle.
type HandleSource interface {
	CallbackHandle(ctx context.Context) (int64, bool, error)
}
