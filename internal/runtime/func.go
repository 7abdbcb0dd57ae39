package runtime

import (
	"context"
	"errors"
	"sync"

	"geofenced/internal/model"
)

// HandlerFunc runs application code for one event.
type HandlerFunc func(ctx context.Context, handle int64, ev model.QueuedEvent) error

// FuncLauncher starts in-process runtimes backed by a HandlerFunc. It is used
// when the daemon is embedded and throughout the tests.
type FuncLauncher struct {
	Handler HandlerFunc
	// Fail, when set, is consulted before each launch.
	Fail func(attempt int) error
	// Silent suppresses the Ready announcement.
	Silent bool

	mu       sync.Mutex
	launches int
	last     *FuncRuntime
}

func (l *FuncLauncher) Launch(ctx context.Context, handle int64, hooks Hooks) (Runtime, error) {
	l.mu.Lock()
	l.launches++
	attempt := l.launches
	l.mu.Unlock()
	if l.Fail != nil {
		if err := l.Fail(attempt); err != nil {
			return nil, err
		}
	}
	rt := &FuncRuntime{handle: handle, handler: l.Handler, hooks: hooks}
	l.mu.Lock()
	l.last = rt
	l.mu.Unlock()
	if !l.Silent {
		// Bootstrap finishes asynchronously, like a real runtime.
		go hooks.NotifyReady()
	}
	return rt, nil
}

// Launches counts Launch calls.
func (l *FuncLauncher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

// Last returns the most recently launched runtime.
func (l *FuncLauncher) Last() *FuncRuntime {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

type FuncRuntime struct {
	handle  int64
	handler HandlerFunc
	hooks   Hooks

	mu      sync.Mutex
	stopped bool
}

func (r *FuncRuntime) Dispatch(ctx context.Context, ev model.QueuedEvent) error {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return errors.New("runtime stopped")
	}
	if r.handler == nil {
		return nil
	}
	return r.handler(ctx, r.handle, ev)
}

func (r *FuncRuntime) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	return nil
}

func (r *FuncRuntime) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// Kill simulates the runtime dying on its own.
func (r *FuncRuntime) Kill(err error) {
	_ = r.Stop(context.Background())
	r.hooks.NotifyDied(err)
}

// RequestMode sends an execution-mode hint to the supervisor.
func (r *FuncRuntime) RequestMode(m Mode) { r.hooks.NotifyMode(m) }

// Announce sends Ready, for launchers configured as Silent.
func (r *FuncRuntime) Announce() { r.hooks.NotifyReady() }
