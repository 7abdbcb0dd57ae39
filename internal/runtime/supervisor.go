package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"geofenced/internal/clock"
	glog "geofenced/internal/log"
	"geofenced/internal/metrics"
)

// State is the supervisor lifecycle state.
type State string

const (
	StateStopped  State = "STOPPED"
	StateStarting State = "STARTING"
	StateReady    State = "READY"
)

const (
	DefaultMaxStartAttempts = 3
	DefaultStartBackoff     = 2 * time.Second
)

type Config struct {
	// MaxStartAttempts bounds launches per EnsureReady. Default 3.
	MaxStartAttempts int
	// StartBackoff is the wait before the first retry; it doubles per retry.
	StartBackoff time.Duration
	// ReadyTimeout bounds the wait for the Ready announcement. Zero waits forever.
	ReadyTimeout time.Duration
	Clock        clock.Clock
}

// Snapshot is the externally visible supervisor state.
type Snapshot struct {
	State     State  `json:"state"`
	Starts    int    `json:"starts"`
	Failures  int    `json:"failures"`
	Deaths    int    `json:"deaths"`
	LastError string `json:"lastError,omitempty"`
	LastMode  Mode   `json:"lastMode,omitempty"`
}

// Supervisor owns at most one callback runtime. Concurrent EnsureReady calls
// share a single start attempt.
type Supervisor struct {
	launcher Launcher
	handles  HandleSource
	cfg      Config
	log      zerolog.Logger
	sf       singleflight.Group

	life   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	rt      Runtime
	gen     uint64
	nextGen uint64
	snap    Snapshot
}

func NewSupervisor(l Launcher, handles HandleSource, cfg Config) *Supervisor {
	if cfg.MaxStartAttempts <= 0 {
		cfg.MaxStartAttempts = DefaultMaxStartAttempts
	}
	if cfg.StartBackoff <= 0 {
		cfg.StartBackoff = DefaultStartBackoff
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	life, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		launcher: l,
		handles:  handles,
		cfg:      cfg,
		log:      glog.WithComponent("supervisor"),
		life:     life,
		cancel:   cancel,
		state:    StateStopped,
	}
}

// EnsureReady returns the live runtime, starting one if needed. ctx only
// bounds this caller's wait; the shared start keeps going for other callers.
func (s *Supervisor) EnsureReady(ctx context.Context) (Runtime, error) {
	s.mu.Lock()
	if s.state == StateReady && s.rt != nil {
		rt := s.rt
		s.mu.Unlock()
		return rt, nil
	}
	s.mu.Unlock()

	ch := s.sf.DoChan("start", func() (any, error) { return s.start(s.life) })
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(Runtime), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Supervisor) start(ctx context.Context) (Runtime, error) {
	s.mu.Lock()
	if s.state == StateReady && s.rt != nil {
		rt := s.rt
		s.mu.Unlock()
		return rt, nil
	}
	s.state = StateStarting
	s.mu.Unlock()

	handle, ok, err := s.handles.CallbackHandle(ctx)
	if err == nil && !ok {
		err = ErrNotInitialized
	}
	if err != nil {
		s.fail(err)
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxStartAttempts; attempt++ {
		if attempt > 1 {
			delay := s.cfg.StartBackoff << (attempt - 2)
			s.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("retrying runtime start")
			select {
			case <-s.cfg.Clock.After(delay):
			case <-ctx.Done():
				s.fail(ctx.Err())
				return nil, ctx.Err()
			}
		}
		rt, err := s.launch(ctx, handle)
		if err == nil {
			metrics.RuntimeStarts.WithLabelValues("success").Inc()
			s.log.Info().Int("attempt", attempt).Int64("handle", handle).Msg("callback runtime ready")
			return rt, nil
		}
		lastErr = err
		metrics.RuntimeStarts.WithLabelValues("failure").Inc()
		s.log.Warn().Err(err).Int("attempt", attempt).Msg("callback runtime failed to start")
		if ctx.Err() != nil {
			break
		}
	}
	err = fmt.Errorf("%w: %v", ErrRuntimeUnavailable, lastErr)
	s.fail(err)
	return nil, err
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStarting {
		s.state = StateStopped
	}
	s.snap.Failures++
	s.snap.LastError = err.Error()
}

// launch runs one start attempt and waits for the Ready announcement.
func (s *Supervisor) launch(ctx context.Context, handle int64) (Runtime, error) {
	s.mu.Lock()
	s.nextGen++
	gen := s.nextGen
	s.snap.Starts++
	s.mu.Unlock()

	ready := make(chan struct{})
	died := make(chan error, 1)
	var readyOnce sync.Once
	hooks := Hooks{
		Ready: func() { readyOnce.Do(func() { close(ready) }) },
		Died: func(err error) {
			select {
			case died <- err:
			default:
			}
			s.onDied(gen, err)
		},
		Mode: func(m Mode) { s.onMode(m) },
	}

	rt, err := s.launcher.Launch(ctx, handle, hooks)
	if err != nil {
		return nil, err
	}
	var timeout <-chan time.Time
	if s.cfg.ReadyTimeout > 0 {
		timeout = s.cfg.Clock.After(s.cfg.ReadyTimeout)
	}
	select {
	case <-ready:
		s.mu.Lock()
		s.state = StateReady
		s.rt = rt
		s.gen = gen
		s.mu.Unlock()
		return rt, nil
	case err := <-died:
		if err == nil {
			err = errors.New("exited")
		}
		return nil, fmt.Errorf("runtime died before ready: %w", err)
	case <-timeout:
		_ = rt.Stop(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("runtime not ready after %s", s.cfg.ReadyTimeout)
	case <-ctx.Done():
		_ = rt.Stop(context.WithoutCancel(ctx))
		return nil, ctx.Err()
	}
}

func (s *Supervisor) onDied(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.state = StateStopped
	s.rt = nil
	s.gen = 0
	s.snap.Deaths++
	if err != nil {
		s.snap.LastError = err.Error()
	}
	s.log.Warn().Err(err).Msg("callback runtime died")
}

// onMode records an execution-mode hint. Hints never change the state.
func (s *Supervisor) onMode(m Mode) {
	metrics.RuntimeModeHints.WithLabelValues(string(m)).Inc()
	s.mu.Lock()
	s.snap.LastMode = m
	s.mu.Unlock()
	s.log.Info().Str("mode", string(m)).Msg("runtime requested execution mode")
}

// Stop tears down the live runtime, if any.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	rt := s.rt
	s.rt = nil
	s.gen = 0
	if s.state == StateReady {
		s.state = StateStopped
	}
	s.mu.Unlock()
	if rt == nil {
		return nil
	}
	s.log.Info().Msg("stopping callback runtime")
	return rt.Stop(ctx)
}

// Close aborts pending starts and stops the runtime.
func (s *Supervisor) Close(ctx context.Context) error {
	s.cancel()
	return s.Stop(ctx)
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snap
	snap.State = s.state
	return snap
}
