package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"geofenced/internal/clock"
	glog "geofenced/internal/log"
	"geofenced/internal/model"
	"geofenced/internal/store"
)

const retryKeyPrefix = "retry/"

// RetryConfig tunes the backoff curve.
type RetryConfig struct {
	Base      time.Duration
	Cap       time.Duration
	IdleReset time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Base: 5 * time.Second, Cap: 15 * time.Minute, IdleReset: time.Hour}
}

// RetryManager keeps one persisted attempt counter per key. A key may be
// retried once Delay(attempts-1) has elapsed since the last attempt; counters
// idle for longer than IdleReset start over.
type RetryManager struct {
	mu    sync.Mutex
	kv    store.KV
	clock clock.Clock
	cfg   RetryConfig
	log   zerolog.Logger
}

func NewRetryManager(kv store.KV, c clock.Clock, cfg RetryConfig) *RetryManager {
	def := DefaultRetryConfig()
	if cfg.Base <= 0 {
		cfg.Base = def.Base
	}
	if cfg.Cap <= 0 {
		cfg.Cap = def.Cap
	}
	if cfg.IdleReset <= 0 {
		cfg.IdleReset = def.IdleReset
	}
	if c == nil {
		c = clock.Real()
	}
	return &RetryManager{kv: kv, clock: c, cfg: cfg, log: glog.WithComponent("retry")}
}

// Delay is min(base * 2^attempt, cap).
func (m *RetryManager) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := m.cfg.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= m.cfg.Cap || d <= 0 {
			return m.cfg.Cap
		}
	}
	if d > m.cfg.Cap {
		return m.cfg.Cap
	}
	return d
}

// ShouldAttemptRecovery reports whether a recovery for key may run now.
func (m *RetryManager) ShouldAttemptRecovery(ctx context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok, err := m.load(ctx, key)
	if err != nil {
		m.log.Warn().Err(err).Str("retry_key", key).Msg("retry state unreadable; allowing attempt")
		return true
	}
	if !ok || st.AttemptCount == 0 {
		return true
	}
	elapsed := time.Duration(clock.NowMillis(m.clock)-st.LastAttemptAtMillis) * time.Millisecond
	if elapsed >= m.cfg.IdleReset {
		m.log.Info().Str("retry_key", key).Int("attempt", st.AttemptCount).Msg("retry state idle; resetting")
		if err := m.kv.Delete(ctx, retryKeyPrefix+key); err != nil {
			m.log.Warn().Err(err).Str("retry_key", key).Msg("reset idle retry state")
		}
		return true
	}
	wait := m.Delay(st.AttemptCount - 1)
	if elapsed < wait {
		m.log.Debug().Str("retry_key", key).Int("attempt", st.AttemptCount).
			Dur("remaining", wait-elapsed).Msg("recovery refused; backoff in effect")
		return false
	}
	return true
}

// RecordAttempt bumps the counter for key and returns the new state.
func (m *RetryManager) RecordAttempt(ctx context.Context, key string) (model.RetryState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, _, err := m.load(ctx, key)
	if err != nil {
		st = model.RetryState{}
	}
	now := clock.NowMillis(m.clock)
	if st.AttemptCount > 0 && time.Duration(now-st.LastAttemptAtMillis)*time.Millisecond >= m.cfg.IdleReset {
		st = model.RetryState{}
	}
	st.AttemptCount++
	st.LastAttemptAtMillis = now
	b, err := json.Marshal(st)
	if err != nil {
		return st, err
	}
	if err := m.kv.Set(ctx, retryKeyPrefix+key, b); err != nil {
		return st, fmt.Errorf("persist retry state %s: %w", key, err)
	}
	m.log.Debug().Str("retry_key", key).Int("attempt", st.AttemptCount).Dur("next_delay", m.Delay(st.AttemptCount-1)).Msg("recovery attempt recorded")
	return st, nil
}

// Reset forgets the counter for key after a successful recovery.
func (m *RetryManager) Reset(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kv.Delete(ctx, retryKeyPrefix+key)
}

// State returns the persisted state for key, if any.
func (m *RetryManager) State(ctx context.Context, key string) (model.RetryState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(ctx, key)
}

func (m *RetryManager) load(ctx context.Context, key string) (model.RetryState, bool, error) {
	var st model.RetryState
	b, err := m.kv.Get(ctx, retryKeyPrefix+key)
	if errors.Is(err, store.ErrNotFound) {
		return st, false, nil
	}
	if err != nil {
		return st, false, err
	}
	if err := json.Unmarshal(b, &st); err != nil {
		m.log.Error().Err(err).Str("retry_key", key).Msg("discarding corrupt retry state")
		_ = m.kv.Delete(ctx, retryKeyPrefix+key)
		return model.RetryState{}, false, nil
	}
	return st, true, nil
}
