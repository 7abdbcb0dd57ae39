package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"geofenced/internal/clock"
	"geofenced/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type staticHandle struct {
	handle int64
	ok     bool
}

func (h staticHandle) CallbackHandle(context.Context) (int64, bool, error) {
	return h.handle, h.ok, nil
}

func newSupervisor(t *testing.T, l Launcher, cfg Config) *Supervisor {
	t.Helper()
	s := NewSupervisor(l, staticHandle{handle: 7, ok: true}, cfg)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestEnsureReadyStartsOnce(t *testing.T) {
	l := &FuncLauncher{}
	s := newSupervisor(t, l, Config{})
	ctx := context.Background()

	rt, err := s.EnsureReady(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateReady, s.State())

	again, err := s.EnsureReady(ctx)
	require.NoError(t, err)
	assert.Same(t, rt, again)
	assert.Equal(t, 1, l.Launches())
}

func TestEnsureReadyCoalescesConcurrentCallers(t *testing.T) {
	l := &FuncLauncher{Silent: true}
	s := newSupervisor(t, l, Config{})

	const callers = 8
	var wg sync.WaitGroup
	results := make([]Runtime, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rt, err := s.EnsureReady(context.Background())
			assert.NoError(t, err)
			results[i] = rt
		}(i)
	}
	require.Eventually(t, func() bool { return l.Last() != nil }, time.Second, time.Millisecond)
	assert.Equal(t, StateStarting, s.State())
	l.Last().Announce()
	wg.Wait()

	assert.Equal(t, 1, l.Launches())
	for _, rt := range results {
		assert.Same(t, results[0], rt)
	}
}

func TestReadinessRequiresAnnouncement(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	l := &FuncLauncher{Silent: true}
	s := newSupervisor(t, l, Config{Clock: fc, ReadyTimeout: 10 * time.Second, MaxStartAttempts: 1})

	errc := make(chan error, 1)
	go func() {
		_, err := s.EnsureReady(context.Background())
		errc <- err
	}()
	require.Eventually(t, func() bool { return fc.Waiters() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StateStarting, s.State())
	fc.Advance(10 * time.Second)

	err := <-errc
	require.ErrorIs(t, err, ErrRuntimeUnavailable)
	assert.Equal(t, StateStopped, s.State())
	assert.True(t, l.Last().Stopped())
}

func TestStartRetriesWithBackoff(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	l := &FuncLauncher{Fail: func(attempt int) error {
		if attempt < 3 {
			return errors.New("boot failed")
		}
		return nil
	}}
	s := newSupervisor(t, l, Config{Clock: fc})

	errc := make(chan error, 1)
	go func() {
		_, err := s.EnsureReady(context.Background())
		errc <- err
	}()
	require.Eventually(t, func() bool { return fc.Waiters() == 1 }, time.Second, time.Millisecond)
	fc.Advance(time.Second)
	assert.Equal(t, 1, l.Launches(), "first retry waits two seconds")
	fc.Advance(time.Second)
	require.Eventually(t, func() bool { return l.Launches() == 2 && fc.Waiters() == 1 }, time.Second, time.Millisecond)
	fc.Advance(4 * time.Second)

	require.NoError(t, <-errc)
	assert.Equal(t, 3, l.Launches())
	assert.Equal(t, StateReady, s.State())
}

func TestStartExhaustsAttempts(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	l := &FuncLauncher{Fail: func(int) error { return errors.New("boot failed") }}
	s := newSupervisor(t, l, Config{Clock: fc})

	errc := make(chan error, 1)
	go func() {
		_, err := s.EnsureReady(context.Background())
		errc <- err
	}()
	for i := 0; i < 2; i++ {
		require.Eventually(t, func() bool { return fc.Waiters() == 1 }, time.Second, time.Millisecond)
		fc.Advance(time.Minute)
	}
	err := <-errc
	require.ErrorIs(t, err, ErrRuntimeUnavailable)
	assert.Equal(t, 3, l.Launches())
	snap := s.Snapshot()
	assert.Equal(t, StateStopped, snap.State)
	assert.Equal(t, 3, snap.Starts)
	assert.Contains(t, snap.LastError, "boot failed")
}

func TestNotInitializedFailsFast(t *testing.T) {
	l := &FuncLauncher{}
	s := NewSupervisor(l, staticHandle{}, Config{})
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	_, err := s.EnsureReady(context.Background())
	require.ErrorIs(t, err, ErrNotInitialized)
	assert.Zero(t, l.Launches())
}

func TestDiedRuntimeIsRestarted(t *testing.T) {
	l := &FuncLauncher{}
	s := newSupervisor(t, l, Config{})
	ctx := context.Background()

	first, err := s.EnsureReady(ctx)
	require.NoError(t, err)
	l.Last().Kill(errors.New("oom"))
	assert.Equal(t, StateStopped, s.State())

	second, err := s.EnsureReady(ctx)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, l.Launches())
	assert.Equal(t, 1, s.Snapshot().Deaths)
}

func TestModeHintsAreAdvisory(t *testing.T) {
	l := &FuncLauncher{}
	s := newSupervisor(t, l, Config{})
	_, err := s.EnsureReady(context.Background())
	require.NoError(t, err)
	l.Last().RequestMode(ModeDemote)
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, ModeDemote, s.Snapshot().LastMode)
}

func TestStopTearsDown(t *testing.T) {
	var got []string
	l := &FuncLauncher{Handler: func(_ context.Context, handle int64, ev model.QueuedEvent) error {
		got = append(got, ev.ID)
		assert.Equal(t, int64(7), handle)
		return nil
	}}
	s := newSupervisor(t, l, Config{})
	rt, err := s.EnsureReady(context.Background())
	require.NoError(t, err)
	require.NoError(t, rt.Dispatch(context.Background(), model.QueuedEvent{ID: "e1"}))
	assert.Equal(t, []string{"e1"}, got)

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, StateStopped, s.State())
	assert.Error(t, rt.Dispatch(context.Background(), model.QueuedEvent{ID: "e2"}))
}

func TestCallerContextOnlyBoundsWait(t *testing.T) {
	l := &FuncLauncher{Silent: true}
	s := newSupervisor(t, l, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.EnsureReady(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Eventually(t, func() bool { return l.Last() != nil }, time.Second, time.Millisecond)
	l.Last().Announce()
	require.Eventually(t, func() bool { return s.State() == StateReady }, time.Second, time.Millisecond)
}
