package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geofenced/internal/clock"
	"geofenced/internal/geofence"
	"geofenced/internal/model"
	"geofenced/internal/platform"
	"geofenced/internal/store"
)

type fixture struct {
	eng   *Engine
	store *geofence.Store
	sim   *platform.Simulator
	clock *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fc := clock.NewFake(time.Unix(1_700_000_000, 0))
	st := geofence.NewStore(store.NewMemory(), fc)
	sim := platform.NewSimulator()
	return &fixture{
		eng:   NewEngine(st, sim, Config{Clock: fc}),
		store: st,
		sim:   sim,
		clock: fc,
	}
}

func def(id string) model.Definition {
	return model.Definition{
		ID:           id,
		Location:     model.Location{Latitude: 48.85, Longitude: 2.35},
		RadiusMeters: 200,
		Triggers:     []model.Trigger{model.TriggerEnter},
	}
}

func statuses(t *testing.T, st *geofence.Store) map[string]model.Status {
	t.Helper()
	all, err := st.List(context.Background())
	require.NoError(t, err)
	out := map[string]model.Status{}
	for _, g := range all {
		out[g.ID] = g.Status
	}
	return out
}

func seed(t *testing.T, st *geofence.Store, id string, status model.Status) {
	t.Helper()
	require.NoError(t, st.Save(context.Background(), model.Geofence{Definition: def(id), Status: status}))
}

func TestCreateGeofenceRegistersAsPending(t *testing.T) {
	f := newFixture(t)
	g, err := f.eng.CreateGeofence(context.Background(), def("home"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, g.Status)
	assert.Equal(t, []string{"home"}, f.sim.Registered())

	// Re-creating the same ID never duplicates the OS entry.
	_, err = f.eng.CreateGeofence(context.Background(), def("home"))
	require.NoError(t, err)
	assert.Equal(t, []string{"home"}, f.sim.Registered())
	assert.Zero(t, f.sim.Duplicates())
}

func TestCreateGeofencePermissionFailure(t *testing.T) {
	cases := []struct {
		name  string
		perms platform.Permissions
		want  Failure
	}{
		{"fine location missing", platform.Permissions{BackgroundLocation: true, BackgroundRequired: true}, FailureLocationPermission},
		{"background missing", platform.Permissions{FineLocation: true, BackgroundRequired: true}, FailureBackgroundPermission},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.sim.SetPermissions(tc.perms)
			g, err := f.eng.CreateGeofence(context.Background(), def("home"))
			var re *RegistrationError
			require.True(t, errors.As(err, &re))
			assert.Equal(t, tc.want, re.Reason)
			assert.Equal(t, model.StatusFailed, g.Status)
			assert.Equal(t, model.StatusFailed, statuses(t, f.store)["home"])
		})
	}
}

func TestCreateGeofenceInternalFailure(t *testing.T) {
	f := newFixture(t)
	f.sim.FailNext(platform.OpRegister, platform.CodeInternalError)
	_, err := f.eng.CreateGeofence(context.Background(), def("home"))
	var re *RegistrationError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, FailureInternal, re.Reason)
	code, ok := platform.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, platform.CodeInternalError, code)
}

func TestSyncSelectsNonActive(t *testing.T) {
	f := newFixture(t)
	seed(t, f.store, "active", model.StatusActive)
	seed(t, f.store, "pending", model.StatusPending)
	seed(t, f.store, "failed", model.StatusFailed)

	res, err := f.eng.Sync(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Selected)
	assert.True(t, res.BatchOK)
	assert.Equal(t, []string{"failed", "pending"}, f.sim.Registered())
	assert.Equal(t, map[string]model.Status{
		"active":  model.StatusActive,
		"pending": model.StatusPending,
		"failed":  model.StatusPending,
	}, statuses(t, f.store))
}

func TestForcedSyncIsIdempotent(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"a", "b", "c"} {
		seed(t, f.store, id, model.StatusActive)
	}
	_, err := f.eng.Sync(context.Background(), true)
	require.NoError(t, err)
	first := statuses(t, f.store)
	firstTable := f.sim.Registered()

	_, err = f.eng.Sync(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, first, statuses(t, f.store))
	assert.Equal(t, firstTable, f.sim.Registered())
	assert.Zero(t, f.sim.Duplicates())
	for _, s := range first {
		assert.Equal(t, model.StatusPending, s)
	}
}

func TestSyncDebounce(t *testing.T) {
	f := newFixture(t)
	seed(t, f.store, "a", model.StatusPending)
	ctx := context.Background()

	res, err := f.eng.Sync(ctx, false)
	require.NoError(t, err)
	assert.False(t, res.Skipped)

	res, err = f.eng.Sync(ctx, false)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	res, err = f.eng.Sync(ctx, true)
	require.NoError(t, err)
	assert.False(t, res.Skipped, "forced sync bypasses the debounce")

	f.clock.Advance(4 * time.Second)
	res, err = f.eng.Sync(ctx, false)
	require.NoError(t, err)
	assert.True(t, res.Skipped, "forced sync restarts the window")

	f.clock.Advance(time.Second)
	res, err = f.eng.Sync(ctx, false)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
}

func TestSyncBatchFailureFallsBackToIndividual(t *testing.T) {
	f := newFixture(t)
	seed(t, f.store, "good", model.StatusPending)
	seed(t, f.store, "bad", model.StatusPending)
	f.sim.FailID("bad", platform.CodeInternalError)

	res, err := f.eng.Sync(context.Background(), true)
	require.NoError(t, err)
	assert.False(t, res.BatchOK)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []string{"bad"}, res.FailedIDs)
	assert.Equal(t, map[string]model.Status{"good": model.StatusPending, "bad": model.StatusFailed}, statuses(t, f.store))
	assert.Equal(t, []string{"good"}, f.sim.Registered())
}

func TestBatchFailureAloneNeverMarksFailed(t *testing.T) {
	f := newFixture(t)
	seed(t, f.store, "a", model.StatusPending)
	seed(t, f.store, "b", model.StatusPending)
	// Only the batch call fails; the individual retries succeed.
	f.sim.FailNext(platform.OpRegister, platform.CodeTooManyPendingIntents)

	res, err := f.eng.Sync(context.Background(), true)
	require.NoError(t, err)
	assert.False(t, res.BatchOK)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, map[string]model.Status{"a": model.StatusPending, "b": model.StatusPending}, statuses(t, f.store))
}

func TestSyncAfterOSClearedTable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.eng.CreateGeofence(ctx, def("a"))
	require.NoError(t, err)
	_, err = f.eng.CreateGeofence(ctx, def("b"))
	require.NoError(t, err)
	f.sim.Clear()
	<-f.sim.Events()

	// Deregistering IDs the OS no longer holds is not a failure.
	res, err := f.eng.Sync(ctx, true)
	require.NoError(t, err)
	assert.True(t, res.BatchOK)
	assert.Equal(t, []string{"a", "b"}, f.sim.Registered())
}

func TestSyncNotifies(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	st := geofence.NewStore(store.NewMemory(), fc)
	var topics []string
	eng := NewEngine(st, platform.NewSimulator(), Config{Clock: fc, Notify: func(topic string, _ any) {
		topics = append(topics, topic)
	}})
	_, err := eng.Sync(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, []string{"sync.completed"}, topics)
}

// gatedPlatform blocks the first Register after arming until released.
type gatedPlatform struct {
	*platform.Simulator
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedPlatform) Register(ctx context.Context, gs []model.Geofence) error {
	if g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return g.Simulator.Register(ctx, gs)
}

func TestRemoveWaitsForRunningSync(t *testing.T) {
	fc := clock.NewFake(time.Unix(1_700_000_000, 0))
	st := geofence.NewStore(store.NewMemory(), fc)
	gp := &gatedPlatform{Simulator: platform.NewSimulator(), entered: make(chan struct{}), release: make(chan struct{})}
	eng := NewEngine(st, gp, Config{Clock: fc})
	ctx := context.Background()

	_, err := eng.CreateGeofence(ctx, def("a"))
	require.NoError(t, err)

	gp.armed.Store(true)
	synced := make(chan error, 1)
	go func() {
		_, err := eng.Sync(ctx, true)
		synced <- err
	}()
	select {
	case <-gp.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("sync never reached Register")
	}

	removed := make(chan error, 1)
	go func() { removed <- eng.Remove(ctx, "a") }()
	assert.Never(t, func() bool { return len(removed) > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"remove must wait for the running pass")

	close(gp.release)
	require.NoError(t, <-synced)
	require.NoError(t, <-removed)

	assert.Empty(t, gp.Registered(), "the OS holds no region without a record")
	ids, err := st.ListIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRemoveUnknownAndRemoveAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.eng.Remove(ctx, "ghost")
	assert.ErrorIs(t, err, ErrUnknownGeofence)

	for _, id := range []string{"a", "b"} {
		_, err := f.eng.CreateGeofence(ctx, def(id))
		require.NoError(t, err)
	}
	n, err := f.eng.RemoveAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, f.sim.Registered())
	assert.Empty(t, statuses(t, f.store))
}
