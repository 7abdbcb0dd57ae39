package platform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geofenced/internal/model"
)

func gf(id string) model.Geofence {
	return model.Geofence{Definition: model.Definition{ID: id, RadiusMeters: 100, Triggers: []model.Trigger{model.TriggerEnter}}}
}

func TestSimulatorRegisterAndDeregister(t *testing.T) {
	s := NewSimulator()
	ctx := context.Background()

	require.NoError(t, s.Register(ctx, []model.Geofence{gf("b"), gf("a")}))
	assert.Equal(t, []string{"a", "b"}, s.Registered())

	require.NoError(t, s.Register(ctx, []model.Geofence{gf("a")}))
	assert.Equal(t, 1, s.Duplicates())

	err := s.Deregister(ctx, []string{"a", "zzz"})
	assert.True(t, IsNotRegistered(err))
	assert.Equal(t, []string{"b"}, s.Registered())

	require.NoError(t, s.DeregisterAll(ctx))
	assert.Empty(t, s.Registered())
}

func TestSimulatorBatchIsAllOrNothing(t *testing.T) {
	s := NewSimulator()
	s.FailID("bad", CodeInternalError)
	err := s.Register(context.Background(), []model.Geofence{gf("ok"), gf("bad")})
	code, ok := CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, CodeInternalError, code)
	assert.Empty(t, s.Registered())

	s.FailID("bad", 0)
	require.NoError(t, s.Register(context.Background(), []model.Geofence{gf("ok"), gf("bad")}))
}

func TestSimulatorLimitAndPermissions(t *testing.T) {
	s := NewSimulator()
	s.SetLimit(1)
	require.NoError(t, s.Register(context.Background(), []model.Geofence{gf("a")}))
	code, _ := CodeOf(s.Register(context.Background(), []model.Geofence{gf("b")}))
	assert.Equal(t, CodeTooManyGeofences, code)

	s.SetPermissions(Permissions{FineLocation: true, BackgroundRequired: true})
	code, _ = CodeOf(s.Register(context.Background(), []model.Geofence{gf("a")}))
	assert.Equal(t, CodeInsufficientPermission, code)
}

func TestSimulatorFailNextIsConsumed(t *testing.T) {
	s := NewSimulator()
	s.FailNext(OpRegister, CodeTimeout)
	require.Error(t, s.Register(context.Background(), []model.Geofence{gf("a")}))
	require.NoError(t, s.Register(context.Background(), []model.Geofence{gf("a")}))
	assert.Equal(t, 2, s.RegisterCalls())
}

func TestSimulatorClearAndFire(t *testing.T) {
	s := NewSimulator()
	require.NoError(t, s.Register(context.Background(), []model.Geofence{gf("a"), gf("b")}))

	assert.False(t, s.Fire(model.TriggerEnter, nil, "unknown"))
	assert.True(t, s.Fire(model.TriggerEnter, nil, "a", "unknown", "b"))
	ev := <-s.Events()
	assert.Equal(t, []string{"a", "b"}, ev.RegionIDs)
	assert.Equal(t, model.TriggerEnter, ev.Transition)
	require.NoError(t, ev.Validate())

	s.Clear()
	ev = <-s.Events()
	assert.True(t, ev.IsError())
	assert.Equal(t, CodeGeofenceNotAvailable, ev.ErrorCode)
	assert.Empty(t, s.Registered())
}

func TestEventValidate(t *testing.T) {
	assert.Error(t, Event{Transition: model.TriggerEnter}.Validate())
	assert.Error(t, Event{RegionIDs: []string{"a"}, Transition: "DWELL"}.Validate())
	assert.NoError(t, Event{ErrorCode: CodeTimeout}.Validate())
	assert.Equal(t, "UNKNOWN(77)", Code(77).String())
}
