package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDefinition() Definition {
	return Definition{
		ID:           "home",
		Location:     Location{Latitude: 52.37, Longitude: 4.89},
		RadiusMeters: 150,
		Triggers:     []Trigger{TriggerEnter, TriggerExit},
		AndroidSettings: AndroidSettings{
			InitialTriggers:      []Trigger{TriggerEnter},
			LoiteringDelayMillis: 0,
		},
		CallbackHandle: 42,
	}
}

func TestDefinitionValidate(t *testing.T) {
	require.NoError(t, validDefinition().Validate())

	cases := map[string]func(*Definition){
		"missing id":       func(d *Definition) { d.ID = "" },
		"latitude":         func(d *Definition) { d.Location.Latitude = 91 },
		"longitude":        func(d *Definition) { d.Location.Longitude = -180.5 },
		"zero radius":      func(d *Definition) { d.RadiusMeters = 0 },
		"no triggers":      func(d *Definition) { d.Triggers = nil },
		"unknown trigger":  func(d *Definition) { d.Triggers = []Trigger{"DWELL"} },
		"negative loiter":  func(d *Definition) { d.AndroidSettings.LoiteringDelayMillis = -1 },
		"initial triggers": func(d *Definition) { d.AndroidSettings.InitialTriggers = []Trigger{"x"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			d := validDefinition()
			mutate(&d)
			assert.Error(t, d.Validate())
		})
	}
}

func TestSetStatusMonotonicTimestamp(t *testing.T) {
	g := Geofence{Definition: validDefinition(), Status: StatusPending, StatusChangedAtMillis: 1000}

	assert.True(t, g.SetStatus(StatusActive, 900))
	assert.Equal(t, int64(1000), g.StatusChangedAtMillis, "clock went backwards")

	assert.False(t, g.SetStatus(StatusActive, 5000))
	assert.Equal(t, int64(1000), g.StatusChangedAtMillis)

	assert.True(t, g.SetStatus(StatusFailed, 2000))
	assert.Equal(t, int64(2000), g.StatusChangedAtMillis)
}

func TestActiveAndIDs(t *testing.T) {
	g := Geofence{Definition: validDefinition(), Status: StatusActive, CreatedAtMillis: 1, StatusChangedAtMillis: 2}
	a := g.Active()
	assert.Equal(t, "home", a.ID)
	assert.Equal(t, StatusActive, a.Status)
	require.NotNil(t, a.AndroidSettings)

	ev := QueuedEvent{Geofences: []ActiveGeofence{a, {ID: "work"}}}
	assert.Equal(t, []string{"home", "work"}, ev.GeofenceIDs())
}
