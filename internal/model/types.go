package model

// Core domain types shared by the store, the reconciler, the queue and the API.

// Trigger is a boundary transition the OS can report for a geofence.
type Trigger string

const (
	TriggerEnter Trigger = "ENTER"
	TriggerExit  Trigger = "EXIT"
)

// Status tracks whether the OS is known to honor a geofence registration.
type Status string

const (
	// StatusPending covers "never confirmed" and "re-registered, awaiting first trigger".
	StatusPending Status = "PENDING"
	// StatusActive is entered only after a real trigger was observed for the geofence.
	StatusActive Status = "ACTIVE"
	// StatusFailed means an individual registration attempt was rejected.
	StatusFailed Status = "FAILED"
)

type Location struct {
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
}

// IOSSettings is passed through to the platform uninterpreted.
type IOSSettings struct {
	InitialTrigger bool `json:"initialTrigger"`
}

// AndroidSettings is passed through to the platform uninterpreted.
type AndroidSettings struct {
	InitialTriggers                  []Trigger `json:"initialTriggers,omitempty" validate:"omitempty,dive,oneof=ENTER EXIT"`
	ExpirationDurationMillis         *int64    `json:"expirationDurationMillis,omitempty" validate:"omitempty,gte=0"`
	LoiteringDelayMillis             int64     `json:"loiteringDelayMillis" validate:"gte=0"`
	NotificationResponsivenessMillis *int64    `json:"notificationResponsivenessMillis,omitempty" validate:"omitempty,gte=0"`
}

// Definition is a geofence as supplied by the caller.
type Definition struct {
	ID              string          `json:"id" validate:"required,max=256"`
	Location        Location        `json:"location"`
	RadiusMeters    float64         `json:"radiusMeters" validate:"gt=0"`
	Triggers        []Trigger       `json:"triggers" validate:"required,min=1,dive,oneof=ENTER EXIT"`
	IOSSettings     IOSSettings     `json:"iosSettings"`
	AndroidSettings AndroidSettings `json:"androidSettings"`
	CallbackHandle  int64           `json:"callbackHandle"`
}

// Geofence is the durable record: the definition plus its registration status.
type Geofence struct {
	Definition
	Status                Status `json:"status"`
	CreatedAtMillis       int64  `json:"createdAtMillis"`
	StatusChangedAtMillis int64  `json:"statusChangedAtMillis"`
}

// SetStatus moves the geofence to s at nowMillis. StatusChangedAtMillis never
// moves backwards, even when the wall clock does. It reports whether the status changed.
func (g *Geofence) SetStatus(s Status, nowMillis int64) bool {
	if g.Status == s {
		return false
	}
	g.Status = s
	if nowMillis > g.StatusChangedAtMillis {
		g.StatusChangedAtMillis = nowMillis
	}
	return true
}

// ActiveGeofence is the read model handed to callers and to the callback runtime.
type ActiveGeofence struct {
	ID                    string           `json:"id"`
	Location              Location         `json:"location"`
	RadiusMeters          float64          `json:"radiusMeters"`
	Triggers              []Trigger        `json:"triggers"`
	AndroidSettings       *AndroidSettings `json:"androidSettings,omitempty"`
	Status                Status           `json:"status"`
	CreatedAtMillis       int64            `json:"createdAtMillis"`
	StatusChangedAtMillis int64            `json:"statusChangedAtMillis"`
}

// Active converts the record into its read model.
func (g Geofence) Active() ActiveGeofence {
	as := g.AndroidSettings
	return ActiveGeofence{
		ID:                    g.ID,
		Location:              g.Location,
		RadiusMeters:          g.RadiusMeters,
		Triggers:              append([]Trigger(nil), g.Triggers...),
		AndroidSettings:       &as,
		Status:                g.Status,
		CreatedAtMillis:       g.CreatedAtMillis,
		StatusChangedAtMillis: g.StatusChangedAtMillis,
	}
}

// QueuedEvent is one trigger waiting to be delivered to the callback runtime.
// A single OS trigger may name several geofences; all of them travel together.
type QueuedEvent struct {
	ID                string           `json:"id"`
	Geofences         []ActiveGeofence `json:"geofences"`
	Event             Trigger          `json:"event"`
	Location          *Location        `json:"location,omitempty"`
	CallbackHandle    int64            `json:"callbackHandle"`
	TriggeredAtMillis int64            `json:"triggeredAtMillis"`
	EnqueuedAtMillis  int64            `json:"enqueuedAtMillis"`
}

// GeofenceIDs lists the IDs carried by the event in order.
func (e QueuedEvent) GeofenceIDs() []string {
	ids := make([]string, 0, len(e.Geofences))
	for _, g := range e.Geofences {
		ids = append(ids, g.ID)
	}
	return ids
}

// RetryState is the persisted backoff counter for one error class or operation.
type RetryState struct {
	AttemptCount        int   `json:"attemptCount"`
	LastAttemptAtMillis int64 `json:"lastAttemptAtMillis"`
}
