package engine

import (
	"geofenced/internal/model"
)

// Notifier receives engine notifications for fan-out. It must not block.
type Notifier func(topic string, payload any)

// queueObserver forwards queue transitions to the notifier.
type queueObserver struct{ notify Notifier }

func (o queueObserver) Enqueued(ev model.QueuedEvent, depth int) {
	o.notify("queue.enqueued", map[string]any{"id": ev.ID, "geofenceIds": ev.GeofenceIDs(), "event": ev.Event, "depth": depth})
}

func (o queueObserver) Evicted(ev model.QueuedEvent) {
	o.notify("queue.evicted", map[string]any{"id": ev.ID, "geofenceIds": ev.GeofenceIDs()})
}

func (o queueObserver) Delivered(ev model.QueuedEvent, err error) {
	payload := map[string]any{"id": ev.ID, "geofenceIds": ev.GeofenceIDs(), "ok": err == nil}
	if err != nil {
		payload["error"] = err.Error()
	}
	o.notify("queue.delivered", payload)
}

func (o queueObserver) Drained() { o.notify("queue.drained", nil) }
