package api

import (
	"context"
	"sync/atomic"
)

// Relay decouples engine notifications from broker I/O. Notify never blocks;
// when the buffer is full the notification is dropped and counted.
type Relay struct {
	broker  EventBroker
	ch      chan SSEEvent
	dropped atomic.Uint64
}

func NewRelay(b EventBroker, size int) *Relay {
	if size <= 0 {
		size = 256
	}
	return &Relay{broker: b, ch: make(chan SSEEvent, size)}
}

// Notify matches engine.Notifier.
func (r *Relay) Notify(topic string, payload any) {
	select {
	case r.ch <- SSEEvent{Type: topic, Data: payload}:
	default:
		r.dropped.Add(1)
	}
}

// Dropped counts notifications lost to a full buffer.
func (r *Relay) Dropped() uint64 { return r.dropped.Load() }

// Run publishes buffered notifications until ctx is done, then flushes what is left.
func (r *Relay) Run(ctx context.Context) error {
	for {
		select {
		case evt := <-r.ch:
			r.broker.Publish(StreamEvents, evt)
		case <-ctx.Done():
			for {
				select {
				case evt := <-r.ch:
					r.broker.Publish(StreamEvents, evt)
				default:
					return nil
				}
			}
		}
	}
}
