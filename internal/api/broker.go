package api

import (
	"sync"
)

// StreamEvents is the stream every engine notification is published on.
const StreamEvents = "events"

// TopicLogEntry carries forwarded warning and error log lines.
const TopicLogEntry = "log.entry"

type SSEEvent struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// EventBroker fans notifications out to SSE subscribers. Publish never blocks;
// slow subscribers miss events.
type EventBroker interface {
	Subscribe(stream string) chan SSEEvent
	Unsubscribe(stream string, ch chan SSEEvent)
	Publish(stream string, evt SSEEvent)
	Close() error
}

type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan SSEEvent]struct{} // stream -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan SSEEvent]struct{}{}}
}

func (b *Broker) Subscribe(stream string) chan SSEEvent {
	ch := make(chan SSEEvent, 16)
	b.mu.Lock()
	if b.subs[stream] == nil {
		b.subs[stream] = map[chan SSEEvent]struct{}{}
	}
	b.subs[stream][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(stream string, ch chan SSEEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[stream]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, stream)
	}
	close(ch)
}

func (b *Broker) Publish(stream string, evt SSEEvent) {
	b.mu.Lock()
	m := b.subs[stream]
	for ch := range m {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.Unlock()
}

func (b *Broker) Close() error { return nil }
