package log

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultForwardBuffer is how many warning/error entries are retained for the application.
const DefaultForwardBuffer = 50

// Entry is a forwarded log line.
type Entry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Sink receives forwarded entries as they are logged. Implementations must not block.
type Sink func(Entry)

// Forwarder is a zerolog hook that keeps the most recent warning and error
// entries in a bounded buffer so they can be surfaced to the application.
type Forwarder struct {
	mu      sync.Mutex
	entries []Entry
	max     int
	sink    Sink
}

// NewForwarder returns a Forwarder retaining at most max entries.
func NewForwarder(max int) *Forwarder {
	if max <= 0 {
		max = DefaultForwardBuffer
	}
	return &Forwarder{max: max}
}

// SetSink installs a live sink. Passing nil detaches it; entries keep buffering.
func (f *Forwarder) SetSink(s Sink) {
	f.mu.Lock()
	f.sink = s
	f.mu.Unlock()
}

// Run implements zerolog.Hook.
func (f *Forwarder) Run(_ *zerolog.Event, level zerolog.Level, msg string) {
	if level < zerolog.WarnLevel || level == zerolog.NoLevel {
		return
	}
	e := Entry{Level: level.String(), Message: msg, Time: time.Now().UTC()}
	f.mu.Lock()
	if len(f.entries) >= f.max {
		f.entries = f.entries[1:]
	}
	f.entries = append(f.entries, e)
	sink := f.sink
	f.mu.Unlock()
	if sink != nil {
		sink(e)
	}
}

// Entries returns a copy of the buffered entries, oldest first.
func (f *Forwarder) Entries() []Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Entry, len(f.entries))
	copy(out, f.entries)
	return out
}
