// Package queue delivers triggered geofence events to the callback runtime one
// at a time, in enqueue order, persisting the backlog on every change.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"geofenced/internal/clock"
	glog "geofenced/internal/log"
	"geofenced/internal/metrics"
	"geofenced/internal/model"
	"geofenced/internal/runtime"
	"geofenced/internal/store"
)

const (
	DefaultCapacity = 50
	storageKey      = "event_queue"
)

var ErrClosed = errors.New("event queue closed")

// State is the dispatch state of the queue.
type State string

const (
	StateIdle        State = "IDLE"
	StateDispatching State = "DISPATCHING"
	StateDrained     State = "DRAINED"
)

// Supervisor hands out a ready runtime and tears it down once the queue drains.
type Supervisor interface {
	EnsureReady(ctx context.Context) (runtime.Runtime, error)
	Stop(ctx context.Context) error
}

// Observer is told about queue transitions. Calls happen outside the queue lock.
type Observer interface {
	Enqueued(ev model.QueuedEvent, depth int)
	Evicted(ev model.QueuedEvent)
	Delivered(ev model.QueuedEvent, err error)
	Drained()
}

type nopObserver struct{}

func (nopObserver) Enqueued(model.QueuedEvent, int)    {}
func (nopObserver) Evicted(model.QueuedEvent)          {}
func (nopObserver) Delivered(model.QueuedEvent, error) {}
func (nopObserver) Drained()                           {}

type Config struct {
	Capacity int
	Clock    clock.Clock
	Observer Observer
}

// Snapshot is the externally visible queue state.
type Snapshot struct {
	State     State  `json:"state"`
	Depth     int    `json:"depth"`
	Capacity  int    `json:"capacity"`
	InFlight  string `json:"inFlight,omitempty"`
	Enqueued  uint64 `json:"enqueued"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Evicted   uint64 `json:"evicted"`
	Closed    bool   `json:"closed"`
}

type Queue struct {
	kv       store.KV
	sup      Supervisor
	clock    clock.Clock
	capacity int
	obs      Observer
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	items      []model.QueuedEvent
	processing bool
	closed     bool
	state      State
	inFlight   string
	stats      Snapshot
	// stopping is closed once the runtime teardown after a drain returns.
	stopping chan struct{}
}

func New(kv store.KV, sup Supervisor, cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		kv:       kv,
		sup:      sup,
		clock:    cfg.Clock,
		capacity: cfg.Capacity,
		obs:      cfg.Observer,
		log:      glog.WithComponent("event_queue"),
		ctx:      ctx,
		cancel:   cancel,
		state:    StateIdle,
	}
}

// Recover loads a backlog persisted by a previous process. It must run
// before the first Enqueue. The stored copy is overwritten with the in-memory
// snapshot right away, so a crash at any point leaves a complete backlog.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	b, err := q.kv.Get(ctx, storageKey)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load event queue: %w", err)
	}
	events, err := decode(b)
	if err != nil {
		q.log.Error().Err(err).Msg("discarding unreadable event queue")
		events = nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrClosed
	}
	q.items = append(events, q.items...)
	if err := q.persistLocked(ctx); err != nil {
		return len(events), err
	}
	q.log.Info().Int("queue_depth", len(q.items)).Msg("event queue recovered")
	if len(q.items) > 0 {
		q.startLocked()
	}
	return len(events), nil
}

// Enqueue appends ev, evicting the oldest undelivered event when full, and
// starts dispatching if idle.
func (q *Queue) Enqueue(ctx context.Context, ev model.QueuedEvent) (model.QueuedEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.EnqueuedAtMillis = clock.NowMillis(q.clock)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ev, ErrClosed
	}
	var evicted []model.QueuedEvent
	for len(q.items) >= q.capacity {
		// Never evict the event the runtime is working on.
		i := 0
		if q.inFlight != "" && q.items[0].ID == q.inFlight {
			i = 1
		}
		if i >= len(q.items) {
			break
		}
		evicted = append(evicted, q.items[i])
		q.items = append(q.items[:i], q.items[i+1:]...)
		q.stats.Evicted++
	}
	q.items = append(q.items, ev)
	q.stats.Enqueued++
	depth := len(q.items)
	perr := q.persistLocked(ctx)
	q.startLocked()
	q.mu.Unlock()

	for _, e := range evicted {
		metrics.QueueEvictions.Inc()
		q.log.Warn().Str("event_id", e.ID).Strs("geofence_ids", e.GeofenceIDs()).
			Int("capacity", q.capacity).Msg("event queue full; oldest event evicted")
		q.obs.Evicted(e)
	}
	q.log.Debug().Str("event_id", ev.ID).Int("queue_depth", depth).Msg("event enqueued")
	q.obs.Enqueued(ev, depth)
	if perr != nil {
		return ev, perr
	}
	return ev, nil
}

func (q *Queue) persistLocked(ctx context.Context) error {
	metrics.QueueDepth.Set(float64(len(q.items)))
	if len(q.items) == 0 {
		if err := q.kv.Delete(ctx, storageKey); err != nil {
			q.log.Error().Err(err).Msg("clear persisted event queue")
			return fmt.Errorf("persist event queue: %w", err)
		}
		return nil
	}
	b, err := encode(q.items)
	if err != nil {
		q.log.Error().Err(err).Int("queue_depth", len(q.items)).Msg("encode event queue")
		return fmt.Errorf("encode event queue: %w", err)
	}
	if err := q.kv.Set(ctx, storageKey, b); err != nil {
		q.log.Error().Err(err).Int("queue_depth", len(q.items)).Msg("persist event queue")
		return fmt.Errorf("persist event queue: %w", err)
	}
	return nil
}

func (q *Queue) startLocked() {
	if q.processing || q.closed || len(q.items) == 0 {
		return
	}
	q.processing = true
	q.state = StateDispatching
	q.wg.Add(1)
	go q.run()
}

// run drains the queue. Only one run goroutine exists at a time.
func (q *Queue) run() {
	defer q.wg.Done()
	// Dispatches are never cancelled mid-flight, only startup waits are.
	dispatchCtx := context.WithoutCancel(q.ctx)
	for {
		q.mu.Lock()
		if q.closed {
			q.processing = false
			q.state = StateIdle
			q.mu.Unlock()
			return
		}
		if len(q.items) == 0 {
			q.processing = false
			q.state = StateDrained
			// A run started by a concurrent Enqueue waits on stopped before
			// asking for a runtime.
			stopped := make(chan struct{})
			q.stopping = stopped
			q.mu.Unlock()
			if err := q.sup.Stop(dispatchCtx); err != nil {
				q.log.Warn().Err(err).Msg("stop callback runtime")
			}
			close(stopped)
			q.log.Debug().Msg("event queue drained")
			q.obs.Drained()
			return
		}
		stopping := q.stopping
		q.mu.Unlock()

		if stopping != nil {
			select {
			case <-stopping:
			case <-q.ctx.Done():
			}
		}
		rt, rerr := q.sup.EnsureReady(q.ctx)

		q.mu.Lock()
		if q.closed {
			// Keep the head for the next process.
			q.processing = false
			q.state = StateIdle
			q.mu.Unlock()
			return
		}
		head := q.items[0]
		if rerr != nil {
			q.popLocked(head.ID)
			q.stats.Failed++
			perr := q.persistLocked(dispatchCtx)
			q.mu.Unlock()
			if perr != nil {
				q.log.Warn().Err(perr).Str("event_id", head.ID).Msg("backlog not persisted after drop")
			}
			q.finish(head, "unavailable", fmt.Errorf("runtime unavailable: %w", rerr))
			continue
		}
		q.inFlight = head.ID
		q.mu.Unlock()

		derr := rt.Dispatch(dispatchCtx, head)

		q.mu.Lock()
		q.inFlight = ""
		q.popLocked(head.ID)
		status := "acked"
		if derr != nil {
			status = "failed"
			q.stats.Failed++
		} else {
			q.stats.Delivered++
		}
		perr := q.persistLocked(dispatchCtx)
		q.mu.Unlock()
		if perr != nil {
			q.log.Warn().Err(perr).Str("event_id", head.ID).Msg("backlog not persisted after delivery")
		}
		q.finish(head, status, derr)
	}
}

func (q *Queue) finish(ev model.QueuedEvent, status string, err error) {
	metrics.Deliveries.WithLabelValues(status).Inc()
	latency := clock.NowMillis(q.clock) - ev.EnqueuedAtMillis
	metrics.DeliveryLatency.WithLabelValues(status).Observe(float64(latency))
	if err != nil {
		q.log.Warn().Err(err).Str("event_id", ev.ID).Strs("geofence_ids", ev.GeofenceIDs()).
			Str("status", status).Msg("event dropped after failed delivery")
	} else {
		q.log.Info().Str("event_id", ev.ID).Strs("geofence_ids", ev.GeofenceIDs()).
			Str("event", string(ev.Event)).Int64("latency_ms", latency).Msg("event delivered")
	}
	q.obs.Delivered(ev, err)
}

// popLocked removes the event with id if it is still at the head.
func (q *Queue) popLocked(id string) {
	if len(q.items) > 0 && q.items[0].ID == id {
		q.items = q.items[1:]
	}
}

// Close stops accepting events, waits for the in-flight dispatch to finish,
// persists the remainder and stops the runtime.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	q.mu.Lock()
	err := q.persistLocked(context.WithoutCancel(ctx))
	depth := len(q.items)
	q.mu.Unlock()
	q.log.Info().Int("queue_depth", depth).Msg("event queue closed")
	if serr := q.sup.Stop(ctx); serr != nil && err == nil {
		err = serr
	}
	return err
}

// Snapshot reports the queue state and counters.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.State = q.state
	s.Depth = len(q.items)
	s.Capacity = q.capacity
	s.InFlight = q.inFlight
	s.Closed = q.closed
	return s
}

// Pending returns a copy of the undelivered events in order.
func (q *Queue) Pending() []model.QueuedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]model.QueuedEvent(nil), q.items...)
}

// Idle reports whether no dispatch loop is running.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.processing
}
