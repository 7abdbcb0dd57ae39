package platform

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	glog "geofenced/internal/log"
	"geofenced/internal/model"
)

// DefaultLimit mirrors the per-app region limit of mobile platforms.
const DefaultLimit = 100

// Op names a Simulator call for failure injection.
type Op string

const (
	OpRegister   Op = "register"
	OpDeregister Op = "deregister"
)

// Simulator is an in-memory Platform. A batch Register is all-or-nothing.
type Simulator struct {
	mu          sync.Mutex
	table       map[string]model.Geofence
	perms       Permissions
	limit       int
	failNext    map[Op][]Code
	failIDs     map[string]Code
	registers   int
	duplicates  int
	deregisters int
	events      chan Event
	log         zerolog.Logger
}

func NewSimulator() *Simulator {
	return &Simulator{
		table:    map[string]model.Geofence{},
		perms:    Permissions{FineLocation: true, BackgroundLocation: true},
		limit:    DefaultLimit,
		failNext: map[Op][]Code{},
		failIDs:  map[string]Code{},
		events:   make(chan Event, 64),
		log:      glog.WithComponent("platform_sim"),
	}
}

func (s *Simulator) SetLimit(n int) { s.mu.Lock(); s.limit = n; s.mu.Unlock() }

func (s *Simulator) SetPermissions(p Permissions) { s.mu.Lock(); s.perms = p; s.mu.Unlock() }

// FailNext makes the next calls of op fail with the given codes, one per call.
func (s *Simulator) FailNext(op Op, codes ...Code) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[op] = append(s.failNext[op], codes...)
}

// FailID makes every Register call that includes id fail with code until cleared
// with code 0.
func (s *Simulator) FailID(id string, code Code) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code == 0 {
		delete(s.failIDs, id)
		return
	}
	s.failIDs[id] = code
}

func (s *Simulator) popFailure(op Op) (Code, bool) {
	q := s.failNext[op]
	if len(q) == 0 {
		return 0, false
	}
	s.failNext[op] = q[1:]
	return q[0], true
}

func (s *Simulator) Register(ctx context.Context, geofences []model.Geofence) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registers++
	if c, ok := s.popFailure(OpRegister); ok {
		return &Error{Code: c, Op: string(OpRegister), Msg: "injected"}
	}
	if !s.perms.FineLocation || (s.perms.BackgroundRequired && !s.perms.BackgroundLocation) {
		return &Error{Code: CodeInsufficientPermission, Op: string(OpRegister)}
	}
	added := 0
	for _, g := range geofences {
		if c, ok := s.failIDs[g.ID]; ok {
			return &Error{Code: c, Op: string(OpRegister), Msg: g.ID}
		}
		if _, ok := s.table[g.ID]; !ok {
			added++
		}
	}
	if len(s.table)+added > s.limit {
		return &Error{Code: CodeTooManyGeofences, Op: string(OpRegister)}
	}
	for _, g := range geofences {
		if _, ok := s.table[g.ID]; ok {
			// The OS replaces a region registered under the same ID; count it so
			// tests can assert deregister-before-register.
			s.duplicates++
		}
		s.table[g.ID] = g
	}
	return nil
}

func (s *Simulator) Deregister(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deregisters++
	if c, ok := s.popFailure(OpDeregister); ok {
		return &Error{Code: c, Op: string(OpDeregister), Msg: "injected"}
	}
	var missing []string
	for _, id := range ids {
		if _, ok := s.table[id]; !ok {
			missing = append(missing, id)
			continue
		}
		delete(s.table, id)
	}
	if len(missing) > 0 {
		return &Error{Code: CodeNotRegistered, Op: string(OpDeregister), Msg: fmt.Sprint(missing)}
	}
	return nil
}

func (s *Simulator) DeregisterAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deregisters++
	if c, ok := s.popFailure(OpDeregister); ok {
		return &Error{Code: c, Op: string(OpDeregister), Msg: "injected"}
	}
	s.table = map[string]model.Geofence{}
	return nil
}

func (s *Simulator) Permissions(ctx context.Context) (Permissions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perms, nil
}

// Registered returns the IDs currently in the table, sorted.
func (s *Simulator) Registered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.table))
	for id := range s.table {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Duplicates counts registrations that found the ID already present.
func (s *Simulator) Duplicates() int { s.mu.Lock(); defer s.mu.Unlock(); return s.duplicates }

// RegisterCalls counts Register invocations, failed ones included.
func (s *Simulator) RegisterCalls() int { s.mu.Lock(); defer s.mu.Unlock(); return s.registers }

// Events is the OS trigger channel.
func (s *Simulator) Events() <-chan Event { return s.events }

// Clear drops every registration, as the OS does when the location subsystem
// restarts, and reports GEOFENCE_NOT_AVAILABLE on the trigger channel.
func (s *Simulator) Clear() {
	s.mu.Lock()
	s.table = map[string]model.Geofence{}
	s.mu.Unlock()
	s.emit(Event{ErrorCode: CodeGeofenceNotAvailable})
}

// Fire reports a transition for the given regions. Only registered IDs fire;
// it returns false when none of them is registered.
func (s *Simulator) Fire(transition model.Trigger, loc *model.Location, ids ...string) bool {
	s.mu.Lock()
	var hit []string
	for _, id := range ids {
		if _, ok := s.table[id]; ok {
			hit = append(hit, id)
		}
	}
	s.mu.Unlock()
	if len(hit) == 0 {
		return false
	}
	s.emit(Event{RegionIDs: hit, Transition: transition, Location: loc})
	return true
}

func (s *Simulator) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn().Interface("event", ev).Msg("trigger channel full; event dropped")
	}
}
