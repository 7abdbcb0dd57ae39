package wsrt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	glog "geofenced/internal/log"
	"geofenced/internal/model"
	"geofenced/internal/runtime"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

var errDisconnected = errors.New("runtime disconnected")

type Config struct {
	// URL is the externally reachable address of ServeHTTP, e.g.
	// ws://127.0.0.1:8080/v1/runtime/ws.
	URL string
	// Spawner starts the runtime program. Nil waits for an external program
	// to dial in with the token from Pending.
	Spawner Spawner
	// StopGrace bounds how long Stop waits for the program to exit.
	StopGrace time.Duration
}

// Hub is a runtime.Launcher whose runtimes connect back over WebSocket.
type Hub struct {
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewHub(cfg Config) *Hub {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	return &Hub{cfg: cfg, log: glog.WithComponent("wsrt"), sessions: map[string]*Session{}}
}

// Launch registers a session and spawns the runtime program for it.
func (h *Hub) Launch(ctx context.Context, handle int64, hooks runtime.Hooks) (runtime.Runtime, error) {
	s := &Session{
		hub:     h,
		token:   uuid.NewString(),
		handle:  handle,
		hooks:   hooks,
		waiters: map[string]chan error{},
		done:    make(chan struct{}),
	}
	h.mu.Lock()
	h.sessions[s.token] = s
	h.mu.Unlock()

	if h.cfg.Spawner == nil {
		h.log.Info().Str("url", s.URL()).Msg("waiting for callback runtime to connect")
		return s, nil
	}
	proc, err := h.cfg.Spawner.Spawn(ctx, s.URL(), handle)
	if err != nil {
		h.forget(s.token)
		return nil, fmt.Errorf("spawn runtime: %w", err)
	}
	s.mu.Lock()
	s.proc = proc
	s.exited = make(chan struct{})
	s.mu.Unlock()
	go func() {
		err := proc.Wait()
		close(s.exited)
		if err == nil {
			err = errors.New("runtime exited")
		}
		s.terminate(err)
	}()
	return s, nil
}

// Pending lists the dial-back URLs of sessions that have not connected yet.
func (h *Hub) Pending() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, s := range h.sessions {
		if !s.isConnected() {
			out = append(out, s.URL())
		}
	}
	return out
}

func (h *Hub) lookup(token string) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[token]
}

func (h *Hub) forget(token string) {
	h.mu.Lock()
	delete(h.sessions, token)
	h.mu.Unlock()
}

// ServeHTTP accepts the dial-back connection of a launched runtime.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s := h.lookup(r.URL.Query().Get("token"))
	if s == nil {
		http.Error(w, "unknown runtime token", http.StatusUnauthorized)
		return
	}
	if s.isConnected() {
		http.Error(w, "runtime already connected", http.StatusConflict)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if !s.attach(conn) {
		_ = conn.Close()
		return
	}
	h.log.Info().Int64("handle", s.handle).Msg("callback runtime connected")
	if err := s.write(message{Type: typeHello, Handle: s.handle}); err != nil {
		s.terminate(err)
		return
	}
	s.readLoop(conn)
}

// Session is one launched runtime.
type Session struct {
	hub    *Hub
	token  string
	handle int64
	hooks  runtime.Hooks

	mu       sync.Mutex
	conn     *websocket.Conn
	proc     Process
	exited   chan struct{}
	waiters  map[string]chan error
	stopped  bool
	finished bool
	done     chan struct{}
	writeMu  sync.Mutex
}

// URL is the dial-back address for this session.
func (s *Session) URL() string {
	return s.hub.cfg.URL + "?token=" + url.QueryEscape(s.token)
}

func (s *Session) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Session) attach(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil || s.finished {
		return false
	}
	s.conn = conn
	return true
}

func (s *Session) write(m message) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errDisconnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(m)
}

func (s *Session) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(1 << 20)
	for {
		var m message
		if err := conn.ReadJSON(&m); err != nil {
			s.terminate(fmt.Errorf("%w: %v", errDisconnected, err))
			return
		}
		switch m.Type {
		case typeReady:
			s.hooks.NotifyReady()
		case typeAck:
			s.mu.Lock()
			ch, ok := s.waiters[m.ID]
			delete(s.waiters, m.ID)
			s.mu.Unlock()
			if !ok {
				s.hub.log.Warn().Str("event_id", m.ID).Msg("ack for unknown dispatch")
				continue
			}
			if m.Error != "" {
				ch <- errors.New(m.Error)
			} else {
				ch <- nil
			}
		case typeMode:
			s.hooks.NotifyMode(runtime.Mode(m.Mode))
		case typePing:
			_ = s.write(message{Type: typePong})
		default:
			s.hub.log.Debug().Str("type", m.Type).Msg("ignoring runtime frame")
		}
	}
}

// terminate ends the session once. An unexpected end is reported as a death.
func (s *Session) terminate(cause error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	stopped := s.stopped
	conn := s.conn
	waiters := s.waiters
	s.waiters = map[string]chan error{}
	close(s.done)
	s.mu.Unlock()

	s.hub.forget(s.token)
	for _, ch := range waiters {
		ch <- cause
	}
	if conn != nil {
		_ = conn.Close()
	}
	if !stopped {
		s.hub.log.Warn().Err(cause).Msg("callback runtime terminated")
		s.hooks.NotifyDied(cause)
	}
}

// Dispatch sends ev and waits for its ack.
func (s *Session) Dispatch(ctx context.Context, ev model.QueuedEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ch := make(chan error, 1)
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return errDisconnected
	}
	s.waiters[ev.ID] = ch
	s.mu.Unlock()

	if err := s.write(message{Type: typeDispatch, ID: ev.ID, Payload: payload}); err != nil {
		s.mu.Lock()
		delete(s.waiters, ev.ID)
		s.mu.Unlock()
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.waiters, ev.ID)
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Stop asks the runtime to exit and waits up to the stop grace for it.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	proc, exited := s.proc, s.exited
	s.mu.Unlock()

	_ = s.write(message{Type: typeStop})
	s.terminate(errors.New("stopped"))
	if proc == nil {
		return nil
	}
	select {
	case <-exited:
		return nil
	default:
	}
	if err := proc.Interrupt(); err != nil {
		return err
	}
	select {
	case <-exited:
	case <-time.After(s.hub.cfg.StopGrace):
		return errors.New("runtime did not exit in time")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
