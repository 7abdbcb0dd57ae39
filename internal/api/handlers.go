package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"geofenced/internal/engine"
	"geofenced/internal/model"
	"geofenced/internal/platform"
)

// InitializeHandler handles POST /v1/initialize
func (s *Server) InitializeHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CallbackHandle int64 `json:"callbackHandle"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if err := s.Engine.Initialize(r.Context(), req.CallbackHandle); err != nil {
		writeEngineError(w, r, "Initialize failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// CreateGeofenceHandler handles POST /v1/geofences
func (s *Server) CreateGeofenceHandler(w http.ResponseWriter, r *http.Request) {
	var def model.Definition
	if err := decodeJSON(w, r, &def); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	g, err := s.Engine.CreateGeofence(r.Context(), def)
	if err != nil {
		code := engine.CodeOf(err)
		p := Problem{
			Type:     "about:blank",
			Title:    "Create geofence failed",
			Status:   statusFor(code),
			Detail:   err.Error(),
			Instance: r.URL.Path,
			Code:     string(code),
		}
		if g.ID != "" {
			p.Geofence = g
		}
		writeProblemBody(w, p)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// ListGeofencesHandler handles GET /v1/geofences
func (s *Server) ListGeofencesHandler(w http.ResponseWriter, r *http.Request) {
	items, err := s.Engine.ListActive(r.Context())
	if err != nil {
		writeEngineError(w, r, "List geofences failed", err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := items[:0]
		for _, g := range items {
			if strings.EqualFold(string(g.Status), status) {
				filtered = append(filtered, g)
			}
		}
		items = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// ListIDsHandler handles GET /v1/geofences/ids
func (s *Server) ListIDsHandler(w http.ResponseWriter, r *http.Request) {
	ids, err := s.Engine.ListIDs(r.Context())
	if err != nil {
		writeEngineError(w, r, "List geofence ids failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ids": ids})
}

// RemoveGeofenceHandler handles DELETE /v1/geofences/{id}
func (s *Server) RemoveGeofenceHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Engine.RemoveGeofence(r.Context(), id); err != nil {
		writeEngineError(w, r, "Remove geofence failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveAllHandler handles DELETE /v1/geofences
func (s *Server) RemoveAllHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.RemoveAll(r.Context()); err != nil {
		writeEngineError(w, r, "Remove geofences failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SyncHandler handles POST /v1/sync?force=bool
func (s *Server) SyncHandler(w http.ResponseWriter, r *http.Request) {
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid force flag", err.Error(), r.URL.Path)
			return
		}
		force = b
	}
	res, err := s.Engine.Sync(r.Context(), force)
	if err != nil {
		writeEngineError(w, r, "Sync failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SignalHandler handles POST /v1/signals/{boot|package-replaced|provider}
func (s *Server) SignalHandler(w http.ResponseWriter, r *http.Request) {
	var err error
	switch signal := chi.URLParam(r, "signal"); signal {
	case "boot":
		err = s.Engine.OnBootCompleted(r.Context())
	case "package-replaced":
		err = s.Engine.OnPackageReplaced(r.Context())
	case "provider":
		var req struct {
			Enabled *bool `json:"enabled"`
		}
		if derr := decodeJSON(w, r, &req); derr != nil || req.Enabled == nil {
			detail := "enabled is required"
			if derr != nil {
				detail = derr.Error()
			}
			writeProblem(w, http.StatusBadRequest, "Invalid provider signal", detail, r.URL.Path)
			return
		}
		err = s.Engine.OnProviderChanged(r.Context(), *req.Enabled)
	default:
		writeProblem(w, http.StatusNotFound, "Unknown signal", signal, r.URL.Path)
		return
	}
	if err != nil {
		writeEngineError(w, r, "Signal handling failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

// PlatformEventHandler handles POST /v1/platform/events. The OS shim posts
// trigger and error reports here.
func (s *Server) PlatformEventHandler(w http.ResponseWriter, r *http.Request) {
	var ev platform.Event
	if err := decodeJSON(w, r, &ev); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if err := s.Engine.HandleEvent(r.Context(), ev); err != nil {
		var ee *engine.Error
		if errors.As(err, &ee) {
			writeEngineError(w, r, "Platform event rejected", err)
			return
		}
		writeProblem(w, http.StatusInternalServerError, "Platform event failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

// QueueHandler handles GET /v1/queue
func (s *Server) QueueHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot": s.Engine.QueueSnapshot(),
		"pending":  s.Engine.PendingEvents(),
	})
}

// RuntimeHandler handles GET /v1/runtime
func (s *Server) RuntimeHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Engine.RuntimeSnapshot())
}

func (s *Server) RuntimeStartHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.EnsureRuntime(r.Context()); err != nil {
		writeEngineError(w, r, "Runtime start failed", err)
		return
	}
	writeJSON(w, http.StatusOK, s.Engine.RuntimeSnapshot())
}

func (s *Server) RuntimeStopHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.StopRuntime(r.Context()); err != nil {
		writeProblem(w, http.StatusInternalServerError, "Runtime stop failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, s.Engine.RuntimeSnapshot())
}

// LogsHandler handles GET /v1/logs: the buffered warning and error entries.
func (s *Server) LogsHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Logs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.opts.Logs.Entries()})
}

// EventStreamHandler handles GET /v1/events/stream as server-sent events.
// ?type=prefix limits the stream to matching notification types.
func (s *Server) EventStreamHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, 500, "Streaming unsupported", "", r.URL.Path)
		return
	}
	prefix := r.URL.Query().Get("type")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.Broker.Subscribe(StreamEvents)
	defer s.Broker.Unsubscribe(StreamEvents, ch)

	heartbeat := func() {
		fmt.Fprintf(w, "event: heartbeat\n")
		fmt.Fprintf(w, "data: {\"ts\":%q}\n\n", time.Now().UTC().Format(time.RFC3339))
		flusher.Flush()
	}
	heartbeat()
	ticker := time.NewTicker(s.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if prefix != "" && !strings.HasPrefix(evt.Type, prefix) {
				continue
			}
			b, err := json.Marshal(evt.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		case <-ticker.C:
			heartbeat()
		}
	}
}
