package api

import (
	"net/http"
	"time"

	"geofenced/internal/buildinfo"
)

func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"build":   buildinfo.Info(),
		"time":    time.Now().UTC().Format(time.RFC3339),
		"queue":   s.Engine.QueueSnapshot(),
		"runtime": s.Engine.RuntimeSnapshot(),
	}
	for k, v := range s.opts.Debug {
		if f, ok := v.(func() any); ok {
			v = f()
		}
		info[k] = v
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeProblem(w, http.StatusServiceUnavailable, "Not ready", "engine is starting", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
