package api

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"geofenced/internal/auth"
	glog "geofenced/internal/log"
	"geofenced/internal/metrics"
	"geofenced/internal/model"
	"geofenced/internal/platform"
	"geofenced/internal/queue"
	"geofenced/internal/reconcile"
	"geofenced/internal/runtime"
)

// Engine is the part of engine.Manager the HTTP surface drives.
type Engine interface {
	Initialize(ctx context.Context, handle int64) error
	CreateGeofence(ctx context.Context, def model.Definition) (model.ActiveGeofence, error)
	RemoveGeofence(ctx context.Context, id string) error
	RemoveAll(ctx context.Context) error
	ListIDs(ctx context.Context) ([]string, error)
	ListActive(ctx context.Context) ([]model.ActiveGeofence, error)
	Sync(ctx context.Context, force bool) (reconcile.Result, error)
	HandleEvent(ctx context.Context, ev platform.Event) error
	OnBootCompleted(ctx context.Context) error
	OnPackageReplaced(ctx context.Context) error
	OnProviderChanged(ctx context.Context, enabled bool) error
	EnsureRuntime(ctx context.Context) error
	StopRuntime(ctx context.Context) error
	QueueSnapshot() queue.Snapshot
	PendingEvents() []model.QueuedEvent
	RuntimeSnapshot() runtime.Snapshot
}

type Options struct {
	// EventsPerMinute limits trigger injection per client IP. Default 120.
	EventsPerMinute int
	// Auth guards /v1 except the runtime socket. Nil leaves it open.
	Auth *auth.Verifier
	// RuntimeSocket serves callback runtime dial-backs; nil disables the route.
	RuntimeSocket http.Handler
	Logs          *glog.Forwarder
	// Debug is merged into the /debug document. func() any values are
	// evaluated per request.
	Debug map[string]any
	// Heartbeat is the SSE keep-alive interval. Default 15s.
	Heartbeat time.Duration
}

type Server struct {
	Engine Engine
	Broker EventBroker
	opts   Options
	ready  atomic.Bool
	log    zerolog.Logger
}

func NewServer(e Engine, b EventBroker, opts Options) *Server {
	if opts.EventsPerMinute <= 0 {
		opts.EventsPerMinute = 120
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	return &Server{Engine: e, Broker: b, opts: opts, log: glog.WithComponent("api")}
}

// SetReady flips /readyz once the engine has started.
func (s *Server) SetReady(v bool) { s.ready.Store(v) }

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(s.observe)

	r.Get("/healthz", s.HealthHandler)
	r.Get("/readyz", s.ReadyHandler)
	r.Get("/debug", s.DebugJSON)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	r.Get("/openapi.yaml", s.OpenAPIHandler)
	r.Get("/openapi.json", s.OpenAPIJSONHandler)
	r.Get("/docs", s.DocsHandler)

	r.Route("/v1", func(r chi.Router) {
		// Runtimes authenticate with their launch token.
		if s.opts.RuntimeSocket != nil {
			r.Handle("/runtime/ws", s.opts.RuntimeSocket)
		}

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Group(func(r chi.Router) {
				r.Use(s.requireRole(auth.RoleApp))
				r.Post("/initialize", s.InitializeHandler)
				r.Route("/geofences", func(r chi.Router) {
					r.Post("/", s.CreateGeofenceHandler)
					r.Get("/", s.ListGeofencesHandler)
					r.Delete("/", s.RemoveAllHandler)
					r.Get("/ids", s.ListIDsHandler)
					r.Delete("/{id}", s.RemoveGeofenceHandler)
				})
				r.Post("/sync", s.SyncHandler)
				r.Get("/queue", s.QueueHandler)
				r.Get("/runtime", s.RuntimeHandler)
				r.Post("/runtime/start", s.RuntimeStartHandler)
				r.Post("/runtime/stop", s.RuntimeStopHandler)
				r.Get("/logs", s.LogsHandler)
				r.Get("/events/stream", s.EventStreamHandler)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requireRole(auth.RolePlatform))
				r.Post("/signals/{signal}", s.SignalHandler)
				r.With(httprate.Limit(
					s.opts.EventsPerMinute,
					time.Minute,
					httprate.WithKeyFuncs(httprate.KeyByIP),
					httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
						w.Header().Set("Retry-After", "60")
						writeProblem(w, http.StatusTooManyRequests, "Rate limit exceeded", "too many platform events", r.URL.Path)
					}),
				)).Post("/platform/events", s.PlatformEventHandler)
			})
		})
	})
	return r
}

// observe records request metrics by route pattern and logs each request.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start)

		pattern := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			pattern = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		code := strconv.Itoa(status)
		metrics.HTTPRequests.WithLabelValues(r.Method, pattern, code).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, pattern, code).Observe(dur.Seconds())
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", dur).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
