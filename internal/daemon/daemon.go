// Package daemon assembles the geofence engine, its persistence, the event
// broker and the HTTP surface from a config.Config and runs them together.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"geofenced/internal/api"
	"geofenced/internal/auth"
	"geofenced/internal/config"
	"geofenced/internal/engine"
	glog "geofenced/internal/log"
	"geofenced/internal/metrics"
	"geofenced/internal/model"
	"geofenced/internal/platform"
	"geofenced/internal/recovery"
	"geofenced/internal/runtime"
	"geofenced/internal/runtime/wsrt"
	"geofenced/internal/store"
	"geofenced/internal/webhooks"
)

const runtimeSocketPath = "/v1/runtime/ws"

type Options struct {
	// ConfigPath is watched for log level changes. Empty disables the watcher.
	ConfigPath string
	// Logs is the forwarder installed on the global logger, if any.
	Logs *glog.Forwarder
}

// App owns every long-lived component of one daemon instance.
type App struct {
	cfg    config.Config
	opts   Options
	log    zerolog.Logger
	ln     net.Listener
	kv     store.KV
	broker api.EventBroker
	relay  *api.Relay
	sim    *platform.Simulator
	mgr    *engine.Manager
	server *api.Server
}

// New opens the store and broker, binds the listener and wires the engine.
// Everything opened here is released by Run.
func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	metrics.RegisterDefault()
	a := &App{cfg: cfg, opts: opts, log: glog.WithComponent("daemon")}
	if err := a.open(ctx); err != nil {
		_ = a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) open(ctx context.Context) (err error) {
	cfg, opts := a.cfg, a.opts

	if a.kv, err = store.Open(ctx, store.Backend(cfg.Store.Backend), cfg.Store.DSN); err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	if cfg.Broker.RedisURL != "" {
		rb, err := api.NewRedisBroker(ctx, cfg.Broker.RedisURL, cfg.Broker.Channel)
		if err != nil {
			return fmt.Errorf("connect event broker: %w", err)
		}
		a.broker = rb
	} else {
		a.broker = api.NewBroker()
	}
	a.relay = api.NewRelay(a.broker, 0)
	if opts.Logs != nil {
		opts.Logs.SetSink(func(e glog.Entry) { a.relay.Notify(api.TopicLogEntry, e) })
	}

	if a.ln, err = net.Listen("tcp", cfg.Listen); err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}

	a.sim = platform.NewSimulator()
	a.sim.SetLimit(cfg.Platform.Limit)
	a.sim.SetPermissions(platform.Permissions{
		FineLocation:       true,
		BackgroundLocation: true,
		BackgroundRequired: cfg.Platform.BackgroundRequired,
	})

	launcher, socket, pending := a.launcher()
	a.mgr = engine.New(a.kv, a.sim, launcher, engine.Config{
		Capacity:       cfg.Engine.QueueCapacity,
		DebounceWindow: cfg.Engine.DebounceWindow,
		Retry: recovery.RetryConfig{
			Base:      cfg.Engine.RetryBase,
			Cap:       cfg.Engine.RetryCap,
			IdleReset: cfg.Engine.RetryIdleReset,
		},
		Runtime: runtime.Config{
			MaxStartAttempts: cfg.Runtime.MaxStartAttempts,
			StartBackoff:     cfg.Runtime.StartBackoff,
			ReadyTimeout:     cfg.Runtime.ReadyTimeout,
		},
		Notify: a.relay.Notify,
	})

	debug := map[string]any{
		"store":        cfg.Store.Backend,
		"runtimeMode":  cfg.Runtime.Mode,
		"authMode":     cfg.Auth.Mode,
		"relayDropped": func() any { return a.relay.Dropped() },
	}
	if pending != nil {
		debug["runtimePending"] = func() any { return pending() }
	}
	a.server = api.NewServer(a.mgr, a.broker, api.Options{
		EventsPerMinute: cfg.API.EventsPerMinute,
		Auth: &auth.Verifier{
			Mode:       cfg.Auth.Mode,
			Token:      cfg.Auth.Token,
			HMACSecret: []byte(cfg.Auth.HMACSecret),
		},
		RuntimeSocket:   socket,
		Logs:            opts.Logs,
		Debug:           debug,
	})
	return nil
}

// launcher picks the callback runtime transport for the configured mode.
func (a *App) launcher() (runtime.Launcher, http.Handler, func() []string) {
	rc := a.cfg.Runtime
	switch rc.Mode {
	case config.RuntimeProcess, config.RuntimeExternal:
		hc := wsrt.Config{URL: a.runtimeURL(), StopGrace: rc.StopGrace}
		if rc.Mode == config.RuntimeProcess {
			hc.Spawner = wsrt.ExecSpawner{Command: rc.Command}
		}
		hub := wsrt.NewHub(hc)
		return hub, hub, hub.Pending
	default:
		h := a.logEvent
		if rc.WebhookURL != "" {
			h = webhooks.NewSender(rc.WebhookURL, rc.WebhookSecret).Forward
		}
		return &runtime.FuncLauncher{Handler: h}, nil, nil
	}
}

// runtimeURL is the address spawned runtimes dial back to.
func (a *App) runtimeURL() string {
	if base := a.cfg.Runtime.PublicURL; base != "" {
		return strings.TrimSuffix(base, "/") + runtimeSocketPath
	}
	host, port, err := net.SplitHostPort(a.ln.Addr().String())
	if err != nil {
		return "ws://" + a.ln.Addr().String() + runtimeSocketPath
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return "ws://" + net.JoinHostPort(host, port) + runtimeSocketPath
}

func (a *App) logEvent(_ context.Context, handle int64, ev model.QueuedEvent) error {
	a.log.Info().
		Str("event_id", ev.ID).
		Str("event", string(ev.Event)).
		Strs("geofence_ids", ev.GeofenceIDs()).
		Int64("callback_handle", handle).
		Msg("geofence event delivered")
	return nil
}

// Addr is the bound listen address.
func (a *App) Addr() net.Addr { return a.ln.Addr() }

// Simulator exposes the platform the engine is registered against.
func (a *App) Simulator() *platform.Simulator { return a.sim }

// Run serves until ctx is cancelled or a component fails, then shuts the
// components down in dependency order.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Handler:           a.server.Routes(),
		ReadHeaderTimeout: a.cfg.API.ReadTimeout,
		// Streams end with the daemon.
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	relayCtx, stopRelay := context.WithCancel(context.Background())
	relayDone := make(chan error, 1)
	go func() { relayDone <- a.relay.Run(relayCtx) }()

	g.Go(func() error {
		a.log.Info().Str("addr", a.ln.Addr().String()).Msg("http server listening")
		if err := srv.Serve(a.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), a.cfg.API.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		if err := a.mgr.Start(gctx); err != nil {
			return err
		}
		a.server.SetReady(true)
		return a.mgr.Run(gctx, a.sim.Events())
	})
	g.Go(func() error {
		if err := config.Watch(gctx, a.opts.ConfigPath, a.applyConfig); err != nil {
			a.log.Warn().Err(err).Msg("config watcher stopped")
		}
		return nil
	})

	err := g.Wait()
	a.server.SetReady(false)
	cctx, cancel := context.WithTimeout(context.Background(), a.cfg.API.ShutdownTimeout)
	defer cancel()
	merr := a.mgr.Close(cctx)
	stopRelay()
	<-relayDone
	a.log.Info().Msg("daemon stopped")
	return errors.Join(err, merr, a.close())
}

// applyConfig hot-applies what can change without a restart.
func (a *App) applyConfig(cfg config.Config) {
	if err := glog.SetLevel(cfg.LogLevel); err != nil {
		a.log.Warn().Err(err).Str("level", cfg.LogLevel).Msg("log level not applied")
		return
	}
	a.log.Info().Str("level", cfg.LogLevel).Msg("log level applied")
	if cfg.Store != a.cfg.Store || cfg.Runtime.Mode != a.cfg.Runtime.Mode || cfg.Listen != a.cfg.Listen {
		a.log.Warn().Msg("store, runtime mode and listen changes need a restart")
	}
}

func (a *App) close() error {
	if a.opts.Logs != nil {
		a.opts.Logs.SetSink(nil)
	}
	var errs []error
	if a.ln != nil {
		if err := a.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if a.broker != nil {
		errs = append(errs, a.broker.Close())
	}
	if a.kv != nil {
		errs = append(errs, a.kv.Close())
	}
	return errors.Join(errs...)
}
