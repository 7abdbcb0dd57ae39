// Command callback-runtime is the reference callback runtime. The daemon
// spawns it (or an operator starts it) with the dial-back URL; it forwards
// each delivered geofence event to a webhook, or logs it when none is set.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	glog "geofenced/internal/log"
	"geofenced/internal/model"
	"geofenced/internal/runtime/wsrt"
	"geofenced/internal/webhooks"
)

type options struct {
	url           string
	webhookURL    string
	webhookSecret string
	modeHints     bool
	logLevel      string
}

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "callback-runtime",
		Short: "Deliver geofence events from geofenced to application code",
		Long: `Connect to a geofenced runtime hub and acknowledge each dispatched event
once the webhook accepted it.

The hub URL and callback handle are normally passed by geofenced through
GEOFENCED_RUNTIME_URL and GEOFENCED_CALLBACK_HANDLE.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.url, "url", os.Getenv(wsrt.EnvRuntimeURL), "runtime hub URL including the launch token")
	f.StringVar(&opts.webhookURL, "webhook-url", os.Getenv("GEOFENCED_WEBHOOK_URL"), "endpoint receiving events; empty only logs them")
	f.StringVar(&opts.webhookSecret, "webhook-secret", os.Getenv("GEOFENCED_WEBHOOK_SECRET"), "HMAC-SHA256 secret for the X-Signature header")
	f.BoolVar(&opts.modeHints, "mode-hints", false, "ask the daemon for foreground execution while an event is handled")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level")
	return cmd
}

func run(ctx context.Context, opts *options) error {
	if opts.url == "" {
		return fmt.Errorf("runtime hub URL required (--url or %s)", wsrt.EnvRuntimeURL)
	}
	glog.Configure(glog.Config{Level: opts.logLevel, Service: "callback-runtime"})
	logger := glog.WithComponent("main")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	handler := func(_ context.Context, handle int64, ev model.QueuedEvent) error {
		logger.Info().
			Str("event_id", ev.ID).
			Str("event", string(ev.Event)).
			Strs("geofence_ids", ev.GeofenceIDs()).
			Int64("callback_handle", handle).
			Msg("geofence event")
		return nil
	}
	if opts.webhookURL != "" {
		handler = webhooks.NewSender(opts.webhookURL, opts.webhookSecret).Forward
	}

	c := &wsrt.Client{
		URL:       opts.url,
		Handler:   handler,
		ModeHints: opts.modeHints,
		Bootstrap: func(_ context.Context, handle int64) error {
			env := os.Getenv(wsrt.EnvCallbackHandle)
			if env == "" {
				return nil
			}
			want, err := strconv.ParseInt(env, 10, 64)
			if err != nil {
				return fmt.Errorf("parse %s: %w", wsrt.EnvCallbackHandle, err)
			}
			if want != handle {
				return fmt.Errorf("hub sent callback handle %d, launched for %d", handle, want)
			}
			return nil
		},
	}
	return c.Run(ctx)
}
