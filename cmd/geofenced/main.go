// Command geofenced runs the geofence lifecycle and event-delivery daemon.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"geofenced/internal/buildinfo"
	"geofenced/internal/config"
	"geofenced/internal/daemon"
	glog "geofenced/internal/log"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "geofenced",
		Short:         "Geofence lifecycle and event-delivery daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	var configPath string
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("GEOFENCED_CONFIG"), "path to a YAML config file")
	root.AddCommand(newServeCommand(&configPath), newConfigCommand(&configPath), newVersionCommand())
	return root
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon until interrupted",
		Long: `Run the daemon until SIGINT or SIGTERM.

Settings come from the defaults, then the --config file, then GEOFENCED_*
environment variables. Log level changes in the file apply without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logs := glog.NewForwarder(glog.DefaultForwardBuffer)
			glog.Configure(glog.Config{Level: cfg.LogLevel, Forwarder: logs})
			logger := glog.WithComponent("main")
			logger.Info().
				Str("version", buildinfo.Version).
				Str("store", cfg.Store.Backend).
				Str("runtime_mode", cfg.Runtime.Mode).
				Msg("starting geofenced")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			app, err := daemon.New(ctx, cfg, daemon.Options{ConfigPath: *configPath, Logs: logs})
			if err != nil {
				return err
			}
			return app.Run(ctx)
		},
	}
}

func newConfigCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			for _, secret := range []*string{&cfg.Runtime.WebhookSecret, &cfg.Auth.Token, &cfg.Auth.HMACSecret} {
				if *secret != "" {
					*secret = "***"
				}
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			info := buildinfo.Info()
			fmt.Fprintf(cmd.OutOrStdout(), "geofenced %s (commit %s, built %s)\n", info["version"], info["commit"], info["builtAt"])
		},
	}
}
