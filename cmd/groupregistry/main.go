package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"groupregistry/internal/config"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "groupregistry",
		Short:         "Schema group registry",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCommand())

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func serveCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the registry HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.FromEnv(); err != nil {
				return err
			}
			if err := applyFlags(cmd, &cfg); err != nil {
				return err
			}
			setupLogging(cfg.Debug)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "YAML configuration file")
	f.String("http-addr", "", "HTTP server address")
	f.String("backend", "", "Table store: memory, nats or pebble")
	f.String("nats-url", "", "NATS server URL")
	f.String("bucket", "", "JetStream KV bucket holding the registry tables")
	f.String("pebble-dir", "", "Pebble data directory")
	f.Uint64("max-retries", 0, "Retries of a conflicting group write")
	f.Bool("metrics", false, "Serve Prometheus metrics on /metrics")
	f.Bool("debug", false, "Enable debug logging")
	f.Bool("test", false, "Start an embedded NATS server when none is reachable")
	return cmd
}

// applyFlags overrides cfg with the flags set on the command line.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("http-addr") {
		cfg.HTTPAddr, _ = f.GetString("http-addr")
	}
	if f.Changed("backend") {
		b, _ := f.GetString("backend")
		cfg.Backend = config.Backend(b)
	}
	if f.Changed("nats-url") {
		cfg.NATSURL, _ = f.GetString("nats-url")
	}
	if f.Changed("bucket") {
		cfg.Bucket, _ = f.GetString("bucket")
	}
	if f.Changed("pebble-dir") {
		cfg.PebbleDir, _ = f.GetString("pebble-dir")
	}
	if f.Changed("max-retries") {
		cfg.Retry.MaxRetries, _ = f.GetUint64("max-retries")
	}
	if f.Changed("metrics") {
		cfg.Metrics, _ = f.GetBool("metrics")
	}
	if f.Changed("debug") {
		cfg.Debug, _ = f.GetBool("debug")
	}
	if f.Changed("test") {
		cfg.TestMode, _ = f.GetBool("test")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func setupLogging(debug bool) {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	logHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(logHandler))
}
