package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"groupregistry/internal/config"
	"groupregistry/internal/metrics"
	"groupregistry/internal/rest"
	"groupregistry/internal/schema"
	"groupregistry/internal/schema/group"
	"groupregistry/internal/storage"
	"groupregistry/internal/storage/memory"
	"groupregistry/internal/storage/natskv"
	pebblestore "groupregistry/internal/storage/pebble"

	natsd "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

type server struct {
	cfg        config.Config
	metrics    *metrics.Metrics
	tables     storage.TableStore
	nc         *nats.Conn
	natsServer *natsd.Server
	natsDir    string
	http       *http.Server
}

func run(ctx context.Context, cfg config.Config) error {
	slog.Info("Starting group registry", "config", cfg)

	s := &server{cfg: cfg}
	defer s.close()

	if cfg.Metrics {
		s.metrics = metrics.New(metrics.Config{ServiceName: "groupregistry", EnableDefaultCollectors: true})
	}
	if err := s.openTables(); err != nil {
		return err
	}

	opts := schema.Options{Group: group.DefaultOptions()}
	opts.Group.Retry = cfg.Retry.Policy()
	var handler http.Handler
	if s.metrics != nil {
		opts.Observer = s.metrics
		opts.Group.Metrics = s.metrics
		handler = s.metrics.Handler()
	}
	registry := schema.New(s.tables, opts)
	if err := registry.Init(ctx); err != nil {
		return fmt.Errorf("init registry: %w", err)
	}

	s.http = &http.Server{Addr: cfg.HTTPAddr, Handler: rest.SetupRouter(registry, handler)}
	errc := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}
	return s.shutdown(5 * time.Second)
}

func (s *server) openTables() error {
	switch s.cfg.Backend {
	case config.BackendMemory:
		slog.Warn("Using in-memory tables; registry contents are lost on exit")
		s.tables = memory.New()
		return nil
	case config.BackendPebble:
		opts := pebblestore.Options{DataDir: s.cfg.PebbleDir, Fsync: pebblestore.FsyncModeAlways}
		if s.metrics != nil {
			opts.Metrics = s.metrics
		}
		tables, err := pebblestore.Open(opts)
		if err != nil {
			return fmt.Errorf("open pebble: %w", err)
		}
		s.tables = tables
		return nil
	default:
		return s.openNATS()
	}
}

func (s *server) connect(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("Group Registry"),
		nats.Timeout(5*time.Second),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			slog.Error("NATS error", "error", err)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Error("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
}

func (s *server) openNATS() error {
	slog.Debug("Connecting to NATS", "url", s.cfg.NATSURL)
	nc, err := s.connect(s.cfg.NATSURL)
	if err != nil && s.cfg.TestMode {
		slog.Info("Failed to connect to external NATS server, starting embedded server")
		if err := s.startEmbeddedNATS(); err != nil {
			return fmt.Errorf("start embedded NATS server: %w", err)
		}
		nc, err = s.connect(s.natsServer.ClientURL())
	}
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	s.nc = nc
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	js, err := nc.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		return fmt.Errorf("JetStream context: %w", err)
	}

	const maxAttempts = 5
	for i := 1; ; i++ {
		slog.Debug("Opening registry bucket", "name", s.cfg.Bucket, "attempt", i)
		tables, err := natskv.Open(js, s.cfg.Bucket)
		if err == nil {
			s.tables = tables
			return nil
		}
		if i == maxAttempts {
			return fmt.Errorf("open bucket %s: %w", s.cfg.Bucket, err)
		}
		slog.Debug("Retrying bucket creation", "error", err)
		time.Sleep(time.Second)
	}
}

func (s *server) startEmbeddedNATS() error {
	dir, err := os.MkdirTemp("", "nats-data-*")
	if err != nil {
		return fmt.Errorf("create temp directory: %w", err)
	}
	s.natsDir = dir

	ns, err := natsd.NewServer(&natsd.Options{
		JetStream:  true,
		Port:       -1,
		Host:       "127.0.0.1",
		StoreDir:   dir,
		MaxPayload: 8 * 1024 * 1024,
	})
	if err != nil {
		return fmt.Errorf("create embedded NATS server: %w", err)
	}
	s.natsServer = ns

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		return errors.New("embedded NATS server failed to start")
	}

	timeout := time.Now().Add(5 * time.Second)
	for !ns.JetStreamEnabled() && time.Now().Before(timeout) {
		time.Sleep(100 * time.Millisecond)
	}
	if !ns.JetStreamEnabled() {
		return errors.New("JetStream failed to start")
	}
	slog.Info("Embedded NATS server started", "url", ns.ClientURL())
	return nil
}

func (s *server) shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	slog.Info("Shutting down server...")
	return s.http.Shutdown(ctx)
}

func (s *server) close() {
	if s.tables != nil {
		if err := s.tables.Close(); err != nil {
			slog.Error("Closing tables", "error", err)
		}
	}
	if s.nc != nil {
		s.nc.Close()
	}
	if s.natsServer != nil {
		slog.Info("Shutting down embedded NATS server")
		s.natsServer.Shutdown()
	}
	if s.natsDir != "" {
		os.RemoveAll(s.natsDir)
	}
}
