package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/hperssn/modtrack/internal/broadcast"
	"github.com/hperssn/modtrack/internal/config"
	"github.com/hperssn/modtrack/internal/engine"
	httpapi "github.com/hperssn/modtrack/internal/http"
	"github.com/hperssn/modtrack/internal/logging"
	"github.com/hperssn/modtrack/internal/metrics"
	"github.com/hperssn/modtrack/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	err := run(context.Background(), os.Args[1:])
	if code := exitCode(err); code != 0 {
		fmt.Fprintln(os.Stderr, "modtrack:", err)
		os.Exit(code)
	}
}

// exitCode maps the result of run to a process exit status. Asking for
// usage is not a failure.
func exitCode(err error) int {
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	return 1
}

func run(ctx context.Context, args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	logger, err := logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	var (
		collector metrics.Collector = metrics.NewNop()
		registry  *prometheus.Registry
	)
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		if collector, err = metrics.NewPrometheus(registry, "modtrack"); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	repo, err := openRepository(cfg.Storage)
	if err != nil {
		return err
	}
	defer repo.Close()

	hub := broadcast.NewHub(cfg.ViewerBuffer, logger.With("component", "broadcast"), collector)
	var publisher broadcast.Publisher = hub

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name("modtrack"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return fmt.Errorf("connect nats %s: %w", cfg.NATS.URL, err)
		}
		defer nc.Close()

		relay, err := broadcast.NewNATSRelay(nc, cfg.NATS.Subject, hub, logger.With("component", "relay"), collector)
		if err != nil {
			return err
		}
		if err := relay.Start(); err != nil {
			return err
		}
		defer relay.Close()

		publisher = broadcast.Fanout{hub, relay}
	}

	eng := engine.New(repo,
		engine.WithPublisher(publisher),
		engine.WithLocation(loc),
		engine.WithLogger(logger.With("component", "engine")),
		engine.WithMetrics(collector),
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Provision(ctx, modalitySpecs(cfg.Modalities)); err != nil {
		return err
	}
	if err := eng.CheckInvariants(ctx); err != nil {
		logger.Warn("stored board is inconsistent", "error", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(operatorMiddleware(logger, cfg.Auth.RequireOperator))
		httpapi.NewServer(eng, hub, logger.With("component", "http")).Routes(r)
	})
	if registry != nil {
		r.Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("listening", "addr", cfg.Listen, "storage", cfg.Storage.Driver, "relay", cfg.NATS.URL != "")

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	// Event streams never finish on their own.
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig(args []string) (*config.Config, error) {
	flags := pflag.NewFlagSet("modtrack", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to the YAML config file (default $"+config.EnvConfigPath+")")
	listen := flags.String("listen", "", "HTTP listen address")
	driver := flags.String("storage-driver", "", "storage driver: sqlite or postgres")
	dsn := flags.String("storage-dsn", "", "SQLite path or PostgreSQL connection string")
	natsURL := flags.String("nats-url", "", "NATS server URL for relaying events between instances")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn, error")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}

	if flags.Changed("listen") {
		cfg.Listen = *listen
	}
	if flags.Changed("storage-driver") {
		cfg.Storage.Driver = *driver
	}
	if flags.Changed("storage-dsn") {
		cfg.Storage.DSN = *dsn
	}
	if flags.Changed("nats-url") {
		cfg.NATS.URL = *natsURL
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func openRepository(cfg config.StorageConfig) (storage.Repository, error) {
	switch cfg.Driver {
	case "sqlite":
		return storage.NewSQLiteRepository(cfg.DSN)
	case "postgres":
		return storage.NewPostgresRepository(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func modalitySpecs(mods []config.ModalityConfig) []engine.ModalitySpec {
	specs := make([]engine.ModalitySpec, 0, len(mods))
	for _, m := range mods {
		specs = append(specs, engine.ModalitySpec{
			Name:         m.Name,
			Stations:     m.Stations,
			Maintenance:  m.Maintenance(),
			Optimization: m.Optimization(),
		})
	}
	return specs
}
