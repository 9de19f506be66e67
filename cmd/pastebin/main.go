package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"pastebin-lite/internal/config"
	"pastebin-lite/internal/httpserver"
	"pastebin-lite/internal/id"
	"pastebin-lite/internal/metrics"
	"pastebin-lite/internal/telemetry"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	loaded, loadErr := config.Load()
	cfg := &loaded
	logLevel := cfg.LogLevel.String()

	root := &cobra.Command{
		Use:          "pastebin",
		Short:        "A small paste service with expiring and view-limited pastes",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if loadErr != nil {
				return fmt.Errorf("load config: %w", loadErr)
			}
			level, err := config.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			cfg.LogLevel = level
			return cfg.Validate()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.StoreDriver, "store", cfg.StoreDriver, "store driver: memory, bolt, sqlite, postgres, redis, mongodb, dynamodb")
	flags.StringVar(&cfg.DataPath, "data", cfg.DataPath, "path to data file (bolt, sqlite)")
	flags.StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "postgres connection string")
	flags.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "redis address")
	flags.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "redis database number")
	flags.StringVar(&cfg.MongoURI, "mongo-uri", cfg.MongoURI, "mongodb connection uri")
	flags.StringVar(&cfg.MongoDatabase, "mongo-db", cfg.MongoDatabase, "mongodb database name")
	flags.StringVar(&cfg.DynamoTable, "dynamo-table", cfg.DynamoTable, "dynamodb table name")
	flags.StringVar(&cfg.DynamoRegion, "dynamo-region", cfg.DynamoRegion, "dynamodb region")
	flags.StringVar(&cfg.DynamoEndpoint, "dynamo-endpoint", cfg.DynamoEndpoint, "dynamodb endpoint override")
	flags.StringVar(&logLevel, "log-level", logLevel, "log level: debug, info, warn, error")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: text or json")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *cfg)
		},
	}
	sf := serve.Flags()
	sf.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	sf.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "canonical base URL (optional)")
	sf.BoolVar(&cfg.TrustProxy, "behind-proxy", cfg.TrustProxy, "trust proxy headers for client IP and scheme")
	sf.IntVar(&cfg.MaxBytes, "max-bytes", cfg.MaxBytes, "maximum paste size in bytes")
	sf.IntVar(&cfg.IDLength, "id-length", cfg.IDLength, "length of generated paste ids")
	sf.DurationVar(&cfg.JanitorInterval, "janitor-interval", cfg.JanitorInterval, "interval between expired paste sweeps")
	sf.BoolVar(&cfg.TestMode, "test-mode", cfg.TestMode, "honour the x-test-now-ms request header and disable wall-clock expiry sweeps")
	sf.BoolVar(&cfg.TracingEnabled, "tracing", cfg.TracingEnabled, "export traces over OTLP gRPC")
	sf.StringVar(&cfg.OTLPEndpoint, "otlp-endpoint", cfg.OTLPEndpoint, "OTLP gRPC collector endpoint")

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired pastes once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd, *cfg)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "pastebin %s (commit %s, %s)\n", version, commit, runtime.Version())
			return err
		},
	}
	// version works even with a broken environment.
	versionCmd.PersistentPreRunE = func(*cobra.Command, []string) error { return nil }

	root.AddCommand(serve, sweep, versionCmd)
	return root
}

func newLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func runServe(parent context.Context, cfg config.Config) error {
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed opening data store", "error", err, "store", cfg.StoreDriver)
		return err
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	var tracer trace.Tracer
	if cfg.TracingEnabled {
		shutdownTracing, err := telemetry.Init(ctx, cfg.OTLPEndpoint, cfg.ServiceName)
		if err != nil {
			logger.Error("failed to init tracing", "error", err)
			return err
		}
		defer func() {
			c, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := shutdownTracing(c); err != nil {
				logger.Error("tracing shutdown error", "error", err)
			}
		}()
		tracer = telemetry.Tracer()
	}

	srv, err := httpserver.New(httpserver.Config{
		Store:       store,
		IDGenerator: id.New(cfg.IDLength),
		MaxBytes:    cfg.MaxBytes,
		TrustProxy:  cfg.TrustProxy,
		BaseURL:     cfg.BaseURL,
		TestMode:    cfg.TestMode,
		Logger:      logger,
		Metrics:     m,
		Gatherer:    registry,
		Tracer:      tracer,
	})
	if err != nil {
		logger.Error("failed to construct server", "error", err)
		return err
	}
	if cfg.TestMode {
		logger.Warn("test mode enabled: x-test-now-ms overrides the clock")
	}

	handler := srv.Handler()
	if cfg.TracingEnabled {
		handler = otelhttp.NewHandler(handler, "http")
	}

	srv.StartJanitor(ctx, cfg.JanitorInterval)

	srvHTTP := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr, "store", cfg.StoreDriver)
		if err := srvHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srvHTTP.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	case err := <-errCh:
		logger.Error("http server error", "error", err)
		return err
	}

	logger.Info("shutdown complete")
	return nil
}

func runSweep(cmd *cobra.Command, cfg config.Config) error {
	logger := newLogger(cfg)
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	removed, err := httpserver.Sweep(ctx, store, time.Now(), logger, nil)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired pastes\n", removed)
	return err
}
