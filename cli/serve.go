package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/flowforge-io/flowforge/actions"
	"github.com/flowforge-io/flowforge/bus"
	"github.com/flowforge-io/flowforge/core"
	"github.com/flowforge-io/flowforge/engine"
	"github.com/flowforge-io/flowforge/graph"
	ffotel "github.com/flowforge-io/flowforge/otel"
	"github.com/flowforge-io/flowforge/server"
	"github.com/flowforge-io/flowforge/store"
	"github.com/flowforge-io/flowforge/timeline"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the workflow engine HTTP server",
		RunE:  runServe,
	}

	cmd.Flags().IntP("port", "p", 8080, "Listen port")
	cmd.Flags().String("host", "0.0.0.0", "Listen host")
	cmd.Flags().String("cors-origin", "", "Allowed CORS origin")
	cmd.Flags().String("sqlite-path", "", "Path to SQLite database (default: ~/.flowforge/flowforge.db)")
	cmd.Flags().String("config", "", "Path to flowforge.yaml config")
	cmd.Flags().Int("workers", 0, "Step dispatch worker count (default: 4)")
	cmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for traces (disables tracing when empty)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := slog.Default()

	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}

	sqlitePath, _ := cmd.Flags().GetString("sqlite-path")
	dsn, err := resolveSQLitePath(sqlitePath, cfg.SQLite.Path)
	if err != nil {
		return err
	}

	// Optional tracing. Metrics handlers attach to whatever global meter
	// provider the process carries.
	otelEndpoint, _ := cmd.Flags().GetString("otel-endpoint")
	if otelEndpoint == "" {
		otelEndpoint = cfg.Telemetry.Endpoint
	}
	if otelEndpoint != "" {
		shutdown, err := ffotel.SetupTracing(cmd.Context(), ffotel.TracingConfig{
			Endpoint:    otelEndpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			return fmt.Errorf("initializing tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	// --- Storage ---
	engineStore, err := store.NewSQLiteStore(store.SQLiteStoreConfig{DSN: dsn})
	if err != nil {
		return fmt.Errorf("opening sqlite store: %w", err)
	}
	defer func() {
		_ = engineStore.Close()
	}()

	eventStore, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{
		DSN:            dsn,
		RetentionAge:   cfg.Events.RetentionAge.Std(),
		RetentionCount: cfg.Events.RetentionCount,
		PruneInterval:  cfg.Events.PruneInterval.Std(),
	})
	if err != nil {
		return fmt.Errorf("opening sqlite event store: %w", err)
	}
	defer func() {
		_ = eventStore.Close()
	}()

	scheduleStore, err := server.NewSQLiteScheduleStore(engineStore.DB())
	if err != nil {
		return fmt.Errorf("opening schedule store: %w", err)
	}

	// --- Event fan-out ---
	eventBus := bus.NewMemBus(bus.MemBusConfig{SubscriberBufferSize: cfg.Events.BufferSize})
	storeSub := bus.NewStoreSubscriber(eventStore, logger)

	metricsHandler, err := ffotel.NewMetricsHandler(otelapi.GetMeterProvider().Meter("flowforge/engine"))
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	tracingHandler := ffotel.NewTracingHandler(otelapi.GetTracerProvider().Tracer("flowforge/engine"))

	// --- Engine ---
	queue := engine.NewQueue(engineStore, engine.WithQueueLogger(logger))
	defer queue.Close()

	if _, err := ffotel.NewQueueDepthGauge(otelapi.GetMeterProvider().Meter("flowforge/engine"), queue.Len); err != nil {
		return fmt.Errorf("registering queue gauge: %w", err)
	}

	registry := core.NewActionRegistry()
	actions.RegisterBuiltins(registry, graph.NewPredicateEngine())

	runnerOpts := []engine.RunnerOption{
		engine.WithLogger(logger),
		engine.WithEventHandler(engine.MultiEventHandler(
			eventBus.Publish,
			storeSub.Handle,
			metricsHandler.Handle,
			tracingHandler.Handle,
		)),
	}
	workers, _ := cmd.Flags().GetInt("workers")
	if workers == 0 {
		workers = cfg.Engine.Workers
	}
	if workers > 0 {
		runnerOpts = append(runnerOpts, engine.WithWorkers(workers))
	}
	if d := cfg.Engine.DefaultTimeout.Std(); d > 0 {
		runnerOpts = append(runnerOpts, engine.WithDefaultTimeout(d))
	}
	if base, cap := cfg.Engine.BackoffBase.Std(), cfg.Engine.BackoffCap.Std(); base > 0 && cap > 0 {
		runnerOpts = append(runnerOpts, engine.WithBackoff(base, cap))
	}

	runner := engine.NewRunner(engineStore, queue, registry, runnerOpts...)
	if err := runner.Start(cmd.Context()); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer runner.Stop()

	// --- Cron scheduler ---
	scheduler, err := server.NewScheduler(server.SchedulerConfig{
		Starter:      runner,
		Store:        scheduleStore,
		PollInterval: cfg.Scheduler.PollInterval.Std(),
		BatchLimit:   cfg.Scheduler.BatchLimit,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	scheduler.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = scheduler.Stop(stopCtx)
	}()

	// --- HTTP API ---
	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	if corsOrigin == "" {
		corsOrigin = cfg.HTTP.CORSOrigin
	}

	api := server.NewServer(server.ServerConfig{
		Store:         engineStore,
		ScheduleStore: scheduleStore,
		Runner:        runner,
		Reporter:      timeline.NewReporter(engineStore, queue, logger),
		Bus:           eventBus,
		EventStore:    eventStore,
		CORSOrigin:    corsOrigin,
		MaxBody:       cfg.HTTP.MaxBody,
		Logger:        logger,
	})

	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	if cfg.HTTP.Host != "" && !cmd.Flags().Changed("host") {
		host = cfg.HTTP.Host
	}
	if cfg.HTTP.Port != 0 && !cmd.Flags().Changed("port") {
		port = cfg.HTTP.Port
	}

	readTimeout := cfg.HTTP.ReadTimeout.Std()
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}
	writeTimeout := cfg.HTTP.WriteTimeout.Std()
	if writeTimeout == 0 {
		// SSE streams hold the response open well past a normal request.
		writeTimeout = 10 * time.Minute
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      api.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	// Signal handling
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "FlowForge engine listening on %s\n", addr)
		if cfg.HTTP.TLSCert != "" && cfg.HTTP.TLSKey != "" {
			errCh <- httpServer.ListenAndServeTLS(cfg.HTTP.TLSCert, cfg.HTTP.TLSKey)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		_ = eventBus.Close()
		return nil
	case err := <-errCh:
		_ = eventBus.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

// loadServeConfig discovers and parses flowforge.yaml. A missing config file
// is not an error; all settings then come from flags and defaults.
func loadServeConfig(cmd *cobra.Command) (Config, error) {
	explicitPath, _ := cmd.Flags().GetString("config")
	path, found, err := DiscoverConfigPath(explicitPath)
	if err != nil {
		return Config{}, exitError(exitConfig, "%v", err)
	}
	if !found {
		return Config{}, nil
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return Config{}, exitError(exitConfig, "%v", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Loaded config from %s\n", path)
	return cfg, nil
}
