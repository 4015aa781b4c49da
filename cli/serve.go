package cli

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/vinkius-labs/mcp-fusion/bus"
	"github.com/vinkius-labs/mcp-fusion/config"
	"github.com/vinkius-labs/mcp-fusion/dispatch"
	"github.com/vinkius-labs/mcp-fusion/otel"
	"github.com/vinkius-labs/mcp-fusion/server"
)

// instrumentationName scopes the meters and tracers this binary creates.
const instrumentationName = "github.com/vinkius-labs/mcp-fusion"

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve fused tools over stdio or HTTP",
		Long: "Serve hosts the demo notes registry behind the MCP protocol.\n" +
			"Configuration comes from fusion.yaml (./fusion.yaml, then\n" +
			"~/.fusion/config.yaml); flags override individual fields.",
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().String("config", "", "path to fusion.yaml (default ./fusion.yaml, then ~/.fusion/config.yaml)")
	cmd.Flags().String("transport", "", `transport to serve: "stdio" or "http"`)
	cmd.Flags().String("host", "", "HTTP listen host")
	cmd.Flags().Int("port", 0, "HTTP listen port")
	cmd.Flags().String("cors-origin", "", "Access-Control-Allow-Origin for HTTP responses")
	cmd.Flags().String("sqlite-path", "", "SQLite journal path (empty serves without a journal)")
	cmd.Flags().String("otel-endpoint", "", "OTLP/HTTP collector endpoint for trace export")
	cmd.Flags().String("log-level", "", "log level: debug, info, warn, or error")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	path, found, err := config.Discover(configPath)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	cfg := config.Default()
	if found {
		cfg, err = config.Load(path)
		if err != nil {
			return exitError(exitConfig, "%v", err)
		}
	}
	if err := applyServeFlags(cmd, cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return exitError(exitConfig, "%v", err)
	}

	// Logs go to stderr in both transports: on stdio, stdout is the
	// protocol channel.
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: cfg.Logging.SlogLevel(),
	}))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Server.OTelEndpoint != "" {
		shutdown, err := otel.SetupTracing(ctx, otel.TracingConfig{
			Endpoint:       cfg.Server.OTelEndpoint,
			ServiceName:    "mcp-fusion",
			ServiceVersion: cmd.Root().Version,
		})
		if err != nil {
			return exitError(exitRuntime, "set up tracing: %v", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("trace exporter shutdown failed", "error", err)
			}
		}()
	}

	registry := NewDemoRegistry(cfg.Limits)

	eventBus := bus.NewMemBus(bus.MemBusConfig{})
	defer eventBus.Close()

	emit := dispatch.EventEmitter(eventBus.Publish)
	var store bus.EventStore
	if cfg.Server.SQLitePath != "" {
		journal, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: cfg.Server.SQLitePath})
		if err != nil {
			return exitError(exitRuntime, "open journal %q: %v", cfg.Server.SQLitePath, err)
		}
		defer journal.Close()
		subscriber := bus.NewStoreSubscriber(journal, logger)
		publish := emit
		emit = func(e dispatch.Event) {
			publish(e)
			subscriber.Handle(e)
		}
		store = journal
		logger.Info("event journal open", "path", cfg.Server.SQLitePath)
	}

	throttled := bus.NewThrottledEmitter(emit, bus.ThrottleConfig{})
	defer throttled.Close()

	// The global providers are no-ops until SetupTracing (or an embedding
	// application) installs real ones, so this wiring is always safe.
	meter := otelapi.GetMeterProvider().Meter(instrumentationName)
	tracer := otelapi.GetTracerProvider().Tracer(instrumentationName)

	metrics, err := otel.NewMetricsHandler(meter)
	if err != nil {
		return exitError(exitRuntime, "set up metrics: %v", err)
	}
	tracing := otel.NewTracingHandler(tracer)

	observer, err := otel.NewDispatchObserver(meter, tracer)
	if err != nil {
		return exitError(exitRuntime, "set up dispatch observer: %v", err)
	}
	dispatch.SetObserver(observer)
	defer dispatch.SetObserver(nil)

	dispatcher := dispatch.New(dispatch.Config{
		Bus: throttled,
		Handler: func(e dispatch.Event) {
			tracing.Handle(e)
			metrics.Handle(e)
		},
		EmitterDecorator: func(emit dispatch.EventEmitter) dispatch.EventEmitter {
			return otel.EnrichEmitter(emit, tracing)
		},
	})

	srv := server.New(server.Config{
		Registry:   registry,
		Dispatcher: dispatcher,
		Bus:        eventBus,
		EventStore: store,
		Name:       "mcp-fusion",
		Version:    cmd.Root().Version,
		CORSOrigin: cfg.Server.CORSOrigin,
		MaxBody:    cfg.Server.MaxBody,
		Logger:     logger,
	})

	if store != nil && cfg.Journal.PruneEnabled() {
		maintenance, err := server.NewMaintenance(server.MaintenanceConfig{
			Store:     store,
			Schedule:  cfg.Journal.PruneSchedule,
			Retention: cfg.Journal.RetentionDuration(),
			Logger:    logger,
		})
		if err != nil {
			return exitError(exitConfig, "%v", err)
		}
		if err := maintenance.Start(); err != nil {
			return exitError(exitRuntime, "start journal maintenance: %v", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = maintenance.Stop(stopCtx)
		}()
	}

	switch cfg.Server.Transport {
	case config.TransportStdio:
		return serveStdio(ctx, cmd, srv, logger)
	case config.TransportHTTP:
		return serveHTTP(ctx, cfg.Server, srv, logger)
	default:
		return exitError(exitConfig, "server.transport must be %q or %q, got %q",
			config.TransportStdio, config.TransportHTTP, cfg.Server.Transport)
	}
}

// applyServeFlags overlays flags the user explicitly set onto the loaded
// config. Unset flags leave the file (or default) values alone.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()

	if flags.Changed("transport") {
		v, err := flags.GetString("transport")
		if err != nil {
			return err
		}
		cfg.Server.Transport = v
	}
	if flags.Changed("host") {
		v, err := flags.GetString("host")
		if err != nil {
			return err
		}
		cfg.Server.Host = v
	}
	if flags.Changed("port") {
		v, err := flags.GetInt("port")
		if err != nil {
			return err
		}
		cfg.Server.Port = v
	}
	if flags.Changed("cors-origin") {
		v, err := flags.GetString("cors-origin")
		if err != nil {
			return err
		}
		cfg.Server.CORSOrigin = v
	}
	if flags.Changed("sqlite-path") {
		v, err := flags.GetString("sqlite-path")
		if err != nil {
			return err
		}
		cfg.Server.SQLitePath = v
	}
	if flags.Changed("otel-endpoint") {
		v, err := flags.GetString("otel-endpoint")
		if err != nil {
			return err
		}
		cfg.Server.OTelEndpoint = v
	}
	if flags.Changed("log-level") {
		v, err := flags.GetString("log-level")
		if err != nil {
			return err
		}
		cfg.Logging.Level = v
	}

	return nil
}

func serveStdio(ctx context.Context, cmd *cobra.Command, srv *server.Server, logger *slog.Logger) error {
	logger.Info("serving MCP over stdio")
	transport := server.NewStdioServer(srv, logger)
	err := transport.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
	if err != nil && !errors.Is(err, context.Canceled) {
		return exitError(exitRuntime, "stdio transport: %v", err)
	}
	return nil
}

func serveHTTP(ctx context.Context, cfg config.ServerConfig, srv *server.Server, logger *slog.Logger) error {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.ReadTimeoutDuration(),
		WriteTimeout: cfg.WriteTimeoutDuration(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	logger.Info("serving MCP over HTTP", "addr", addr)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "http server: %v", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return exitError(exitRuntime, "http shutdown: %v", err)
	}
	return nil
}
