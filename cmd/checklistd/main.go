// Checklistd tracks scripted-call checklists from a live transcript.
//
// The daemon receives transcript text over HTTP or WebSocket, evaluates the
// active stage's pending items against an LLM oracle on a fixed tick, and
// pushes every decision to SSE, WebSocket and (optionally) NATS subscribers.
//
// Configuration is loaded from ~/.config/checklistd/config.yaml (or -config)
// with CHECKLISTD_* environment overrides. See internal/config for details.
//
// Usage:
//
//	# Start server with defaults
//	checklistd
//
//	# Configure via environment
//	CHECKLISTD_SERVER_PORT=9191 CHECKLISTD_ORACLE_API_KEY=... checklistd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/checklistd/internal/broadcast"
	"github.com/fyrsmithlabs/checklistd/internal/checklist"
	"github.com/fyrsmithlabs/checklistd/internal/config"
	"github.com/fyrsmithlabs/checklistd/internal/engine"
	httpserver "github.com/fyrsmithlabs/checklistd/internal/http"
	"github.com/fyrsmithlabs/checklistd/internal/logging"
	"github.com/fyrsmithlabs/checklistd/internal/metrics"
	"github.com/fyrsmithlabs/checklistd/internal/oracle"
	"github.com/fyrsmithlabs/checklistd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()
	args := flag.Args()

	// Handle subcommands
	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  checklistd           Start the checklistd daemon\n")
			fmt.Fprintf(os.Stderr, "  checklistd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWithFile(*configPath)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("checklistd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until ctx is cancelled.
//
// This function initializes all dependencies and services:
//  1. Initializes telemetry, then the logger on its log provider
//  2. Loads the call structure (fatal when invalid)
//  3. Connects to NATS when enabled
//  4. Builds the oracle client and the session manager
//  5. Starts the HTTP server
//  6. Performs graceful shutdown on context cancellation
func run(ctx context.Context, cfg *config.Config) error {
	// Telemetry starts first so the logger can export through its provider.
	// Its own startup warnings go to stdout.
	bootCfg := cfg.Logging
	bootCfg.Output = logging.OutputStdout
	boot, err := logging.NewLogger(&bootCfg, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	tel, err := telemetry.New(ctx, &cfg.Telemetry, boot.Underlying())
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logger, err := logging.NewLogger(&cfg.Logging, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()
	zlog := logger.Underlying()

	logger.Info(ctx, "Starting checklistd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("oracle_provider", cfg.Oracle.Provider),
		zap.String("oracle_model", cfg.Oracle.Model),
		zap.Duration("tick_interval", cfg.Engine.TickInterval),
		zap.Bool("telemetry_degraded", tel.Degraded()))

	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn(context.Background(), "telemetry shutdown failed", zap.Error(err))
		}
	}()

	structure, err := loadStructure(cfg.Checklist)
	if err != nil {
		logger.Error(ctx, "invalid call structure", zap.Error(err))
		return err
	}

	deps, err := initDependencies(cfg, zlog)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	m := metrics.NewMetrics()
	client, err := oracle.New(cfg.Oracle, zlog.Named("oracle"), tel.Tracer("github.com/fyrsmithlabs/checklistd/internal/oracle"), m)
	if err != nil {
		return fmt.Errorf("failed to initialize oracle: %w", err)
	}

	hub := broadcast.NewHub(zlog.Named("hub"))
	var out broadcast.Broadcaster = hub
	var serverOpts []httpserver.Option
	if deps.natsConn != nil {
		pub := broadcast.NewNATSPublisher(deps.natsConn, cfg.NATS.SubjectPrefix, zlog.Named("nats"))
		out = broadcast.Multi{hub, pub}
		serverOpts = append(serverOpts, httpserver.WithNATS(deps.natsConn, pub.Prefix()))
	}

	manager := engine.NewManager(cfg.Engine, structure, client, zlog.Named("engine"),
		engine.WithBroadcaster(out),
		engine.WithMetrics(m),
		engine.WithTracer(tel.Tracer("github.com/fyrsmithlabs/checklistd/internal/engine")),
	)
	defer func() {
		_ = manager.Close()
	}()

	serverOpts = append(serverOpts, httpserver.WithHTTPMetrics(httpserver.NewHTTPMetrics(zlog)))
	srv, err := httpserver.NewServer(manager, hub, zlog.Named("http"), &httpserver.Config{
		Host: "",
		Port: cfg.Server.Port,
	}, serverOpts...)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	logger.Info(ctx, "Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"),
		zap.Int("stages", len(structure.Stages())),
		zap.Bool("nats_enabled", deps.natsConn != nil))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "Shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// loadStructure reads the configured call structure or falls back to the
// built-in script.
func loadStructure(cfg config.ChecklistConfig) (*checklist.Structure, error) {
	if cfg.Path == "" {
		return checklist.Default(), nil
	}
	return checklist.Load(cfg.Path)
}

// dependencies holds all infrastructure dependencies.
type dependencies struct {
	natsConn *nats.Conn
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.natsConn != nil {
		d.natsConn.Close()
	}
}

// initDependencies connects to NATS when update fan-out is enabled.
func initDependencies(cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	if !cfg.NATS.Enabled {
		return &dependencies{}, nil
	}

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name("checklistd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}

	logger.Info("Connected to NATS", zap.String("url", cfg.NATS.URL))
	return &dependencies{natsConn: nc}, nil
}
