package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/harun/officeagent/internal/logger"
	"github.com/harun/officeagent/internal/observability"
	"github.com/harun/officeagent/internal/tracing"
	"github.com/spf13/cobra"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the officeagent chat server",
	Long: `Start the officeagent HTTP server in the foreground.
The server runs until it receives SIGINT or SIGTERM, then stops accepting
chat requests, waits for in-flight ones and shuts down every tool server.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	pidFile := getPIDFilePath(cfg)
	if isRunning(pidFile) {
		return fmt.Errorf("server is already running (PID file: %s)", pidFile)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		Service:   "officeagent",
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	if err := tracing.InitOpenTelemetry(tracing.Options{
		ServiceName:    "officeagent",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SamplingRate:   cfg.Tracing.SamplingRate,
	}); err != nil {
		log.Warn().Err(err).Msg("Tracing disabled")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tracing.ShutdownOpenTelemetry(ctx)
	}()

	if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, "audit.log")); err != nil {
		log.Warn().Err(err).Msg("Audit log disabled")
	}
	defer observability.GetAuditLogger().Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, nil, log.GetZerolog())
	if err != nil {
		return err
	}
	defer a.close()

	if err := writePIDFile(pidFile); err != nil {
		return err
	}
	defer os.Remove(pidFile)

	if err := a.pool.Start(); err != nil {
		return err
	}

	log.Info().
		Str("provider", a.factory.Provider()).
		Int("tool_servers", len(a.orchestrator.Specs())).
		Dur("idle_timeout", cfg.IdleTimeout()).
		Bool("production", cfg.IsProduction()).
		Msg("officeagent starting")

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutdown signal received")
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout()+10*time.Second)
	defer cancel()
	if err := a.server.Stop(stopCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}

	return nil
}
