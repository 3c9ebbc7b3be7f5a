package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/sofatutor/vertex-proxy/internal/config"
	"github.com/sofatutor/vertex-proxy/internal/credentials"
	"github.com/sofatutor/vertex-proxy/internal/logging"
	"github.com/sofatutor/vertex-proxy/internal/proxy"
	"github.com/sofatutor/vertex-proxy/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Server command flags
var (
	serverListenAddr string
	serverPort       int
	serverProject    string
	serverLocation   string
	serverLogLevel   string
	serverLogFile    string
	debugMode        bool
)

func newServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the proxy server",
		Long:  `Start the proxy server in the foreground. SIGINT or SIGTERM triggers a graceful shutdown.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx)
		},
	}

	cmd.Flags().StringVar(&serverListenAddr, "addr", "", "Address to listen on (overrides LISTEN_ADDR and PORT)")
	cmd.Flags().IntVarP(&serverPort, "port", "p", 0, "Port to listen on (overrides PORT env var)")
	cmd.Flags().StringVar(&serverProject, "project", "", "Google Cloud project ID (overrides PROJECT_ID env var)")
	cmd.Flags().StringVar(&serverLocation, "location", "", "Vertex AI location (overrides LOCATION env var)")
	cmd.Flags().StringVar(&serverLogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL env var)")
	cmd.Flags().StringVar(&serverLogFile, "log-file", "", "Path to log file (overrides LOG_FILE env var, default: stdout)")
	cmd.Flags().BoolVarP(&debugMode, "debug", "v", config.EnvBoolOrDefault("DEBUG", false), "Enable debug logging (overrides log-level)")
	return cmd
}

func serverOverrides() map[string]string {
	overrides := map[string]string{
		"LISTEN_ADDR": serverListenAddr,
		"PROJECT_ID":  serverProject,
		"LOCATION":    serverLocation,
		"LOG_LEVEL":   serverLogLevel,
		"LOG_FILE":    serverLogFile,
	}
	if serverPort > 0 {
		overrides["PORT"] = strconv.Itoa(serverPort)
	}
	if debugMode {
		overrides["LOG_LEVEL"] = "debug"
	}
	return overrides
}

// runServer runs the proxy until ctx is canceled, then shuts it down gracefully.
func runServer(ctx context.Context) error {
	if err := loadEnvironment(serverOverrides()); err != nil {
		return err
	}

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err := logger.Sync(); err != nil && !strings.Contains(err.Error(), "inappropriate ioctl for device") {
			fmt.Fprintf(os.Stderr, "Error syncing logger: %v\n", err)
		}
	}()

	// The token source keeps this context for its own HTTP calls.
	src, err := resolveCredentials(context.Background(), cfg)
	if err != nil {
		logger.Error("Failed to resolve credentials", zap.Error(err))
		return err
	}

	registry := server.NewRegistry()
	metrics := proxy.NewMetrics(registry)
	cache := credentials.NewCache(src, credentials.CacheOptions{
		Logger:    logger.Named("credentials"),
		OnRefresh: metrics.ObserveTokenRefresh,
	})

	forwarder, err := proxy.NewForwarder(proxy.ProxyConfig{
		BaseURL: cfg.BaseURL(),
		Timeout: proxy.DefaultTimeout,
	}, cache, logger.Named("proxy"), metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize forwarder: %w", err)
	}

	bus, err := server.NewEventBus(ctx, cfg, logger.Named("eventbus"))
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}

	s, err := server.New(cfg, server.Options{
		Forwarder: forwarder,
		Logger:    logger,
		Registry:  registry,
		EventBus:  bus,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	// Fail fast if the configured address is already in use
	if ln, err := net.Listen("tcp", cfg.Addr()); err != nil {
		logger.Error("Listen address unavailable (already in use?)", zap.String("addr", cfg.Addr()), zap.Error(err))
		return fmt.Errorf("listen address unavailable: %w", err)
	} else {
		_ = ln.Close()
	}

	logger.Info("Proxy configured",
		zap.String("project", cfg.ProjectID),
		zap.String("location", cfg.Location),
		zap.String("event_bus", cfg.EventBusBackend),
		zap.Bool("metrics", cfg.EnableMetrics))

	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("Server error", zap.Error(err))
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("Server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
		return err
	}

	logger.Info("Server exited gracefully")
	return nil
}
