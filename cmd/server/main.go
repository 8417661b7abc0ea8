package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/Fimeg/systemsdashboard/internal/api"
	"github.com/Fimeg/systemsdashboard/internal/cache"
	"github.com/Fimeg/systemsdashboard/internal/collector"
	"github.com/Fimeg/systemsdashboard/internal/config"
	"github.com/Fimeg/systemsdashboard/internal/hoststats"
	"github.com/Fimeg/systemsdashboard/internal/monitoring"
	"github.com/Fimeg/systemsdashboard/internal/pve"
	"github.com/Fimeg/systemsdashboard/internal/remote"
)

func main() {
	configPath := pflag.StringP("config", "c", "config.yaml", "path to the configuration file")
	pflag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := initLogger(cfg.Logging)
	logger.Info("Starting systems dashboard server",
		"version", "1.0.0",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	metrics := monitoring.New()

	host := hoststats.New(logger, hoststats.Options{
		SysfsRoot:    cfg.Host.SysfsRoot,
		PowerTTL:     cfg.Cache.GetPowerTTL(),
		CacheOptions: []cache.Option{cache.WithLookupCounter(metrics.CacheLookups)},
	})

	// Command executors for VM and container probes
	sshExec := remote.NewSSH(logger, remote.SSHOptions{
		User:           cfg.Remote.SSH.User,
		KeyFiles:       cfg.Remote.SSH.KeyFiles,
		ConfigFile:     cfg.Remote.SSH.ConfigFile,
		KnownHostsFile: cfg.Remote.SSH.KnownHostsFile,
		ConnectTimeout: cfg.Remote.SSH.GetConnectTimeout(),
		CommandTimeout: cfg.Remote.SSH.GetCommandTimeout(),
	})
	defer sshExec.Close()

	var winrmExec remote.Executor
	if cfg.Remote.WinRM.Enabled() {
		winrmExec = remote.NewWinRM(remote.WinRMOptions{
			Username: cfg.Remote.WinRM.Username,
			Password: cfg.Remote.WinRM.Password,
			Domain:   cfg.Remote.WinRM.Domain,
			Port:     cfg.Remote.WinRM.Port,
			HTTPS:    cfg.Remote.WinRM.HTTPS,
			Insecure: cfg.Remote.WinRM.Insecure,
			Timeout:  cfg.Remote.WinRM.GetTimeout(),
		})
		logger.Info("WinRM transport enabled", "port", cfg.Remote.WinRM.Port, "https", cfg.Remote.WinRM.HTTPS)
	} else {
		logger.Info("WinRM credentials not configured, winrm targets are rejected")
	}
	dispatcher := remote.NewDispatcher(logger, remote.NewLocal(cfg.Remote.GetLocalTimeout()), sshExec, winrmExec, metrics.RemoteCommands)

	sessions := pve.NewManager(logger, pve.Options{
		Timeout:            cfg.Cluster.GetTimeout(),
		InsecureSkipVerify: cfg.Cluster.InsecureSkipVerify,
		Sessions:           metrics.SessionTotal,
		Active:             metrics.ActiveSessions,
	})

	collect := collector.NewRouter(logger, sessions, dispatcher, host,
		collector.WithMetrics(metrics),
		collector.WithNodeConcurrency(cfg.Cluster.NodeConcurrency),
	)

	router := api.NewRouter(api.Dependencies{
		Collector:   collect,
		Snapshots:   host,
		SnapshotTTL: cfg.Cache.GetSnapshotTTL(),
		Metrics:     metrics,
		CORS:        cfg.CORS,
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	// Start server in goroutine
	go func() {
		logger.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeout())
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server stopped gracefully", "cluster_sessions", sessions.Size())
}

func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	// Set log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
