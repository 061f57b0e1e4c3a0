// Command server runs the NetPulse monitoring core: the probe scheduler, the
// metric store, the degradation notifier, the REST API, and the live metrics
// stream.
//
// # Usage
//
//	server --config /etc/netpulse/config.yaml --port 8080
//
// # Configuration
//
// The server can be configured via:
// - YAML config file (--config)
// - Environment variables (NETPULSE_*)
// - Command-line flags (highest precedence)
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pulse-net/netpulse/db/migrate"
	"github.com/pulse-net/netpulse/internal/api"
	"github.com/pulse-net/netpulse/internal/cache"
	"github.com/pulse-net/netpulse/internal/config"
	"github.com/pulse-net/netpulse/internal/monitor"
	"github.com/pulse-net/netpulse/internal/notify"
	"github.com/pulse-net/netpulse/internal/prober"
	"github.com/pulse-net/netpulse/internal/secrets"
	"github.com/pulse-net/netpulse/internal/store"
	"github.com/pulse-net/netpulse/internal/sysinfo"
	"github.com/pulse-net/netpulse/internal/ws"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		port       = flag.Int("port", 0, "HTTP server port (overrides config)")
		dbURL      = flag.String("database", "", "Database URL (overrides config)")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		version    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println("netpulse-server v0.1.0")
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadFromFile(*configPath)
		if err != nil {
			logger.Error("failed to load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.ApplyEnvOverrides()
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbURL != "" {
		cfg.Database.URL = *dbURL
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Resolve op:// secret references before anything dials out.
	resolver := secrets.NewResolver(logger)
	resolveCtx, resolveCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer resolveCancel()
	if cfg.Alerts.Email.Enabled {
		pw, err := resolver.Resolve(resolveCtx, cfg.Alerts.Email.Password)
		if err != nil {
			logger.Error("failed to resolve SMTP password", "error", err)
			os.Exit(1)
		}
		cfg.Alerts.Email.Password = pw
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.Token != "" {
		tok, err := resolver.Resolve(resolveCtx, cfg.Alerts.Webhook.Token)
		if err != nil {
			logger.Error("failed to resolve webhook token", "error", err)
			os.Exit(1)
		}
		cfg.Alerts.Webhook.Token = tok
	}

	// Connect to the database
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := store.NewStoreFromURL(ctx, cfg.Database.URL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		logger.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	if err := migrate.Run(ctx, db.Pool(), logger); err != nil {
		logger.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	// Redis cache is optional; the API serves uncached without it.
	var responseCache *cache.Cache
	if cfg.Redis.URL != "" {
		responseCache, err = cache.New(cfg.Redis.URL, logger)
		if err != nil {
			logger.Warn("redis unavailable, running without response cache", "error", err)
		} else {
			defer responseCache.Close()
			logger.Info("connected to redis")
		}
	}

	// Alert channels
	var channels []notify.Channel
	if cfg.Alerts.Email.Enabled {
		channels = append(channels, notify.NewEmailChannel(
			cfg.Alerts.Email.Host,
			cfg.Alerts.Email.Port,
			cfg.Alerts.Email.Username,
			cfg.Alerts.Email.Password,
			cfg.Alerts.Email.From,
			cfg.Alerts.Email.To,
		))
	}
	if cfg.Alerts.Webhook.Enabled {
		channels = append(channels, notify.NewWebhookChannel(
			cfg.Alerts.Webhook.URL,
			cfg.Alerts.Webhook.Token,
			cfg.Alerts.Webhook.RatePerMinute,
		))
	}
	notifier := notify.NewNotifier(cfg.Monitor.HealthThreshold, cfg.Monitor.Targets, channels, logger)

	// Probe pipeline
	pinger := prober.New(logger)
	pinger.Count = cfg.Monitor.ProbeCount
	pinger.Timeout = cfg.Monitor.ProbeTimeout
	if cfg.Monitor.FpingPath != "" {
		pinger.FpingPath = cfg.Monitor.FpingPath
	}

	mon := monitor.NewMonitor(pinger, db, notifier, monitor.Config{
		Interval:    cfg.Monitor.Interval,
		TickTimeout: cfg.Monitor.TickTimeout,
		Targets:     cfg.Monitor.Targets,
	}, logger)

	monCtx, monCancel := context.WithCancel(context.Background())
	defer monCancel()
	mon.Start(monCtx)

	// Live metrics stream
	hub := ws.NewHub(db, ws.Config{
		PollInterval:   cfg.Stream.PollInterval,
		FallbackWindow: cfg.Stream.FallbackWindow,
		APITokenHash:   cfg.Server.APITokenHash,
	}, logger)

	// HTTP API
	apiServer := api.NewServer(db, responseCache, sysinfo.NewCollector(), hub, hub.HandleMetrics, api.Config{
		APITokenHash:   cfg.Server.APITokenHash,
		Targets:        cfg.Monitor.Targets,
		FallbackWindow: cfg.Stream.FallbackWindow,
	}, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      apiServer,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")

	mon.Stop()
	monCancel()
	hub.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}
