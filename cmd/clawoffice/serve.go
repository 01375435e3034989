package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/claw-office/internal/agent"
	"github.com/basket/claw-office/internal/audit"
	"github.com/basket/claw-office/internal/bus"
	"github.com/basket/claw-office/internal/channels"
	"github.com/basket/claw-office/internal/config"
	"github.com/basket/claw-office/internal/coordinator"
	"github.com/basket/claw-office/internal/cron"
	"github.com/basket/claw-office/internal/gateway"
	"github.com/basket/claw-office/internal/openclaw"
	otelPkg "github.com/basket/claw-office/internal/otel"
	"github.com/basket/claw-office/internal/persistence"
	"github.com/basket/claw-office/internal/pricing"
	"github.com/basket/claw-office/internal/scheduler"
	"github.com/basket/claw-office/internal/telemetry"
)

// settings holds the latest config snapshot for readers outside the
// Reload fan-out.
type settings struct {
	p atomic.Pointer[config.Config]
}

func newSettings(cfg config.Config) *settings {
	s := &settings{}
	s.Reload(cfg)
	return s
}

func (s *settings) Reload(cfg config.Config) { s.p.Store(&cfg) }
func (s *settings) Current() config.Config   { return *s.p.Load() }

func runServe(ctx context.Context) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit first so a logger failure is still recorded.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, telemetry.ModeAuto)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())

	if err := cfg.Err(); err != nil {
		fatalStartup(logger, "E_CONFIG_INVALID", err)
	}
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && !cfg.Auth.Enabled {
			logger.Warn("listening on a non-loopback address without API keys; anyone on the network can drive the pipeline", "bind_addr", cfg.BindAddr)
		}
	}

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
		Metrics:     cfg.Otel.MetricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	// A crash between completing a request and its task leaves the task open.
	orphans, err := store.CloseOrphanedTasks(ctx, "Request already completed")
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	total, active, _ := store.CountRequests(ctx)
	logger.Info("startup phase", "phase", "recovery_scan_completed",
		"orphans_closed", orphans, "requests", total, "active", active)

	eventBus := bus.New()
	defer eventBus.Close()
	pacing := scheduler.New(scheduler.Config{Scale: cfg.PacingScale(), Logger: logger})

	current := newSettings(cfg)
	registry := agent.NewRegistry(cfg)
	notifier := channels.NewTelegramNotifier(cfg.Telegram, otelProvider.Tracer, logger)
	savings := pricing.NewEstimator(cfg)

	coord := coordinator.New(coordinator.Config{
		Store:     store,
		Bus:       eventBus,
		Scheduler: pacing,
		Agents:    registry,
		Notifier:  notifier,
		Savings:   savings,
		Tracer:    otelProvider.Tracer,
		Metrics:   metrics,
		Logger:    logger,
	})

	adapter := openclaw.New(openclaw.Config{
		Coordinator: coord,
		Gateway:     cfg.Gateway,
		Metrics:     metrics,
		Tracer:      otelProvider.Tracer,
		Logger:      logger,
	})
	var upstream gateway.Upstream
	if !cfg.Gateway.Disabled {
		upstream = adapter
	}

	gw := gateway.New(gateway.Config{
		Coordinator: coord,
		Bus:         eventBus,
		Upstream:    upstream,
		Settings:    cfg,
		Tracer:      otelProvider.Tracer,
		Metrics:     metrics,
		Gatherer:    otelProvider.Gatherer,
		Logger:      logger,
		StartedAt:   time.Now(),
	})

	maintenance, err := cron.NewScheduler(cron.Config{
		Jobs:   cron.MaintenanceJobs(coord, current.Current, logger),
		Logger: logger,
	})
	if err != nil {
		fatalStartup(logger, "E_CRON_INIT", err)
	}

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}

	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", ln.Addr().String())

	// Live streams never go idle, so they hang off a context that shutdown
	// cancels.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	server.RegisterOnShutdown(cancelBase)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "stream", "/api/workflow/stream")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Stop intake first; in-flight requests get the drain window.
		drain := time.Duration(current.Current().DrainTimeoutSeconds) * time.Second
		shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return adapter.Run(gctx)
	})
	g.Go(func() error {
		confWatcher.Follow(gctx, current, registry, gw, notifier, adapter, savings)
		return nil
	})
	if cfg.Telegram.Poll && cfg.Telegram.BotToken != "" {
		tg := channels.NewTelegramChannel(cfg.Telegram, coord, logger)
		g.Go(func() error {
			if err := tg.Start(gctx); err != nil && gctx.Err() == nil {
				logger.Error("telegram polling stopped", "error", err)
			}
			return nil
		})
	}

	gw.RateLimiter().StartEviction(gctx, time.Minute, 10*time.Minute)
	maintenance.Start(gctx)
	logger.Info("startup phase", "phase", "ready",
		"agents", registry.Len(),
		"orchestrator", registry.Orchestrator(),
		"gateway", !cfg.Gateway.Disabled,
		"telegram_notify", cfg.Telegram.Enabled(),
		"telegram_poll", cfg.Telegram.Poll,
	)

	err = g.Wait()
	maintenance.Stop()
	pacing.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("shutdown after failure", "error", err)
		return
	}
	logger.Info("shutdown complete")
}
