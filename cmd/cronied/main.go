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

	"cronie/internal/api"
	"cronie/internal/config"
	"cronie/internal/core"
	"cronie/internal/eventbus"
	"cronie/internal/logging"
	croniemcp "cronie/internal/mcp"
	"cronie/internal/natsrelay"
	"cronie/internal/notify"
	"cronie/internal/store"

	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}
	if err := run(cfg); err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	// stdout carries the MCP protocol in stdio modes.
	logOut := os.Stdout
	if cfg.Mode != config.ModeHTTP {
		logOut = os.Stderr
	}
	logger := logging.NewWithWriter(logOut, cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storeInst, err := store.Open(ctx, cfg.StateDir)
	if err != nil {
		logger.Error("open store", "err", err)
		return err
	}
	defer storeInst.Close()

	overlap, err := core.ParseOverlapPolicy(cfg.Engine.Overlap)
	if err != nil {
		logger.Error("invalid overlap policy", "err", err)
		return err
	}
	location := cfg.Location()

	bus := eventbus.New()
	relay := core.NewRelay(bus, logger, cfg.Engine.KillGrace)
	engine := core.NewEngine(relay, logger, core.EngineOptions{
		KillGrace:     cfg.Engine.KillGrace,
		OutputLimit:   cfg.Engine.OutputLimit,
		HTTPBodyLimit: cfg.Engine.HTTPBodyLimit,
	})
	coordinator := core.NewCoordinator(storeInst, engine, relay, logger)
	scheduler := core.NewScheduler(storeInst, coordinator, logger, core.SchedulerOptions{
		Location:   location,
		Overlap:    overlap,
		StaleAfter: cfg.Engine.StaleAfter,
	})

	if err := scheduler.Start(ctx); err != nil {
		logger.Error("start scheduler", "err", err)
		return err
	}
	logger.Info("scheduler started",
		"state_dir", cfg.StateDir,
		"location", location.String(),
		"overlap", string(overlap),
		"tasks", scheduler.ScheduledCount(),
	)

	g, gctx := errgroup.WithContext(ctx)

	if notifier := buildNotifier(cfg, logger); notifier != nil {
		watcher := notify.NewWatcher(bus, notifier, cfg.Notification.RatePerMinute, logger)
		g.Go(func() error { return watcher.Run(gctx) })
	}

	if cfg.NATS.URL != "" {
		nc, err := natsrelay.Connect(cfg.NATS.URL, logger)
		if err != nil {
			// Forwarding is optional; the scheduler keeps running without it.
			logger.Error("nats forwarding disabled", "err", err)
		} else {
			defer nc.Close()
			forwarder := natsrelay.NewForwarder(bus, nc, cfg.NATS.Subject, logger)
			g.Go(func() error {
				err := forwarder.Run(gctx)
				if drainErr := nc.Drain(); drainErr != nil {
					logger.Warn("nats drain", "err", drainErr)
				}
				return err
			})
			logger.Info("forwarding events to nats", "url", cfg.NATS.URL, "subject", cfg.NATS.Subject)
		}
	}

	mcpServer := croniemcp.NewMCPServer(storeInst, scheduler, relay, logger, location)

	if cfg.Mode == config.ModeHTTP || cfg.Mode == config.ModeBoth {
		server := api.NewServer(api.Options{
			Addr:      cfg.Server.Addr,
			AuthToken: cfg.Server.AuthToken,
			Store:     storeInst,
			Scheduler: scheduler,
			Relay:     relay,
			Bus:       bus,
			MCP:       mcpServer.Handler(),
			Logger:    logger,
			Location:  location,
		})
		g.Go(func() error {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	if cfg.Mode == config.ModeMCP || cfg.Mode == config.ModeBoth {
		g.Go(func() error {
			err := mcpServer.Run()
			if err != nil {
				return err
			}
			logger.Info("mcp client disconnected")
			if cfg.Mode == config.ModeMCP {
				// Nothing else is serving; exit with the client.
				stop()
			}
			return nil
		})
	}

	err = g.Wait()
	if err != nil {
		logger.Error("daemon stopped", "err", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if stopErr := scheduler.Stop(stopCtx); stopErr != nil {
		logger.Warn("scheduler stop timed out", "err", stopErr)
	}
	logger.Info("shutdown complete")
	return err
}

// buildNotifier collects the configured sinks; nil when none is usable.
func buildNotifier(cfg *config.Config, logger *slog.Logger) notify.Notifier {
	sinks := notify.NewMultiNotifier()
	if cfg.Notification.Bark.Enabled {
		bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL)
		if err != nil {
			logger.Error("bark notifications disabled", "err", err)
		} else {
			sinks.Add(bark)
		}
	}
	if sinks.Len() == 0 {
		return nil
	}
	return sinks
}
