package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/milestonebet/internal/pipeline"
	"github.com/alanyoungcy/milestonebet/internal/server"
	"github.com/alanyoungcy/milestonebet/internal/server/handler"
	"github.com/alanyoungcy/milestonebet/internal/server/ws"
)

const shutdownTimeout = 10 * time.Second

// ServerMode serves the HTTP API and WebSocket feed.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return ignoreCancel(g.Wait())
}

// WorkerMode runs the background pipeline only. Bets arrive through other
// processes, so the engine is re-read from the store on every watch tick.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startPipeline(ctx, g, deps); err != nil {
		return err
	}
	g.Go(func() error {
		return a.refreshLoop(ctx, deps)
	})
	return ignoreCancel(g.Wait())
}

// FullMode runs the API and the pipeline against one engine.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	if err := a.startPipeline(ctx, g, deps); err != nil {
		return err
	}
	return ignoreCancel(g.Wait())
}

// startHTTPServer builds the handlers, the WebSocket hub and the server, and
// registers their goroutines on g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Server.Enabled {
		a.logger.WarnContext(ctx, "server disabled by config")
		return
	}

	hub := ws.NewHub(deps.SignalBus, deps.History, a.cfg.Mode, a.base)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(deps.Checks, a.component("health")),
		Milestones: handler.NewMilestoneHandler(deps.Milestones, a.component("milestone_handler")),
		Markets:    handler.NewMarketHandler(deps.Markets, deps.AuditStore, a.component("market_handler")),
		Bets:       handler.NewBetHandler(deps.Markets, a.component("bet_handler")),
	}

	cfg := server.Config{
		Port:             a.cfg.Server.Port,
		CORSOrigins:      a.cfg.Server.CORSOrigins,
		APIKey:           a.cfg.Server.APIKey,
		RequireSignature: a.cfg.Server.RequireSignature,
		SignatureMaxAge:  a.cfg.Server.SignatureMaxAge.Duration,
	}
	if a.cfg.Server.RateLimit > 0 {
		cfg.Limiter = deps.RateLimiter
		cfg.RateLimit = a.cfg.Server.RateLimit
		cfg.RateLimitWindow = a.cfg.Server.RateLimitWindow.Duration
	}
	if !cfg.RequireSignature {
		a.logger.WarnContext(ctx, "wallet signatures not required; X-Wallet-Address is trusted as-is")
	}

	srv := server.NewServer(cfg, handlers, hub, a.base)
	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)),
		)
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// startPipeline builds the expiry watcher and, when archiving is on, the
// archiver, then runs them under one orchestrator.
func (a *App) startPipeline(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	pc := a.cfg.Pipeline
	if !pc.Enabled {
		a.logger.WarnContext(ctx, "pipeline disabled by config")
		return nil
	}

	watcher := pipeline.NewExpiryWatcher(deps.Engine, deps.SignalBus, deps.Notifier, a.base)

	var archiver *pipeline.Archiver
	if pc.ArchiveEnabled {
		if deps.Archiver == nil {
			return errors.New("app: archiving enabled but blob storage is not wired")
		}
		archiver = pipeline.NewArchiver(
			deps.Engine, deps.MarketStore, deps.BetStore, deps.Archiver,
			pc.ArchiveRetention(), a.base,
		)
		archiver.SetLocker(deps.LockManager, pc.ArchiveLockTTL.Duration)
		archiver.SetPublisher(deps.SignalBus, deps.AuditStore)
	}

	orch := pipeline.NewOrchestrator(watcher, archiver, pc.WatchInterval.Duration, pc.ArchiveCron, a.base)
	g.Go(func() error {
		return orch.Run(ctx)
	})
	return nil
}

// refreshLoop reloads live markets so a worker sees bets and resolutions
// written by server processes.
func (a *App) refreshLoop(ctx context.Context, deps *Dependencies) error {
	interval := a.cfg.Pipeline.WatchInterval.Duration
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := deps.Markets.Rehydrate(ctx); err != nil && ctx.Err() == nil {
				a.logger.WarnContext(ctx, "market refresh failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// ignoreCancel treats a cancelled context as a clean shutdown.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
