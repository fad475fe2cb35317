package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Orchestrator runs the background jobs: the expiry watcher on an interval
// and the archiver on a cron schedule. Either may be nil.
type Orchestrator struct {
	watcher       *ExpiryWatcher
	archiver      *Archiver
	watchInterval time.Duration
	archiveCron   string
	logger        *slog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(
	watcher *ExpiryWatcher,
	archiver *Archiver,
	watchInterval time.Duration,
	archiveCron string,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		watcher:       watcher,
		archiver:      archiver,
		watchInterval: watchInterval,
		archiveCron:   archiveCron,
		logger:        logger.With(slog.String("component", "pipeline")),
	}
}

// Run blocks until ctx is cancelled or a job fails.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("pipeline orchestrator starting",
		slog.Duration("watch_interval", o.watchInterval),
		slog.String("archive_cron", o.archiveCron),
	)

	g, ctx := errgroup.WithContext(ctx)

	if o.watcher != nil {
		g.Go(func() error {
			err := o.watcher.RunLoop(ctx, o.watchInterval)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("expiry watcher: %w", err)
		})
	}

	if o.archiver != nil {
		g.Go(func() error {
			err := o.archiver.RunCron(ctx, o.archiveCron)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}
