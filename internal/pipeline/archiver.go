package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/milestonebet/internal/domain"
	"github.com/alanyoungcy/milestonebet/internal/parimutuel"
)

const archiverLockKey = "pipeline:archiver"

// Archiver moves settled markets to cold storage. A market is settled once
// it is resolved and every bet has been claimed; it is archived after it
// has stayed resolved for the retention window.
type Archiver struct {
	engine    *parimutuel.Engine
	markets   domain.MarketStore
	bets      domain.BetStore
	blobs     domain.MarketArchiver
	retention time.Duration
	locks     domain.LockManager
	lockTTL   time.Duration
	fx        sideEffects
	logger    *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(
	engine *parimutuel.Engine,
	markets domain.MarketStore,
	bets domain.BetStore,
	blobs domain.MarketArchiver,
	retention time.Duration,
	logger *slog.Logger,
) *Archiver {
	logger = logger.With(slog.String("component", "archiver"))
	return &Archiver{
		engine:    engine,
		markets:   markets,
		bets:      bets,
		blobs:     blobs,
		retention: retention,
		fx:        sideEffects{logger: logger},
		logger:    logger,
	}
}

// SetLocker makes runs exclusive across replicas.
func (a *Archiver) SetLocker(locks domain.LockManager, ttl time.Duration) {
	a.locks = locks
	a.lockTTL = ttl
}

// SetPublisher announces archived markets on the bus and in the audit log.
func (a *Archiver) SetPublisher(bus domain.SignalBus, audit domain.AuditStore) {
	a.fx.bus = bus
	a.fx.audit = audit
}

// Run archives every eligible market once and returns how many were moved.
// Failures on one market do not stop the others.
func (a *Archiver) Run(ctx context.Context) (int, error) {
	if a.locks != nil {
		unlock, err := a.locks.Acquire(ctx, archiverLockKey, a.lockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			a.logger.InfoContext(ctx, "archive run skipped, another replica holds the lock")
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("archiver: lock: %w", err)
		}
		defer unlock()
	}

	now := a.engine.Now()
	cutoff := now.Add(-a.retention)
	a.logger.InfoContext(ctx, "starting archive run", slog.Time("cutoff", cutoff))

	candidates, err := a.markets.ListSettledBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archiver: list settled before %v: %w", cutoff, err)
	}

	var (
		archived int
		errs     []error
	)
	for _, m := range candidates {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		key, err := a.archive(ctx, m, now)
		if err != nil {
			a.logger.ErrorContext(ctx, "archive market failed",
				slog.String("market_id", m.ID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		if key == "" {
			continue
		}
		archived++
	}

	a.logger.InfoContext(ctx, "archive run complete",
		slog.Int("candidates", len(candidates)),
		slog.Int("archived", archived),
	)
	return archived, errors.Join(errs...)
}

// archive returns the object key, or "" when the market still has
// unclaimed bets.
func (a *Archiver) archive(ctx context.Context, m domain.Market, now time.Time) (string, error) {
	bets, settled, err := a.settledBets(ctx, m)
	if err != nil {
		return "", err
	}
	if !settled {
		a.logger.DebugContext(ctx, "market has unclaimed bets", slog.String("market_id", m.ID))
		return "", nil
	}
	if live, err := a.engine.Market(m.ID); err == nil {
		m = live
	}

	key, err := a.blobs.ArchiveMarket(ctx, m, bets)
	if err != nil {
		return "", fmt.Errorf("archiver: upload %s: %w", m.ID, err)
	}
	if err := a.markets.MarkArchived(ctx, m.ID, now); err != nil {
		return "", fmt.Errorf("archiver: mark %s archived: %w", m.ID, err)
	}
	a.engine.Evict(m.ID)

	a.logger.InfoContext(ctx, "market archived",
		slog.String("market_id", m.ID),
		slog.String("key", key),
		slog.Int("bets", len(bets)),
	)
	a.fx.publish(ctx, domain.ChannelMarkets, domain.Event{
		Type:     domain.EventMarketArchived,
		MarketID: m.ID,
		At:       now,
		Data:     map[string]any{"key": key, "bets": len(bets)},
	})
	a.fx.record(ctx, "market.archived", map[string]any{
		"market_id": m.ID,
		"key":       key,
		"bets":      len(bets),
	})
	return key, nil
}

// settledBets prefers the engine's view and falls back to the store for
// markets that are no longer in memory.
func (a *Archiver) settledBets(ctx context.Context, m domain.Market) ([]domain.Bet, bool, error) {
	settled, err := a.engine.Settled(m.ID)
	switch {
	case err == nil:
		if !settled {
			return nil, false, nil
		}
		bets, err := a.engine.Bets(m.ID)
		if err != nil {
			return nil, false, fmt.Errorf("archiver: bets %s: %w", m.ID, err)
		}
		return bets, true, nil
	case errors.Is(err, domain.ErrNotFound):
		bets, err := a.bets.ListByMarket(ctx, m.ID)
		if err != nil {
			return nil, false, fmt.Errorf("archiver: bets %s: %w", m.ID, err)
		}
		for _, b := range bets {
			if !b.Claimed {
				return nil, false, nil
			}
		}
		return bets, true, nil
	default:
		return nil, false, fmt.Errorf("archiver: settled %s: %w", m.ID, err)
	}
}

// RunCron runs the archiver on a 5-field cron schedule until ctx is
// cancelled, e.g. "0 3 * * *" for 03:00 UTC daily.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	a.logger.Info("archiver cron started", slog.String("cron", cronExpr))

	for {
		next, err := nextCronTime(cronExpr, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("parsing cron expression %q: %w", cronExpr, err)
		}

		wait := time.Until(next)
		a.logger.Info("archiver waiting for next cron trigger",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("archiver cron stopped")
			return ctx.Err()
		case <-timer.C:
			if _, err := a.Run(ctx); err != nil {
				a.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
