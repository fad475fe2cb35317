package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/milestonebet/internal/domain"
	"github.com/alanyoungcy/milestonebet/internal/parimutuel"
)

// ExpiryWatcher announces markets whose deadline has passed and that now
// wait for their creator to resolve them. Each market is announced once
// per process.
type ExpiryWatcher struct {
	engine *parimutuel.Engine
	fx     sideEffects
	logger *slog.Logger

	mu       sync.Mutex
	notified map[string]bool
}

// NewExpiryWatcher creates an ExpiryWatcher. bus and notifier may be nil.
func NewExpiryWatcher(engine *parimutuel.Engine, bus domain.SignalBus, notifier Notifier, logger *slog.Logger) *ExpiryWatcher {
	logger = logger.With(slog.String("component", "expiry_watcher"))
	return &ExpiryWatcher{
		engine:   engine,
		fx:       sideEffects{bus: bus, notifier: notifier, logger: logger},
		logger:   logger,
		notified: make(map[string]bool),
	}
}

// Check scans the engine once and returns the markets newly awaiting
// resolution.
func (w *ExpiryWatcher) Check(ctx context.Context) []domain.Market {
	now := w.engine.Now()
	markets := w.engine.Markets()

	w.mu.Lock()
	var fresh []domain.Market
	live := make(map[string]bool, len(markets))
	for _, m := range markets {
		if m.StateAt(now) != domain.MarketStateAwaitingResolution {
			continue
		}
		live[m.ID] = true
		if !w.notified[m.ID] {
			w.notified[m.ID] = true
			fresh = append(fresh, m)
		}
	}
	for id := range w.notified {
		if !live[id] {
			delete(w.notified, id)
		}
	}
	w.mu.Unlock()

	for _, m := range fresh {
		w.logger.InfoContext(ctx, "market awaiting resolution",
			slog.String("market_id", m.ID),
			slog.Time("deadline", m.Deadline),
			slog.String("pool", m.Pool().String()),
		)
		w.fx.publish(ctx, domain.ChannelMarkets, domain.Event{
			Type:     domain.EventAwaitingResolution,
			MarketID: m.ID,
			At:       now,
			Data:     m,
		})
		w.fx.notify(ctx, domain.EventAwaitingResolution,
			"Market awaiting resolution",
			fmt.Sprintf("Market %s passed its deadline %s with a pool of %s. Creator %s must resolve it.",
				m.ID, m.Deadline.Format(time.RFC3339), m.Pool(), m.Creator),
		)
	}
	return fresh
}

// RunLoop checks on every tick until ctx is cancelled.
func (w *ExpiryWatcher) RunLoop(ctx context.Context, interval time.Duration) error {
	w.Check(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("expiry watcher loop stopped")
			return ctx.Err()
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}
