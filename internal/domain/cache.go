package domain

import (
	"context"
	"time"
)

// QuoteCache provides fast access to the latest market quotes.
type QuoteCache interface {
	// Set stores q unless the cached quote for the market supersedes it.
	Set(ctx context.Context, q Quote) error
	Get(ctx context.Context, marketID string) (Quote, error)
	Invalidate(ctx context.Context, marketID string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub for live market events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// Signal bus channels.
const (
	ChannelBets       = "bets"
	ChannelMarkets    = "markets"
	ChannelClaims     = "claims"
	ChannelMilestones = "milestones"
	ChannelQuotes     = "quotes"
)

// EventHistory replays recent events on a channel, oldest first.
type EventHistory interface {
	Recent(ctx context.Context, channel string, n int) ([][]byte, error)
}
