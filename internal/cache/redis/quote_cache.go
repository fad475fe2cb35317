package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/milestonebet/internal/domain"
)

// DefaultQuoteTTL bounds how stale a cached quote can get if an
// invalidation is missed.
const DefaultQuoteTTL = 30 * time.Second

// QuoteCache implements domain.QuoteCache with one JSON string per market
// at quote:{marketID}.
type QuoteCache struct {
	c   *Client
	ttl time.Duration
}

// NewQuoteCache creates a QuoteCache. A non-positive ttl selects
// DefaultQuoteTTL.
func NewQuoteCache(c *Client, ttl time.Duration) *QuoteCache {
	if ttl <= 0 {
		ttl = DefaultQuoteTTL
	}
	return &QuoteCache{c: c, ttl: ttl}
}

// quoteSetRetries bounds how often Set retries when another writer touches
// the key between WATCH and EXEC.
const quoteSetRetries = 3

// Set stores q under its market ID. A write racing a newer quote loses: the
// cached entry is only replaced when q supersedes it.
func (qc *QuoteCache) Set(ctx context.Context, q domain.Quote) error {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("redis: marshal quote %s: %w", q.MarketID, err)
	}
	key := qc.c.Key("quote", q.MarketID)

	txf := func(tx *redis.Tx) error {
		cached, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if !replacesCached(q, cached) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, qc.ttl)
			return nil
		})
		return err
	}

	for range quoteSetRetries {
		err = qc.c.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("redis: set quote %s: %w", q.MarketID, err)
	}
	return nil
}

// replacesCached reports whether q should overwrite the raw cached entry.
// A missing or unreadable entry is always replaced.
func replacesCached(q domain.Quote, cached []byte) bool {
	if len(cached) == 0 {
		return true
	}
	var prev domain.Quote
	if err := json.Unmarshal(cached, &prev); err != nil {
		return true
	}
	return q.Supersedes(prev)
}

// Get returns the cached quote or domain.ErrNotFound.
func (qc *QuoteCache) Get(ctx context.Context, marketID string) (domain.Quote, error) {
	data, err := qc.c.rdb.Get(ctx, qc.c.Key("quote", marketID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Quote{}, domain.ErrNotFound
		}
		return domain.Quote{}, fmt.Errorf("redis: get quote %s: %w", marketID, err)
	}
	var q domain.Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return domain.Quote{}, fmt.Errorf("redis: unmarshal quote %s: %w", marketID, err)
	}
	return q, nil
}

// Invalidate drops the cached quote.
func (qc *QuoteCache) Invalidate(ctx context.Context, marketID string) error {
	if err := qc.c.rdb.Del(ctx, qc.c.Key("quote", marketID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate quote %s: %w", marketID, err)
	}
	return nil
}

var _ domain.QuoteCache = (*QuoteCache)(nil)
