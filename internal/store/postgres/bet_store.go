package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/milestonebet/internal/domain"
)

// BetStore implements domain.BetStore using PostgreSQL.
type BetStore struct {
	pool *pgxpool.Pool
}

// NewBetStore creates a new BetStore backed by the given connection pool.
func NewBetStore(pool *pgxpool.Pool) *BetStore {
	return &BetStore{pool: pool}
}

const betColumns = `id, market_id, bettor, side, amount::text, placed_at,
	claimed, claimed_at, payout::text`

// ListByMarket returns a market's bets in placement order.
func (s *BetStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+betColumns+` FROM bets WHERE market_id = $1 ORDER BY placed_at ASC, id ASC`,
		marketID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bets for market %s: %w", marketID, err)
	}
	return collectBets(rows)
}

// ListByBettor returns a bettor's bets, newest first.
func (s *BetStore) ListByBettor(ctx context.Context, bettor string, opts domain.ListOpts) ([]domain.Bet, error) {
	query, args := appendWindow(
		`SELECT `+betColumns+` FROM bets WHERE lower(bettor) = lower($1)`,
		[]any{bettor}, "placed_at", opts,
	)
	query += " ORDER BY placed_at DESC, id DESC"
	query, args = appendPage(query, args, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bets for bettor %s: %w", bettor, err)
	}
	return collectBets(rows)
}

func collectBets(rows pgx.Rows) ([]domain.Bet, error) {
	bets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Bet, error) {
		var b domain.Bet
		var side, amount, payout string
		if err := row.Scan(
			&b.ID, &b.MarketID, &b.Bettor, &side, &amount, &b.PlacedAt,
			&b.Claimed, &b.ClaimedAt, &payout,
		); err != nil {
			return b, err
		}
		b.Side = domain.Side(side)
		var err error
		if b.Amount, err = parseAmount("amount", amount); err != nil {
			return b, err
		}
		if b.Payout, err = parseAmount("payout", payout); err != nil {
			return b, err
		}
		return b, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan bets: %w", err)
	}
	return bets, nil
}
