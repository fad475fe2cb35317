package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/milestonebet/internal/domain"
)

// Ledger ledger entry kinds.
const (
	entryStake      = "stake"
	entryResolution = "resolution"
	entryPayout     = "payout"
)

// Ledger implements domain.Ledger. Each call runs in one transaction that
// updates the market row, the affected bet and appends a ledger entry.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger creates a Ledger backed by the given connection pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// RecordStake persists a new bet and the market totals that include it.
func (l *Ledger) RecordStake(ctx context.Context, m domain.Market, b domain.Bet) error {
	return l.inTx(ctx, "record stake", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE markets SET total_yes_stake = $2::numeric, total_no_stake = $3::numeric
			WHERE id = $1 AND outcome = ''`,
			m.ID, m.TotalYesStake.String(), m.TotalNoStake.String(),
		)
		if err != nil {
			return fmt.Errorf("update totals: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrMarketClosed
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO bets (id, market_id, bettor, side, amount, placed_at)
			VALUES ($1, $2, $3, $4, $5::numeric, $6)`,
			b.ID, b.MarketID, b.Bettor, string(b.Side), b.Amount.String(), b.PlacedAt,
		); err != nil {
			return fmt.Errorf("insert bet %s: %w", b.ID, err)
		}

		return appendEntry(ctx, tx, m.ID, &b.ID, entryStake, b.Bettor, b.Amount.String())
	})
}

// RecordResolution persists the outcome and moves the milestone to the
// matching terminal status.
func (l *Ledger) RecordResolution(ctx context.Context, m domain.Market) error {
	return l.inTx(ctx, "record resolution", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE markets SET outcome = $2, resolved_at = $3, resolved_by = $4
			WHERE id = $1 AND outcome = ''`,
			m.ID, string(m.Outcome), m.ResolvedAt, m.ResolvedBy,
		)
		if err != nil {
			return fmt.Errorf("update outcome: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrAlreadyResolved
		}

		if _, err := tx.Exec(ctx, `
			UPDATE milestones SET status = $2, completed_at = $3 WHERE id = $1`,
			m.ID, string(domain.StatusFor(m.Outcome)), m.ResolvedAt,
		); err != nil {
			return fmt.Errorf("update milestone status: %w", err)
		}

		return appendEntry(ctx, tx, m.ID, nil, entryResolution, m.ResolvedBy, m.Pool().String())
	})
}

// RecordPayout marks a bet claimed with its payout.
func (l *Ledger) RecordPayout(ctx context.Context, m domain.Market, c domain.Claim) error {
	return l.inTx(ctx, "record payout", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE bets SET claimed = TRUE, claimed_at = $2, payout = $3::numeric
			WHERE id = $1 AND market_id = $4 AND NOT claimed`,
			c.BetID, c.ClaimedAt, c.Amount.String(), m.ID,
		)
		if err != nil {
			return fmt.Errorf("update bet %s: %w", c.BetID, err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrAlreadyClaimed
		}
		return appendEntry(ctx, tx, m.ID, &c.BetID, entryPayout, c.Bettor, c.Amount.String())
	})
}

func (l *Ledger) inTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: %s: begin: %w", op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return fmt.Errorf("postgres: %s: %w", op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: %s: commit: %w", op, err)
	}
	return nil
}

func appendEntry(ctx context.Context, tx pgx.Tx, marketID string, betID *string, kind, account, amount string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (market_id, bet_id, kind, account, amount)
		VALUES ($1, $2, $3, $4, $5::numeric)`,
		marketID, betID, kind, account, amount,
	)
	if err != nil {
		return fmt.Errorf("append %s entry: %w", kind, err)
	}
	return nil
}
