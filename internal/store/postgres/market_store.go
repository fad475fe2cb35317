package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/milestonebet/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL. Stake totals
// and outcomes are written by Ledger, never here.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketColumns = `id, token_address, creator, deadline,
	total_yes_stake::text, total_no_stake::text, outcome,
	resolved_at, resolved_by, created_at, archived_at`

// GetByID returns a market or domain.ErrNotFound.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// ListUnarchived returns every market still served from memory.
func (s *MarketStore) ListUnarchived(ctx context.Context) ([]domain.Market, error) {
	return s.list(ctx, `SELECT `+marketColumns+` FROM markets
		WHERE archived_at IS NULL ORDER BY deadline ASC`)
}

// ListSettledBefore returns unarchived markets resolved before the cutoff.
func (s *MarketStore) ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Market, error) {
	return s.list(ctx, `SELECT `+marketColumns+` FROM markets
		WHERE archived_at IS NULL AND outcome <> '' AND resolved_at < $1
		ORDER BY resolved_at ASC`, before)
}

// MarkArchived stamps archived_at on a market.
func (s *MarketStore) MarkArchived(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE markets SET archived_at = $2 WHERE id = $1 AND archived_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("postgres: archive market %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *MarketStore) list(ctx context.Context, query string, args ...any) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list markets rows: %w", err)
	}
	return markets, nil
}

func scanMarket(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	var yes, no, outcome string
	err := row.Scan(
		&m.ID, &m.TokenAddress, &m.Creator, &m.Deadline,
		&yes, &no, &outcome,
		&m.ResolvedAt, &m.ResolvedBy, &m.CreatedAt, &m.ArchivedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	if m.TotalYesStake, err = parseAmount("total_yes_stake", yes); err != nil {
		return domain.Market{}, err
	}
	if m.TotalNoStake, err = parseAmount("total_no_stake", no); err != nil {
		return domain.Market{}, err
	}
	m.Outcome = domain.Outcome(outcome)
	return m, nil
}
