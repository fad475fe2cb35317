package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/milestonebet/internal/domain"
)

// MilestoneStore implements domain.MilestoneStore using PostgreSQL.
type MilestoneStore struct {
	pool *pgxpool.Pool
}

// NewMilestoneStore creates a new MilestoneStore backed by the given pool.
func NewMilestoneStore(pool *pgxpool.Pool) *MilestoneStore {
	return &MilestoneStore{pool: pool}
}

const milestoneColumns = `id, token_address, title, description, target_date, status,
	creator, created_at, completed_at, proof_url`

// Create inserts a milestone together with its empty market.
func (s *MilestoneStore) Create(ctx context.Context, m domain.Milestone, market domain.Market) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO milestones (`+milestoneColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.TokenAddress, m.Title, m.Description, m.TargetDate, string(m.Status),
		m.Creator, m.CreatedAt, m.CompletedAt, m.ProofURL,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: insert milestone %s: %w", m.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: insert milestone %s: %w", m.ID, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO markets (id, token_address, creator, deadline, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		market.ID, market.TokenAddress, market.Creator, market.Deadline, market.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert market %s: %w", market.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit milestone %s: %w", m.ID, err)
	}
	return nil
}

// GetByID returns a milestone or domain.ErrNotFound.
func (s *MilestoneStore) GetByID(ctx context.Context, id string) (domain.Milestone, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = $1`, id)
	m, err := scanMilestone(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Milestone{}, domain.ErrNotFound
		}
		return domain.Milestone{}, fmt.Errorf("postgres: get milestone %s: %w", id, err)
	}
	return m, nil
}

// List returns milestones matching filter, soonest target date first.
func (s *MilestoneStore) List(ctx context.Context, filter domain.MilestoneFilter, opts domain.ListOpts) ([]domain.Milestone, error) {
	query := `SELECT ` + milestoneColumns + ` FROM milestones WHERE TRUE`
	var args []any
	if filter.TokenAddress != "" {
		args = append(args, filter.TokenAddress)
		query += fmt.Sprintf(" AND lower(token_address) = lower($%d)", len(args))
	}
	if filter.Creator != "" {
		args = append(args, filter.Creator)
		query += fmt.Sprintf(" AND lower(creator) = lower($%d)", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query, args = appendWindow(query, args, "target_date", opts)
	query += " ORDER BY target_date ASC, id ASC"
	query, args = appendPage(query, args, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list milestones: %w", err)
	}
	defer rows.Close()

	var out []domain.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan milestone: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list milestones rows: %w", err)
	}
	return out, nil
}

// UpdateStatus sets the milestone status. A non-empty proofURL replaces the
// stored one; completed_at is stamped on the first terminal status.
func (s *MilestoneStore) UpdateStatus(ctx context.Context, id string, status domain.MilestoneStatus, proofURL string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE milestones SET
			status       = $2,
			proof_url    = COALESCE(NULLIF($3, ''), proof_url),
			completed_at = CASE
				WHEN $2 IN ('completed', 'failed') THEN COALESCE(completed_at, NOW())
				ELSE completed_at
			END
		WHERE id = $1`,
		id, string(status), proofURL,
	)
	if err != nil {
		return fmt.Errorf("postgres: update milestone %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanMilestone(row pgx.Row) (domain.Milestone, error) {
	var m domain.Milestone
	var status string
	err := row.Scan(
		&m.ID, &m.TokenAddress, &m.Title, &m.Description, &m.TargetDate, &status,
		&m.Creator, &m.CreatedAt, &m.CompletedAt, &m.ProofURL,
	)
	if err != nil {
		return domain.Milestone{}, err
	}
	m.Status = domain.MilestoneStatus(status)
	return m, nil
}
