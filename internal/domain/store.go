package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MilestoneFilter narrows milestone listings. Empty fields match everything.
type MilestoneFilter struct {
	TokenAddress string
	Creator      string
	Status       MilestoneStatus
}

// MilestoneStore persists milestones. Create writes the milestone and its
// empty market in one transaction.
type MilestoneStore interface {
	Create(ctx context.Context, m Milestone, market Market) error
	GetByID(ctx context.Context, id string) (Milestone, error)
	List(ctx context.Context, filter MilestoneFilter, opts ListOpts) ([]Milestone, error)
	UpdateStatus(ctx context.Context, id string, status MilestoneStatus, proofURL string) error
}

// MarketStore reads persisted markets.
type MarketStore interface {
	GetByID(ctx context.Context, id string) (Market, error)
	ListUnarchived(ctx context.Context) ([]Market, error)
	ListSettledBefore(ctx context.Context, before time.Time) ([]Market, error)
	MarkArchived(ctx context.Context, id string, at time.Time) error
}

// BetStore reads persisted bets.
type BetStore interface {
	ListByMarket(ctx context.Context, marketID string) ([]Bet, error)
	ListByBettor(ctx context.Context, bettor string, opts ListOpts) ([]Bet, error)
}

// Ledger records value movements for a market. Implementations must be
// atomic per call: either everything for the call is recorded or nothing is.
type Ledger interface {
	RecordStake(ctx context.Context, m Market, b Bet) error
	RecordResolution(ctx context.Context, m Market) error
	RecordPayout(ctx context.Context, m Market, c Claim) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]AuditEntry, error)
}
