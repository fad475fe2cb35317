package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the position a bet backs.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Valid reports whether s is yes or no.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// Outcome is the resolution of a market. The zero value is unresolved.
type Outcome string

const (
	OutcomeUnresolved Outcome = ""
	OutcomeYes        Outcome = "yes"
	OutcomeNo         Outcome = "no"
)

// Resolved reports whether the outcome has been set.
func (o Outcome) Resolved() bool {
	return o == OutcomeYes || o == OutcomeNo
}

// Side returns the winning side for a resolved outcome.
func (o Outcome) Side() Side {
	return Side(o)
}

// MarketState is the lifecycle position of a market at a given instant.
type MarketState string

const (
	MarketStateOpen               MarketState = "open"
	MarketStateAwaitingResolution MarketState = "awaiting_resolution"
	MarketStateResolved           MarketState = "resolved"
)

// Market is the pari-mutuel pool attached to one milestone. Its ID is the
// milestone ID.
type Market struct {
	ID            string          `json:"id"`
	TokenAddress  string          `json:"token_address"`
	Creator       string          `json:"creator"`
	Deadline      time.Time       `json:"deadline"`
	TotalYesStake decimal.Decimal `json:"total_yes_stake"`
	TotalNoStake  decimal.Decimal `json:"total_no_stake"`
	Outcome       Outcome         `json:"outcome,omitempty"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy    string          `json:"resolved_by,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ArchivedAt    *time.Time      `json:"archived_at,omitempty"`
}

// Pool returns the combined stake of both sides.
func (m Market) Pool() decimal.Decimal {
	return m.TotalYesStake.Add(m.TotalNoStake)
}

// StakeOn returns the total stake on the given side.
func (m Market) StakeOn(side Side) decimal.Decimal {
	if side == SideYes {
		return m.TotalYesStake
	}
	return m.TotalNoStake
}

// StateAt derives the lifecycle state at now.
func (m Market) StateAt(now time.Time) MarketState {
	switch {
	case m.Outcome.Resolved():
		return MarketStateResolved
	case now.Before(m.Deadline):
		return MarketStateOpen
	default:
		return MarketStateAwaitingResolution
	}
}

// Quote is the live pricing view of a market. Odds and shares are display
// values; the decimal fields are exact.
type Quote struct {
	MarketID string          `json:"market_id"`
	YesOdds  float64         `json:"yes_odds"`
	NoOdds   float64         `json:"no_odds"`
	YesShare float64         `json:"yes_share"`
	NoShare  float64         `json:"no_share"`
	TotalYes decimal.Decimal `json:"total_yes"`
	TotalNo  decimal.Decimal `json:"total_no"`
	Pool     decimal.Decimal `json:"pool"`
}

// Supersedes reports whether q may replace prev for the same market. Pool
// totals never shrink, so a smaller pool is an older reading.
func (q Quote) Supersedes(prev Quote) bool {
	return q.MarketID != prev.MarketID || q.Pool.GreaterThanOrEqual(prev.Pool)
}
