package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bet is one stake placed by one bettor on one side of a market.
type Bet struct {
	ID        string          `json:"id"`
	MarketID  string          `json:"market_id"`
	Bettor    string          `json:"bettor"`
	Side      Side            `json:"side"`
	Amount    decimal.Decimal `json:"amount"`
	PlacedAt  time.Time       `json:"placed_at"`
	Claimed   bool            `json:"claimed"`
	ClaimedAt *time.Time      `json:"claimed_at,omitempty"`
	Payout    decimal.Decimal `json:"payout"`
}

// Claim is the settlement of a single bet.
type Claim struct {
	BetID     string          `json:"bet_id"`
	MarketID  string          `json:"market_id"`
	Bettor    string          `json:"bettor"`
	Side      Side            `json:"side"`
	Won       bool            `json:"won"`
	Amount    decimal.Decimal `json:"amount"`
	ClaimedAt time.Time       `json:"claimed_at"`
	Receipt   string          `json:"receipt,omitempty"` // EIP-191 signature hex
}

// BetView is a bet as seen by its owner, joined with the market state.
type BetView struct {
	Bet
	MarketState MarketState `json:"market_state"`
	Outcome     Outcome     `json:"outcome,omitempty"`
	Claimable   bool        `json:"claimable"`
}
