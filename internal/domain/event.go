package domain

import "time"

// Event types published on the signal bus.
const (
	EventBetPlaced          = "bet_placed"
	EventMarketResolved     = "market_resolved"
	EventAwaitingResolution = "awaiting_resolution"
	EventBetClaimed         = "bet_claimed"
	EventMilestoneCreated   = "milestone_created"
	EventMilestoneUpdated   = "milestone_updated"
	EventMarketArchived     = "market_archived"
)

// Event is the JSON envelope for everything published on the signal bus.
type Event struct {
	Type     string    `json:"type"`
	MarketID string    `json:"market_id"`
	At       time.Time `json:"at"`
	Data     any       `json:"data,omitempty"`
}
