package handler

import (
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/milestonebet/internal/domain"
)

// BetHandler serves bet placement, claims and bettor history.
type BetHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewBetHandler creates a BetHandler.
func NewBetHandler(markets MarketService, logger *slog.Logger) *BetHandler {
	return &BetHandler{markets: markets, logger: logger}
}

// List returns the bets of a market in placement order.
// GET /api/markets/{id}/bets
func (h *BetHandler) List(w http.ResponseWriter, r *http.Request) {
	bets, err := h.markets.Bets(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "list bets", err)
		return
	}
	if bets == nil {
		bets = []domain.Bet{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"bets": bets})
}

type placeBetRequest struct {
	Side   domain.Side     `json:"side"`
	Amount decimal.Decimal `json:"amount"`
}

// Place stakes on one side of a market for the calling wallet. amount may be
// a JSON string or number; strings keep full precision.
// POST /api/markets/{id}/bets
func (h *BetHandler) Place(w http.ResponseWriter, r *http.Request) {
	bettor, ok := caller(w, r)
	if !ok {
		return
	}
	var req placeBetRequest
	if !decodeBody(w, r, &req) {
		return
	}

	bet, err := h.markets.PlaceBet(r.Context(), pathParam(r, "id"), bettor, req.Side, req.Amount)
	if err != nil {
		writeServiceError(w, r, h.logger, "place bet", err)
		return
	}
	writeJSON(w, http.StatusCreated, bet)
}

// Claim settles a bet for its owner.
// POST /api/markets/{id}/bets/{betID}/claim
func (h *BetHandler) Claim(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	claim, err := h.markets.Claim(r.Context(), pathParam(r, "id"), pathParam(r, "betID"), who)
	if err != nil {
		writeServiceError(w, r, h.logger, "claim bet", err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

// ByBettor returns a wallet's bets with claimable flags.
// GET /api/bettors/{address}/bets
func (h *BetHandler) ByBettor(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	views, err := h.markets.BetsByBettor(r.Context(), pathParam(r, "address"), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list bettor bets", err)
		return
	}
	if views == nil {
		views = []domain.BetView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"bets": views})
}
