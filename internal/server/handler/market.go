package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/milestonebet/internal/domain"
	"github.com/alanyoungcy/milestonebet/internal/service"
)

// MarketService is what the market and bet handlers need from the service
// layer.
type MarketService interface {
	Market(ctx context.Context, id string) (service.MarketView, error)
	Quote(ctx context.Context, id string) (domain.Quote, error)
	PotentialReturn(ctx context.Context, id string, side domain.Side, amount decimal.Decimal) (decimal.Decimal, error)
	Bets(ctx context.Context, marketID string) ([]domain.Bet, error)
	PlaceBet(ctx context.Context, marketID, bettor string, side domain.Side, amount decimal.Decimal) (domain.Bet, error)
	Resolve(ctx context.Context, marketID string, outcome domain.Outcome, caller string) (domain.Market, error)
	Claim(ctx context.Context, marketID, betID, caller string) (domain.Claim, error)
	BetsByBettor(ctx context.Context, bettor string, opts domain.ListOpts) ([]domain.BetView, error)
}

// AuditLister reads the audit trail.
type AuditLister interface {
	ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// MarketHandler serves market endpoints.
type MarketHandler struct {
	markets MarketService
	audit   AuditLister
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler. audit may be nil.
func NewMarketHandler(markets MarketService, audit AuditLister, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{markets: markets, audit: audit, logger: logger}
}

// Get returns a market with its state and quote.
// GET /api/markets/{id}
func (h *MarketHandler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.markets.Market(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get market", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type quoteResponse struct {
	domain.Quote
	Side            domain.Side      `json:"side,omitempty"`
	Amount          *decimal.Decimal `json:"amount,omitempty"`
	PotentialReturn *decimal.Decimal `json:"potential_return,omitempty"`
}

// Quote returns the live odds and, when side and amount are given, what a
// bet of that size would return.
// GET /api/markets/{id}/quote?side=yes&amount=10
func (h *MarketHandler) Quote(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	q, err := h.markets.Quote(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get quote", err)
		return
	}
	resp := quoteResponse{Quote: q}

	side, rawAmount := r.URL.Query().Get("side"), r.URL.Query().Get("amount")
	if side != "" || rawAmount != "" {
		amount, err := decimal.NewFromString(rawAmount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "amount must be a decimal number")
			return
		}
		ret, err := h.markets.PotentialReturn(r.Context(), id, domain.Side(side), amount)
		if err != nil {
			writeServiceError(w, r, h.logger, "potential return", err)
			return
		}
		resp.Side = domain.Side(side)
		resp.Amount = &amount
		resp.PotentialReturn = &ret
	}
	writeJSON(w, http.StatusOK, resp)
}

type resolveRequest struct {
	Outcome domain.Outcome `json:"outcome"`
}

// Resolve sets the outcome of an expired market.
// POST /api/markets/{id}/resolve
func (h *MarketHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if !decodeBody(w, r, &req) {
		return
	}

	m, err := h.markets.Resolve(r.Context(), pathParam(r, "id"), req.Outcome, who)
	if err != nil {
		writeServiceError(w, r, h.logger, "resolve market", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Audit returns the audit trail of a market, newest first.
// GET /api/markets/{id}/audit
func (h *MarketHandler) Audit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusNotFound, "audit log disabled")
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := h.audit.ListByMarket(r.Context(), pathParam(r, "id"), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list audit", err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
