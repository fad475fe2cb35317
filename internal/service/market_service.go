package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/milestonebet/internal/domain"
	"github.com/alanyoungcy/milestonebet/internal/parimutuel"
)

// ReceiptSigner signs payout receipts.
type ReceiptSigner interface {
	SignReceipt(c domain.Claim) (string, error)
}

// MarketView is a market joined with its derived state and quote.
type MarketView struct {
	domain.Market
	State domain.MarketState `json:"state"`
	Quote domain.Quote       `json:"quote"`
}

// MarketService fronts the pari-mutuel engine: it keeps the quote cache warm
// and publishes every accepted bet, resolution and claim.
type MarketService struct {
	engine  *parimutuel.Engine
	markets domain.MarketStore
	bets    domain.BetStore
	quotes  domain.QuoteCache
	signer  ReceiptSigner
	fx      effects
	logger  *slog.Logger
}

// NewMarketService creates a MarketService. quotes, bus and audit may be nil.
func NewMarketService(
	engine *parimutuel.Engine,
	markets domain.MarketStore,
	bets domain.BetStore,
	quotes domain.QuoteCache,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *MarketService {
	logger = logger.With(slog.String("component", "market_service"))
	return &MarketService{
		engine:  engine,
		markets: markets,
		bets:    bets,
		quotes:  quotes,
		fx:      effects{bus: bus, audit: audit, logger: logger},
		logger:  logger,
	}
}

// SetSigner enables signed payout receipts.
func (s *MarketService) SetSigner(signer ReceiptSigner) {
	s.signer = signer
}

// SetNotifier enables resolution alerts.
func (s *MarketService) SetNotifier(n Notifier) {
	s.fx.notifier = n
}

// Market returns a market with its state and quote. Markets evicted from
// memory are read from the store.
func (s *MarketService) Market(ctx context.Context, id string) (MarketView, error) {
	m, err := s.lookup(ctx, id)
	if err != nil {
		return MarketView{}, err
	}
	return MarketView{
		Market: m,
		State:  m.StateAt(s.engine.Now()),
		Quote:  parimutuel.QuoteFor(m),
	}, nil
}

func (s *MarketService) lookup(ctx context.Context, id string) (domain.Market, error) {
	m, err := s.engine.Market(id)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, domain.ErrNotFound) || s.markets == nil {
		return domain.Market{}, err
	}
	m, err = s.markets.GetByID(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: get %s: %w", id, err)
	}
	return m, nil
}

// Quote returns the market quote, read through the cache.
func (s *MarketService) Quote(ctx context.Context, id string) (domain.Quote, error) {
	if s.quotes != nil {
		if q, err := s.quotes.Get(ctx, id); err == nil {
			return q, nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "quote cache get failed",
				slog.String("market_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	m, err := s.lookup(ctx, id)
	if err != nil {
		return domain.Quote{}, err
	}
	q := parimutuel.QuoteFor(m)
	s.cacheQuote(ctx, q)
	return q, nil
}

// PotentialReturn reports what a bet would pay if no further stakes arrived.
func (s *MarketService) PotentialReturn(_ context.Context, id string, side domain.Side, amount decimal.Decimal) (decimal.Decimal, error) {
	return s.engine.PotentialReturn(id, side, amount)
}

// PlaceBet stakes amount on side for bettor.
func (s *MarketService) PlaceBet(ctx context.Context, marketID, bettor string, side domain.Side, amount decimal.Decimal) (domain.Bet, error) {
	addr, ok := normalizeAddress(bettor)
	if !ok {
		return domain.Bet{}, fmt.Errorf("market_service: bettor %q: %w", bettor, domain.ErrInvalidInput)
	}

	bet, err := s.engine.PlaceBet(ctx, marketID, addr, side, amount)
	if err != nil {
		return domain.Bet{}, err
	}

	q, qErr := s.engine.Quote(marketID)
	if qErr == nil {
		s.cacheQuote(ctx, q)
	}

	s.logger.InfoContext(ctx, "bet placed",
		slog.String("market_id", marketID),
		slog.String("bet_id", bet.ID),
		slog.String("bettor", addr),
		slog.String("side", string(side)),
		slog.String("amount", amount.String()),
	)
	s.fx.publish(ctx, domain.ChannelBets, domain.Event{
		Type:     domain.EventBetPlaced,
		MarketID: marketID,
		At:       bet.PlacedAt,
		Data:     map[string]any{"bet": bet, "quote": q},
	})
	s.fx.record(ctx, "bet.placed", map[string]any{
		"market_id": marketID,
		"bet_id":    bet.ID,
		"bettor":    addr,
		"side":      string(side),
		"amount":    amount.String(),
	})
	return bet, nil
}

// Resolve sets the market outcome on behalf of caller.
func (s *MarketService) Resolve(ctx context.Context, marketID string, outcome domain.Outcome, caller string) (domain.Market, error) {
	m, err := s.engine.Resolve(ctx, marketID, outcome, caller)
	if err != nil {
		return domain.Market{}, err
	}
	s.invalidateQuote(ctx, marketID)

	s.logger.InfoContext(ctx, "market resolved",
		slog.String("market_id", marketID),
		slog.String("outcome", string(outcome)),
		slog.String("resolved_by", caller),
		slog.String("pool", m.Pool().String()),
	)
	s.fx.publish(ctx, domain.ChannelMarkets, domain.Event{
		Type:     domain.EventMarketResolved,
		MarketID: marketID,
		At:       *m.ResolvedAt,
		Data:     m,
	})
	s.fx.record(ctx, "market.resolved", map[string]any{
		"market_id":   marketID,
		"outcome":     string(outcome),
		"resolved_by": caller,
		"pool":        m.Pool().String(),
	})
	s.fx.notify(ctx, domain.EventMarketResolved,
		"Market resolved",
		fmt.Sprintf("Market %s resolved %s. Pool %s (yes %s / no %s).",
			marketID, strings.ToUpper(string(outcome)), m.Pool(), m.TotalYesStake, m.TotalNoStake),
	)
	return m, nil
}

// Claim settles one bet. Only the bettor may claim it.
func (s *MarketService) Claim(ctx context.Context, marketID, betID, caller string) (domain.Claim, error) {
	bet, err := s.engine.Bet(marketID, betID)
	if err != nil {
		return domain.Claim{}, err
	}
	if !strings.EqualFold(bet.Bettor, strings.TrimSpace(caller)) {
		return domain.Claim{}, fmt.Errorf("market_service: claim %s by %s: %w", betID, caller, domain.ErrUnauthorized)
	}

	claim, err := s.engine.Payout(ctx, marketID, betID)
	if err != nil {
		return domain.Claim{}, err
	}

	if s.signer != nil {
		receipt, err := s.signer.SignReceipt(claim)
		if err != nil {
			s.logger.ErrorContext(ctx, "sign receipt failed",
				slog.String("bet_id", betID),
				slog.String("error", err.Error()),
			)
		} else {
			claim.Receipt = receipt
		}
	}

	s.logger.InfoContext(ctx, "bet claimed",
		slog.String("market_id", marketID),
		slog.String("bet_id", betID),
		slog.Bool("won", claim.Won),
		slog.String("amount", claim.Amount.String()),
	)
	s.fx.publish(ctx, domain.ChannelClaims, domain.Event{
		Type:     domain.EventBetClaimed,
		MarketID: marketID,
		At:       claim.ClaimedAt,
		Data:     claim,
	})
	s.fx.record(ctx, "bet.claimed", map[string]any{
		"market_id": marketID,
		"bet_id":    betID,
		"bettor":    claim.Bettor,
		"won":       claim.Won,
		"amount":    claim.Amount.String(),
	})
	return claim, nil
}

// Bets lists a market's bets in placement order.
func (s *MarketService) Bets(ctx context.Context, marketID string) ([]domain.Bet, error) {
	bets, err := s.engine.Bets(marketID)
	if err == nil {
		return bets, nil
	}
	if !errors.Is(err, domain.ErrNotFound) || s.bets == nil {
		return nil, err
	}
	if _, err := s.lookup(ctx, marketID); err != nil {
		return nil, err
	}
	bets, err = s.bets.ListByMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("market_service: bets for %s: %w", marketID, err)
	}
	return bets, nil
}

// BetsByBettor returns a bettor's bets with their market state and whether
// each can be claimed now.
func (s *MarketService) BetsByBettor(ctx context.Context, bettor string, opts domain.ListOpts) ([]domain.BetView, error) {
	addr, ok := normalizeAddress(bettor)
	if !ok {
		return nil, fmt.Errorf("market_service: bettor %q: %w", bettor, domain.ErrInvalidInput)
	}
	bets, err := s.bets.ListByBettor(ctx, addr, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: bets for %s: %w", addr, err)
	}

	now := s.engine.Now()
	markets := make(map[string]domain.Market)
	views := make([]domain.BetView, 0, len(bets))
	for _, b := range bets {
		m, seen := markets[b.MarketID]
		if !seen {
			if m, err = s.lookup(ctx, b.MarketID); err != nil {
				return nil, err
			}
			markets[b.MarketID] = m
		}
		if live, err := s.engine.Bet(b.MarketID, b.ID); err == nil {
			b = live
		}
		state := m.StateAt(now)
		views = append(views, domain.BetView{
			Bet:         b,
			MarketState: state,
			Outcome:     m.Outcome,
			Claimable:   state == domain.MarketStateResolved && !b.Claimed,
		})
	}
	return views, nil
}

// Rehydrate loads every unarchived market and its bets into the engine.
func (s *MarketService) Rehydrate(ctx context.Context) (int, error) {
	markets, err := s.markets.ListUnarchived(ctx)
	if err != nil {
		return 0, fmt.Errorf("market_service: rehydrate: %w", err)
	}
	for _, m := range markets {
		bets, err := s.bets.ListByMarket(ctx, m.ID)
		if err != nil {
			return 0, fmt.Errorf("market_service: rehydrate %s: %w", m.ID, err)
		}
		if err := s.engine.Restore(m, bets); err != nil {
			return 0, fmt.Errorf("market_service: rehydrate %s: %w", m.ID, err)
		}
	}
	s.logger.InfoContext(ctx, "markets rehydrated", slog.Int("count", len(markets)))
	return len(markets), nil
}

func (s *MarketService) cacheQuote(ctx context.Context, q domain.Quote) {
	if s.quotes == nil {
		return
	}
	if err := s.quotes.Set(ctx, q); err != nil {
		s.logger.WarnContext(ctx, "quote cache set failed",
			slog.String("market_id", q.MarketID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *MarketService) invalidateQuote(ctx context.Context, id string) {
	if s.quotes == nil {
		return
	}
	if err := s.quotes.Invalidate(ctx, id); err != nil {
		s.logger.WarnContext(ctx, "quote cache invalidate failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
	}
}
