// Package parimutuel implements the binary pari-mutuel market engine that
// backs every milestone: stake placement, resolution and proportional payout.
package parimutuel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/milestonebet/internal/domain"
)

const (
	// DefaultDecimals is the token precision used when none is configured.
	DefaultDecimals = 18
	// MaxDecimals is the scale of the persisted amount columns.
	MaxDecimals = 18
	// maxIntegerDigits bounds a single stake. Totals of many stakes must
	// still fit the 60 integer digits of NUMERIC(78, 18).
	maxIntegerDigits = 48
	// maxFractionDigits bounds the written precision of an input before it
	// is checked against the token decimals.
	maxFractionDigits = 78
)

// Precision returns a pointer to n for EngineConfig.Decimals.
func Precision(n int32) *int32 { return &n }

// Authorizer decides whether caller may resolve a market.
type Authorizer interface {
	CanResolve(ctx context.Context, m domain.Market, caller string) (bool, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, m domain.Market, caller string) (bool, error)

// CanResolve calls f.
func (f AuthorizerFunc) CanResolve(ctx context.Context, m domain.Market, caller string) (bool, error) {
	return f(ctx, m, caller)
}

// CreatorOnly authorizes the market creator, compared case-insensitively as
// hex addresses usually are.
var CreatorOnly = AuthorizerFunc(func(_ context.Context, m domain.Market, caller string) (bool, error) {
	return caller != "" && strings.EqualFold(m.Creator, caller), nil
})

// EngineConfig wires the engine's collaborators. Zero values select the
// defaults: system clock, creator-only authorization, no ledger, 18 decimals.
// Decimals is a pointer so 0 (whole-unit tokens) can be told from unset.
type EngineConfig struct {
	Clock         Clock
	Authorizer    Authorizer
	Ledger        domain.Ledger
	Decimals      *int32
	LedgerTimeout time.Duration
	NewID         func() string
}

// book is the in-memory state of one market. Every field is guarded by mu.
type book struct {
	mu     sync.Mutex
	market domain.Market
	bets   map[string]*domain.Bet
	order  []string

	// winning stake already claimed and total paid out, for exact settlement
	claimedStake decimal.Decimal
	paidOut      decimal.Decimal
}

// Engine holds every live market. Operations on one market are serialized by
// that market's lock; different markets never contend.
type Engine struct {
	mu    sync.RWMutex
	books map[string]*book

	clock         Clock
	auth          Authorizer
	ledger        domain.Ledger
	decimals      int32
	ledgerTimeout time.Duration
	newID         func() string
	logger        *slog.Logger
}

// NewEngine creates an empty engine.
func NewEngine(cfg EngineConfig, logger *slog.Logger) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Authorizer == nil {
		cfg.Authorizer = CreatorOnly
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With(slog.String("component", "parimutuel"))

	decimals := int32(DefaultDecimals)
	if cfg.Decimals != nil && *cfg.Decimals >= 0 {
		decimals = *cfg.Decimals
	}
	if decimals > MaxDecimals {
		logger.Warn("decimals above storage scale, capping",
			slog.Int("requested", int(decimals)),
			slog.Int("max", MaxDecimals),
		)
		decimals = MaxDecimals
	}
	return &Engine{
		books:         make(map[string]*book),
		clock:         cfg.Clock,
		auth:          cfg.Authorizer,
		ledger:        cfg.Ledger,
		decimals:      decimals,
		ledgerTimeout: cfg.LedgerTimeout,
		newID:         cfg.NewID,
		logger:        logger,
	}
}

// Decimals returns the token precision amounts are validated against.
func (e *Engine) Decimals() int32 { return e.decimals }

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time { return e.clock.Now() }

// Open registers a new, empty market. The caller is responsible for having
// persisted it.
func (e *Engine) Open(m domain.Market) (domain.Market, error) {
	if strings.TrimSpace(m.ID) == "" {
		return domain.Market{}, fmt.Errorf("parimutuel: open: empty id: %w", domain.ErrInvalidInput)
	}
	if m.Deadline.IsZero() {
		return domain.Market{}, fmt.Errorf("parimutuel: open %s: missing deadline: %w", m.ID, domain.ErrInvalidInput)
	}
	m.TotalYesStake = decimal.Zero
	m.TotalNoStake = decimal.Zero
	m.Outcome = domain.OutcomeUnresolved
	m.ResolvedAt = nil
	m.ResolvedBy = ""
	if m.CreatedAt.IsZero() {
		m.CreatedAt = e.clock.Now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.books[m.ID]; ok {
		return domain.Market{}, fmt.Errorf("parimutuel: open %s: %w", m.ID, domain.ErrAlreadyExists)
	}
	e.books[m.ID] = newBook(m)
	return m, nil
}

// Restore loads a persisted market and its bets. Totals are recomputed from
// the bets; a mismatch with the stored totals is logged and the bets win.
func (e *Engine) Restore(m domain.Market, bets []domain.Bet) error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("parimutuel: restore: empty id: %w", domain.ErrInvalidInput)
	}

	b := newBook(m)
	yes, no := decimal.Zero, decimal.Zero
	sorted := append([]domain.Bet(nil), bets...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].PlacedAt.Before(sorted[j].PlacedAt) })
	for i := range sorted {
		bet := sorted[i]
		if bet.MarketID != m.ID {
			return fmt.Errorf("parimutuel: restore %s: bet %s belongs to %s: %w", m.ID, bet.ID, bet.MarketID, domain.ErrInvalidInput)
		}
		switch bet.Side {
		case domain.SideYes:
			yes = yes.Add(bet.Amount)
		case domain.SideNo:
			no = no.Add(bet.Amount)
		default:
			return fmt.Errorf("parimutuel: restore %s: bet %s: %w", m.ID, bet.ID, domain.ErrInvalidSide)
		}
		if bet.Claimed {
			b.paidOut = b.paidOut.Add(bet.Payout)
			if m.Outcome.Resolved() && bet.Side == m.Outcome.Side() {
				b.claimedStake = b.claimedStake.Add(bet.Amount)
			}
		}
		b.bets[bet.ID] = &bet
		b.order = append(b.order, bet.ID)
	}

	if !yes.Equal(m.TotalYesStake) || !no.Equal(m.TotalNoStake) {
		e.logger.Warn("restored totals differ from bets, using bets",
			slog.String("market_id", m.ID),
			slog.String("stored_yes", m.TotalYesStake.String()),
			slog.String("stored_no", m.TotalNoStake.String()),
			slog.String("bets_yes", yes.String()),
			slog.String("bets_no", no.String()),
		)
	}
	b.market.TotalYesStake = yes
	b.market.TotalNoStake = no

	e.mu.Lock()
	e.books[m.ID] = b
	e.mu.Unlock()
	return nil
}

// Evict drops a market from memory. It reports whether the market existed.
func (e *Engine) Evict(marketID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.books[marketID]; !ok {
		return false
	}
	delete(e.books, marketID)
	return true
}

// Market returns a snapshot of the market.
func (e *Engine) Market(marketID string) (domain.Market, error) {
	b, err := e.book(marketID)
	if err != nil {
		return domain.Market{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.market, nil
}

// Markets returns snapshots of every live market ordered by deadline.
func (e *Engine) Markets() []domain.Market {
	e.mu.RLock()
	books := make([]*book, 0, len(e.books))
	for _, b := range e.books {
		books = append(books, b)
	}
	e.mu.RUnlock()

	out := make([]domain.Market, 0, len(books))
	for _, b := range books {
		b.mu.Lock()
		out = append(out, b.market)
		b.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Deadline.Equal(out[j].Deadline) {
			return out[i].ID < out[j].ID
		}
		return out[i].Deadline.Before(out[j].Deadline)
	})
	return out
}

// State derives the market's lifecycle state from the engine clock.
func (e *Engine) State(marketID string) (domain.MarketState, error) {
	m, err := e.Market(marketID)
	if err != nil {
		return "", err
	}
	return m.StateAt(e.clock.Now()), nil
}

// Bets returns the market's bets in placement order.
func (e *Engine) Bets(marketID string) ([]domain.Bet, error) {
	b, err := e.book(marketID)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Bet, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, *b.bets[id])
	}
	return out, nil
}

// Bet returns a single bet.
func (e *Engine) Bet(marketID, betID string) (domain.Bet, error) {
	b, err := e.book(marketID)
	if err != nil {
		return domain.Bet{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	bet, ok := b.bets[betID]
	if !ok {
		return domain.Bet{}, fmt.Errorf("parimutuel: bet %s in market %s: %w", betID, marketID, domain.ErrNotFound)
	}
	return *bet, nil
}

// Quote returns the current odds and shares for a market.
func (e *Engine) Quote(marketID string) (domain.Quote, error) {
	m, err := e.Market(marketID)
	if err != nil {
		return domain.Quote{}, err
	}
	return QuoteFor(m), nil
}

// PotentialReturn reports what a bet of amount on side would pay if no
// further stakes arrived.
func (e *Engine) PotentialReturn(marketID string, side domain.Side, amount decimal.Decimal) (decimal.Decimal, error) {
	if !side.Valid() {
		return decimal.Zero, fmt.Errorf("parimutuel: potential return: %w", domain.ErrInvalidSide)
	}
	if err := e.validAmount(amount); err != nil {
		return decimal.Zero, fmt.Errorf("parimutuel: potential return: %w", err)
	}
	m, err := e.Market(marketID)
	if err != nil {
		return decimal.Zero, err
	}
	return PotentialReturnFor(m, side, amount, e.decimals), nil
}

// PlaceBet appends a bet and increments the side's total. The market must be
// unresolved and before its deadline.
func (e *Engine) PlaceBet(ctx context.Context, marketID, bettor string, side domain.Side, amount decimal.Decimal) (domain.Bet, error) {
	b, err := e.book(marketID)
	if err != nil {
		return domain.Bet{}, err
	}
	if err := e.validAmount(amount); err != nil {
		return domain.Bet{}, fmt.Errorf("parimutuel: place bet on %s: %w", marketID, err)
	}
	if !side.Valid() {
		return domain.Bet{}, fmt.Errorf("parimutuel: place bet on %s: %q: %w", marketID, side, domain.ErrInvalidSide)
	}
	if strings.TrimSpace(bettor) == "" {
		return domain.Bet{}, fmt.Errorf("parimutuel: place bet on %s: empty bettor: %w", marketID, domain.ErrInvalidInput)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := e.clock.Now()
	if b.market.StateAt(now) != domain.MarketStateOpen {
		return domain.Bet{}, fmt.Errorf("parimutuel: place bet on %s: %w", marketID, domain.ErrMarketClosed)
	}

	bet := domain.Bet{
		ID:       e.newID(),
		MarketID: marketID,
		Bettor:   bettor,
		Side:     side,
		Amount:   amount,
		PlacedAt: now,
		Payout:   decimal.Zero,
	}
	next := b.market
	if side == domain.SideYes {
		next.TotalYesStake = next.TotalYesStake.Add(amount)
	} else {
		next.TotalNoStake = next.TotalNoStake.Add(amount)
	}

	if e.ledger != nil {
		lctx, cancel := e.ledgerContext(ctx)
		err := e.ledger.RecordStake(lctx, next, bet)
		cancel()
		if err != nil {
			return domain.Bet{}, fmt.Errorf("parimutuel: record stake on %s: %w", marketID, err)
		}
	}

	b.market = next
	b.bets[bet.ID] = &bet
	b.order = append(b.order, bet.ID)
	return bet, nil
}

// Resolve sets the market outcome. Authorization is checked first, then
// whether the market is already resolved, then the deadline.
func (e *Engine) Resolve(ctx context.Context, marketID string, outcome domain.Outcome, caller string) (domain.Market, error) {
	b, err := e.book(marketID)
	if err != nil {
		return domain.Market{}, err
	}
	if !outcome.Resolved() {
		return domain.Market{}, fmt.Errorf("parimutuel: resolve %s: %q: %w", marketID, outcome, domain.ErrInvalidOutcome)
	}

	b.mu.Lock()
	snapshot := b.market
	b.mu.Unlock()

	ok, err := e.auth.CanResolve(ctx, snapshot, caller)
	if err != nil {
		return domain.Market{}, fmt.Errorf("parimutuel: authorize resolve %s: %w", marketID, err)
	}
	if !ok {
		return domain.Market{}, fmt.Errorf("parimutuel: resolve %s by %s: %w", marketID, caller, domain.ErrUnauthorized)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.market.Outcome.Resolved() {
		return domain.Market{}, fmt.Errorf("parimutuel: resolve %s: %w", marketID, domain.ErrAlreadyResolved)
	}
	now := e.clock.Now()
	if now.Before(b.market.Deadline) {
		return domain.Market{}, fmt.Errorf("parimutuel: resolve %s: %w", marketID, domain.ErrNotYetExpired)
	}

	next := b.market
	next.Outcome = outcome
	next.ResolvedAt = &now
	next.ResolvedBy = caller

	if e.ledger != nil {
		lctx, cancel := e.ledgerContext(ctx)
		err := e.ledger.RecordResolution(lctx, next)
		cancel()
		if err != nil {
			return domain.Market{}, fmt.Errorf("parimutuel: record resolution of %s: %w", marketID, err)
		}
	}

	b.market = next
	if next.StakeOn(outcome.Side()).IsZero() && next.Pool().Sign() > 0 {
		e.logger.Warn("market resolved with no winning stake",
			slog.String("market_id", marketID),
			slog.String("outcome", string(outcome)),
			slog.String("pool", next.Pool().String()),
		)
	}
	return next, nil
}

// Payout settles one bet. Losing bets pay zero. Winning bets pay their
// proportional share of the pool truncated to the token precision; the last
// winning claim takes whatever remains so winning payouts sum to the pool.
func (e *Engine) Payout(ctx context.Context, marketID, betID string) (domain.Claim, error) {
	b, err := e.book(marketID)
	if err != nil {
		return domain.Claim{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	bet, ok := b.bets[betID]
	if !ok {
		return domain.Claim{}, fmt.Errorf("parimutuel: payout bet %s in %s: %w", betID, marketID, domain.ErrNotFound)
	}
	if !b.market.Outcome.Resolved() {
		return domain.Claim{}, fmt.Errorf("parimutuel: payout bet %s: %w", betID, domain.ErrMarketNotResolved)
	}
	if bet.Claimed {
		return domain.Claim{}, fmt.Errorf("parimutuel: payout bet %s: %w", betID, domain.ErrAlreadyClaimed)
	}

	won := bet.Side == b.market.Outcome.Side()
	amount := decimal.Zero
	if won {
		amount = b.winningShare(bet, e.decimals)
		if amount.IsZero() {
			e.logger.Error("invariant violated: winning bet on a side with no stake",
				slog.String("market_id", marketID),
				slog.String("bet_id", betID),
			)
		}
	}

	now := e.clock.Now()
	claim := domain.Claim{
		BetID:     bet.ID,
		MarketID:  marketID,
		Bettor:    bet.Bettor,
		Side:      bet.Side,
		Won:       won,
		Amount:    amount,
		ClaimedAt: now,
	}

	if e.ledger != nil {
		lctx, cancel := e.ledgerContext(ctx)
		err := e.ledger.RecordPayout(lctx, b.market, claim)
		cancel()
		if err != nil {
			return domain.Claim{}, fmt.Errorf("parimutuel: record payout of %s: %w", betID, err)
		}
	}

	bet.Claimed = true
	bet.ClaimedAt = &now
	bet.Payout = amount
	if won {
		b.claimedStake = b.claimedStake.Add(bet.Amount)
	}
	b.paidOut = b.paidOut.Add(amount)
	return claim, nil
}

// Settled reports whether every bet in a resolved market has been claimed.
func (e *Engine) Settled(marketID string) (bool, error) {
	b, err := e.book(marketID)
	if err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.market.Outcome.Resolved() {
		return false, nil
	}
	for _, bet := range b.bets {
		if !bet.Claimed {
			return false, nil
		}
	}
	return true, nil
}

// winningShare must be called with b.mu held.
func (b *book) winningShare(bet *domain.Bet, places int32) decimal.Decimal {
	winning := b.market.StakeOn(bet.Side)
	if winning.Sign() <= 0 {
		return decimal.Zero
	}
	pool := b.market.Pool()
	if b.claimedStake.Add(bet.Amount).GreaterThanOrEqual(winning) {
		return pool.Sub(b.paidOut)
	}
	q, _ := bet.Amount.Mul(pool).QuoRem(winning, places)
	return q
}

func (e *Engine) book(marketID string) (*book, error) {
	e.mu.RLock()
	b, ok := e.books[marketID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("parimutuel: market %s: %w", marketID, domain.ErrNotFound)
	}
	return b, nil
}

func (e *Engine) validAmount(amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return domain.ErrInvalidAmount
	}
	// digit counts first: comparing against a bound would rescale the
	// coefficient by the exponent
	if int64(amount.NumDigits())+int64(amount.Exponent()) > maxIntegerDigits {
		return fmt.Errorf("more than %d integer digits: %w", maxIntegerDigits, domain.ErrInvalidAmount)
	}
	if amount.Exponent() < -maxFractionDigits {
		return fmt.Errorf("more than %d decimal places: %w", e.decimals, domain.ErrInvalidAmount)
	}
	if !amount.Truncate(e.decimals).Equal(amount) {
		return fmt.Errorf("more than %d decimal places: %w", e.decimals, domain.ErrInvalidAmount)
	}
	return nil
}

func (e *Engine) ledgerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.ledgerTimeout > 0 {
		return context.WithTimeout(ctx, e.ledgerTimeout)
	}
	return context.WithCancel(ctx)
}

func newBook(m domain.Market) *book {
	if m.TotalYesStake.IsZero() {
		m.TotalYesStake = decimal.Zero
	}
	if m.TotalNoStake.IsZero() {
		m.TotalNoStake = decimal.Zero
	}
	return &book{
		market:       m,
		bets:         make(map[string]*domain.Bet),
		claimedStake: decimal.Zero,
		paidOut:      decimal.Zero,
	}
}
