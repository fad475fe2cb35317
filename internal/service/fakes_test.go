package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/milestonebet/internal/domain"
)

type memMilestones struct {
	mu      sync.Mutex
	items   map[string]domain.Milestone
	markets map[string]domain.Market
	err     error
}

func newMemMilestones() *memMilestones {
	return &memMilestones{items: map[string]domain.Milestone{}, markets: map[string]domain.Market{}}
}

func (s *memMilestones) Create(_ context.Context, m domain.Milestone, market domain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if _, ok := s.items[m.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.items[m.ID] = m
	s.markets[market.ID] = market
	return nil
}

func (s *memMilestones) GetByID(_ context.Context, id string) (domain.Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[id]
	if !ok {
		return domain.Milestone{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *memMilestones) List(_ context.Context, f domain.MilestoneFilter, _ domain.ListOpts) ([]domain.Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Milestone
	for _, m := range s.items {
		if f.TokenAddress != "" && !strings.EqualFold(f.TokenAddress, m.TokenAddress) {
			continue
		}
		if f.Creator != "" && !strings.EqualFold(f.Creator, m.Creator) {
			continue
		}
		if f.Status != "" && f.Status != m.Status {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetDate.Before(out[j].TargetDate) })
	return out, nil
}

func (s *memMilestones) UpdateStatus(_ context.Context, id string, status domain.MilestoneStatus, proofURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	m.Status = status
	if proofURL != "" {
		m.ProofURL = proofURL
	}
	s.items[id] = m
	return nil
}

// memLedger writes resolution status back into the milestone store, the
// way the Postgres ledger does in one transaction.
type memLedger struct {
	milestones *memMilestones
	bets       *memBets
}

func (l *memLedger) RecordStake(_ context.Context, _ domain.Market, b domain.Bet) error {
	l.bets.put(b)
	return nil
}

func (l *memLedger) RecordResolution(_ context.Context, m domain.Market) error {
	return l.milestones.UpdateStatus(context.Background(), m.ID, domain.StatusFor(m.Outcome), "")
}

func (l *memLedger) RecordPayout(_ context.Context, _ domain.Market, c domain.Claim) error {
	l.bets.mu.Lock()
	defer l.bets.mu.Unlock()
	b := l.bets.items[c.BetID]
	b.Claimed = true
	at := c.ClaimedAt
	b.ClaimedAt = &at
	b.Payout = c.Amount
	l.bets.items[c.BetID] = b
	return nil
}

type memMarkets struct {
	mu    sync.Mutex
	items map[string]domain.Market
}

func (s *memMarkets) GetByID(_ context.Context, id string) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *memMarkets) ListUnarchived(context.Context) ([]domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Market
	for _, m := range s.items {
		if m.ArchivedAt == nil {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memMarkets) ListSettledBefore(_ context.Context, before time.Time) ([]domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Market
	for _, m := range s.items {
		if m.ArchivedAt == nil && m.ResolvedAt != nil && m.ResolvedAt.Before(before) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memMarkets) MarkArchived(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	m.ArchivedAt = &at
	s.items[id] = m
	return nil
}

type memBets struct {
	mu    sync.Mutex
	items map[string]domain.Bet
	order []string
}

func newMemBets() *memBets { return &memBets{items: map[string]domain.Bet{}} }

func (s *memBets) put(b domain.Bet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[b.ID] = b
	s.order = append(s.order, b.ID)
}

func (s *memBets) ListByMarket(_ context.Context, marketID string) ([]domain.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Bet
	for _, id := range s.order {
		if b := s.items[id]; b.MarketID == marketID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *memBets) ListByBettor(_ context.Context, bettor string, _ domain.ListOpts) ([]domain.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Bet
	for i := len(s.order) - 1; i >= 0; i-- {
		if b := s.items[s.order[i]]; strings.EqualFold(b.Bettor, bettor) {
			out = append(out, b)
		}
	}
	return out, nil
}

type memQuotes struct {
	mu    sync.Mutex
	items map[string]domain.Quote
	sets  int
}

func newMemQuotes() *memQuotes { return &memQuotes{items: map[string]domain.Quote{}} }

func (c *memQuotes) Set(_ context.Context, q domain.Quote) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.items[q.MarketID]; ok && !q.Supersedes(prev) {
		return nil
	}
	c.items[q.MarketID] = q
	c.sets++
	return nil
}

func (c *memQuotes) Get(_ context.Context, id string) (domain.Quote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.items[id]
	if !ok {
		return domain.Quote{}, domain.ErrNotFound
	}
	return q, nil
}

func (c *memQuotes) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, id)
	return nil
}

type memBus struct {
	mu   sync.Mutex
	msgs map[string][][]byte
}

func newMemBus() *memBus { return &memBus{msgs: map[string][][]byte{}} }

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs[channel] = append(b.msgs[channel], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *memBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs[channel])
}

type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (a *memAudit) ListByMarket(context.Context, string, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type stubVerifier struct {
	verified map[string]bool
	err      error
}

func (v stubVerifier) IsVerified(_ context.Context, addr string) (bool, error) {
	return v.verified[strings.ToLower(addr)], v.err
}

type stubNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *stubNotifier) Notify(_ context.Context, event, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

type stubSigner struct{}

func (stubSigner) SignReceipt(c domain.Claim) (string, error) {
	return "sig:" + c.BetID, nil
}
