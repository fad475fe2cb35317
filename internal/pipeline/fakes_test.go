package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/alanyoungcy/milestonebet/internal/domain"
)

type memMarkets struct {
	mu    sync.Mutex
	items map[string]domain.Market
}

func (s *memMarkets) put(m domain.Market) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[m.ID] = m
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
	return nil, errors.New("not used")
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
	byMarket map[string][]domain.Bet
}

func (s *memBets) ListByMarket(_ context.Context, id string) ([]domain.Bet, error) {
	return s.byMarket[id], nil
}

func (s *memBets) ListByBettor(context.Context, string, domain.ListOpts) ([]domain.Bet, error) {
	return nil, errors.New("not used")
}

type fakeBlobs struct {
	mu       sync.Mutex
	err      error
	archived map[string][]domain.Bet
}

func (f *fakeBlobs) ArchiveMarket(_ context.Context, m domain.Market, bets []domain.Bet) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.archived[m.ID] = bets
	return "archive/markets/" + m.ID + ".jsonl", nil
}

type fakeLocks struct {
	held     bool
	acquired int
	released int
}

func (l *fakeLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	if l.held {
		return nil, domain.ErrLockHeld
	}
	l.acquired++
	return func() { l.released++ }, nil
}

type memBus struct {
	mu   sync.Mutex
	msgs map[string][][]byte
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.msgs == nil {
		b.msgs = map[string][][]byte{}
	}
	b.msgs[channel] = append(b.msgs[channel], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not used")
}

func (b *memBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs[channel])
}

type memAudit struct {
	events []string
}

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (a *memAudit) ListByMarket(context.Context, string, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type stubNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *stubNotifier) Notify(_ context.Context, event, _, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, event+": "+message)
	return nil
}
