package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/alanyoungcy/milestonebet/internal/domain"
	"github.com/alanyoungcy/milestonebet/internal/parimutuel"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	creator = "0xC1"
	alice   = "0xA1"
	bob     = "0xB1"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newEngine(t *testing.T) (*parimutuel.Engine, *parimutuel.ManualClock) {
	t.Helper()
	clock := parimutuel.NewManualClock(t0)
	return parimutuel.NewEngine(parimutuel.EngineConfig{Clock: clock}, nil), clock
}

func openMarket(t *testing.T, e *parimutuel.Engine, id string, deadline time.Time) {
	t.Helper()
	_, err := e.Open(domain.Market{ID: id, Creator: creator, Deadline: deadline, CreatedAt: t0})
	require.NoError(t, err)
}

func bet(t *testing.T, e *parimutuel.Engine, id, who string, side domain.Side, amount int64) domain.Bet {
	t.Helper()
	b, err := e.PlaceBet(context.Background(), id, who, side, decimal.NewFromInt(amount))
	require.NoError(t, err)
	return b
}

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestArchiver_WaitsForAllClaims(t *testing.T) {
	ctx := context.Background()
	e, clock := newEngine(t)
	openMarket(t, e, "m1", t0.Add(time.Hour))
	won := bet(t, e, "m1", alice, domain.SideYes, 10)
	lost := bet(t, e, "m1", bob, domain.SideNo, 5)

	clock.Advance(2 * time.Hour)
	resolved, err := e.Resolve(ctx, "m1", domain.OutcomeYes, creator)
	require.NoError(t, err)
	_, err = e.Payout(ctx, "m1", won.ID)
	require.NoError(t, err)

	markets := &memMarkets{items: map[string]domain.Market{"m1": resolved}}
	blobs := &fakeBlobs{archived: map[string][]domain.Bet{}}
	locks := &fakeLocks{}
	bus := &memBus{}
	audit := &memAudit{}
	a := NewArchiver(e, markets, &memBets{}, blobs, 24*time.Hour, discard())
	a.SetLocker(locks, time.Minute)
	a.SetPublisher(bus, audit)

	clock.Advance(25 * time.Hour)
	n, err := a.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "losing bet still unclaimed")
	assert.Empty(t, blobs.archived)

	_, err = e.Payout(ctx, "m1", lost.ID)
	require.NoError(t, err)

	n, err = a.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, blobs.archived["m1"], 2)

	stored, _ := markets.GetByID(ctx, "m1")
	require.NotNil(t, stored.ArchivedAt)
	assert.True(t, stored.ArchivedAt.Equal(clock.Now()))

	_, err = e.Market("m1")
	assert.ErrorIs(t, err, domain.ErrNotFound, "archived market is evicted")
	assert.Equal(t, 1, bus.count(domain.ChannelMarkets))
	assert.Equal(t, []string{"market.archived"}, audit.events)
	assert.Equal(t, 2, locks.acquired)
	assert.Equal(t, 2, locks.released)

	n, err = a.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestArchiver_RetentionWindow(t *testing.T) {
	ctx := context.Background()
	e, clock := newEngine(t)
	openMarket(t, e, "m1", t0.Add(time.Hour))
	clock.Advance(2 * time.Hour)
	resolved, err := e.Resolve(ctx, "m1", domain.OutcomeNo, creator)
	require.NoError(t, err)

	markets := &memMarkets{items: map[string]domain.Market{"m1": resolved}}
	blobs := &fakeBlobs{archived: map[string][]domain.Bet{}}
	a := NewArchiver(e, markets, &memBets{}, blobs, 48*time.Hour, discard())

	clock.Advance(24 * time.Hour)
	n, err := a.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(25 * time.Hour)
	n, err = a.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "a market without bets is settled once resolved")
}

func TestArchiver_FallsBackToStoreForEvictedMarkets(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	resolvedAt := t0.Add(-72 * time.Hour)
	claimedAt := t0.Add(-48 * time.Hour)
	markets := &memMarkets{items: map[string]domain.Market{
		"cold": {ID: "cold", Outcome: domain.OutcomeYes, ResolvedAt: &resolvedAt},
		"open": {ID: "open", Outcome: domain.OutcomeYes, ResolvedAt: &resolvedAt},
	}}
	bets := &memBets{byMarket: map[string][]domain.Bet{
		"cold": {{ID: "b1", MarketID: "cold", Claimed: true, ClaimedAt: &claimedAt}},
		"open": {{ID: "b2", MarketID: "open"}},
	}}
	blobs := &fakeBlobs{archived: map[string][]domain.Bet{}}
	a := NewArchiver(e, markets, bets, blobs, 24*time.Hour, discard())

	n, err := a.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, blobs.archived, "cold")
	assert.NotContains(t, blobs.archived, "open")
}

func TestArchiver_LockHeldSkipsRun(t *testing.T) {
	e, _ := newEngine(t)
	blobs := &fakeBlobs{archived: map[string][]domain.Bet{}}
	a := NewArchiver(e, &memMarkets{items: map[string]domain.Market{}}, &memBets{}, blobs, time.Hour, discard())
	a.SetLocker(&fakeLocks{held: true}, time.Minute)

	n, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestArchiver_UploadFailureKeepsMarket(t *testing.T) {
	ctx := context.Background()
	e, clock := newEngine(t)
	openMarket(t, e, "m1", t0.Add(time.Hour))
	clock.Advance(2 * time.Hour)
	resolved, err := e.Resolve(ctx, "m1", domain.OutcomeYes, creator)
	require.NoError(t, err)

	markets := &memMarkets{items: map[string]domain.Market{"m1": resolved}}
	blobs := &fakeBlobs{err: errors.New("s3 down"), archived: map[string][]domain.Bet{}}
	a := NewArchiver(e, markets, &memBets{}, blobs, time.Hour, discard())

	clock.Advance(2 * time.Hour)
	n, err := a.Run(ctx)
	assert.ErrorContains(t, err, "s3 down")
	assert.Zero(t, n)

	stored, _ := markets.GetByID(ctx, "m1")
	assert.Nil(t, stored.ArchivedAt)
	_, err = e.Market("m1")
	assert.NoError(t, err)
}

func TestExpiryWatcher_AnnouncesOnce(t *testing.T) {
	ctx := context.Background()
	e, clock := newEngine(t)
	openMarket(t, e, "soon", t0.Add(time.Hour))
	openMarket(t, e, "later", t0.Add(48*time.Hour))

	bus := &memBus{}
	notifier := &stubNotifier{}
	w := NewExpiryWatcher(e, bus, notifier, discard())

	assert.Empty(t, w.Check(ctx))

	clock.Advance(2 * time.Hour)
	fresh := w.Check(ctx)
	require.Len(t, fresh, 1)
	assert.Equal(t, "soon", fresh[0].ID)
	assert.Empty(t, w.Check(ctx), "already announced")

	_, err := e.Resolve(ctx, "soon", domain.OutcomeNo, creator)
	require.NoError(t, err)
	assert.Empty(t, w.Check(ctx))

	clock.Advance(48 * time.Hour)
	fresh = w.Check(ctx)
	require.Len(t, fresh, 1)
	assert.Equal(t, "later", fresh[0].ID)

	assert.Equal(t, 2, bus.count(domain.ChannelMarkets))
	require.Len(t, notifier.messages, 2)
	assert.Contains(t, notifier.messages[0], domain.EventAwaitingResolution)
	assert.Contains(t, notifier.messages[0], creator)
}

func TestExpiryWatcher_RunLoopStops(t *testing.T) {
	e, _ := newEngine(t)
	w := NewExpiryWatcher(e, nil, nil, discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.RunLoop(ctx, 10*time.Millisecond) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestOrchestrator_CleanShutdown(t *testing.T) {
	e, _ := newEngine(t)
	w := NewExpiryWatcher(e, nil, nil, discard())
	a := NewArchiver(e, &memMarkets{items: map[string]domain.Market{}}, &memBets{}, &fakeBlobs{}, time.Hour, discard())
	o := NewOrchestrator(w, a, 10*time.Millisecond, "0 3 * * *", discard())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, o.Run(ctx))
}

func TestOrchestrator_BadCron(t *testing.T) {
	e, _ := newEngine(t)
	a := NewArchiver(e, &memMarkets{items: map[string]domain.Market{}}, &memBets{}, &fakeBlobs{}, time.Hour, discard())
	o := NewOrchestrator(nil, a, time.Second, "not a cron", discard())

	err := o.Run(context.Background())
	assert.ErrorContains(t, err, "archiver")
}
