package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/milestonebet/internal/domain"
	"github.com/alanyoungcy/milestonebet/internal/parimutuel"
)

var (
	creator = common.HexToAddress("0x00000000000000000000000000000000000000c1").Hex()
	alice   = common.HexToAddress("0x00000000000000000000000000000000000000a1").Hex()
	bob     = common.HexToAddress("0x00000000000000000000000000000000000000b1").Hex()
	token   = common.HexToAddress("0x0000000000000000000000000000000000000070").Hex()
	t0      = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
)

type harness struct {
	clock      *parimutuel.ManualClock
	engine     *parimutuel.Engine
	milestones *memMilestones
	markets    *memMarkets
	bets       *memBets
	quotes     *memQuotes
	bus        *memBus
	audit      *memAudit
	notifier   *stubNotifier
	marketSvc  *MarketService
	msSvc      *MilestoneService
}

func newHarness(t *testing.T, verifier Verifier) *harness {
	t.Helper()
	h := &harness{
		clock:      parimutuel.NewManualClock(t0),
		milestones: newMemMilestones(),
		markets:    &memMarkets{items: map[string]domain.Market{}},
		bets:       newMemBets(),
		quotes:     newMemQuotes(),
		bus:        newMemBus(),
		audit:      &memAudit{},
		notifier:   &stubNotifier{},
	}
	logger := slog.New(slog.DiscardHandler)
	h.engine = parimutuel.NewEngine(parimutuel.EngineConfig{
		Clock:  h.clock,
		Ledger: &memLedger{milestones: h.milestones, bets: h.bets},
	}, logger)
	h.marketSvc = NewMarketService(h.engine, h.markets, h.bets, h.quotes, h.bus, h.audit, logger)
	h.marketSvc.SetNotifier(h.notifier)
	h.marketSvc.SetSigner(stubSigner{})
	h.msSvc = NewMilestoneService(h.engine, h.milestones, h.marketSvc, verifier, h.bus, h.audit, logger)
	return h
}

func (h *harness) createMilestone(t *testing.T) domain.Milestone {
	t.Helper()
	ms, err := h.msSvc.Create(context.Background(), creator, CreateMilestoneInput{
		TokenAddress: token,
		Title:        "  Mainnet launch ",
		Description:  "Ship v1 to mainnet",
		TargetDate:   t0.Add(7 * 24 * time.Hour),
	})
	require.NoError(t, err)
	return ms
}

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestMilestoneCreate_OpensMarket(t *testing.T) {
	h := newHarness(t, nil)
	ms := h.createMilestone(t)

	assert.Equal(t, "Mainnet launch", ms.Title)
	assert.Equal(t, domain.MilestoneStatusPending, ms.Status)
	assert.Equal(t, creator, ms.Creator)

	m, err := h.engine.Market(ms.ID)
	require.NoError(t, err)
	assert.Equal(t, ms.TargetDate, m.Deadline)
	assert.Equal(t, creator, m.Creator)

	_, err = h.milestones.GetByID(context.Background(), ms.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, h.bus.count(domain.ChannelMilestones))
	assert.Contains(t, h.audit.events, "milestone.created")
}

func TestMilestoneCreate_Validation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	valid := CreateMilestoneInput{
		TokenAddress: token,
		Title:        "t",
		Description:  "d",
		TargetDate:   t0.Add(time.Hour),
	}

	tests := []struct {
		name    string
		creator string
		mutate  func(*CreateMilestoneInput)
		want    string
	}{
		{"blank title", creator, func(in *CreateMilestoneInput) { in.Title = "   " }, "title is required"},
		{"blank description", creator, func(in *CreateMilestoneInput) { in.Description = "" }, "description is required"},
		{"past target", creator, func(in *CreateMilestoneInput) { in.TargetDate = t0 }, "target_date must be in the future"},
		{"bad token", creator, func(in *CreateMilestoneInput) { in.TokenAddress = "xyz" }, "token_address"},
		{"bad creator", "nobody", func(*CreateMilestoneInput) {}, "creator must be"},
		{"long title", creator, func(in *CreateMilestoneInput) { in.Title = strings.Repeat("x", maxTitleLen+1) }, "title exceeds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mutate(&in)
			_, err := h.msSvc.Create(ctx, tt.creator, in)
			require.ErrorIs(t, err, domain.ErrInvalidInput)
			assert.ErrorContains(t, err, tt.want)
		})
	}
	assert.Empty(t, h.engine.Markets())
}

func TestMilestoneCreate_Verification(t *testing.T) {
	ctx := context.Background()
	in := CreateMilestoneInput{TokenAddress: token, Title: "t", Description: "d", TargetDate: t0.Add(time.Hour)}

	h := newHarness(t, stubVerifier{verified: map[string]bool{strings.ToLower(alice): true}})
	_, err := h.msSvc.Create(ctx, creator, in)
	assert.ErrorIs(t, err, domain.ErrNotVerified)
	_, err = h.msSvc.Create(ctx, alice, in)
	assert.NoError(t, err)

	h = newHarness(t, stubVerifier{err: errors.New("rpc down")})
	_, err = h.msSvc.Create(ctx, creator, in)
	assert.ErrorIs(t, err, ErrVerifierUnavailable)
}

func TestMilestoneStatus_StartThenComplete(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	ms := h.createMilestone(t)

	_, err := h.msSvc.UpdateStatus(ctx, ms.ID, alice, domain.MilestoneStatusInProgress, "")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	got, err := h.msSvc.UpdateStatus(ctx, ms.ID, creator, domain.MilestoneStatusInProgress, "")
	require.NoError(t, err)
	assert.Equal(t, domain.MilestoneStatusInProgress, got.Status)

	// bets stay open while the creator works on it
	_, err = h.marketSvc.PlaceBet(ctx, ms.ID, alice, domain.SideYes, amt("10"))
	require.NoError(t, err)

	_, err = h.msSvc.UpdateStatus(ctx, ms.ID, creator, domain.MilestoneStatusCompleted, "")
	assert.ErrorIs(t, err, domain.ErrNotYetExpired)

	h.clock.Advance(8 * 24 * time.Hour)
	got, err = h.msSvc.UpdateStatus(ctx, ms.ID, creator, domain.MilestoneStatusCompleted, "https://example.com/release")
	require.NoError(t, err)
	assert.Equal(t, domain.MilestoneStatusCompleted, got.Status)
	assert.Equal(t, "https://example.com/release", got.ProofURL)
	require.NotNil(t, got.CompletedAt)

	stored, _ := h.milestones.GetByID(ctx, ms.ID)
	assert.Equal(t, domain.MilestoneStatusCompleted, stored.Status)
	assert.Equal(t, "https://example.com/release", stored.ProofURL)

	m, _ := h.engine.Market(ms.ID)
	assert.Equal(t, domain.OutcomeYes, m.Outcome)

	_, err = h.msSvc.UpdateStatus(ctx, ms.ID, creator, domain.MilestoneStatusFailed, "")
	assert.ErrorIs(t, err, domain.ErrAlreadyResolved)
}

func TestMilestoneStatus_Rejections(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	ms := h.createMilestone(t)

	_, err := h.msSvc.UpdateStatus(ctx, ms.ID, creator, domain.MilestoneStatusPending, "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = h.msSvc.UpdateStatus(ctx, ms.ID, creator, domain.MilestoneStatusCompleted, "ftp://nope")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = h.msSvc.UpdateStatus(ctx, "missing", creator, domain.MilestoneStatusFailed, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	h.clock.Advance(30 * 24 * time.Hour)
	_, err = h.msSvc.UpdateStatus(ctx, ms.ID, creator, domain.MilestoneStatusInProgress, "")
	assert.ErrorIs(t, err, domain.ErrMarketClosed)

	got, err := h.msSvc.UpdateStatus(ctx, ms.ID, creator, domain.MilestoneStatusFailed, "")
	require.NoError(t, err)
	assert.Equal(t, domain.MilestoneStatusFailed, got.Status)
	m, _ := h.engine.Market(ms.ID)
	assert.Equal(t, domain.OutcomeNo, m.Outcome)
}

func TestMarketService_BetResolveClaim(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	ms := h.createMilestone(t)

	b60, err := h.marketSvc.PlaceBet(ctx, ms.ID, strings.ToLower(alice), domain.SideYes, amt("60"))
	require.NoError(t, err)
	assert.Equal(t, alice, b60.Bettor, "bettor is normalized to checksum form")
	b40, err := h.marketSvc.PlaceBet(ctx, ms.ID, bob, domain.SideYes, amt("40"))
	require.NoError(t, err)
	lose, err := h.marketSvc.PlaceBet(ctx, ms.ID, bob, domain.SideNo, amt("200"))
	require.NoError(t, err)

	_, err = h.marketSvc.PlaceBet(ctx, ms.ID, "not-an-address", domain.SideNo, amt("1"))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	q, err := h.marketSvc.Quote(ctx, ms.ID)
	require.NoError(t, err)
	assert.True(t, q.Pool.Equal(amt("300")))
	assert.InDelta(t, 1.0/3, q.YesShare, 1e-9)
	assert.Equal(t, 3, h.quotes.sets, "every accepted bet refreshes the cached quote")
	assert.Equal(t, 3, h.bus.count(domain.ChannelBets))

	h.clock.Advance(8 * 24 * time.Hour)
	view, err := h.marketSvc.Market(ctx, ms.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStateAwaitingResolution, view.State)

	_, err = h.marketSvc.Resolve(ctx, ms.ID, domain.OutcomeYes, creator)
	require.NoError(t, err)
	assert.Equal(t, []string{domain.EventMarketResolved}, h.notifier.events)
	_, cached := h.quotes.items[ms.ID]
	assert.False(t, cached, "resolution invalidates the cached quote")

	stored, _ := h.milestones.GetByID(ctx, ms.ID)
	assert.Equal(t, domain.MilestoneStatusCompleted, stored.Status)

	_, err = h.marketSvc.Claim(ctx, ms.ID, b60.ID, bob)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	c, err := h.marketSvc.Claim(ctx, ms.ID, b60.ID, alice)
	require.NoError(t, err)
	assert.True(t, c.Amount.Equal(amt("180")))
	assert.Equal(t, "sig:"+b60.ID, c.Receipt)

	c, err = h.marketSvc.Claim(ctx, ms.ID, b40.ID, bob)
	require.NoError(t, err)
	assert.True(t, c.Amount.Equal(amt("120")))

	c, err = h.marketSvc.Claim(ctx, ms.ID, lose.ID, bob)
	require.NoError(t, err)
	assert.False(t, c.Won)
	assert.True(t, c.Amount.IsZero())

	_, err = h.marketSvc.Claim(ctx, ms.ID, b60.ID, alice)
	assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)

	assert.Equal(t, 3, h.bus.count(domain.ChannelClaims))
	var evt domain.Event
	require.NoError(t, json.Unmarshal(h.bus.msgs[domain.ChannelClaims][0], &evt))
	assert.Equal(t, domain.EventBetClaimed, evt.Type)
}

func TestMarketService_BetsByBettor(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	ms := h.createMilestone(t)

	win, err := h.marketSvc.PlaceBet(ctx, ms.ID, alice, domain.SideNo, amt("5"))
	require.NoError(t, err)
	_, err = h.marketSvc.PlaceBet(ctx, ms.ID, bob, domain.SideYes, amt("5"))
	require.NoError(t, err)

	views, err := h.marketSvc.BetsByBettor(ctx, alice, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, domain.MarketStateOpen, views[0].MarketState)
	assert.False(t, views[0].Claimable)

	h.clock.Advance(8 * 24 * time.Hour)
	_, err = h.marketSvc.Resolve(ctx, ms.ID, domain.OutcomeNo, creator)
	require.NoError(t, err)

	views, err = h.marketSvc.BetsByBettor(ctx, strings.ToLower(alice), domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.True(t, views[0].Claimable)
	assert.Equal(t, domain.OutcomeNo, views[0].Outcome)

	_, err = h.marketSvc.Claim(ctx, ms.ID, win.ID, alice)
	require.NoError(t, err)
	views, err = h.marketSvc.BetsByBettor(ctx, alice, domain.ListOpts{})
	require.NoError(t, err)
	assert.False(t, views[0].Claimable)
	assert.True(t, views[0].Payout.Equal(amt("10")))

	_, err = h.marketSvc.BetsByBettor(ctx, "bogus", domain.ListOpts{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestMarketService_Rehydrate(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	resolved := t0.Add(-time.Hour)
	h.markets.items["old"] = domain.Market{
		ID:            "old",
		Creator:       creator,
		Deadline:      t0.Add(-2 * time.Hour),
		TotalYesStake: amt("3"),
		TotalNoStake:  amt("1"),
		Outcome:       domain.OutcomeYes,
		ResolvedAt:    &resolved,
	}
	archivedAt := t0
	h.markets.items["gone"] = domain.Market{ID: "gone", Deadline: t0, ArchivedAt: &archivedAt}
	h.bets.put(domain.Bet{ID: "x1", MarketID: "old", Bettor: alice, Side: domain.SideYes, Amount: amt("3"), PlacedAt: t0.Add(-3 * time.Hour)})
	h.bets.put(domain.Bet{ID: "x2", MarketID: "old", Bettor: bob, Side: domain.SideNo, Amount: amt("1"), PlacedAt: t0.Add(-3 * time.Hour)})

	n, err := h.marketSvc.Rehydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c, err := h.marketSvc.Claim(ctx, "old", "x1", alice)
	require.NoError(t, err)
	assert.True(t, c.Amount.Equal(amt("4")))

	// archived markets are served from the store
	view, err := h.marketSvc.Market(ctx, "gone")
	require.NoError(t, err)
	assert.Equal(t, "gone", view.ID)

	_, err = h.marketSvc.Market(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarketService_StaleQuoteFillLoses(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	ms := h.createMilestone(t)

	// a reader computed this quote before the bet landed
	before, err := h.engine.Quote(ms.ID)
	require.NoError(t, err)

	_, err = h.marketSvc.PlaceBet(ctx, ms.ID, alice, domain.SideYes, amt("50"))
	require.NoError(t, err)

	h.marketSvc.cacheQuote(ctx, before)

	q, err := h.marketSvc.Quote(ctx, ms.ID)
	require.NoError(t, err)
	assert.True(t, q.Pool.Equal(amt("50")), "cached pool %s", q.Pool)
}

func TestMarketService_QuoteCacheHit(t *testing.T) {
	h := newHarness(t, nil)
	ms := h.createMilestone(t)
	stale := domain.Quote{MarketID: ms.ID, YesOdds: 9}
	require.NoError(t, h.quotes.Set(context.Background(), stale))

	q, err := h.marketSvc.Quote(context.Background(), ms.ID)
	require.NoError(t, err)
	assert.Equal(t, 9.0, q.YesOdds)
}
