package parimutuel

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/milestonebet/internal/domain"
)

func TestQuoteFor(t *testing.T) {
	tests := []struct {
		name              string
		yes, no           string
		yesShare, noShare float64
		yesOdds, noOdds   float64
	}{
		{"empty pool", "0", "0", 0.5, 0.5, 2, 2},
		{"two to one", "100", "50", 0.6667, 0.3333, 1.5, 3},
		{"even", "25", "25", 0.5, 0.5, 2, 2},
		{"yes only", "40", "0", 1, 0, 1, 40},
		{"no only", "0", "0.5", 0, 1, 0.5, 1},
		{"fractional", "0.1", "0.2", 0.3333, 0.6667, 3, 1.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := domain.Market{
				ID:            "m",
				TotalYesStake: decimal.RequireFromString(tt.yes),
				TotalNoStake:  decimal.RequireFromString(tt.no),
			}
			q := QuoteFor(m)
			assert.InDelta(t, tt.yesShare, q.YesShare, 1e-4)
			assert.InDelta(t, tt.noShare, q.NoShare, 1e-4)
			assert.InDelta(t, tt.yesOdds, q.YesOdds, 1e-4)
			assert.InDelta(t, tt.noOdds, q.NoOdds, 1e-4)
			if q.Pool.Sign() > 0 {
				assert.InDelta(t, 1.0, q.YesShare+q.NoShare, 1e-9)
			}
		})
	}
}

func TestQuoteFor_Idempotent(t *testing.T) {
	m := domain.Market{
		ID:            "m",
		TotalYesStake: decimal.RequireFromString("12.345"),
		TotalNoStake:  decimal.RequireFromString("0.655"),
	}
	first := QuoteFor(m)
	for i := 0; i < 10; i++ {
		q := QuoteFor(m)
		assert.Equal(t, first.YesShare, q.YesShare)
		assert.Equal(t, first.NoOdds, q.NoOdds)
		assert.True(t, first.Pool.Equal(q.Pool))
	}
	assert.True(t, m.Pool().Equal(decimal.RequireFromString("13")), "quote must not mutate the market")
}

func TestPotentialReturnFor_Truncates(t *testing.T) {
	m := domain.Market{
		TotalYesStake: decimal.RequireFromString("2"),
		TotalNoStake:  decimal.RequireFromString("1"),
	}
	// 1 * 4 / 3 = 1.333...
	got := PotentialReturnFor(m, domain.SideYes, decimal.NewFromInt(1), 3)
	assert.Equal(t, "1.333", got.String())
	assert.True(t, PotentialReturnFor(m, domain.SideYes, decimal.Zero, 3).IsZero())
}
