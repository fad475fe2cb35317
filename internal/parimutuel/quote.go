package parimutuel

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/milestonebet/internal/domain"
)

// oddsFloor stands in for an empty side when computing odds, so a market
// with stake on only one side still quotes a finite multiplier.
var oddsFloor = decimal.NewFromInt(1)

// QuoteFor computes the display quote for a market. It performs no I/O and
// never mutates m.
func QuoteFor(m domain.Market) domain.Quote {
	q := domain.Quote{
		MarketID: m.ID,
		TotalYes: m.TotalYesStake,
		TotalNo:  m.TotalNoStake,
		Pool:     m.Pool(),
	}

	if q.Pool.Sign() <= 0 {
		q.YesShare, q.NoShare = 0.5, 0.5
		q.YesOdds, q.NoOdds = 2, 2
		return q
	}

	q.YesShare = m.TotalYesStake.Div(q.Pool).InexactFloat64()
	q.NoShare = m.TotalNoStake.Div(q.Pool).InexactFloat64()
	q.YesOdds = q.Pool.Div(floored(m.TotalYesStake)).InexactFloat64()
	q.NoOdds = q.Pool.Div(floored(m.TotalNoStake)).InexactFloat64()
	return q
}

func floored(side decimal.Decimal) decimal.Decimal {
	if side.Sign() <= 0 {
		return oddsFloor
	}
	return side
}

// PotentialReturnFor is the payout a new bet of amount on side would receive
// if no further stakes arrived, truncated to places decimal digits.
func PotentialReturnFor(m domain.Market, side domain.Side, amount decimal.Decimal, places int32) decimal.Decimal {
	if amount.Sign() <= 0 {
		return decimal.Zero
	}
	pool := m.Pool().Add(amount)
	stake := m.StakeOn(side).Add(amount)
	q, _ := amount.Mul(pool).QuoRem(stake, places)
	return q
}
