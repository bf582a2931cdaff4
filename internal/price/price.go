// Package price implements the pricing rules for binary outcome markets:
// YES/NO price complementarity and the trade-driven probability refresh.
//
// A YES order at price p is compatible with a NO order at price q iff
// p + q = 1 within a fixed tolerance. The tolerance absorbs floating-point
// representation error only; the engine does not support price improvement
// beyond it.
//
// All prices use shopspring/decimal — never float64 for money.
package price

import (
	"github.com/shopspring/decimal"

	"github.com/agoramarket/engine/internal/model"
)

var (
	// Epsilon is the complementarity tolerance: |yes + no - 1| <= Epsilon.
	Epsilon = decimal.NewFromFloat(0.001)

	one = decimal.NewFromInt(1)
)

// WindowSize is the number of most recent trades averaged into an
// outcome's probability. A smoothing heuristic, not a microprice.
const WindowSize = 10

// ValidLimit reports whether p is a usable order price, strictly inside
// the open interval (0,1).
func ValidLimit(p decimal.Decimal) bool {
	return p.IsPositive() && p.LessThan(one)
}

// Complement returns 1 - p, the economic price of the opposite side.
func Complement(p decimal.Decimal) decimal.Decimal {
	return one.Sub(p)
}

// Complementary reports whether a YES price and a NO price sum to 1
// within Epsilon.
func Complementary(yes, no decimal.Decimal) bool {
	return yes.Add(no).Sub(one).Abs().LessThanOrEqual(Epsilon)
}

// PairPrices resolves the implied YES and NO prices for a pairing between
// an order and an opposite-side candidate, each contributing the price for
// its own side.
func PairPrices(side model.Side, orderPrice, candidatePrice decimal.Decimal) (yes, no decimal.Decimal) {
	if side == model.SideYes {
		return orderPrice, candidatePrice
	}
	return candidatePrice, orderPrice
}

// WindowMean returns the arithmetic mean of the YES-side price of the
// given trades, expected to be the most recent trades for one outcome.
// The second return is false when there are no trades, in which case the
// outcome's probability must be left unchanged.
func WindowMean(trades []model.Trade) (decimal.Decimal, bool) {
	if len(trades) == 0 {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	for _, t := range trades {
		sum = sum.Add(t.Price)
	}
	return sum.Div(decimal.NewFromInt(int64(len(trades)))), true
}
