// Package ledger implements position accounting for trade fills.
//
// A position tracks a user's accumulated exposure to one side of one
// outcome as a pure weighted-average accumulator: fills only ever add
// quantity, and opposing-side exposure is never netted. A YES position and
// a NO position on the same outcome for the same user coexist independently.
package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/agoramarket/engine/internal/model"
)

// Fill is one executed quantity at one price to be absorbed into a position.
type Fill struct {
	UserID    string
	OutcomeID string
	Side      model.Side
	Quantity  decimal.Decimal
	Price     decimal.Decimal
}

// Apply folds a fill into an existing position, or opens a new one when
// existing is nil. The average price is recomputed as the quantity-weighted
// mean of all contributing fills:
//
//	newAvg = (avg*qty + price*fillQty) / (qty + fillQty)
func Apply(existing *model.Position, f Fill, now time.Time) model.Position {
	if existing == nil {
		return model.Position{
			UserID:    f.UserID,
			OutcomeID: f.OutcomeID,
			Side:      f.Side,
			Quantity:  f.Quantity,
			AvgPrice:  f.Price,
			UpdatedAt: now,
		}
	}

	newQty := existing.Quantity.Add(f.Quantity)
	newAvg := existing.AvgPrice.Mul(existing.Quantity).
		Add(f.Price.Mul(f.Quantity)).
		Div(newQty)

	return model.Position{
		UserID:    existing.UserID,
		OutcomeID: existing.OutcomeID,
		Side:      existing.Side,
		Quantity:  newQty,
		AvgPrice:  newAvg,
		UpdatedAt: now,
	}
}
