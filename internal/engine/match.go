package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agoramarket/engine/internal/ledger"
	"github.com/agoramarket/engine/internal/metrics"
	"github.com/agoramarket/engine/internal/model"
	"github.com/agoramarket/engine/internal/price"
	"github.com/agoramarket/engine/internal/store"
)

// match pairs a newly created order against eligible resting orders until
// it is fully filled or no candidate remains. Candidates are scanned in
// strict creation order; price complementarity is an eligibility filter,
// not a ranking key, so an earlier merely-compatible order beats a later
// better-priced one. The caller holds the outcome lock.
//
// Each pairing is applied atomically by the store; a pairing lost to a
// concurrent mutation is retried a bounded number of times against the
// candidate's fresh state before the conflict surfaces.
func (e *Engine) match(ctx context.Context, order *model.Order) ([]model.Trade, error) {
	if !order.Matchable() {
		return nil, nil
	}

	started := time.Now()

	candidates, err := e.store.OpenOrdersFIFO(ctx, order.OutcomeID, order.Side.Opposite())
	if err != nil {
		return nil, err
	}

	var trades []model.Trade
	for i := range candidates {
		if !order.Matchable() {
			break
		}
		candidate := candidates[i]

		// Self-match prevention.
		if candidate.UserID == order.UserID {
			continue
		}

		yesPrice, noPrice := price.PairPrices(order.Side, order.Price, candidate.Price)
		if !price.Complementary(yesPrice, noPrice) {
			continue
		}

		trade, err := e.pairWithRetry(ctx, order, &candidate, yesPrice, noPrice)
		if err != nil {
			return trades, err
		}
		if trade == nil {
			// Candidate became ineligible mid-match; scan on.
			continue
		}

		trades = append(trades, *trade)

		metrics.TradesMatched.WithLabelValues(string(order.Side)).Inc()
		metrics.MatchedVolume.WithLabelValues(order.OutcomeID).Add(trade.Quantity.InexactFloat64())

		slog.Info("trade matched",
			"trade_id", trade.ID,
			"outcome", trade.OutcomeID,
			"buyer", trade.BuyerID,
			"seller", trade.SellerID,
			"qty", trade.Quantity.String(),
			"price", trade.Price.String(),
		)
	}

	metrics.MatchLatency.Observe(time.Since(started).Seconds())
	return trades, nil
}

// pairWithRetry applies one pairing between order and candidate. On a
// storage conflict both sides are re-read: a candidate no longer eligible
// yields (nil, nil) so the scan continues; a taker no longer matchable
// (cancelled mid-pass) also yields (nil, nil) and the caller's remaining
// check ends the pass.
func (e *Engine) pairWithRetry(ctx context.Context, order, candidate *model.Order, yesPrice, noPrice decimal.Decimal) (*model.Trade, error) {
	for attempt := 0; attempt <= conflictRetries; attempt++ {
		if attempt > 0 {
			metrics.MatchConflictRetries.Inc()

			fresh, err := e.store.GetOrder(ctx, candidate.ID)
			if err != nil {
				return nil, err
			}
			*candidate = *fresh

			self, err := e.store.GetOrder(ctx, order.ID)
			if err != nil {
				return nil, err
			}
			*order = *self

			if !candidate.Matchable() || !order.Matchable() {
				return nil, nil
			}
		}

		set := buildMatchSet(order, candidate, yesPrice, noPrice)

		err := e.store.ApplyMatch(ctx, set)
		if err == nil {
			order.Filled = set.Taker.Filled
			order.Status = set.Taker.Status
			return &set.Trade, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("match %s against %s: retries exhausted: %w",
		order.ID, candidate.ID, store.ErrConflict)
}

// buildMatchSet computes one pairing's trade, fill transitions and
// position fills. The trade records the YES-side price; each participant's
// position absorbs the fill at their own side's price.
func buildMatchSet(order, candidate *model.Order, yesPrice, noPrice decimal.Decimal) *store.MatchSet {
	matchQty := decimal.Min(order.Remaining(), candidate.Remaining())

	yesOrder, noOrder := order, candidate
	if order.Side == model.SideNo {
		yesOrder, noOrder = candidate, order
	}

	trade := model.Trade{
		ID:          uuid.New().String(),
		BuyOrderID:  yesOrder.ID,
		SellOrderID: noOrder.ID,
		OutcomeID:   order.OutcomeID,
		BuyerID:     yesOrder.UserID,
		SellerID:    noOrder.UserID,
		Quantity:    matchQty,
		Price:       yesPrice,
		CreatedAt:   time.Now().UTC(),
	}

	return &store.MatchSet{
		Trade: trade,
		Taker: fillUpdate(order, matchQty),
		Maker: fillUpdate(candidate, matchQty),
		Fills: [2]ledger.Fill{
			{
				UserID:    yesOrder.UserID,
				OutcomeID: order.OutcomeID,
				Side:      model.SideYes,
				Quantity:  matchQty,
				Price:     yesPrice,
			},
			{
				UserID:    noOrder.UserID,
				OutcomeID: order.OutcomeID,
				Side:      model.SideNo,
				Quantity:  matchQty,
				Price:     noPrice,
			},
		},
	}
}

// fillUpdate advances an order's fill state by matchQty, deriving status
// from filled vs quantity.
func fillUpdate(o *model.Order, matchQty decimal.Decimal) store.OrderUpdate {
	filled := o.Filled.Add(matchQty)
	status := model.StatusPartiallyFilled
	if filled.GreaterThanOrEqual(o.Quantity) {
		status = model.StatusFilled
	}
	return store.OrderUpdate{
		OrderID:    o.ID,
		PrevFilled: o.Filled,
		Filled:     filled,
		Status:     status,
	}
}
