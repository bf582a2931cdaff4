// Package engine implements the continuous double-auction matching engine
// for binary outcome markets: order validation and lifecycle, market-order
// best-price discovery, FIFO matching against resting orders, position
// accounting, and the trade-driven probability refresh.
//
// All quantities and prices use shopspring/decimal — never float64 for
// money.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agoramarket/engine/internal/metrics"
	"github.com/agoramarket/engine/internal/model"
	"github.com/agoramarket/engine/internal/price"
	"github.com/agoramarket/engine/internal/store"
)

var (
	// ErrInvalidPrice is returned when a limit price is not strictly
	// inside (0,1).
	ErrInvalidPrice = errors.New("engine: limit price must be strictly between 0 and 1")

	// ErrInvalidQuantity is returned when an order quantity is not positive.
	ErrInvalidQuantity = errors.New("engine: quantity must be positive")

	// ErrInvalidSide is returned for a side other than YES or NO.
	ErrInvalidSide = errors.New("engine: side must be YES or NO")

	// ErrInvalidType is returned for a type other than MARKET or LIMIT.
	ErrInvalidType = errors.New("engine: type must be MARKET or LIMIT")

	// ErrNoLiquidity is returned when a market order arrives against an
	// empty opposite book and no price can be discovered.
	ErrNoLiquidity = errors.New("engine: no resting orders to price market order against")

	// ErrNotFound is returned when the referenced order or outcome does
	// not exist.
	ErrNotFound = errors.New("engine: not found")

	// ErrUnauthorized is returned when a caller operates on an order
	// they do not own.
	ErrUnauthorized = errors.New("engine: order belongs to another user")

	// ErrAlreadyFilled is returned when cancelling a fully filled order.
	ErrAlreadyFilled = errors.New("engine: order is already filled")
)

// conflictRetries bounds how many times a single match pairing is retried
// after a storage conflict before the error surfaces to the caller.
const conflictRetries = 3

// Engine is the order lifecycle manager and matcher. Matching is
// serialized per outcome: at most one in-flight match pass per outcome at
// a time, so two concurrent submissions can never both consume the same
// resting order's remainder.
type Engine struct {
	store store.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an engine on top of the given store.
func New(st store.Store) *Engine {
	return &Engine{
		store: st,
		locks: make(map[string]*sync.Mutex),
	}
}

// outcomeLock returns the mutex serializing match passes for one outcome.
func (e *Engine) outcomeLock(outcomeID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.locks[outcomeID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[outcomeID] = l
	}
	return l
}

// PlaceOrderParams are the inputs to PlaceOrder. Price is required for
// LIMIT orders and ignored for MARKET orders, whose price is discovered
// against the opposite book.
type PlaceOrderParams struct {
	UserID    string
	OutcomeID string
	Side      model.Side
	Type      model.OrderType
	Quantity  decimal.Decimal
	Price     decimal.Decimal
}

// PlaceOrder validates, prices, persists and synchronously matches a new
// order. The returned order carries its final fill state; the returned
// trades are the executions the order produced, oldest first. A partially
// matched or unmatched order is not an error — the remainder rests on the
// book.
func (e *Engine) PlaceOrder(ctx context.Context, p PlaceOrderParams) (*model.Order, []model.Trade, error) {
	if !p.Side.Valid() {
		return nil, nil, ErrInvalidSide
	}
	if !p.Type.Valid() {
		return nil, nil, ErrInvalidType
	}
	if !p.Quantity.IsPositive() {
		return nil, nil, ErrInvalidQuantity
	}
	if p.Type == model.TypeLimit && !price.ValidLimit(p.Price) {
		return nil, nil, ErrInvalidPrice
	}

	if _, err := e.store.GetOutcome(ctx, p.OutcomeID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("outcome %s: %w", p.OutcomeID, ErrNotFound)
		}
		return nil, nil, err
	}

	// Serialize pricing and matching per outcome. Discovery must see the
	// same book the match pass consumes.
	lock := e.outcomeLock(p.OutcomeID)
	lock.Lock()
	defer lock.Unlock()

	orderPrice := p.Price
	if p.Type == model.TypeMarket {
		discovered, err := e.discoverMarketPrice(ctx, p.OutcomeID, p.Side)
		if err != nil {
			return nil, nil, err
		}
		orderPrice = discovered
	}

	order := &model.Order{
		ID:        uuid.New().String(),
		UserID:    p.UserID,
		OutcomeID: p.OutcomeID,
		Side:      p.Side,
		Type:      p.Type,
		Quantity:  p.Quantity,
		Filled:    decimal.Zero,
		Price:     orderPrice,
		Status:    model.StatusOpen,
		CreatedAt: time.Now().UTC(),
	}

	if err := e.store.CreateOrder(ctx, order); err != nil {
		return nil, nil, err
	}

	metrics.OrdersPlaced.WithLabelValues(string(order.Side), string(order.Type)).Inc()

	slog.Info("order placed",
		"order_id", order.ID,
		"user", order.UserID,
		"outcome", order.OutcomeID,
		"side", order.Side,
		"type", order.Type,
		"qty", order.Quantity.String(),
		"price", order.Price.String(),
	)

	trades, err := e.match(ctx, order)
	return order, trades, err
}

// discoverMarketPrice resolves a market order's fixed matching price from
// the best price on the opposite book: 1 - best opposite price for a YES
// buyer (cheapest NO), the best opposite price itself for a NO buyer. The
// order is created once at this single price and never walks further
// levels; depth beyond the best price does not improve or worsen the fill.
func (e *Engine) discoverMarketPrice(ctx context.Context, outcomeID string, side model.Side) (decimal.Decimal, error) {
	opposite, err := e.store.OpenOrdersByPrice(ctx, outcomeID, side.Opposite(), side == model.SideNo)
	if err != nil {
		return decimal.Zero, err
	}
	if len(opposite) == 0 {
		return decimal.Zero, ErrNoLiquidity
	}

	best := opposite[0].Price
	if side == model.SideYes {
		return price.Complement(best), nil
	}
	return best, nil
}

// CancelOrder marks an order CANCELLED. Only the owner may cancel, and
// only before the order fills. Re-cancelling an already CANCELLED order is
// an accepted no-op.
func (e *Engine) CancelOrder(ctx context.Context, orderID, userID string) error {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("order %s: %w", orderID, ErrNotFound)
		}
		return err
	}

	if order.UserID != userID {
		return ErrUnauthorized
	}

	switch order.Status {
	case model.StatusFilled:
		return ErrAlreadyFilled
	case model.StatusCancelled:
		return nil
	}

	if err := e.store.CancelOrder(ctx, orderID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost a race with the matcher or another cancel; re-read
			// the terminal state.
			return e.CancelOrder(ctx, orderID, userID)
		}
		return err
	}

	metrics.OrdersCancelled.Inc()
	slog.Info("order cancelled", "order_id", orderID, "user", userID)
	return nil
}

// OrderBook returns the open interest on both sides of an outcome,
// ascending by price.
func (e *Engine) OrderBook(ctx context.Context, outcomeID string) (*model.OrderBook, error) {
	yes, err := e.store.OpenOrdersByPrice(ctx, outcomeID, model.SideYes, false)
	if err != nil {
		return nil, err
	}
	no, err := e.store.OpenOrdersByPrice(ctx, outcomeID, model.SideNo, false)
	if err != nil {
		return nil, err
	}
	return &model.OrderBook{Yes: yes, No: no}, nil
}
