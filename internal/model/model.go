// Package model defines the core domain types shared across the matching
// engine. All quantities and prices use shopspring/decimal — never float64
// for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is one of the two complementary positions on a binary outcome.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// OrderType distinguishes resting limit orders from immediately priced
// market orders.
type OrderType string

const (
	TypeMarket OrderType = "MARKET"
	TypeLimit  OrderType = "LIMIT"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	return t == TypeMarket || t == TypeLimit
}

// OrderStatus is the lifecycle state of an order. OPEN, PARTIALLY_FILLED
// and FILLED are a deterministic function of filled vs quantity; CANCELLED
// is terminal and reachable only from OPEN or PARTIALLY_FILLED.
type OrderStatus string

const (
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
)

// Order is a standing or executed instruction to take exposure on one side
// of one outcome. Orders are never deleted; they remain as an audit trail.
//
// For a MARKET order, Price is the price discovered against the opposite
// book at creation time and is treated identically to a limit price during
// matching.
type Order struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	OutcomeID string          `json:"outcome_id" db:"outcome_id"`
	Side      Side            `json:"side" db:"side"`
	Type      OrderType       `json:"type" db:"type"`
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"`
	Filled    decimal.Decimal `json:"filled" db:"filled"`
	Price     decimal.Decimal `json:"price" db:"price"` // price for the order's own side, in (0,1)
	Status    OrderStatus     `json:"status" db:"status"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Remaining returns the unmatched quantity, quantity - filled.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

// Matchable reports whether the order can still participate in matching.
func (o *Order) Matchable() bool {
	return (o.Status == StatusOpen || o.Status == StatusPartiallyFilled) &&
		o.Remaining().IsPositive()
}

// Trade is an immutable execution record pairing one YES-side order and one
// NO-side order. Price is always the YES-side price; the NO-side economic
// price is 1 - Price and is never stored separately.
type Trade struct {
	ID          string          `json:"id" db:"id"`
	BuyOrderID  string          `json:"buy_order_id" db:"buy_order_id"`   // YES-side order
	SellOrderID string          `json:"sell_order_id" db:"sell_order_id"` // NO-side order
	OutcomeID   string          `json:"outcome_id" db:"outcome_id"`
	BuyerID     string          `json:"buyer_id" db:"buyer_id"`
	SellerID    string          `json:"seller_id" db:"seller_id"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	Price       decimal.Decimal `json:"price" db:"price"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Position is a user's accumulated exposure to one side of one outcome,
// keyed uniquely by (user, outcome, side). AvgPrice is the quantity-weighted
// mean entry price of all contributing fills. Opposing sides are tracked
// independently and never netted against each other.
type Position struct {
	UserID    string          `json:"user_id" db:"user_id"`
	OutcomeID string          `json:"outcome_id" db:"outcome_id"`
	Side      Side            `json:"side" db:"side"`
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"`
	AvgPrice  decimal.Decimal `json:"avg_price" db:"avg_price"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Outcome is one binary proposition with its current YES probability.
// Probability is owned by the price model and written only as a side
// effect of trade creation.
type Outcome struct {
	ID          string          `json:"id" db:"id"`
	Label       string          `json:"label" db:"label"`
	Probability decimal.Decimal `json:"probability" db:"probability"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// OrderBook is the open interest on both sides of an outcome, ascending
// by price.
type OrderBook struct {
	Yes []Order `json:"yes"`
	No  []Order `json:"no"`
}
