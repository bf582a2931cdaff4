// Package store defines the persistence interface for the matching engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/agoramarket/engine/internal/ledger"
	"github.com/agoramarket/engine/internal/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrExists is returned when a unique constraint would be violated.
	ErrExists = errors.New("store: already exists")

	// ErrConflict is returned when a guarded update observes state other
	// than expected — a concurrent mutation consumed the row first. The
	// caller retries; it is never a business error.
	ErrConflict = errors.New("store: concurrent modification conflict")
)

// OrderUpdate is one order's fill-state transition inside a match, guarded
// by the filled value the matcher read before computing the pairing.
type OrderUpdate struct {
	OrderID    string
	PrevFilled decimal.Decimal
	Filled     decimal.Decimal
	Status     model.OrderStatus
}

// MatchSet is the atomic unit of one match pairing: the trade, both orders'
// fill transitions, and both parties' position fills. Implementations apply
// the whole set and the outcome probability refresh in one transaction, or
// not at all. Either order may have been cancelled or consumed since it was
// read; the guards must detect that and fail the set with ErrConflict.
type MatchSet struct {
	Trade model.Trade
	Taker OrderUpdate
	Maker OrderUpdate
	Fills [2]ledger.Fill
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Outcomes ---

	// CreateOutcome persists a new outcome.
	CreateOutcome(ctx context.Context, o *model.Outcome) error

	// GetOutcome retrieves an outcome by ID.
	GetOutcome(ctx context.Context, id string) (*model.Outcome, error)

	// ListOutcomes returns all outcomes.
	ListOutcomes(ctx context.Context) ([]model.Outcome, error)

	// --- Orders ---

	// CreateOrder persists a new order.
	CreateOrder(ctx context.Context, o *model.Order) error

	// GetOrder retrieves an order by ID.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// OpenOrdersFIFO returns OPEN and PARTIALLY_FILLED orders for one side
	// of an outcome, ascending by creation time. Matching candidate order.
	OpenOrdersFIFO(ctx context.Context, outcomeID string, side model.Side) ([]model.Order, error)

	// OpenOrdersByPrice returns OPEN and PARTIALLY_FILLED orders for one
	// side of an outcome sorted by price, ascending unless desc is set.
	// Used for market-order best-price discovery and the order book view.
	OpenOrdersByPrice(ctx context.Context, outcomeID string, side model.Side, desc bool) ([]model.Order, error)

	// CancelOrder marks an order CANCELLED iff it is still OPEN or
	// PARTIALLY_FILLED. Returns ErrConflict when the order has since
	// reached a state the transition is not valid from.
	CancelOrder(ctx context.Context, id string) error

	// --- Matching ---

	// ApplyMatch atomically applies one match pairing: inserts the trade,
	// advances both orders' fill state (guarded), folds both fills into
	// positions, and refreshes the outcome probability from the most
	// recent trades. Returns ErrConflict without side effects when either
	// order's guard fails.
	ApplyMatch(ctx context.Context, set *MatchSet) error

	// --- Trades ---

	// RecentTrades returns up to limit trades for an outcome, most recent
	// first.
	RecentTrades(ctx context.Context, outcomeID string, limit int) ([]model.Trade, error)

	// --- Positions ---

	// GetPosition retrieves the position for a (user, outcome, side)
	// triple, or ErrNotFound.
	GetPosition(ctx context.Context, userID, outcomeID string, side model.Side) (*model.Position, error)

	// PositionsByUser returns all of a user's positions.
	PositionsByUser(ctx context.Context, userID string) ([]model.Position, error)
}
