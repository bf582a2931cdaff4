package store

import (
	"context"
	"sort"
	"sync"

	"github.com/agoramarket/engine/internal/ledger"
	"github.com/agoramarket/engine/internal/model"
	"github.com/agoramarket/engine/internal/price"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	outcomes  map[string]*model.Outcome
	orders    map[string]*model.Order
	orderSeq  []string // insertion order, FIFO tie-break within equal timestamps
	trades    []model.Trade
	positions map[posKey]*model.Position
}

type posKey struct {
	userID    string
	outcomeID string
	side      model.Side
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		outcomes:  make(map[string]*model.Outcome),
		orders:    make(map[string]*model.Order),
		positions: make(map[posKey]*model.Position),
	}
}

// --- Outcomes ---

func (s *MemoryStore) CreateOutcome(_ context.Context, o *model.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.outcomes[o.ID]; ok {
		return ErrExists
	}
	cp := *o
	s.outcomes[o.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOutcome(_ context.Context, id string) (*model.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.outcomes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListOutcomes(_ context.Context) ([]model.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	outcomes := make([]model.Outcome, 0, len(s.outcomes))
	for _, o := range s.outcomes {
		outcomes = append(outcomes, *o)
	}
	sort.Slice(outcomes, func(i, j int) bool {
		return outcomes[i].CreatedAt.Before(outcomes[j].CreatedAt)
	})
	return outcomes, nil
}

// --- Orders ---

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return ErrExists
	}
	cp := *o
	s.orders[o.ID] = &cp
	s.orderSeq = append(s.orderSeq, o.ID)
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) OpenOrdersFIFO(_ context.Context, outcomeID string, side model.Side) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := s.openOrdersLocked(outcomeID, side)
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders, nil
}

func (s *MemoryStore) OpenOrdersByPrice(_ context.Context, outcomeID string, side model.Side, desc bool) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := s.openOrdersLocked(outcomeID, side)
	sort.SliceStable(orders, func(i, j int) bool {
		if desc {
			return orders[i].Price.GreaterThan(orders[j].Price)
		}
		return orders[i].Price.LessThan(orders[j].Price)
	})
	return orders, nil
}

// openOrdersLocked collects OPEN/PARTIALLY_FILLED orders in insertion
// order. Caller holds at least a read lock.
func (s *MemoryStore) openOrdersLocked(outcomeID string, side model.Side) []model.Order {
	var orders []model.Order
	for _, id := range s.orderSeq {
		o := s.orders[id]
		if o.OutcomeID != outcomeID || o.Side != side {
			continue
		}
		if o.Status != model.StatusOpen && o.Status != model.StatusPartiallyFilled {
			continue
		}
		orders = append(orders, *o)
	}
	return orders
}

func (s *MemoryStore) CancelOrder(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return ErrNotFound
	}
	if o.Status != model.StatusOpen && o.Status != model.StatusPartiallyFilled {
		return ErrConflict
	}
	o.Status = model.StatusCancelled
	return nil
}

// --- Matching ---

func (s *MemoryStore) ApplyMatch(_ context.Context, set *MatchSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check both orders against the guards before mutating anything.
	// A cancellation or a concurrent fill since the matcher's read fails
	// the whole set.
	taker, maker := s.orders[set.Taker.OrderID], s.orders[set.Maker.OrderID]
	if taker == nil || maker == nil {
		return ErrNotFound
	}
	for _, pair := range []struct {
		order  *model.Order
		update OrderUpdate
	}{{taker, set.Taker}, {maker, set.Maker}} {
		if pair.order.Status != model.StatusOpen && pair.order.Status != model.StatusPartiallyFilled {
			return ErrConflict
		}
		if !pair.order.Filled.Equal(pair.update.PrevFilled) {
			return ErrConflict
		}
	}

	s.trades = append(s.trades, set.Trade)

	taker.Filled = set.Taker.Filled
	taker.Status = set.Taker.Status
	maker.Filled = set.Maker.Filled
	maker.Status = set.Maker.Status

	for _, f := range set.Fills {
		key := posKey{f.UserID, f.OutcomeID, f.Side}
		next := ledger.Apply(s.positions[key], f, set.Trade.CreatedAt)
		s.positions[key] = &next
	}

	s.refreshProbabilityLocked(set.Trade.OutcomeID)
	return nil
}

// refreshProbabilityLocked recomputes the outcome probability as the mean
// YES price of the most recent trades. Caller holds the write lock.
func (s *MemoryStore) refreshProbabilityLocked(outcomeID string) {
	var recent []model.Trade
	for i := len(s.trades) - 1; i >= 0 && len(recent) < price.WindowSize; i-- {
		if s.trades[i].OutcomeID == outcomeID {
			recent = append(recent, s.trades[i])
		}
	}
	if mean, ok := price.WindowMean(recent); ok {
		if o := s.outcomes[outcomeID]; o != nil {
			o.Probability = mean
		}
	}
}

// --- Trades ---

func (s *MemoryStore) RecentTrades(_ context.Context, outcomeID string, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var trades []model.Trade
	for i := len(s.trades) - 1; i >= 0 && (limit <= 0 || len(trades) < limit); i-- {
		if s.trades[i].OutcomeID == outcomeID {
			trades = append(trades, s.trades[i])
		}
	}
	return trades, nil
}

// --- Positions ---

func (s *MemoryStore) GetPosition(_ context.Context, userID, outcomeID string, side model.Side) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posKey{userID, outcomeID, side}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) PositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].OutcomeID != positions[j].OutcomeID {
			return positions[i].OutcomeID < positions[j].OutcomeID
		}
		return positions[i].Side < positions[j].Side
	})
	return positions, nil
}
