package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agoramarket/engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for outcome and position reads. Writes go to the primary store and
// invalidate the cache. Order-book reads always hit the primary: matching
// correctness depends on seeing current fill state, so resting orders are
// never served from cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateOutcome(ctx context.Context, o *model.Outcome) error {
	if err := s.primary.CreateOutcome(ctx, o); err != nil {
		return err
	}
	s.cacheOutcome(ctx, o)
	return nil
}

func (s *CachedStore) CreateOrder(ctx context.Context, o *model.Order) error {
	return s.primary.CreateOrder(ctx, o)
}

func (s *CachedStore) CancelOrder(ctx context.Context, id string) error {
	return s.primary.CancelOrder(ctx, id)
}

func (s *CachedStore) ApplyMatch(ctx context.Context, set *MatchSet) error {
	if err := s.primary.ApplyMatch(ctx, set); err != nil {
		return err
	}
	// A match moves the probability and both parties' positions; next
	// read re-populates.
	s.rdb.Del(ctx, outcomeKey(set.Trade.OutcomeID),
		positionsKey(set.Trade.BuyerID), positionsKey(set.Trade.SellerID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetOutcome(ctx context.Context, id string) (*model.Outcome, error) {
	data, err := s.rdb.Get(ctx, outcomeKey(id)).Bytes()
	if err == nil {
		var o model.Outcome
		if json.Unmarshal(data, &o) == nil {
			return &o, nil
		}
	}

	o, err := s.primary.GetOutcome(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheOutcome(ctx, o)
	return o, nil
}

func (s *CachedStore) PositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.PositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListOutcomes(ctx context.Context) ([]model.Outcome, error) {
	return s.primary.ListOutcomes(ctx)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) OpenOrdersFIFO(ctx context.Context, outcomeID string, side model.Side) ([]model.Order, error) {
	return s.primary.OpenOrdersFIFO(ctx, outcomeID, side)
}

func (s *CachedStore) OpenOrdersByPrice(ctx context.Context, outcomeID string, side model.Side, desc bool) ([]model.Order, error) {
	return s.primary.OpenOrdersByPrice(ctx, outcomeID, side, desc)
}

func (s *CachedStore) RecentTrades(ctx context.Context, outcomeID string, limit int) ([]model.Trade, error) {
	return s.primary.RecentTrades(ctx, outcomeID, limit)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, outcomeID string, side model.Side) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, outcomeID, side)
}

// --- Cache helpers ---

func (s *CachedStore) cacheOutcome(ctx context.Context, o *model.Outcome) {
	if data, err := json.Marshal(o); err == nil {
		s.rdb.Set(ctx, outcomeKey(o.ID), data, s.ttl)
	}
}

func outcomeKey(id string) string    { return fmt.Sprintf("outcome:%s", id) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
