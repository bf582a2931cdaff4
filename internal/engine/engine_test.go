package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agoramarket/engine/internal/engine"
	"github.com/agoramarket/engine/internal/model"
	"github.com/agoramarket/engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates an engine over an in-memory store with one seeded
// outcome.
func newTestEnv(t *testing.T) (*engine.Engine, *store.MemoryStore, string) {
	t.Helper()
	ms := store.NewMemoryStore()
	outcome := &model.Outcome{
		ID:          "outcome1",
		Label:       "Will it happen?",
		Probability: d(0.5),
		CreatedAt:   time.Now().UTC(),
	}
	if err := ms.CreateOutcome(context.Background(), outcome); err != nil {
		t.Fatalf("failed to seed outcome: %v", err)
	}
	return engine.New(ms), ms, outcome.ID
}

// limit places a resting limit order and fails the test on error.
func limit(t *testing.T, eng *engine.Engine, userID string, side model.Side, qty, price float64) *model.Order {
	t.Helper()
	order, _, err := eng.PlaceOrder(context.Background(), engine.PlaceOrderParams{
		UserID:    userID,
		OutcomeID: "outcome1",
		Side:      side,
		Type:      model.TypeLimit,
		Quantity:  d(qty),
		Price:     d(price),
	})
	if err != nil {
		t.Fatalf("limit order failed: %v", err)
	}
	return order
}

// --- Validation ---

func TestPlaceOrder_Validation(t *testing.T) {
	eng, _, outcomeID := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		params  engine.PlaceOrderParams
		wantErr error
	}{
		{
			name: "zero quantity",
			params: engine.PlaceOrderParams{
				UserID: "u1", OutcomeID: outcomeID, Side: model.SideYes,
				Type: model.TypeLimit, Quantity: decimal.Zero, Price: d(0.5),
			},
			wantErr: engine.ErrInvalidQuantity,
		},
		{
			name: "negative quantity",
			params: engine.PlaceOrderParams{
				UserID: "u1", OutcomeID: outcomeID, Side: model.SideYes,
				Type: model.TypeLimit, Quantity: d(-3), Price: d(0.5),
			},
			wantErr: engine.ErrInvalidQuantity,
		},
		{
			name: "limit price zero",
			params: engine.PlaceOrderParams{
				UserID: "u1", OutcomeID: outcomeID, Side: model.SideYes,
				Type: model.TypeLimit, Quantity: d(10), Price: decimal.Zero,
			},
			wantErr: engine.ErrInvalidPrice,
		},
		{
			name: "limit price one",
			params: engine.PlaceOrderParams{
				UserID: "u1", OutcomeID: outcomeID, Side: model.SideYes,
				Type: model.TypeLimit, Quantity: d(10), Price: d(1),
			},
			wantErr: engine.ErrInvalidPrice,
		},
		{
			name: "bad side",
			params: engine.PlaceOrderParams{
				UserID: "u1", OutcomeID: outcomeID, Side: "MAYBE",
				Type: model.TypeLimit, Quantity: d(10), Price: d(0.5),
			},
			wantErr: engine.ErrInvalidSide,
		},
		{
			name: "bad type",
			params: engine.PlaceOrderParams{
				UserID: "u1", OutcomeID: outcomeID, Side: model.SideYes,
				Type: "STOP", Quantity: d(10), Price: d(0.5),
			},
			wantErr: engine.ErrInvalidType,
		},
		{
			name: "unknown outcome",
			params: engine.PlaceOrderParams{
				UserID: "u1", OutcomeID: "nope", Side: model.SideYes,
				Type: model.TypeLimit, Quantity: d(10), Price: d(0.5),
			},
			wantErr: engine.ErrNotFound,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := eng.PlaceOrder(ctx, tc.params)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

// --- Market order pricing and matching ---

func TestMarketOrder_FullFill(t *testing.T) {
	eng, ms, outcomeID := newTestEnv(t)
	ctx := context.Background()

	limit(t, eng, "seller", model.SideNo, 10, 0.40)

	order, trades, err := eng.PlaceOrder(ctx, engine.PlaceOrderParams{
		UserID: "buyer", OutcomeID: outcomeID, Side: model.SideYes,
		Type: model.TypeMarket, Quantity: d(10),
	})
	if err != nil {
		t.Fatalf("market order failed: %v", err)
	}

	// Discovered price = 1 - 0.40 = 0.60.
	if !order.Price.Equal(d(0.60)) {
		t.Errorf("discovered price = %s, want 0.60", order.Price)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if !trades[0].Quantity.Equal(d(10)) || !trades[0].Price.Equal(d(0.60)) {
		t.Errorf("trade = qty %s @ %s, want 10 @ 0.60", trades[0].Quantity, trades[0].Price)
	}
	if order.Status != model.StatusFilled {
		t.Errorf("order status = %s, want FILLED", order.Status)
	}

	// Both sides fully filled.
	counter, err := ms.GetOrder(ctx, trades[0].SellOrderID)
	if err != nil {
		t.Fatal(err)
	}
	if counter.Status != model.StatusFilled || !counter.Filled.Equal(d(10)) {
		t.Errorf("resting order = %s filled %s, want FILLED 10", counter.Status, counter.Filled)
	}

	// Positions: buyer YES 10 @ 0.60, seller NO 10 @ 0.40.
	buyerPos, err := ms.GetPosition(ctx, "buyer", outcomeID, model.SideYes)
	if err != nil {
		t.Fatal(err)
	}
	if !buyerPos.Quantity.Equal(d(10)) || !buyerPos.AvgPrice.Equal(d(0.60)) {
		t.Errorf("buyer position = %s @ %s, want 10 @ 0.60", buyerPos.Quantity, buyerPos.AvgPrice)
	}
	sellerPos, err := ms.GetPosition(ctx, "seller", outcomeID, model.SideNo)
	if err != nil {
		t.Fatal(err)
	}
	if !sellerPos.Quantity.Equal(d(10)) || !sellerPos.AvgPrice.Equal(d(0.40)) {
		t.Errorf("seller position = %s @ %s, want 10 @ 0.40", sellerPos.Quantity, sellerPos.AvgPrice)
	}

	// Probability refreshed to the trade price.
	outcome, err := ms.GetOutcome(ctx, outcomeID)
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Probability.Equal(d(0.60)) {
		t.Errorf("probability = %s, want 0.60", outcome.Probability)
	}
}

func TestMarketOrder_PartialFill(t *testing.T) {
	eng, _, outcomeID := newTestEnv(t)
	ctx := context.Background()

	limit(t, eng, "seller", model.SideNo, 10, 0.40)

	order, trades, err := eng.PlaceOrder(ctx, engine.PlaceOrderParams{
		UserID: "buyer", OutcomeID: outcomeID, Side: model.SideYes,
		Type: model.TypeMarket, Quantity: d(15),
	})
	if err != nil {
		t.Fatalf("partial fill should not be an error: %v", err)
	}

	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if !trades[0].Quantity.Equal(d(10)) {
		t.Errorf("trade quantity = %s, want 10", trades[0].Quantity)
	}
	if order.Status != model.StatusPartiallyFilled {
		t.Errorf("order status = %s, want PARTIALLY_FILLED", order.Status)
	}
	if !order.Filled.Equal(d(10)) {
		t.Errorf("filled = %s, want 10", order.Filled)
	}
	// Remainder rests at the discovered price, not retried at worse levels.
	if !order.Price.Equal(d(0.60)) {
		t.Errorf("resting price = %s, want 0.60", order.Price)
	}
}

func TestMarketOrder_NoLiquidity(t *testing.T) {
	eng, _, outcomeID := newTestEnv(t)

	_, _, err := eng.PlaceOrder(context.Background(), engine.PlaceOrderParams{
		UserID: "buyer", OutcomeID: outcomeID, Side: model.SideYes,
		Type: model.TypeMarket, Quantity: d(10),
	})
	if !errors.Is(err, engine.ErrNoLiquidity) {
		t.Errorf("got %v, want ErrNoLiquidity", err)
	}
}

func TestMarketOrder_NoSide_UsesBestOppositePrice(t *testing.T) {
	eng, _, outcomeID := newTestEnv(t)

	// NO-side discovery scans the YES book descending and takes the best
	// price as-is; the order then matches YES orders at the complement.
	limit(t, eng, "s1", model.SideYes, 10, 0.30)
	limit(t, eng, "s2", model.SideYes, 10, 0.70)

	order, trades, err := eng.PlaceOrder(context.Background(), engine.PlaceOrderParams{
		UserID: "buyer", OutcomeID: outcomeID, Side: model.SideNo,
		Type: model.TypeMarket, Quantity: d(10),
	})
	if err != nil {
		t.Fatalf("market NO order failed: %v", err)
	}
	if !order.Price.Equal(d(0.70)) {
		t.Errorf("discovered price = %s, want 0.70", order.Price)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	// Trade records the YES-side price of the matched pair.
	if !trades[0].Price.Equal(d(0.30)) {
		t.Errorf("trade price = %s, want 0.30", trades[0].Price)
	}
}

// --- Matching policy ---

func TestMatch_SelfMatchExcluded(t *testing.T) {
	eng, _, outcomeID := newTestEnv(t)

	limit(t, eng, "u1", model.SideNo, 10, 0.30)

	order, trades, err := eng.PlaceOrder(context.Background(), engine.PlaceOrderParams{
		UserID: "u1", OutcomeID: outcomeID, Side: model.SideYes,
		Type: model.TypeLimit, Quantity: d(10), Price: d(0.70),
	})
	if err != nil {
		t.Fatalf("place failed: %v", err)
	}
	if len(trades) != 0 {
		t.Fatalf("expected no self-trade, got %d", len(trades))
	}
	if order.Status != model.StatusOpen {
		t.Errorf("order status = %s, want OPEN", order.Status)
	}
}

func TestMatch_ComplementarityIsEligibilityOnly(t *testing.T) {
	eng, _, outcomeID := newTestEnv(t)

	// Earlier but incompatible (0.60 + 0.35 = 0.95), later compatible.
	limit(t, eng, "s1", model.SideNo, 10, 0.35)
	compatible := limit(t, eng, "s2", model.SideNo, 10, 0.40)

	_, trades, err := eng.PlaceOrder(context.Background(), engine.PlaceOrderParams{
		UserID: "buyer", OutcomeID: outcomeID, Side: model.SideYes,
		Type: model.TypeLimit, Quantity: d(5), Price: d(0.60),
	})
	if err != nil {
		t.Fatalf("place failed: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	// The incompatible candidate was skipped, not an abort.
	if trades[0].SellOrderID != compatible.ID {
		t.Errorf("matched %s, want the compatible order %s", trades[0].SellOrderID, compatible.ID)
	}
}

func TestMatch_FIFOAcrossCandidates(t *testing.T) {
	eng, ms, outcomeID := newTestEnv(t)
	ctx := context.Background()

	first := limit(t, eng, "s1", model.SideNo, 10, 0.40)
	second := limit(t, eng, "s2", model.SideNo, 10, 0.40)

	order, trades, err := eng.PlaceOrder(ctx, engine.PlaceOrderParams{
		UserID: "buyer", OutcomeID: outcomeID, Side: model.SideYes,
		Type: model.TypeLimit, Quantity: d(15), Price: d(0.60),
	})
	if err != nil {
		t.Fatalf("place failed: %v", err)
	}

	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	// Oldest resting order consumed fully first.
	if trades[0].SellOrderID != first.ID || !trades[0].Quantity.Equal(d(10)) {
		t.Errorf("first trade = %s qty %s, want %s qty 10", trades[0].SellOrderID, trades[0].Quantity, first.ID)
	}
	if trades[1].SellOrderID != second.ID || !trades[1].Quantity.Equal(d(5)) {
		t.Errorf("second trade = %s qty %s, want %s qty 5", trades[1].SellOrderID, trades[1].Quantity, second.ID)
	}

	// Sum of matched quantities equals the order's filled value.
	sum := trades[0].Quantity.Add(trades[1].Quantity)
	if !sum.Equal(order.Filled) {
		t.Errorf("trade sum %s != filled %s", sum, order.Filled)
	}
	if order.Status != model.StatusFilled {
		t.Errorf("order status = %s, want FILLED", order.Status)
	}

	partial, err := ms.GetOrder(ctx, second.ID)
	if err != nil {
		t.Fatal(err)
	}
	if partial.Status != model.StatusPartiallyFilled || !partial.Filled.Equal(d(5)) {
		t.Errorf("second resting = %s filled %s, want PARTIALLY_FILLED 5", partial.Status, partial.Filled)
	}
}

func TestMatch_NoSelfTradeEver(t *testing.T) {
	eng, ms, outcomeID := newTestEnv(t)
	ctx := context.Background()

	limit(t, eng, "u1", model.SideNo, 5, 0.40)
	limit(t, eng, "u2", model.SideNo, 5, 0.40)
	limit(t, eng, "u1", model.SideYes, 5, 0.60)
	limit(t, eng, "u2", model.SideYes, 8, 0.60)

	trades, err := ms.RecentTrades(ctx, outcomeID, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, tr := range trades {
		if tr.BuyerID == tr.SellerID {
			t.Errorf("self-trade: buyer == seller == %s", tr.BuyerID)
		}
	}
}

// --- Probability refresh ---

func TestProbability_WindowMean(t *testing.T) {
	eng, ms, outcomeID := newTestEnv(t)
	ctx := context.Background()

	limit(t, eng, "s1", model.SideNo, 5, 0.40)
	limit(t, eng, "b1", model.SideYes, 5, 0.60) // trade @ 0.60

	limit(t, eng, "s1", model.SideNo, 5, 0.20)
	limit(t, eng, "b1", model.SideYes, 5, 0.80) // trade @ 0.80

	outcome, err := ms.GetOutcome(ctx, outcomeID)
	if err != nil {
		t.Fatal(err)
	}
	// Mean of the two trade prices.
	if !outcome.Probability.Equal(d(0.70)) {
		t.Errorf("probability = %s, want 0.70", outcome.Probability)
	}
}

// --- Cancellation ---

func TestCancelOrder(t *testing.T) {
	eng, _, outcomeID := newTestEnv(t)
	ctx := context.Background()

	order := limit(t, eng, "u1", model.SideYes, 10, 0.60)

	if err := eng.CancelOrder(ctx, "missing", "u1"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("unknown order: got %v, want ErrNotFound", err)
	}
	if err := eng.CancelOrder(ctx, order.ID, "intruder"); !errors.Is(err, engine.ErrUnauthorized) {
		t.Errorf("non-owner: got %v, want ErrUnauthorized", err)
	}
	if err := eng.CancelOrder(ctx, order.ID, "u1"); err != nil {
		t.Errorf("cancel failed: %v", err)
	}
	// Re-cancel is an idempotent no-op.
	if err := eng.CancelOrder(ctx, order.ID, "u1"); err != nil {
		t.Errorf("re-cancel should be a no-op, got %v", err)
	}

	// Cancelled orders never match.
	_, trades, err := eng.PlaceOrder(ctx, engine.PlaceOrderParams{
		UserID: "u2", OutcomeID: outcomeID, Side: model.SideNo,
		Type: model.TypeLimit, Quantity: d(10), Price: d(0.40),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 0 {
		t.Errorf("expected no trades against a cancelled order, got %d", len(trades))
	}
}

func TestCancelOrder_AlreadyFilled(t *testing.T) {
	eng, _, _ := newTestEnv(t)
	ctx := context.Background()

	resting := limit(t, eng, "seller", model.SideNo, 10, 0.40)
	limit(t, eng, "buyer", model.SideYes, 10, 0.60)

	if err := eng.CancelOrder(ctx, resting.ID, "seller"); !errors.Is(err, engine.ErrAlreadyFilled) {
		t.Errorf("got %v, want ErrAlreadyFilled", err)
	}
}

// --- Order book ---

func TestOrderBook(t *testing.T) {
	eng, _, outcomeID := newTestEnv(t)

	limit(t, eng, "u1", model.SideYes, 10, 0.65)
	limit(t, eng, "u2", model.SideYes, 10, 0.55)
	limit(t, eng, "u3", model.SideNo, 10, 0.50)

	book, err := eng.OrderBook(context.Background(), outcomeID)
	if err != nil {
		t.Fatalf("order book failed: %v", err)
	}
	if len(book.Yes) != 2 || len(book.No) != 1 {
		t.Fatalf("book sizes = %d/%d, want 2/1", len(book.Yes), len(book.No))
	}
	// Ascending by price.
	if !book.Yes[0].Price.Equal(d(0.55)) || !book.Yes[1].Price.Equal(d(0.65)) {
		t.Errorf("YES book not ascending: %s, %s", book.Yes[0].Price, book.Yes[1].Price)
	}
}

// --- Concurrency ---

// Two concurrent market orders against a single resting order of size S
// must never jointly match more than S.
func TestConcurrentMarketOrders_NoOverfill(t *testing.T) {
	eng, ms, outcomeID := newTestEnv(t)
	ctx := context.Background()

	limit(t, eng, "seller", model.SideNo, 10, 0.40)

	var wg sync.WaitGroup
	results := make([][]model.Trade, 2)
	buyers := []string{"b1", "b2"}

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, trades, err := eng.PlaceOrder(ctx, engine.PlaceOrderParams{
				UserID: buyers[i], OutcomeID: outcomeID, Side: model.SideYes,
				Type: model.TypeMarket, Quantity: d(10),
			})
			if err != nil && !errors.Is(err, engine.ErrNoLiquidity) {
				t.Errorf("unexpected error: %v", err)
			}
			results[i] = trades
		}(i)
	}
	wg.Wait()

	total := decimal.Zero
	for _, trades := range results {
		for _, tr := range trades {
			total = total.Add(tr.Quantity)
		}
	}
	if total.GreaterThan(d(10)) {
		t.Errorf("jointly matched %s against a resting order of 10", total)
	}

	// The resting order itself was never overfilled.
	all, err := ms.RecentTrades(ctx, outcomeID, 0)
	if err != nil {
		t.Fatal(err)
	}
	consumed := decimal.Zero
	for _, tr := range all {
		consumed = consumed.Add(tr.Quantity)
	}
	if consumed.GreaterThan(d(10)) {
		t.Errorf("resting order overfilled: %s", consumed)
	}
}

func TestConcurrentLimitOrders_QuantityConserved(t *testing.T) {
	eng, ms, outcomeID := newTestEnv(t)
	ctx := context.Background()

	limit(t, eng, "seller", model.SideNo, 50, 0.40)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := eng.PlaceOrder(ctx, engine.PlaceOrderParams{
				UserID: "buyer" + string(rune('a'+i)), OutcomeID: outcomeID,
				Side: model.SideYes, Type: model.TypeLimit,
				Quantity: d(10), Price: d(0.60),
			})
			if err != nil {
				t.Errorf("place failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	trades, err := ms.RecentTrades(ctx, outcomeID, 0)
	if err != nil {
		t.Fatal(err)
	}
	total := decimal.Zero
	for _, tr := range trades {
		total = total.Add(tr.Quantity)
	}
	if !total.Equal(d(50)) {
		t.Errorf("matched %s against resting quantity 50", total)
	}
}
