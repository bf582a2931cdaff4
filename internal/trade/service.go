// Package trade provides the HTTP boundary for the matching engine:
// placing and cancelling orders, reading order books, trade history,
// positions and outcome probabilities.
//
// Authentication is out of scope; the caller is identified by an opaque
// trusted user identifier supplied with each request.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agoramarket/engine/internal/engine"
	"github.com/agoramarket/engine/internal/model"
	"github.com/agoramarket/engine/internal/store"
)

// Service handles order and outcome HTTP requests.
type Service struct {
	engine *engine.Engine
	store  store.Store
	wsHub  *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(eng *engine.Engine, st store.Store, hub *WSHub) *Service {
	return &Service{
		engine: eng,
		store:  st,
		wsHub:  hub,
	}
}

// --- Request/Response types ---

// PlaceOrderRequest is the JSON body for POST /orders.
type PlaceOrderRequest struct {
	UserID    string          `json:"user_id"`
	OutcomeID string          `json:"outcome_id"`
	Side      model.Side      `json:"side"`
	Type      model.OrderType `json:"type"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"` // required for LIMIT orders
}

// PlaceOrderResponse is returned from POST /orders with the order's final
// fill state and the trades the order produced.
type PlaceOrderResponse struct {
	Order  *model.Order  `json:"order"`
	Trades []model.Trade `json:"trades"`
}

// CreateOutcomeRequest is the JSON body for POST /outcomes.
type CreateOutcomeRequest struct {
	Label string `json:"label"`
}

// --- HTTP Handlers ---

// PlaceOrder handles POST /api/v1/orders.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	order, trades, err := s.engine.PlaceOrder(r.Context(), engine.PlaceOrderParams{
		UserID:    req.UserID,
		OutcomeID: req.OutcomeID,
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		Price:     req.Price,
	})
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	s.broadcastTrades(r, order.OutcomeID, trades)

	if trades == nil {
		trades = []model.Trade{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(PlaceOrderResponse{Order: order, Trades: trades})
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}?user_id={userID}.
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	if err := s.engine.CancelOrder(r.Context(), orderID, userID); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetOrderBook handles GET /api/v1/outcomes/{outcomeID}/orderbook.
func (s *Service) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	outcomeID := chi.URLParam(r, "outcomeID")

	book, err := s.engine.OrderBook(r.Context(), outcomeID)
	if err != nil {
		writeError(w, "failed to load order book", http.StatusInternalServerError)
		return
	}
	if book.Yes == nil {
		book.Yes = []model.Order{}
	}
	if book.No == nil {
		book.No = []model.Order{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(book)
}

// CreateOutcome handles POST /api/v1/outcomes. New outcomes start at
// probability 0.5 until the first trade moves them.
func (s *Service) CreateOutcome(w http.ResponseWriter, r *http.Request) {
	var req CreateOutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Label == "" {
		writeError(w, "label is required", http.StatusBadRequest)
		return
	}

	outcome := &model.Outcome{
		ID:          uuid.New().String(),
		Label:       req.Label,
		Probability: decimal.NewFromFloat(0.5),
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.store.CreateOutcome(r.Context(), outcome); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	slog.Info("outcome created", "id", outcome.ID, "label", outcome.Label)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(outcome)
}

// GetOutcome handles GET /api/v1/outcomes/{outcomeID}.
func (s *Service) GetOutcome(w http.ResponseWriter, r *http.Request) {
	outcomeID := chi.URLParam(r, "outcomeID")

	outcome, err := s.store.GetOutcome(r.Context(), outcomeID)
	if err != nil {
		writeError(w, "outcome not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(outcome)
}

// ListOutcomes handles GET /api/v1/outcomes.
func (s *Service) ListOutcomes(w http.ResponseWriter, r *http.Request) {
	outcomes, err := s.store.ListOutcomes(r.Context())
	if err != nil {
		writeError(w, "failed to list outcomes", http.StatusInternalServerError)
		return
	}
	if outcomes == nil {
		outcomes = []model.Outcome{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(outcomes)
}

// GetTrades handles GET /api/v1/outcomes/{outcomeID}/trades.
// Returns recent trades, newest first.
func (s *Service) GetTrades(w http.ResponseWriter, r *http.Request) {
	outcomeID := chi.URLParam(r, "outcomeID")

	trades, err := s.store.RecentTrades(r.Context(), outcomeID, 100)
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trades)
}

// GetPositions handles GET /api/v1/positions/{userID}.
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	positions, err := s.store.PositionsByUser(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(positions)
}

// broadcastTrades pushes executed trades with the refreshed probability to
// WebSocket clients.
func (s *Service) broadcastTrades(r *http.Request, outcomeID string, trades []model.Trade) {
	if s.wsHub == nil || len(trades) == 0 {
		return
	}

	probability := ""
	if outcome, err := s.store.GetOutcome(r.Context(), outcomeID); err == nil {
		probability = outcome.Probability.String()
	}

	for _, t := range trades {
		s.wsHub.Broadcast(WSMessage{
			Type:        "trade_executed",
			OutcomeID:   outcomeID,
			TradeID:     t.ID,
			Price:       t.Price.String(),
			Quantity:    t.Quantity.String(),
			Probability: probability,
		})
	}
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidPrice),
		errors.Is(err, engine.ErrInvalidQuantity),
		errors.Is(err, engine.ErrInvalidSide),
		errors.Is(err, engine.ErrInvalidType):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNoLiquidity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrAlreadyFilled), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
