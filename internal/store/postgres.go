package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/agoramarket/engine/internal/ledger"
	"github.com/agoramarket/engine/internal/model"
	"github.com/agoramarket/engine/internal/price"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All quantities and prices are stored as NUMERIC for exact decimal
// precision. Match application runs in a single transaction with guarded
// order updates, so two concurrent matches can never consume the same
// resting quantity twice.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Outcomes ---

func (s *PostgresStore) CreateOutcome(ctx context.Context, o *model.Outcome) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO outcomes (id, label, probability, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4)`,
		o.ID, o.Label, o.Probability.String(), o.CreatedAt,
	)
	return mapPgError(err)
}

func (s *PostgresStore) GetOutcome(ctx context.Context, id string) (*model.Outcome, error) {
	var o model.Outcome
	var prob string

	err := s.pool.QueryRow(ctx,
		`SELECT id, label, probability::TEXT, created_at
		 FROM outcomes WHERE id = $1`, id).
		Scan(&o.ID, &o.Label, &prob, &o.CreatedAt)
	if err != nil {
		return nil, mapPgError(err)
	}

	o.Probability, _ = decimal.NewFromString(prob)
	return &o, nil
}

func (s *PostgresStore) ListOutcomes(ctx context.Context) ([]model.Outcome, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, label, probability::TEXT, created_at
		 FROM outcomes ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []model.Outcome
	for rows.Next() {
		var o model.Outcome
		var prob string
		if err := rows.Scan(&o.ID, &o.Label, &prob, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Probability, _ = decimal.NewFromString(prob)
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// --- Orders ---

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, user_id, outcome_id, side, type, quantity, filled, price, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		o.ID, o.UserID, o.OutcomeID, o.Side, o.Type,
		o.Quantity.String(), o.Filled.String(), o.Price.String(),
		o.Status, o.CreatedAt,
	)
	return mapPgError(err)
}

const orderColumns = `id, user_id, outcome_id, side, type,
	quantity::TEXT, filled::TEXT, price::TEXT, status, created_at`

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)

	o, err := scanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, mapPgError(err))
	}
	return o, nil
}

func (s *PostgresStore) OpenOrdersFIFO(ctx context.Context, outcomeID string, side model.Side) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE outcome_id = $1 AND side = $2
		   AND status IN ('OPEN', 'PARTIALLY_FILLED')
		 ORDER BY created_at, id`,
		outcomeID, side)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) OpenOrdersByPrice(ctx context.Context, outcomeID string, side model.Side, desc bool) ([]model.Order, error) {
	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE outcome_id = $1 AND side = $2
		   AND status IN ('OPEN', 'PARTIALLY_FILLED')
		 ORDER BY price `+dir+`, created_at`,
		outcomeID, side)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) CancelOrder(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET status = 'CANCELLED'
		 WHERE id = $1 AND status IN ('OPEN', 'PARTIALLY_FILLED')`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either missing or already terminal; the caller re-reads to
		// tell the two apart.
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// --- Matching ---

func (s *PostgresStore) ApplyMatch(ctx context.Context, set *MatchSet) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	t := set.Trade
	if _, err := tx.Exec(ctx,
		`INSERT INTO trades (id, buy_order_id, sell_order_id, outcome_id, buyer_id, seller_id, quantity, price, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9)`,
		t.ID, t.BuyOrderID, t.SellOrderID, t.OutcomeID, t.BuyerID, t.SellerID,
		t.Quantity.String(), t.Price.String(), t.CreatedAt,
	); err != nil {
		return mapPgError(err)
	}

	// Guarded fill updates: the WHERE clause re-checks both the filled
	// value the matcher read and that the order was not cancelled in the
	// meantime. Zero rows affected means a concurrent mutation won.
	for _, u := range []OrderUpdate{set.Taker, set.Maker} {
		tag, err := tx.Exec(ctx,
			`UPDATE orders SET filled = $2::NUMERIC, status = $3
			 WHERE id = $1 AND filled = $4::NUMERIC
			   AND status IN ('OPEN', 'PARTIALLY_FILLED')`,
			u.OrderID, u.Filled.String(), u.Status, u.PrevFilled.String())
		if err != nil {
			return mapPgError(err)
		}
		if tag.RowsAffected() == 0 {
			return ErrConflict
		}
	}

	for _, f := range set.Fills {
		if err := applyFillTx(ctx, tx, f, t); err != nil {
			return err
		}
	}

	if err := refreshProbabilityTx(ctx, tx, t.OutcomeID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return mapPgError(err)
	}
	return nil
}

// applyFillTx folds one fill into its position row inside the match
// transaction. The row is locked FOR UPDATE so the weighted average is
// computed against a stable quantity.
func applyFillTx(ctx context.Context, tx pgx.Tx, f ledger.Fill, t model.Trade) error {
	var qty, avg string
	err := tx.QueryRow(ctx,
		`SELECT quantity::TEXT, avg_price::TEXT
		 FROM positions
		 WHERE user_id = $1 AND outcome_id = $2 AND side = $3
		 FOR UPDATE`,
		f.UserID, f.OutcomeID, f.Side).Scan(&qty, &avg)

	var existing *model.Position
	switch {
	case err == nil:
		p := model.Position{UserID: f.UserID, OutcomeID: f.OutcomeID, Side: f.Side}
		p.Quantity, _ = decimal.NewFromString(qty)
		p.AvgPrice, _ = decimal.NewFromString(avg)
		existing = &p
	case errors.Is(err, pgx.ErrNoRows):
		existing = nil
	default:
		return mapPgError(err)
	}

	next := ledger.Apply(existing, f, t.CreatedAt)

	if existing == nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO positions (user_id, outcome_id, side, quantity, avg_price, updated_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)`,
			next.UserID, next.OutcomeID, next.Side,
			next.Quantity.String(), next.AvgPrice.String(), next.UpdatedAt)
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE positions SET quantity = $4::NUMERIC, avg_price = $5::NUMERIC, updated_at = $6
			 WHERE user_id = $1 AND outcome_id = $2 AND side = $3`,
			next.UserID, next.OutcomeID, next.Side,
			next.Quantity.String(), next.AvgPrice.String(), next.UpdatedAt)
	}
	return mapPgError(err)
}

// refreshProbabilityTx sets the outcome probability to the mean YES price
// of the most recent trades, including the one inserted by this
// transaction.
func refreshProbabilityTx(ctx context.Context, tx pgx.Tx, outcomeID string) error {
	rows, err := tx.Query(ctx,
		`SELECT price::TEXT FROM trades
		 WHERE outcome_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		outcomeID, price.WindowSize)
	if err != nil {
		return err
	}
	defer rows.Close()

	var recent []model.Trade
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return err
		}
		var t model.Trade
		t.Price, _ = decimal.NewFromString(p)
		recent = append(recent, t)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	mean, ok := price.WindowMean(recent)
	if !ok {
		return nil
	}

	_, err = tx.Exec(ctx,
		`UPDATE outcomes SET probability = $2::NUMERIC WHERE id = $1`,
		outcomeID, mean.String())
	return mapPgError(err)
}

// --- Trades ---

func (s *PostgresStore) RecentTrades(ctx context.Context, outcomeID string, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, buy_order_id, sell_order_id, outcome_id, buyer_id, seller_id,
		        quantity::TEXT, price::TEXT, created_at
		 FROM trades
		 WHERE outcome_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		outcomeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var qty, p string
		if err := rows.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.OutcomeID,
			&t.BuyerID, &t.SellerID, &qty, &p, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Quantity, _ = decimal.NewFromString(qty)
		t.Price, _ = decimal.NewFromString(p)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// --- Positions ---

func (s *PostgresStore) GetPosition(ctx context.Context, userID, outcomeID string, side model.Side) (*model.Position, error) {
	var p model.Position
	var qty, avg string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, outcome_id, side, quantity::TEXT, avg_price::TEXT, updated_at
		 FROM positions
		 WHERE user_id = $1 AND outcome_id = $2 AND side = $3`,
		userID, outcomeID, side).
		Scan(&p.UserID, &p.OutcomeID, &p.Side, &qty, &avg, &p.UpdatedAt)
	if err != nil {
		return nil, mapPgError(err)
	}

	p.Quantity, _ = decimal.NewFromString(qty)
	p.AvgPrice, _ = decimal.NewFromString(avg)
	return &p, nil
}

func (s *PostgresStore) PositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, outcome_id, side, quantity::TEXT, avg_price::TEXT, updated_at
		 FROM positions
		 WHERE user_id = $1
		 ORDER BY outcome_id, side`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var qty, avg string
		if err := rows.Scan(&p.UserID, &p.OutcomeID, &p.Side, &qty, &avg, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Quantity, _ = decimal.NewFromString(qty)
		p.AvgPrice, _ = decimal.NewFromString(avg)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// --- Scan helpers ---

type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row pgxRow) (*model.Order, error) {
	var o model.Order
	var qty, filled, p string

	if err := row.Scan(&o.ID, &o.UserID, &o.OutcomeID, &o.Side, &o.Type,
		&qty, &filled, &p, &o.Status, &o.CreatedAt); err != nil {
		return nil, err
	}

	o.Quantity, _ = decimal.NewFromString(qty)
	o.Filled, _ = decimal.NewFromString(filled)
	o.Price, _ = decimal.NewFromString(p)
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// mapPgError translates driver errors to store sentinels. Serialization
// and deadlock failures surface as ErrConflict so the engine's bounded
// retry handles them like any other lost race.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return ErrExists
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return ErrConflict
		}
	}
	return err
}
