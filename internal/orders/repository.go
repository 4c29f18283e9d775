package orders

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/joao-fontenele/keyflow/internal/domain"
	"github.com/joao-fontenele/keyflow/internal/postgres"
)

var (
	// ErrStatusConflict is returned when a conditional status update finds the
	// order in a status other than the expected ones.
	ErrStatusConflict  = errors.New("order status changed concurrently")
	ErrSessionConflict = errors.New("order already bound to a different payment session")
)

type OrderRepository struct {
	pool *sql.DB
	db   postgres.DBTX
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{pool: db, db: db}
}

// WithTx returns a repository whose statements run on tx.
func (r *OrderRepository) WithTx(tx *sql.Tx) *OrderRepository {
	return &OrderRepository{pool: r.pool, db: tx}
}

// Create inserts the order and its lines atomically, joining the current
// transaction when the repository is bound to one.
func (r *OrderRepository) Create(ctx context.Context, order *domain.Order) error {
	if tx, ok := r.db.(*sql.Tx); ok {
		return r.create(ctx, tx, order)
	}
	return postgres.WithTx(ctx, r.pool, func(tx *sql.Tx) error {
		return r.create(ctx, tx, order)
	})
}

func (r *OrderRepository) create(ctx context.Context, tx *sql.Tx, order *domain.Order) error {
	order.ID = uuid.New().String()

	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (id, email, status, total, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, order.ID, order.Email, order.Status, order.Total, order.CreatedAt)
	if err != nil {
		return err
	}
	order.UpdatedAt = order.CreatedAt

	for i := range order.Lines {
		line := &order.Lines[i]
		line.ID = uuid.New().String()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_lines (id, order_id, product_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5)
		`, line.ID, order.ID, line.ProductID, line.Quantity, line.UnitPrice)
		if err != nil {
			return err
		}
	}

	return nil
}

// GetByID returns nil, nil when the order does not exist.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	return r.get(ctx, `WHERE id = $1`, id)
}

func (r *OrderRepository) GetByPaymentSession(ctx context.Context, sessionID string) (*domain.Order, error) {
	return r.get(ctx, `WHERE payment_session_id = $1`, sessionID)
}

// LockByID reads the order with a row lock held until the surrounding
// transaction ends. It must run on a transaction.
func (r *OrderRepository) LockByID(ctx context.Context, id string) (*domain.Order, error) {
	return r.get(ctx, `WHERE id = $1 FOR UPDATE`, id)
}

func (r *OrderRepository) get(ctx context.Context, where string, arg any) (*domain.Order, error) {
	order := &domain.Order{}
	var sessionID sql.NullString

	err := r.db.QueryRowContext(ctx, `
		SELECT id, email, status, total, payment_session_id, created_at, updated_at
		FROM orders
		`+where, arg).Scan(&order.ID, &order.Email, &order.Status, &order.Total, &sessionID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	order.PaymentSessionID = sessionID.String

	lines, err := r.lines(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	order.Lines = lines

	return order, nil
}

func (r *OrderRepository) lines(ctx context.Context, orderID string) ([]domain.OrderLine, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT l.id, l.product_id, l.quantity, l.unit_price, p.fulfillment_mode
		FROM order_lines l
		JOIN products p ON p.id = l.product_id
		WHERE l.order_id = $1
		ORDER BY l.id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	lines := []domain.OrderLine{}
	for rows.Next() {
		var line domain.OrderLine
		if err := rows.Scan(&line.ID, &line.ProductID, &line.Quantity, &line.UnitPrice, &line.FulfillmentMode); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return lines, nil
}

// SetPaymentSession binds a gateway session to the order. Binding the same
// session again is a no-op; a different session is refused.
func (r *OrderRepository) SetPaymentSession(ctx context.Context, orderID, sessionID string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE orders SET payment_session_id = $2, updated_at = NOW()
		WHERE id = $1 AND (payment_session_id IS NULL OR payment_session_id = $2)
	`, orderID, sessionID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrSessionConflict
	}

	return nil
}

// Transition moves the order to status `to` only if it is currently in one
// of `from`.
func (r *OrderRepository) Transition(ctx context.Context, id string, to domain.OrderStatus, from ...domain.OrderStatus) error {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE orders SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`, id, to, pq.Array(allowed))
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrStatusConflict
	}

	return nil
}

func (r *OrderRepository) UpdateEmail(ctx context.Context, id, email string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE orders SET email = $2, updated_at = NOW()
		WHERE id = $1
	`, id, email)
	return err
}
