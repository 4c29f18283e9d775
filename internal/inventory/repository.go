package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/joao-fontenele/keyflow/internal/domain"
	"github.com/joao-fontenele/keyflow/internal/postgres"
)

var (
	ErrProductNotFound     = errors.New("product not found")
	ErrDuplicateCredential = errors.New("credential already in stock")
	ErrUnitAlreadyAssigned = errors.New("stock unit already assigned")
)

type ProductRepository struct {
	db postgres.DBTX
}

func NewProductRepository(db postgres.DBTX) *ProductRepository {
	return &ProductRepository{db: db}
}

// GetByID returns nil, nil when the product does not exist.
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*domain.Product, error) {
	p := &domain.Product{}

	err := r.db.QueryRowContext(ctx, `
		SELECT id, slug, name, price, fulfillment_mode, active, accept_card, accept_crypto
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Slug, &p.Name, &p.Price, &p.FulfillmentMode, &p.Active, &p.AcceptCard, &p.AcceptCrypto)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return p, nil
}

// StockRepository is the stock ledger. Claim and Assign must be called on a
// transaction; the read helpers accept either.
type StockRepository struct {
	db postgres.DBTX
}

func NewStockRepository(db postgres.DBTX) *StockRepository {
	return &StockRepository{db: db}
}

func (r *StockRepository) WithTx(tx postgres.DBTX) *StockRepository {
	return &StockRepository{db: tx}
}

func (r *StockRepository) CountAvailable(ctx context.Context, productID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM stock_units
		WHERE product_id = $1 AND order_id IS NULL
	`, productID).Scan(&n)
	return n, err
}

func (r *StockRepository) GetLevel(ctx context.Context, productID string) (*domain.StockLevel, error) {
	level := &domain.StockLevel{ProductID: productID}

	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE order_id IS NULL),
			COUNT(*) FILTER (WHERE order_id IS NOT NULL)
		FROM stock_units
		WHERE product_id = $1
	`, productID).Scan(&level.Available, &level.Assigned)
	if err != nil {
		return nil, err
	}

	return level, nil
}

// ClaimAvailable locks up to limit available units of the product, oldest
// first. Rows locked by a concurrent claim are skipped rather than waited on,
// so racing orders always see disjoint units.
func (r *StockRepository) ClaimAvailable(ctx context.Context, productID string, limit int) ([]domain.StockUnit, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, product_id, credential, created_at
		FROM stock_units
		WHERE product_id = $1 AND order_id IS NULL
		ORDER BY created_at, id
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var units []domain.StockUnit
	for rows.Next() {
		var u domain.StockUnit
		if err := rows.Scan(&u.ID, &u.ProductID, &u.Credential, &u.CreatedAt); err != nil {
			return nil, err
		}
		units = append(units, u)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return units, nil
}

// Assign sets the unit's order. It never overwrites an existing assignment.
func (r *StockRepository) Assign(ctx context.Context, unitID, orderID string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE stock_units SET order_id = $2, assigned_at = NOW()
		WHERE id = $1 AND order_id IS NULL
	`, unitID, orderID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrUnitAlreadyAssigned
	}

	return nil
}

// AddUnits inserts new available units for the product in the given order,
// so the first credential listed is the first one sold.
func (r *StockRepository) AddUnits(ctx context.Context, productID string, credentials []string) ([]domain.StockUnit, error) {
	units := make([]domain.StockUnit, 0, len(credentials))

	for _, credential := range credentials {
		u := domain.StockUnit{
			ID:         uuid.New().String(),
			ProductID:  productID,
			Credential: credential,
		}
		err := r.db.QueryRowContext(ctx, `
			INSERT INTO stock_units (id, product_id, credential)
			VALUES ($1, $2, $3)
			RETURNING created_at
		`, u.ID, u.ProductID, u.Credential).Scan(&u.CreatedAt)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateCredential, credential)
			}
			return nil, err
		}
		units = append(units, u)
	}

	return units, nil
}

func (r *StockRepository) UnitByCredential(ctx context.Context, credential string) (*domain.StockUnit, error) {
	u := &domain.StockUnit{}
	var orderID sql.NullString

	err := r.db.QueryRowContext(ctx, `
		SELECT id, product_id, credential, order_id, created_at
		FROM stock_units
		WHERE credential = $1
	`, credential).Scan(&u.ID, &u.ProductID, &u.Credential, &orderID, &u.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	u.OrderID = orderID.String

	return u, nil
}

func (r *StockRepository) CredentialExists(ctx context.Context, credential string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM issued_credentials WHERE credential = $1)
	`, credential).Scan(&exists)
	return exists, err
}

func (r *StockRepository) IssueCredential(ctx context.Context, unit domain.StockUnit, orderID string) (*domain.IssuedCredential, error) {
	c := &domain.IssuedCredential{
		ID:         uuid.New().String(),
		Credential: unit.Credential,
		OrderID:    orderID,
		ProductID:  unit.ProductID,
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO issued_credentials (id, credential, order_id, product_id, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.Credential, c.OrderID, c.ProductID, c.Active, c.CreatedAt)
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (r *StockRepository) CountCredentials(ctx context.Context, orderID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM issued_credentials WHERE order_id = $1
	`, orderID).Scan(&n)
	return n, err
}

func (r *StockRepository) ListCredentials(ctx context.Context, orderID string) ([]domain.IssuedCredential, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, credential, order_id, product_id, active, created_at
		FROM issued_credentials
		WHERE order_id = $1
		ORDER BY created_at, id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	credentials := []domain.IssuedCredential{}
	for rows.Next() {
		var c domain.IssuedCredential
		if err := rows.Scan(&c.ID, &c.Credential, &c.OrderID, &c.ProductID, &c.Active, &c.CreatedAt); err != nil {
			return nil, err
		}
		credentials = append(credentials, c)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return credentials, nil
}
