package fulfillment

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/joao-fontenele/keyflow/internal/audit"
	"github.com/joao-fontenele/keyflow/internal/domain"
	"github.com/joao-fontenele/keyflow/internal/inventory"
	"github.com/joao-fontenele/keyflow/internal/orders"
	"github.com/joao-fontenele/keyflow/internal/telemetry"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrOrderNotPaid      = errors.New("order is not paid")
	ErrNoRetryNeeded     = errors.New("order already has credentials")
)

// Notifier publishes order.paid events once the paying transaction commits.
type Notifier interface {
	PublishOrderPaid(ctx context.Context, event domain.OrderPaidEvent) error
}

// Service owns every write to an order after checkout: payment outcomes
// and operator retries.
type Service struct {
	db        *sql.DB
	orders    *orders.OrderRepository
	stock     *inventory.StockRepository
	allocator *Allocator
	audit     *audit.Recorder
	notifier  Notifier
	metrics   *telemetry.FulfillmentMetrics
	logger    *slog.Logger
}

func NewService(
	db *sql.DB,
	orderRepo *orders.OrderRepository,
	stock *inventory.StockRepository,
	recorder *audit.Recorder,
	notifier Notifier,
	metrics *telemetry.FulfillmentMetrics,
	logger *slog.Logger,
) *Service {
	return &Service{
		db:        db,
		orders:    orderRepo,
		stock:     stock,
		allocator: NewAllocator(stock, logger),
		audit:     recorder,
		notifier:  notifier,
		metrics:   metrics,
		logger:    logger,
	}
}

// allocate issues credentials to order inside tx unless some were already
// issued, in which case it reports the existing count and assigns nothing.
func (s *Service) allocate(ctx context.Context, tx *sql.Tx, order *domain.Order) (assigned int, skipped bool, err error) {
	existing, err := s.stock.WithTx(tx).CountCredentials(ctx, order.ID)
	if err != nil {
		return 0, false, err
	}
	if existing > 0 {
		return existing, true, nil
	}

	assigned, err = s.allocator.AllocateKeys(ctx, tx, order)
	return assigned, false, err
}

// notify runs after commit. The order is already paid at this point, so a
// publish failure is logged and not returned.
func (s *Service) notify(ctx context.Context, order *domain.Order, issued int, retry bool) {
	if s.notifier == nil {
		return
	}

	event := domain.OrderPaidEvent{
		OrderID:             order.ID,
		Email:               order.Email,
		ExpectedCredentials: order.ExpectedCredentials(),
		IssuedCredentials:   issued,
		Retry:               retry,
		Timestamp:           time.Now().UTC(),
	}

	if err := s.notifier.PublishOrderPaid(ctx, event); err != nil {
		s.logger.Error("failed to publish order paid event", "error", err, "order_id", order.ID)
	}
}
