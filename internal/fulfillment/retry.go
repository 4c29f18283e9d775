package fulfillment

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/joao-fontenele/keyflow/internal/audit"
	"github.com/joao-fontenele/keyflow/internal/domain"
	"github.com/joao-fontenele/keyflow/internal/postgres"
)

// RetryAllocation re-runs allocation for a paid order that received no
// credentials, typically after an operator restocked the product.
func (s *Service) RetryAllocation(ctx context.Context, orderID, actor string) (int, error) {
	var (
		retried  *domain.Order
		assigned int
	)

	err := postgres.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		order, err := s.orders.WithTx(tx).LockByID(ctx, orderID)
		if err != nil {
			return fmt.Errorf("lock order: %w", err)
		}
		if order == nil {
			return ErrOrderNotFound
		}
		if order.Status != domain.OrderStatusPaid {
			return ErrOrderNotPaid
		}

		n, skipped, err := s.allocate(ctx, tx, order)
		if err != nil {
			return fmt.Errorf("allocate credentials: %w", err)
		}
		if skipped {
			return ErrNoRetryNeeded
		}

		s.audit.RecordTx(ctx, tx, audit.Entry{
			Action:     domain.AuditOrderRetry,
			EntityType: "order",
			EntityID:   order.ID,
			Actor:      actor,
			Details: map[string]any{
				"assigned": n,
				"source":   "admin_retry",
				"actor":    actor,
			},
		})

		retried, assigned = order, n
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.metrics.RecordAllocation(ctx, "admin_retry", retried.ExpectedCredentials(), assigned)
	s.logger.Info("allocation retried",
		"order_id", retried.ID,
		"actor", actor,
		"assigned", assigned,
	)

	if assigned > 0 {
		s.notify(ctx, retried, assigned, true)
	}

	return assigned, nil
}
