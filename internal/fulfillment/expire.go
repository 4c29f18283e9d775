package fulfillment

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/joao-fontenele/keyflow/internal/audit"
	"github.com/joao-fontenele/keyflow/internal/domain"
	"github.com/joao-fontenele/keyflow/internal/postgres"
)

// ExpireOrder lets an operator close a card order stuck in pending, for
// example when the gateway never delivered the session outcome. Orders that
// are already expired, or in any other status, are refused.
func (s *Service) ExpireOrder(ctx context.Context, orderID, actor string) error {
	err := postgres.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		repo := s.orders.WithTx(tx)

		order, err := lockForTransition(ctx, repo, orderID, domain.OrderStatusExpired, cardPending)
		if err != nil {
			return err
		}
		if order == nil {
			return fmt.Errorf("%w: order is already expired", ErrInvalidTransition)
		}

		if err := repo.Transition(ctx, order.ID, domain.OrderStatusExpired, domain.OrderStatusPending); err != nil {
			return fmt.Errorf("mark order expired: %w", err)
		}

		s.audit.RecordTx(ctx, tx, audit.Entry{
			Action:     domain.AuditOrderExpired,
			EntityType: "order",
			EntityID:   order.ID,
			Actor:      actor,
			Details: map[string]any{
				"source": "admin",
				"actor":  actor,
			},
		})
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("order expired by operator", "order_id", orderID, "actor", actor)
	return nil
}
