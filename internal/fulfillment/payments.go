package fulfillment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/joao-fontenele/keyflow/internal/audit"
	"github.com/joao-fontenele/keyflow/internal/domain"
	"github.com/joao-fontenele/keyflow/internal/orders"
	"github.com/joao-fontenele/keyflow/internal/payment"
	"github.com/joao-fontenele/keyflow/internal/postgres"
)

// HandlePaymentEvent applies a verified gateway event. Redelivery of an
// event that was already applied is a no-op.
func (s *Service) HandlePaymentEvent(ctx context.Context, event payment.Event) error {
	var err error
	switch e := event.(type) {
	case payment.PaymentSucceeded:
		err = s.handleSucceeded(ctx, e)
	case payment.PaymentFailed:
		err = s.settle(ctx, e.ID, "", e.OrderID, domain.OrderStatusDeclined, domain.AuditOrderDeclined)
	case payment.SessionExpired:
		err = s.settle(ctx, e.ID, e.SessionID, e.OrderID, domain.OrderStatusExpired, domain.AuditOrderExpired)
	default:
		err = payment.ErrUnsupportedEvent
	}

	s.metrics.RecordPaymentEvent(ctx, payment.Kind(event), outcome(err))
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "applied"
	case errors.Is(err, ErrOrderNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "rejected"
	case postgres.IsTransient(err):
		return "transient"
	}
	return "error"
}

// resolveOrder finds the order by gateway session first and falls back to
// the order id carried in event metadata. When the fallback hits an order
// with no session bound yet, the session is bound to it.
func (s *Service) resolveOrder(ctx context.Context, sessionID, metadataOrderID string) (string, error) {
	if sessionID != "" {
		order, err := s.orders.GetByPaymentSession(ctx, sessionID)
		if err != nil {
			return "", fmt.Errorf("lookup order by session: %w", err)
		}
		if order != nil {
			return order.ID, nil
		}
	}

	if metadataOrderID == "" {
		return "", ErrOrderNotFound
	}

	order, err := s.orders.GetByID(ctx, metadataOrderID)
	if err != nil {
		return "", fmt.Errorf("lookup order by id: %w", err)
	}
	if order == nil {
		return "", ErrOrderNotFound
	}

	if sessionID != "" && order.PaymentSessionID == "" {
		err := s.orders.SetPaymentSession(ctx, order.ID, sessionID)
		switch {
		case err == nil:
			s.logger.Info("backfilled payment session", "order_id", order.ID, "session_id", sessionID)
		case errors.Is(err, orders.ErrSessionConflict), postgres.IsUniqueViolation(err):
			s.logger.Warn("payment session backfill conflicted", "error", err, "order_id", order.ID, "session_id", sessionID)
		default:
			return "", fmt.Errorf("backfill payment session: %w", err)
		}
	}

	return order.ID, nil
}

// lockForTransition locks the order and decides whether moving it to `to`
// is allowed from its current status. A nil order with a nil error means the
// order is already in `to` and there is nothing to do.
func lockForTransition(ctx context.Context, repo *orders.OrderRepository, orderID string, to domain.OrderStatus, allowed func(domain.OrderStatus) bool) (*domain.Order, error) {
	order, err := repo.LockByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("lock order: %w", err)
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}

	apply, err := checkTransition(order.Status, to, allowed)
	if err != nil || !apply {
		return nil, err
	}
	return order, nil
}

// checkTransition reports whether an order in status from should move to
// to. Reaching the same status again is a no-op; leaving a terminal status
// never is allowed.
func checkTransition(from, to domain.OrderStatus, allowed func(domain.OrderStatus) bool) (bool, error) {
	if from == to {
		return false, nil
	}
	if from.Terminal() || !allowed(from) {
		return false, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}
	return true, nil
}

// cardPending is the only status a card session outcome can settle.
func cardPending(s domain.OrderStatus) bool {
	return s == domain.OrderStatusPending
}

func (s *Service) handleSucceeded(ctx context.Context, e payment.PaymentSucceeded) error {
	orderID, err := s.resolveOrder(ctx, e.SessionID, e.OrderID)
	if err != nil {
		return err
	}

	var (
		paid             *domain.Order
		issued, assigned int
	)

	err = postgres.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		repo := s.orders.WithTx(tx)

		order, err := lockForTransition(ctx, repo, orderID, domain.OrderStatusPaid, domain.OrderStatus.Awaiting)
		if err != nil || order == nil {
			return err
		}

		if err := repo.Transition(ctx, order.ID, domain.OrderStatusPaid, order.Status); err != nil {
			return fmt.Errorf("mark order paid: %w", err)
		}

		if email := strings.ToLower(strings.TrimSpace(e.CustomerEmail)); email != "" && email != order.Email {
			if err := repo.UpdateEmail(ctx, order.ID, email); err != nil {
				return fmt.Errorf("update order email: %w", err)
			}
			order.Email = email
		}

		n, skipped, err := s.allocate(ctx, tx, order)
		if err != nil {
			return fmt.Errorf("allocate credentials: %w", err)
		}
		if skipped {
			s.logger.Warn("order already had credentials when paid", "order_id", order.ID, "existing", n)
		}

		s.audit.RecordTx(ctx, tx, audit.Entry{
			Action:     domain.AuditOrderPaid,
			EntityType: "order",
			EntityID:   order.ID,
			Details: map[string]any{
				"expected": order.ExpectedCredentials(),
				"actual":   n,
				"session":  e.SessionID,
				"event_id": e.ID,
			},
		})

		order.Status = domain.OrderStatusPaid
		paid, issued = order, n
		if !skipped {
			assigned = n
		}
		return nil
	})
	if err != nil {
		return err
	}

	if paid == nil {
		s.logger.Info("order already paid, ignoring duplicate event", "order_id", orderID, "event_id", e.ID)
		return nil
	}

	s.metrics.RecordAllocation(ctx, "payment", paid.ExpectedCredentials(), assigned)
	s.logger.Info("order paid",
		"order_id", paid.ID,
		"expected", paid.ExpectedCredentials(),
		"assigned", assigned,
	)
	s.notify(ctx, paid, issued, false)

	return nil
}

// settle moves a pending card order to a terminal unpaid status.
func (s *Service) settle(ctx context.Context, eventID, sessionID, metadataOrderID string, to domain.OrderStatus, action string) error {
	orderID, err := s.resolveOrder(ctx, sessionID, metadataOrderID)
	if err != nil {
		return err
	}

	applied := false
	err = postgres.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		repo := s.orders.WithTx(tx)

		order, err := lockForTransition(ctx, repo, orderID, to, cardPending)
		if err != nil || order == nil {
			return err
		}

		if err := repo.Transition(ctx, order.ID, to, domain.OrderStatusPending); err != nil {
			return fmt.Errorf("mark order %s: %w", to, err)
		}

		s.audit.RecordTx(ctx, tx, audit.Entry{
			Action:     action,
			EntityType: "order",
			EntityID:   order.ID,
			Details: map[string]any{
				"session":  sessionID,
				"event_id": eventID,
			},
		})

		applied = true
		return nil
	})
	if err != nil {
		return err
	}

	if applied {
		s.logger.Info("order settled", "order_id", orderID, "status", to)
	} else {
		s.logger.Info("order already settled, ignoring duplicate event", "order_id", orderID, "status", to)
	}
	return nil
}
