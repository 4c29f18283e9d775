//go:build integration

package fulfillment

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/joao-fontenele/keyflow/internal/audit"
	"github.com/joao-fontenele/keyflow/internal/domain"
	"github.com/joao-fontenele/keyflow/internal/inventory"
	"github.com/joao-fontenele/keyflow/internal/orders"
	"github.com/joao-fontenele/keyflow/internal/payment"
	"github.com/joao-fontenele/keyflow/test"
)

type captureNotifier struct {
	mu     sync.Mutex
	events []domain.OrderPaidEvent
}

func (c *captureNotifier) PublishOrderPaid(_ context.Context, event domain.OrderPaidEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureNotifier) count(orderID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.OrderID == orderID {
			n++
		}
	}
	return n
}

type fixture struct {
	db       *sql.DB
	orders   *orders.OrderRepository
	stock    *inventory.StockRepository
	recorder *audit.Recorder
	notifier *captureNotifier
	svc      *Service
}

func newFixture(t *testing.T, db *sql.DB) *fixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		db:       db,
		orders:   orders.NewOrderRepository(db),
		stock:    inventory.NewStockRepository(db),
		recorder: audit.NewRecorder(db, logger),
		notifier: &captureNotifier{},
	}
	f.svc = NewService(db, f.orders, f.stock, f.recorder, f.notifier, nil, logger)
	return f
}

// createOrder persists a pending card order bound to session "cs_<id>".
func (f *fixture) createOrder(ctx context.Context, t *testing.T, productID string, quantity int) *domain.Order {
	t.Helper()
	order := f.createUnboundOrder(ctx, t, productID, quantity, domain.OrderStatusPending)
	if err := f.orders.SetPaymentSession(ctx, order.ID, "cs_"+order.ID); err != nil {
		t.Fatalf("failed to bind session: %v", err)
	}
	order.PaymentSessionID = "cs_" + order.ID
	return order
}

func (f *fixture) createUnboundOrder(ctx context.Context, t *testing.T, productID string, quantity int, status domain.OrderStatus) *domain.Order {
	t.Helper()
	order := &domain.Order{
		Email:     "buyer@example.com",
		Status:    status,
		Total:     int64(quantity) * 1000,
		CreatedAt: time.Now().UTC(),
		Lines: []domain.OrderLine{
			{ProductID: productID, Quantity: quantity, UnitPrice: 1000},
		},
	}
	if err := f.orders.Create(ctx, order); err != nil {
		t.Fatalf("failed to create order: %v", err)
	}
	return order
}

func (f *fixture) paid(order *domain.Order) payment.PaymentSucceeded {
	return payment.PaymentSucceeded{
		ID:        "evt_paid_" + order.ID,
		SessionID: order.PaymentSessionID,
		OrderID:   order.ID,
	}
}

func (f *fixture) credentials(ctx context.Context, t *testing.T, orderID string) []string {
	t.Helper()
	issued, err := f.stock.ListCredentials(ctx, orderID)
	if err != nil {
		t.Fatalf("failed to list credentials: %v", err)
	}
	out := make([]string, len(issued))
	for i, c := range issued {
		out[i] = c.Credential
	}
	return out
}

func (f *fixture) status(ctx context.Context, t *testing.T, orderID string) domain.OrderStatus {
	t.Helper()
	order, err := f.orders.GetByID(ctx, orderID)
	if err != nil || order == nil {
		t.Fatalf("failed to get order %s: %v", orderID, err)
	}
	return order.Status
}

func (f *fixture) auditCount(ctx context.Context, t *testing.T, action, orderID string) int {
	t.Helper()
	var n int
	err := f.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audit_entries WHERE action = $1 AND entity_id = $2
	`, action, orderID).Scan(&n)
	if err != nil {
		t.Fatalf("failed to count audit entries: %v", err)
	}
	return n
}

func TestFulfillment(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pg := test.SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db := pg.OpenDB(t)
	db.SetMaxOpenConns(20)
	f := newFixture(t, db)

	t.Run("payment assigns oldest units and audits", func(t *testing.T) {
		product := test.SeedProduct(ctx, t, db, test.ProductSeed{})
		seeded := test.SeedStock(ctx, t, db, product, "fifo", 3)
		order := f.createOrder(ctx, t, product, 2)

		if err := f.svc.HandlePaymentEvent(ctx, f.paid(order)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if got := f.status(ctx, t, order.ID); got != domain.OrderStatusPaid {
			t.Errorf("expected paid, got %s", got)
		}
		got := f.credentials(ctx, t, order.ID)
		if len(got) != 2 {
			t.Fatalf("expected 2 credentials, got %v", got)
		}
		oldest := map[string]bool{seeded[0]: true, seeded[1]: true}
		for _, c := range got {
			if !oldest[c] {
				t.Errorf("credential %s is not one of the two oldest units", c)
			}
			unit, err := f.stock.UnitByCredential(ctx, c)
			if err != nil || unit == nil || unit.OrderID != order.ID {
				t.Errorf("credential %s is not backed by a unit assigned to the order", c)
			}
		}
		if n := f.auditCount(ctx, t, domain.AuditOrderPaid, order.ID); n != 1 {
			t.Errorf("expected one order_paid audit entry, got %d", n)
		}
		if n := f.notifier.count(order.ID); n != 1 {
			t.Errorf("expected one notification, got %d", n)
		}
	})

	t.Run("duplicate delivery is a no-op", func(t *testing.T) {
		product := test.SeedProduct(ctx, t, db, test.ProductSeed{})
		test.SeedStock(ctx, t, db, product, "dup", 4)
		order := f.createOrder(ctx, t, product, 2)

		for i := 0; i < 3; i++ {
			if err := f.svc.HandlePaymentEvent(ctx, f.paid(order)); err != nil {
				t.Fatalf("delivery %d: unexpected error: %v", i, err)
			}
		}

		if got := f.credentials(ctx, t, order.ID); len(got) != 2 {
			t.Errorf("expected 2 credentials, got %d", len(got))
		}
		if n := f.auditCount(ctx, t, domain.AuditOrderPaid, order.ID); n != 1 {
			t.Errorf("expected one order_paid audit entry, got %d", n)
		}
		if n := f.notifier.count(order.ID); n != 1 {
			t.Errorf("expected one notification, got %d", n)
		}
	})

	t.Run("racing duplicate deliveries allocate once", func(t *testing.T) {
		product := test.SeedProduct(ctx, t, db, test.ProductSeed{})
		test.SeedStock(ctx, t, db, product, "race", 10)
		order := f.createOrder(ctx, t, product, 3)

		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- f.svc.HandlePaymentEvent(ctx, f.paid(order))
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}
		if got := f.credentials(ctx, t, order.ID); len(got) != 3 {
			t.Errorf("expected 3 credentials, got %d", len(got))
		}
	})

	t.Run("concurrent orders never share a unit", func(t *testing.T) {
		product := test.SeedProduct(ctx, t, db, test.ProductSeed{})
		test.SeedStock(ctx, t, db, product, "scarce", 5)

		orderList := make([]*domain.Order, 8)
		for i := range orderList {
			orderList[i] = f.createOrder(ctx, t, product, 1)
		}

		var wg sync.WaitGroup
		for _, order := range orderList {
			wg.Add(1)
			go func(o *domain.Order) {
				defer wg.Done()
				if err := f.svc.HandlePaymentEvent(ctx, f.paid(o)); err != nil {
					t.Errorf("order %s: unexpected error: %v", o.ID, err)
				}
			}(order)
		}
		wg.Wait()

		seen := map[string]string{}
		total := 0
		for _, order := range orderList {
			if got := f.status(ctx, t, order.ID); got != domain.OrderStatusPaid {
				t.Errorf("order %s: expected paid, got %s", order.ID, got)
			}
			for _, c := range f.credentials(ctx, t, order.ID) {
				if other, ok := seen[c]; ok {
					t.Errorf("credential %s issued to %s and %s", c, other, order.ID)
				}
				seen[c] = order.ID
				total++
			}
		}
		if total != 5 {
			t.Errorf("expected all 5 units issued exactly once, got %d", total)
		}

		level, err := f.stock.GetLevel(ctx, product)
		if err != nil {
			t.Fatalf("failed to get stock level: %v", err)
		}
		if level.Available != 0 || level.Assigned != 5 {
			t.Errorf("unexpected stock level %+v", level)
		}
	})

	t.Run("shortfall then operator retry", func(t *testing.T) {
		product := test.SeedProduct(ctx, t, db, test.ProductSeed{})
		order := f.createOrder(ctx, t, product, 2)

		if err := f.svc.HandlePaymentEvent(ctx, f.paid(order)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := f.status(ctx, t, order.ID); got != domain.OrderStatusPaid {
			t.Fatalf("expected paid despite empty stock, got %s", got)
		}
		if got := f.credentials(ctx, t, order.ID); len(got) != 0 {
			t.Fatalf("expected no credentials, got %v", got)
		}

		assigned, err := f.svc.RetryAllocation(ctx, order.ID, "ops")
		if err != nil || assigned != 0 {
			t.Fatalf("retry on empty stock: assigned=%d err=%v", assigned, err)
		}

		test.SeedStock(ctx, t, db, product, "restock", 2)

		assigned, err = f.svc.RetryAllocation(ctx, order.ID, "ops")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if assigned != 2 {
			t.Errorf("expected 2 assigned, got %d", assigned)
		}
		if n := f.auditCount(ctx, t, domain.AuditOrderRetry, order.ID); n != 2 {
			t.Errorf("expected two retry audit entries, got %d", n)
		}

		if _, err := f.svc.RetryAllocation(ctx, order.ID, "ops"); !errors.Is(err, ErrNoRetryNeeded) {
			t.Errorf("expected ErrNoRetryNeeded, got %v", err)
		}
		if got := f.credentials(ctx, t, order.ID); len(got) != 2 {
			t.Errorf("expected credentials unchanged, got %v", got)
		}
	})

	t.Run("retry refuses unpaid and unknown orders", func(t *testing.T) {
		product := test.SeedProduct(ctx, t, db, test.ProductSeed{})
		order := f.createOrder(ctx, t, product, 1)

		if _, err := f.svc.RetryAllocation(ctx, order.ID, "ops"); !errors.Is(err, ErrOrderNotPaid) {
			t.Errorf("expected ErrOrderNotPaid, got %v", err)
		}
		if _, err := f.svc.RetryAllocation(ctx, "missing", "ops"); !errors.Is(err, ErrOrderNotFound) {
			t.Errorf("expected ErrOrderNotFound, got %v", err)
		}
	})

	t.Run("status never leaves a terminal value", func(t *testing.T) {
		product := test.SeedProduct(ctx, t, db, test.ProductSeed{})
		test.SeedStock(ctx, t, db, product, "mono", 2)

		declined := f.createOrder(ctx, t, product, 1)
		failed := payment.PaymentFailed{ID: "evt_fail", PaymentIntentID: "pi_1", OrderID: declined.ID}
		if err := f.svc.HandlePaymentEvent(ctx, failed); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := f.svc.HandlePaymentEvent(ctx, failed); err != nil {
			t.Errorf("duplicate failure should be a no-op, got %v", err)
		}
		if err := f.svc.HandlePaymentEvent(ctx, f.paid(declined)); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
		if got := f.status(ctx, t, declined.ID); got != domain.OrderStatusDeclined {
			t.Errorf("expected declined, got %s", got)
		}
		if got := f.credentials(ctx, t, declined.ID); len(got) != 0 {
			t.Errorf("declined order must hold no credentials, got %v", got)
		}

		paid := f.createOrder(ctx, t, product, 1)
		if err := f.svc.HandlePaymentEvent(ctx, f.paid(paid)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		expired := payment.SessionExpired{ID: "evt_exp", SessionID: paid.PaymentSessionID}
		if err := f.svc.HandlePaymentEvent(ctx, expired); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
		if got := f.status(ctx, t, paid.ID); got != domain.OrderStatusPaid {
			t.Errorf("expected paid, got %s", got)
		}
	})

	t.Run("session expiry", func(t *testing.T) {
		product := test.SeedProduct(ctx, t, db, test.ProductSeed{})
		order := f.createOrder(ctx, t, product, 1)

		err := f.svc.HandlePaymentEvent(ctx, payment.SessionExpired{ID: "evt_e1", SessionID: order.PaymentSessionID})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := f.status(ctx, t, order.ID); got != domain.OrderStatusExpired {
			t.Errorf("expected expired, got %s", got)
		}
		if n := f.auditCount(ctx, t, domain.AuditOrderExpired, order.ID); n != 1 {
			t.Errorf("expected one order_expired audit entry, got %d", n)
		}
	})

	t.Run("metadata fallback backfills session", func(t *testing.T) {
		product := test.SeedProduct(ctx, t, db, test.ProductSeed{})
		test.SeedStock(ctx, t, db, product, "fallback", 1)
		order := f.createUnboundOrder(ctx, t, product, 1, domain.OrderStatusPending)

		event := payment.PaymentSucceeded{
			ID:            "evt_fb",
			SessionID:     "cs_late_" + order.ID,
			OrderID:       order.ID,
			CustomerEmail: "Real.Buyer@Example.com",
		}
		if err := f.svc.HandlePaymentEvent(ctx, event); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		got, err := f.orders.GetByPaymentSession(ctx, event.SessionID)
		if err != nil || got == nil {
			t.Fatalf("expected order bound to session, got %v, %v", got, err)
		}
		if got.ID != order.ID || got.Status != domain.OrderStatusPaid {
			t.Errorf("unexpected order %+v", got)
		}
		if got.Email != "real.buyer@example.com" {
			t.Errorf("expected email from payment, got %s", got.Email)
		}
	})

	t.Run("alternate rail order is paid by its event", func(t *testing.T) {
		product := test.SeedProduct(ctx, t, db, test.ProductSeed{AcceptCrypto: true})
		test.SeedStock(ctx, t, db, product, "crypto", 1)
		order := f.createUnboundOrder(ctx, t, product, 1, domain.OrderStatusPendingAltPayment)

		if err := f.svc.HandlePaymentEvent(ctx, payment.PaymentSucceeded{ID: "evt_alt", OrderID: order.ID}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := f.credentials(ctx, t, order.ID); len(got) != 1 {
			t.Errorf("expected 1 credential, got %v", got)
		}
	})

	t.Run("manual service order needs no stock", func(t *testing.T) {
		product := test.SeedProduct(ctx, t, db, test.ProductSeed{FulfillmentMode: "manual_service"})
		order := f.createOrder(ctx, t, product, 1)

		if err := f.svc.HandlePaymentEvent(ctx, f.paid(order)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := f.status(ctx, t, order.ID); got != domain.OrderStatusPaid {
			t.Errorf("expected paid, got %s", got)
		}
		if got := f.credentials(ctx, t, order.ID); len(got) != 0 {
			t.Errorf("expected no credentials, got %v", got)
		}
	})

	t.Run("unresolvable order", func(t *testing.T) {
		err := f.svc.HandlePaymentEvent(ctx, payment.PaymentSucceeded{ID: "evt_none", SessionID: "cs_unknown"})
		if !errors.Is(err, ErrOrderNotFound) {
			t.Errorf("expected ErrOrderNotFound, got %v", err)
		}
		err = f.svc.HandlePaymentEvent(ctx, payment.PaymentFailed{ID: "evt_none2", OrderID: "nope"})
		if !errors.Is(err, ErrOrderNotFound) {
			t.Errorf("expected ErrOrderNotFound, got %v", err)
		}
	})

	t.Run("already issued credential is never reissued", func(t *testing.T) {
		product := test.SeedProduct(ctx, t, db, test.ProductSeed{})
		owner := f.createOrder(ctx, t, product, 1)
		leaked := test.SeedStock(ctx, t, db, product, "prov-"+owner.ID, 1)[0]

		_, err := db.ExecContext(ctx, `
			INSERT INTO issued_credentials (id, credential, order_id, product_id)
			VALUES ($1, $2, $3, $4)
		`, "ic-"+owner.ID, leaked, owner.ID, product)
		if err != nil {
			t.Fatalf("failed to seed issued credential: %v", err)
		}

		buyer := f.createOrder(ctx, t, product, 1)
		if err := f.svc.HandlePaymentEvent(ctx, f.paid(buyer)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := f.credentials(ctx, t, buyer.ID); len(got) != 0 {
			t.Errorf("buyer should receive nothing, got %v", got)
		}

		unit, err := f.stock.UnitByCredential(ctx, leaked)
		if err != nil || unit == nil {
			t.Fatalf("failed to load unit: %v", err)
		}
		if !unit.Available() {
			t.Errorf("skipped unit should stay unassigned, got order %s", unit.OrderID)
		}
	})

	t.Run("failed allocation rolls back the whole payment", func(t *testing.T) {
		product := test.SeedProduct(ctx, t, db, test.ProductSeed{})
		test.SeedStock(ctx, t, db, product, "rollback", 1)
		order := f.createOrder(ctx, t, product, 1)

		_, err := db.ExecContext(ctx, `
			CREATE FUNCTION refuse_issue() RETURNS trigger AS $$
			BEGIN
				RAISE EXCEPTION 'issuing disabled';
			END;
			$$ LANGUAGE plpgsql;
			CREATE TRIGGER refuse_issue BEFORE INSERT ON issued_credentials
				FOR EACH ROW EXECUTE FUNCTION refuse_issue();
		`)
		if err != nil {
			t.Fatalf("failed to install trigger: %v", err)
		}
		dropTrigger := func() {
			_, _ = db.ExecContext(ctx, `
				DROP TRIGGER IF EXISTS refuse_issue ON issued_credentials;
				DROP FUNCTION IF EXISTS refuse_issue();
			`)
		}
		t.Cleanup(dropTrigger)

		if err := f.svc.HandlePaymentEvent(ctx, f.paid(order)); err == nil {
			t.Fatal("expected the payment to fail while issuing is refused")
		}
		if got := f.status(ctx, t, order.ID); got != domain.OrderStatusPending {
			t.Errorf("expected order to stay pending, got %s", got)
		}
		unit, err := f.stock.UnitByCredential(ctx, "rollback-1")
		if err != nil || unit == nil {
			t.Fatalf("failed to load unit: %v", err)
		}
		if !unit.Available() {
			t.Errorf("expected unit assignment rolled back, got order %s", unit.OrderID)
		}
		if n := f.auditCount(ctx, t, domain.AuditOrderPaid, order.ID); n != 0 {
			t.Errorf("expected no order_paid entry, got %d", n)
		}
		if n := f.notifier.count(order.ID); n != 0 {
			t.Errorf("expected no notification, got %d", n)
		}

		dropTrigger()

		if err := f.svc.HandlePaymentEvent(ctx, f.paid(order)); err != nil {
			t.Fatalf("redelivery failed: %v", err)
		}
		if got := f.status(ctx, t, order.ID); got != domain.OrderStatusPaid {
			t.Errorf("expected paid after redelivery, got %s", got)
		}
		if got := f.credentials(ctx, t, order.ID); len(got) != 1 || got[0] != "rollback-1" {
			t.Errorf("expected rollback-1, got %v", got)
		}
		if n := f.auditCount(ctx, t, domain.AuditOrderPaid, order.ID); n != 1 {
			t.Errorf("expected one order_paid entry, got %d", n)
		}
	})

	t.Run("operator expires only pending card orders", func(t *testing.T) {
		product := test.SeedProduct(ctx, t, db, test.ProductSeed{AcceptCrypto: true})
		test.SeedStock(ctx, t, db, product, "expire", 1)

		stuck := f.createOrder(ctx, t, product, 1)
		if err := f.svc.ExpireOrder(ctx, stuck.ID, "ops"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := f.status(ctx, t, stuck.ID); got != domain.OrderStatusExpired {
			t.Errorf("expected expired, got %s", got)
		}
		entries, err := f.recorder.List(ctx, 100)
		if err != nil {
			t.Fatalf("failed to list audit entries: %v", err)
		}
		found := false
		for _, e := range entries {
			if e.Action == domain.AuditOrderExpired && e.EntityID == stuck.ID {
				found = e.Actor == "ops"
			}
		}
		if !found {
			t.Error("expected an order_expired entry by ops")
		}

		if err := f.svc.ExpireOrder(ctx, stuck.ID, "ops"); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("expected already expired order refused, got %v", err)
		}

		paid := f.createOrder(ctx, t, product, 1)
		if err := f.svc.HandlePaymentEvent(ctx, f.paid(paid)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		declined := f.createOrder(ctx, t, product, 1)
		if err := f.svc.HandlePaymentEvent(ctx, payment.PaymentFailed{ID: "evt_decl_" + declined.ID, OrderID: declined.ID}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		alt := f.createUnboundOrder(ctx, t, product, 1, domain.OrderStatusPendingAltPayment)

		for name, order := range map[string]*domain.Order{"paid": paid, "declined": declined, "alternate rail": alt} {
			before := f.status(ctx, t, order.ID)
			if err := f.svc.ExpireOrder(ctx, order.ID, "ops"); !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s: expected ErrInvalidTransition, got %v", name, err)
			}
			if got := f.status(ctx, t, order.ID); got != before {
				t.Errorf("%s: status changed from %s to %s", name, before, got)
			}
		}

		if err := f.svc.ExpireOrder(ctx, "missing", "ops"); !errors.Is(err, ErrOrderNotFound) {
			t.Errorf("expected ErrOrderNotFound, got %v", err)
		}
	})
}
