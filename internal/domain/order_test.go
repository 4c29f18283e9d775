package domain

import "testing"

func TestOrderStatus_Terminal(t *testing.T) {
	cases := map[OrderStatus]bool{
		OrderStatusPending:           false,
		OrderStatusPendingAltPayment: false,
		OrderStatusPaid:              true,
		OrderStatusDeclined:          true,
		OrderStatusExpired:           true,
	}
	for status, want := range cases {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
		if status.Awaiting() == want {
			t.Errorf("%s.Awaiting() should be the inverse of Terminal()", status)
		}
	}
}

func TestOrder_ExpectedCredentials(t *testing.T) {
	order := &Order{
		Lines: []OrderLine{
			{ProductID: "p1", Quantity: 3, FulfillmentMode: FulfillmentStockBacked},
			{ProductID: "p2", Quantity: 5, FulfillmentMode: FulfillmentManualService},
			{ProductID: "p3", Quantity: 1, FulfillmentMode: FulfillmentStockBacked},
		},
	}

	if got := order.ExpectedCredentials(); got != 4 {
		t.Fatalf("expected 4 credentials, got %d", got)
	}
}

func TestProduct_Accepts(t *testing.T) {
	p := &Product{AcceptCard: true}

	if !p.Accepts(PaymentRailCard) {
		t.Error("expected card to be accepted")
	}
	if p.Accepts(PaymentRailCrypto) {
		t.Error("expected crypto to be rejected")
	}
	if p.Accepts(PaymentRail("wire")) {
		t.Error("expected unknown rail to be rejected")
	}
}

func TestOrderPaidEvent_Pending(t *testing.T) {
	t.Run("short", func(t *testing.T) {
		e := OrderPaidEvent{ExpectedCredentials: 3, IssuedCredentials: 1}
		if e.Pending() != 2 {
			t.Fatalf("expected 2 pending, got %d", e.Pending())
		}
	})

	t.Run("complete", func(t *testing.T) {
		e := OrderPaidEvent{ExpectedCredentials: 2, IssuedCredentials: 2}
		if e.Pending() != 0 {
			t.Fatalf("expected 0 pending, got %d", e.Pending())
		}
	})
}
