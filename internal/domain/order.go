package domain

import "time"

type OrderStatus string

const (
	OrderStatusPending           OrderStatus = "pending"
	OrderStatusPendingAltPayment OrderStatus = "pending_alt_payment"
	OrderStatusPaid              OrderStatus = "paid"
	OrderStatusDeclined          OrderStatus = "declined"
	OrderStatusExpired           OrderStatus = "expired"
)

// Terminal reports whether no further transition is permitted from s.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusPaid, OrderStatusDeclined, OrderStatusExpired:
		return true
	}
	return false
}

// Awaiting reports whether the order is still waiting on a payment outcome.
func (s OrderStatus) Awaiting() bool {
	return s == OrderStatusPending || s == OrderStatusPendingAltPayment
}

type OrderLine struct {
	ID              string          `json:"id"`
	ProductID       string          `json:"product_id"`
	Quantity        int             `json:"quantity"`
	UnitPrice       int64           `json:"unit_price"`
	FulfillmentMode FulfillmentMode `json:"fulfillment_mode,omitempty"`
}

// ExpectedCredentials is the number of stock units the line should receive.
func (l OrderLine) ExpectedCredentials() int {
	if l.FulfillmentMode == FulfillmentManualService {
		return 0
	}
	return l.Quantity
}

type Order struct {
	ID               string      `json:"id"`
	Email            string      `json:"email"`
	Status           OrderStatus `json:"status"`
	Total            int64       `json:"total"`
	PaymentSessionID string      `json:"payment_session_id,omitempty"`
	Lines            []OrderLine `json:"lines"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

func (o *Order) ExpectedCredentials() int {
	n := 0
	for _, l := range o.Lines {
		n += l.ExpectedCredentials()
	}
	return n
}
