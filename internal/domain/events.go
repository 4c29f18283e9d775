package domain

import "time"

// OrderPaidEvent is published on the order.paid topic once an order's
// allocation transaction commits.
type OrderPaidEvent struct {
	OrderID             string    `json:"order_id"`
	Email               string    `json:"email"`
	ExpectedCredentials int       `json:"expected_credentials"`
	IssuedCredentials   int       `json:"issued_credentials"`
	Retry               bool      `json:"retry,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
}

// Pending reports whether the customer is still owed credentials.
func (e OrderPaidEvent) Pending() int {
	if e.IssuedCredentials >= e.ExpectedCredentials {
		return 0
	}
	return e.ExpectedCredentials - e.IssuedCredentials
}
