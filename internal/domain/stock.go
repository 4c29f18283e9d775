package domain

import "time"

// StockUnit is one pre-provisioned credential. OrderID is write-once.
type StockUnit struct {
	ID         string    `json:"id"`
	ProductID  string    `json:"product_id"`
	Credential string    `json:"credential"`
	OrderID    string    `json:"order_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (u StockUnit) Available() bool { return u.OrderID == "" }

type StockLevel struct {
	ProductID string `json:"product_id"`
	Available int    `json:"available"`
	Assigned  int    `json:"assigned"`
}

// IssuedCredential is a stock unit's value once delivered to an order.
type IssuedCredential struct {
	ID         string    `json:"id"`
	Credential string    `json:"credential"`
	OrderID    string    `json:"order_id"`
	ProductID  string    `json:"product_id"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}
