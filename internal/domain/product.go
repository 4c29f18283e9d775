package domain

type FulfillmentMode string

const (
	FulfillmentStockBacked   FulfillmentMode = "stock_backed"
	FulfillmentManualService FulfillmentMode = "manual_service"
)

type PaymentRail string

const (
	PaymentRailCard   PaymentRail = "card"
	PaymentRailCrypto PaymentRail = "crypto"
)

type Product struct {
	ID              string          `json:"id"`
	Slug            string          `json:"slug"`
	Name            string          `json:"name"`
	Price           int64           `json:"price"`
	FulfillmentMode FulfillmentMode `json:"fulfillment_mode"`
	Active          bool            `json:"active"`
	AcceptCard      bool            `json:"accept_card"`
	AcceptCrypto    bool            `json:"accept_crypto"`
}

// Accepts reports whether the product can be bought over the given rail.
func (p *Product) Accepts(rail PaymentRail) bool {
	switch rail {
	case PaymentRailCard:
		return p.AcceptCard
	case PaymentRailCrypto:
		return p.AcceptCrypto
	}
	return false
}
