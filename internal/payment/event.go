// Package payment adapts the card payment gateway: checkout session creation
// and verification of the signed webhook events it delivers.
package payment

import "errors"

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrUnsupportedEvent = errors.New("unsupported event type")
	ErrMalformedEvent   = errors.New("malformed event payload")
)

// MetadataOrderID is the metadata key under which checkout sessions and
// payment intents carry the order id.
const MetadataOrderID = "order_id"

// Event is one of PaymentSucceeded, PaymentFailed or SessionExpired.
type Event interface {
	EventID() string
	paymentEvent()
}

type PaymentSucceeded struct {
	ID        string
	SessionID string
	// OrderID comes from session metadata and is only used when the
	// session lookup misses.
	OrderID       string
	CustomerEmail string
}

type PaymentFailed struct {
	ID              string
	PaymentIntentID string
	OrderID         string
}

type SessionExpired struct {
	ID        string
	SessionID string
	OrderID   string
}

func (e PaymentSucceeded) EventID() string { return e.ID }
func (e PaymentFailed) EventID() string    { return e.ID }
func (e SessionExpired) EventID() string   { return e.ID }

func (PaymentSucceeded) paymentEvent() {}
func (PaymentFailed) paymentEvent()    {}
func (SessionExpired) paymentEvent()   {}

// Kind names the event for logs and metrics.
func Kind(e Event) string {
	switch e.(type) {
	case PaymentSucceeded:
		return "payment_succeeded"
	case PaymentFailed:
		return "payment_failed"
	case SessionExpired:
		return "session_expired"
	}
	return "unknown"
}
