package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
)

const signatureTolerance = 5 * time.Minute

type CheckoutSessionRequest struct {
	OrderID     string
	Email       string
	ProductName string
	UnitAmount  int64
	Quantity    int
	Currency    string
	SuccessURL  string
	CancelURL   string
}

type CheckoutSession struct {
	ID  string
	URL string
}

type Stripe struct {
	api           *client.API
	webhookSecret string
}

func NewStripe(secretKey, webhookSecret string) *Stripe {
	return &Stripe{
		api:           client.New(secretKey, nil),
		webhookSecret: webhookSecret,
	}
}

func (s *Stripe) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CheckoutSession, error) {
	currency := req.Currency
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.ProductName),
					},
					UnitAmount: stripe.Int64(req.UnitAmount),
				},
				Quantity: stripe.Int64(int64(req.Quantity)),
			},
		},
		SuccessURL:    stripe.String(req.SuccessURL),
		CancelURL:     stripe.String(req.CancelURL),
		CustomerEmail: stripe.String(req.Email),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{MetadataOrderID: req.OrderID},
		},
	}
	params.Context = ctx
	params.AddMetadata(MetadataOrderID, req.OrderID)

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

// ParseWebhook verifies the Stripe-Signature header and maps the event onto
// one of the kinds the fulfillment core understands.
func (s *Stripe) ParseWebhook(payload []byte, signatureHeader string) (Event, error) {
	if signatureHeader == "" {
		return nil, fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, s.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                signatureTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if event.Data == nil {
		return nil, fmt.Errorf("%w: event %s has no data", ErrMalformedEvent, event.ID)
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if sess.ID == "" {
			return nil, fmt.Errorf("%w: checkout session without id", ErrMalformedEvent)
		}
		email := sess.CustomerEmail
		if sess.CustomerDetails != nil && sess.CustomerDetails.Email != "" {
			email = sess.CustomerDetails.Email
		}
		return PaymentSucceeded{
			ID:            event.ID,
			SessionID:     sess.ID,
			OrderID:       sess.Metadata[MetadataOrderID],
			CustomerEmail: email,
		}, nil

	case stripe.EventTypeCheckoutSessionExpired:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if sess.ID == "" {
			return nil, fmt.Errorf("%w: checkout session without id", ErrMalformedEvent)
		}
		return SessionExpired{
			ID:        event.ID,
			SessionID: sess.ID,
			OrderID:   sess.Metadata[MetadataOrderID],
		}, nil

	case stripe.EventTypePaymentIntentPaymentFailed:
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		orderID := intent.Metadata[MetadataOrderID]
		if orderID == "" {
			return nil, fmt.Errorf("%w: payment intent %s carries no order id", ErrMalformedEvent, intent.ID)
		}
		return PaymentFailed{
			ID:              event.ID,
			PaymentIntentID: intent.ID,
			OrderID:         orderID,
		}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, event.Type)
}
