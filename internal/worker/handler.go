package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/joao-fontenele/keyflow/internal/domain"
	"github.com/joao-fontenele/keyflow/internal/messaging"
)

// NotificationHandler turns order.paid events into customer emails. It reads
// delivered credentials back from the API's polling endpoint rather than
// trusting the event, so a redelivered event always mails the current state.
type NotificationHandler struct {
	emailServiceURL string
	apiServiceURL   string
	httpClient      *http.Client
	newBackOff      func() backoff.BackOff
	logger          *slog.Logger
}

func NewNotificationHandler(emailServiceURL, apiServiceURL string, client *http.Client, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{
		emailServiceURL: strings.TrimRight(emailServiceURL, "/"),
		apiServiceURL:   strings.TrimRight(apiServiceURL, "/"),
		httpClient:      client,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
		logger: logger,
	}
}

type orderCredentials struct {
	OrderID       string             `json:"order_id"`
	Status        domain.OrderStatus `json:"status"`
	Credentials   []string           `json:"credentials"`
	Expected      int                `json:"expected"`
	ManualService bool               `json:"manual_service"`
}

type emailMessage struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (h *NotificationHandler) Handle(ctx context.Context, event domain.OrderPaidEvent) error {
	h.logger.Info("processing order paid event",
		"order_id", event.OrderID,
		"retry", event.Retry,
		"issued", event.IssuedCredentials,
	)

	if event.Email == "" {
		h.logger.Warn("order has no email, skipping notification", "order_id", event.OrderID)
		return nil
	}

	var creds *orderCredentials
	err := h.retry(ctx, func() error {
		var err error
		creds, err = h.fetchCredentials(ctx, event.OrderID)
		return err
	})
	if err != nil {
		return fmt.Errorf("fetch credentials for order %s: %w", event.OrderID, err)
	}

	msg := composeMessage(event.Email, creds)
	// A redelivered event reuses the key; a retry that issued more keys does not.
	key := fmt.Sprintf("order/%s/%d", event.OrderID, len(creds.Credentials))
	if err := h.retry(ctx, func() error { return h.sendEmail(ctx, key, msg) }); err != nil {
		return fmt.Errorf("send email for order %s: %w", event.OrderID, err)
	}

	h.logger.Info("notification sent",
		"order_id", event.OrderID,
		"delivered", len(creds.Credentials),
		"expected", creds.Expected,
	)
	return nil
}

func composeMessage(to string, creds *orderCredentials) emailMessage {
	var body strings.Builder

	switch {
	case len(creds.Credentials) > 0:
		fmt.Fprintf(&body, "Thank you for your purchase. Your keys for order %s:\n\n", creds.OrderID)
		for _, c := range creds.Credentials {
			fmt.Fprintf(&body, "  %s\n", c)
		}
		if pending := creds.Expected - len(creds.Credentials); pending > 0 {
			fmt.Fprintf(&body, "\n%d more key(s) are on the way and will be sent separately.\n", pending)
		}
		if creds.ManualService {
			body.WriteString("\nThe service part of your order will be delivered by our team.\n")
		}
		return emailMessage{To: to, Subject: "Your keys for order " + creds.OrderID, Body: body.String()}

	case creds.Expected > 0:
		fmt.Fprintf(&body, "Your payment for order %s was received. Your %d key(s) are pending and will be sent as soon as they are available.\n",
			creds.OrderID, creds.Expected)
		return emailMessage{To: to, Subject: "Order " + creds.OrderID + ": keys pending", Body: body.String()}
	}

	fmt.Fprintf(&body, "Your payment for order %s was received. Our team will contact you to deliver the service.\n", creds.OrderID)
	return emailMessage{To: to, Subject: "Order confirmation: " + creds.OrderID, Body: body.String()}
}

// retry retries fn with exponential backoff. Errors built with permanent
// stop immediately.
func (h *NotificationHandler) retry(ctx context.Context, fn func() error) error {
	return backoff.Retry(fn, backoff.WithContext(h.newBackOff(), ctx))
}

// permanent marks err as one no redelivery can fix, so the consumer moves
// past the event.
func permanent(err error) error {
	return backoff.Permanent(fmt.Errorf("%w: %w", messaging.ErrPoisonMessage, err))
}

func (h *NotificationHandler) fetchCredentials(ctx context.Context, orderID string) (*orderCredentials, error) {
	url := fmt.Sprintf("%s/orders/%s/credentials", h.apiServiceURL, orderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, permanent(err)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := statusError("api", resp.StatusCode); err != nil {
		return nil, err
	}

	var creds orderCredentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return nil, permanent(fmt.Errorf("decode credentials: %w", err))
	}
	if creds.Status != domain.OrderStatusPaid {
		return nil, permanent(fmt.Errorf("order %s is %s, not paid", orderID, creds.Status))
	}

	return &creds, nil
}

func (h *NotificationHandler) sendEmail(ctx context.Context, idempotencyKey string, msg emailMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.emailServiceURL+"/send", bytes.NewReader(data))
	if err != nil {
		return permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	return statusError("email", resp.StatusCode)
}

// statusError treats 5xx and 429 as retryable and any other non-200 as
// permanent.
func statusError(service string, status int) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status >= 500, status == http.StatusTooManyRequests:
		return fmt.Errorf("%s service returned status %d", service, status)
	}
	return permanent(fmt.Errorf("%s service returned status %d", service, status))
}
