package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/joao-fontenele/keyflow/internal/domain"
	"github.com/joao-fontenele/keyflow/internal/payment"
	"github.com/joao-fontenele/keyflow/internal/postgres"
)

// maxWebhookBytes bounds the webhook body read before signature checks.
const maxWebhookBytes = 64 << 10

type EventParser interface {
	ParseWebhook(payload []byte, signatureHeader string) (payment.Event, error)
}

type EventProcessor interface {
	HandlePaymentEvent(ctx context.Context, event payment.Event) error
}

// OperatorActions are the order repairs exposed on the admin routes.
type OperatorActions interface {
	RetryAllocation(ctx context.Context, orderID, actor string) (int, error)
	ExpireOrder(ctx context.Context, orderID, actor string) error
}

type Handler struct {
	parser    EventParser
	processor EventProcessor
	operator  OperatorActions
	logger    *slog.Logger
}

func NewHandler(parser EventParser, processor EventProcessor, operator OperatorActions, logger *slog.Logger) *Handler {
	return &Handler{
		parser:    parser,
		processor: processor,
		operator:  operator,
		logger:    logger,
	}
}

// HandleWebhook answers 2xx only once the event is durably applied; every
// 5xx makes the gateway redeliver.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	event, err := h.parser.ParseWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrUnsupportedEvent):
			h.logger.Warn("rejected unsupported webhook event", "error", err)
			h.writeError(w, http.StatusBadRequest, "unsupported event type")
		case errors.Is(err, payment.ErrInvalidSignature):
			h.logger.Warn("rejected webhook with invalid signature")
			h.writeError(w, http.StatusBadRequest, "invalid signature")
		default:
			h.logger.Warn("rejected malformed webhook", "error", err)
			h.writeError(w, http.StatusBadRequest, "malformed event")
		}
		return
	}

	if err := h.processor.HandlePaymentEvent(r.Context(), event); err != nil {
		status, message := webhookErrorStatus(err)
		switch {
		case postgres.IsTransient(err):
			h.logger.Warn("transient failure processing payment event, awaiting redelivery",
				"error", err,
				"event_id", event.EventID(),
				"kind", payment.Kind(event),
			)
		case status == http.StatusInternalServerError:
			h.logger.Error("failed to process payment event",
				"error", err,
				"event_id", event.EventID(),
				"kind", payment.Kind(event),
			)
		default:
			h.logger.Warn("payment event not applied",
				"error", err,
				"event_id", event.EventID(),
				"kind", payment.Kind(event),
			)
		}
		h.writeError(w, status, message)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

func webhookErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrOrderNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict, err.Error()
	case errors.Is(err, payment.ErrUnsupportedEvent):
		return http.StatusBadRequest, err.Error()
	}
	return http.StatusInternalServerError, "failed to process event"
}

type retryResponse struct {
	OrderID  string `json:"order_id"`
	Assigned int    `json:"assigned"`
}

func (h *Handler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	actor := operatorID(r)

	assigned, err := h.operator.RetryAllocation(r.Context(), id, actor)
	if err != nil {
		switch {
		case errors.Is(err, ErrOrderNotFound):
			h.writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, ErrOrderNotPaid), errors.Is(err, ErrNoRetryNeeded):
			h.writeError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error("failed to retry allocation", "error", err, "order_id", id)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, retryResponse{OrderID: id, Assigned: assigned})
}

func (h *Handler) HandleExpire(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	if err := h.operator.ExpireOrder(r.Context(), id, operatorID(r)); err != nil {
		switch {
		case errors.Is(err, ErrOrderNotFound):
			h.writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, ErrInvalidTransition):
			h.writeError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error("failed to expire order", "error", err, "order_id", id)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"order_id": id, "status": string(domain.OrderStatusExpired)})
}

func operatorID(r *http.Request) string {
	if actor := r.Header.Get("X-Operator-Id"); actor != "" {
		return actor
	}
	return "operator"
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
