package orders

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/joao-fontenele/keyflow/internal/domain"
	"github.com/joao-fontenele/keyflow/internal/ratelimit"
)

type Limiter interface {
	Allow(ctx context.Context, identifier string) (ratelimit.Result, error)
}

type OrderReader interface {
	GetByID(ctx context.Context, id string) (*domain.Order, error)
}

type CredentialLister interface {
	ListCredentials(ctx context.Context, orderID string) ([]domain.IssuedCredential, error)
}

type Handler struct {
	service        *Service
	orders         OrderReader
	credentials    CredentialLister
	limiter        Limiter
	logger         *slog.Logger
	trustedProxies []netip.Prefix
}

type HandlerOption func(*Handler)

// WithTrustedProxies lets requests arriving from these networks name the
// client through X-Forwarded-For or X-Real-Ip.
func WithTrustedProxies(prefixes []netip.Prefix) HandlerOption {
	return func(h *Handler) {
		h.trustedProxies = prefixes
	}
}

func NewHandler(service *Service, orders OrderReader, credentials CredentialLister, limiter Limiter, logger *slog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		service:     service,
		orders:      orders,
		credentials: credentials,
		limiter:     limiter,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type checkoutRequest struct {
	ProductID   string             `json:"product_id"`
	Quantity    int                `json:"quantity"`
	Email       string             `json:"email"`
	PaymentRail domain.PaymentRail `json:"payment_rail"`
	Total       int64              `json:"total"`
}

type checkoutResponse struct {
	OrderID     string             `json:"order_id"`
	Status      domain.OrderStatus `json:"status"`
	RedirectURL string             `json:"redirect_url"`
}

func (h *Handler) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, "checkout:"+clientIP(r, h.trustedProxies)) {
		return
	}

	req := checkoutRequest{Quantity: 1}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.service.CreateOrder(r.Context(), CheckoutRequest{
		Email:     req.Email,
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
		Total:     req.Total,
		Rail:      req.PaymentRail,
	})
	if err != nil {
		status, message := checkoutErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("checkout failed", "error", err, "product_id", req.ProductID)
		}
		h.writeError(w, status, message)
		return
	}

	h.writeJSON(w, http.StatusCreated, checkoutResponse{
		OrderID:     result.Order.ID,
		Status:      result.Order.Status,
		RedirectURL: result.RedirectURL,
	})
}

func checkoutErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrProductNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrInvalidEmail),
		errors.Is(err, ErrProductInactive),
		errors.Is(err, ErrInsufficientStock),
		errors.Is(err, ErrTotalBelowMinimum),
		errors.Is(err, ErrUnsupportedPaymentRail):
		return http.StatusBadRequest, err.Error()
	}
	return http.StatusInternalServerError, "checkout failed"
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	order, err := h.orders.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get order", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if order == nil {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}

	h.writeJSON(w, http.StatusOK, order)
}

type credentialsResponse struct {
	OrderID       string             `json:"order_id"`
	Status        domain.OrderStatus `json:"status"`
	Credentials   []string           `json:"credentials"`
	Expected      int                `json:"expected"`
	ManualService bool               `json:"manual_service"`
}

// HandleGetCredentials is the polling endpoint for delivery. It is a pure
// read and never returns credentials before the order is paid.
func (h *Handler) HandleGetCredentials(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	order, err := h.orders.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get order", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if order == nil {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}

	resp := credentialsResponse{
		OrderID:     order.ID,
		Status:      order.Status,
		Credentials: []string{},
		Expected:    order.ExpectedCredentials(),
	}
	for _, line := range order.Lines {
		if line.FulfillmentMode == domain.FulfillmentManualService {
			resp.ManualService = true
		}
	}

	if order.Status == domain.OrderStatusPaid {
		issued, err := h.credentials.ListCredentials(r.Context(), order.ID)
		if err != nil {
			h.logger.Error("failed to list credentials", "error", err, "order_id", order.ID)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		for _, c := range issued {
			if c.Active {
				resp.Credentials = append(resp.Credentials, c.Credential)
			}
		}
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) allow(w http.ResponseWriter, r *http.Request, key string) bool {
	if h.limiter == nil {
		return true
	}

	res, err := h.limiter.Allow(r.Context(), key)
	if err != nil {
		h.logger.Warn("rate limiter unavailable", "error", err, "key", key)
	}

	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	if !res.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(res.ResetIn.Seconds())+1))
		h.writeError(w, http.StatusTooManyRequests, "too many requests")
		return false
	}
	return true
}

// clientIP is the peer address unless the peer is a trusted proxy. Then
// X-Forwarded-For is read right to left and the first untrusted hop wins, so
// a client cannot pick its own rate limit key by sending the header.
func clientIP(r *http.Request, trusted []netip.Prefix) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if !isTrusted(peer, trusted) {
		return peer
	}

	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		hops := strings.Split(fwd, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop != "" && !isTrusted(hop, trusted) {
				return hop
			}
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-Ip")); realIP != "" {
		return realIP
	}
	return peer
}

func isTrusted(ip string, trusted []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
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
