package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/mail"
	"strings"
	"time"

	"github.com/joao-fontenele/keyflow/internal/domain"
	"github.com/joao-fontenele/keyflow/internal/payment"
)

// MinimumTotal is the smallest order total the card gateway will charge.
const MinimumTotal int64 = 50

var (
	ErrInvalidQuantity        = errors.New("quantity must be at least 1")
	ErrInvalidEmail           = errors.New("a valid email is required")
	ErrProductNotFound        = errors.New("product not found")
	ErrProductInactive        = errors.New("product is not available for sale")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrTotalBelowMinimum      = errors.New("order total below minimum")
	ErrUnsupportedPaymentRail = errors.New("payment rail not supported for this product")
)

type ProductReader interface {
	GetByID(ctx context.Context, id string) (*domain.Product, error)
}

type StockCounter interface {
	CountAvailable(ctx context.Context, productID string) (int, error)
}

type SessionCreator interface {
	CreateCheckoutSession(ctx context.Context, req payment.CheckoutSessionRequest) (*payment.CheckoutSession, error)
}

type OrderStore interface {
	Create(ctx context.Context, order *domain.Order) error
	SetPaymentSession(ctx context.Context, orderID, sessionID string) error
}

type CheckoutRequest struct {
	Email     string
	ProductID string
	Quantity  int
	// Total is the final amount after any discount. Zero means list price.
	Total int64
	Rail  domain.PaymentRail
}

type CheckoutResult struct {
	Order       *domain.Order
	RedirectURL string
}

type Service struct {
	orders   OrderStore
	products ProductReader
	stock    StockCounter
	sessions SessionCreator
	baseURL  string
	logger   *slog.Logger
}

func NewService(orders OrderStore, products ProductReader, stock StockCounter, sessions SessionCreator, baseURL string, logger *slog.Logger) *Service {
	return &Service{
		orders:   orders,
		products: products,
		stock:    stock,
		sessions: sessions,
		baseURL:  strings.TrimRight(baseURL, "/"),
		logger:   logger,
	}
}

func (s *Service) CreateOrder(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}

	if req.Quantity < 1 {
		return nil, ErrInvalidQuantity
	}

	rail := req.Rail
	if rail == "" {
		rail = domain.PaymentRailCard
	}

	product, err := s.products.GetByID(ctx, req.ProductID)
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	if product == nil {
		return nil, ErrProductNotFound
	}
	if !product.Active {
		return nil, ErrProductInactive
	}

	if product.FulfillmentMode == domain.FulfillmentStockBacked {
		available, err := s.stock.CountAvailable(ctx, product.ID)
		if err != nil {
			return nil, fmt.Errorf("count available stock: %w", err)
		}
		if available < req.Quantity {
			return nil, fmt.Errorf("%w: only %d available", ErrInsufficientStock, available)
		}
	}

	total := req.Total
	if total == 0 {
		total = product.Price * int64(req.Quantity)
	}
	if total < MinimumTotal {
		return nil, ErrTotalBelowMinimum
	}

	if !product.Accepts(rail) {
		return nil, ErrUnsupportedPaymentRail
	}

	status := domain.OrderStatusPending
	if rail == domain.PaymentRailCrypto {
		status = domain.OrderStatusPendingAltPayment
	}

	unitPrice := chargedUnitPrice(total, req.Quantity)
	order := &domain.Order{
		Email:  email,
		Status: status,
		Total:  total,
		Lines: []domain.OrderLine{
			{
				ProductID:       product.ID,
				Quantity:        req.Quantity,
				UnitPrice:       unitPrice,
				FulfillmentMode: product.FulfillmentMode,
			},
		},
		CreatedAt: time.Now().UTC(),
	}

	if err := s.orders.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	if rail == domain.PaymentRailCrypto {
		s.logger.Info("order created", "order_id", order.ID, "rail", rail)
		return &CheckoutResult{
			Order:       order,
			RedirectURL: fmt.Sprintf("%s/order/crypto/%s", s.baseURL, order.ID),
		}, nil
	}

	// The order exists before the session so the session metadata can carry
	// its id; the webhook falls back to it when the session id is not stored.
	sess, err := s.sessions.CreateCheckoutSession(ctx, payment.CheckoutSessionRequest{
		OrderID:     order.ID,
		Email:       email,
		ProductName: product.Name,
		UnitAmount:  unitPrice,
		Quantity:    req.Quantity,
		SuccessURL:  s.baseURL + "/order/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:   fmt.Sprintf("%s/store/%s", s.baseURL, product.Slug),
	})
	if err != nil {
		s.logger.Error("failed to create checkout session", "error", err, "order_id", order.ID)
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	if err := s.orders.SetPaymentSession(ctx, order.ID, sess.ID); err != nil {
		// Not fatal: the session metadata still resolves the order.
		s.logger.Warn("failed to store payment session", "error", err, "order_id", order.ID, "session_id", sess.ID)
	} else {
		order.PaymentSessionID = sess.ID
	}

	s.logger.Info("order created", "order_id", order.ID, "rail", rail, "session_id", sess.ID)
	return &CheckoutResult{Order: order, RedirectURL: sess.URL}, nil
}

func normalizeEmail(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Address != raw || !strings.Contains(addr.Address[strings.LastIndex(addr.Address, "@")+1:], ".") {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(addr.Address), nil
}

// chargedUnitPrice spreads a possibly discounted total evenly over the
// quantity, rounding half up.
func chargedUnitPrice(total int64, quantity int) int64 {
	if quantity <= 0 {
		return total
	}
	return int64(math.Round(float64(total) / float64(quantity)))
}
