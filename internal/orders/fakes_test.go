package orders

import (
	"context"
	"errors"
	"sync"

	"github.com/joao-fontenele/keyflow/internal/domain"
	"github.com/joao-fontenele/keyflow/internal/payment"
	"github.com/joao-fontenele/keyflow/internal/ratelimit"
)

type fakeProducts map[string]*domain.Product

func (f fakeProducts) GetByID(_ context.Context, id string) (*domain.Product, error) {
	return f[id], nil
}

type fakeStock map[string]int

func (f fakeStock) CountAvailable(_ context.Context, productID string) (int, error) {
	return f[productID], nil
}

type fakeOrders struct {
	mu       sync.Mutex
	created  []*domain.Order
	sessions map[string]string
	byID     map[string]*domain.Order
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{sessions: map[string]string{}, byID: map[string]*domain.Order{}}
}

func (f *fakeOrders) Create(_ context.Context, order *domain.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order.ID = "order-" + string(rune('a'+len(f.created)))
	f.created = append(f.created, order)
	f.byID[order.ID] = order
	return nil
}

func (f *fakeOrders) SetPaymentSession(_ context.Context, orderID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[orderID] = sessionID
	return nil
}

func (f *fakeOrders) GetByID(_ context.Context, id string) (*domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id], nil
}

type fakeSessions struct {
	requests []payment.CheckoutSessionRequest
	err      error
}

func (f *fakeSessions) CreateCheckoutSession(_ context.Context, req payment.CheckoutSessionRequest) (*payment.CheckoutSession, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &payment.CheckoutSession{ID: "cs_" + req.OrderID, URL: "https://pay.example/" + req.OrderID}, nil
}

type fakeCredentials map[string][]domain.IssuedCredential

func (f fakeCredentials) ListCredentials(_ context.Context, orderID string) ([]domain.IssuedCredential, error) {
	return f[orderID], nil
}

type fakeLimiter struct {
	allowed bool
	err     error
	keys    []string
}

func (f *fakeLimiter) Allow(_ context.Context, key string) (ratelimit.Result, error) {
	f.keys = append(f.keys, key)
	if f.err != nil {
		return ratelimit.Result{Allowed: true}, f.err
	}
	return ratelimit.Result{Allowed: f.allowed}, nil
}

var errGatewayDown = errors.New("gateway down")
