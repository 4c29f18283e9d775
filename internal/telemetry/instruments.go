package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// FulfillmentMetrics counts what the allocation engine hands out. A nil
// *FulfillmentMetrics records nothing.
type FulfillmentMetrics struct {
	issued        metric.Int64Counter
	shortfall     metric.Int64Counter
	paymentEvents metric.Int64Counter
}

func NewFulfillmentMetrics() (*FulfillmentMetrics, error) {
	meter := otel.Meter("keyflow/fulfillment")

	issued, err := meter.Int64Counter("keyflow.credentials.issued",
		metric.WithDescription("Credentials issued to paid orders"),
		metric.WithUnit("{credential}"),
	)
	if err != nil {
		return nil, err
	}

	shortfall, err := meter.Int64Counter("keyflow.allocation.shortfall",
		metric.WithDescription("Credentials owed to paid orders when stock ran out"),
		metric.WithUnit("{credential}"),
	)
	if err != nil {
		return nil, err
	}

	paymentEvents, err := meter.Int64Counter("keyflow.payment_events",
		metric.WithDescription("Payment events processed, by kind and outcome"),
	)
	if err != nil {
		return nil, err
	}

	return &FulfillmentMetrics{
		issued:        issued,
		shortfall:     shortfall,
		paymentEvents: paymentEvents,
	}, nil
}

// RecordAllocation must only be called once the allocating transaction has
// committed.
func (m *FulfillmentMetrics) RecordAllocation(ctx context.Context, source string, expected, assigned int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("source", source))
	m.issued.Add(ctx, int64(assigned), attrs)
	if expected > assigned {
		m.shortfall.Add(ctx, int64(expected-assigned), attrs)
	}
}

func (m *FulfillmentMetrics) RecordPaymentEvent(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	m.paymentEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}
