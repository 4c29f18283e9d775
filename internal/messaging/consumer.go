package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/keyflow/internal/domain"
)

var consumerTracer = otel.Tracer("messaging/consumer")

// ErrPoisonMessage marks a payload that can never be handled. The consumer
// commits past it instead of stopping.
var ErrPoisonMessage = errors.New("poison message")

type Consumer struct {
	reader  *kafka.Reader
	topic   string
	groupID string
	logger  *slog.Logger
}

type ConsumerOption func(*kafka.ReaderConfig)

func WithStartOffset(offset int64) ConsumerOption {
	return func(cfg *kafka.ReaderConfig) {
		cfg.StartOffset = offset
	}
}

func NewConsumer(brokers []string, topic, groupID string, logger *slog.Logger, opts ...ConsumerOption) *Consumer {
	cfg := kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	return &Consumer{
		reader:  kafka.NewReader(cfg),
		topic:   topic,
		groupID: groupID,
		logger:  logger,
	}
}

// ConsumeOrderPaid decodes each message as an OrderPaidEvent before calling
// handler.
func (c *Consumer) ConsumeOrderPaid(ctx context.Context, handler func(ctx context.Context, event domain.OrderPaidEvent) error) error {
	return c.Consume(ctx, func(ctx context.Context, payload []byte) error {
		var event domain.OrderPaidEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return errors.Join(ErrPoisonMessage, err)
		}
		if event.OrderID == "" {
			return errors.Join(ErrPoisonMessage, errors.New("event has no order id"))
		}
		return handler(ctx, event)
	})
}

// Consume delivers messages one at a time and commits each after handler
// succeeds. A handler error other than ErrPoisonMessage stops consumption
// without committing, so the message is redelivered on restart.
func (c *Consumer) Consume(ctx context.Context, handler func(ctx context.Context, payload []byte) error) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			return err
		}

		if err := c.processMessage(ctx, msg, handler); err != nil {
			if !errors.Is(err, ErrPoisonMessage) {
				return err
			}
			c.logger.Error("skipping poison message",
				"error", err,
				"topic", c.topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return err
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message, handler func(ctx context.Context, payload []byte) error) error {
	parentCtx := extractTrace(ctx, msg)

	spanCtx, span := consumerTracer.Start(parentCtx, "process "+c.topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingOperationName("process"),
			semconv.MessagingOperationTypeDeliver,
			semconv.MessagingDestinationName(c.topic),
			semconv.MessagingKafkaConsumerGroup(c.groupID),
			semconv.MessagingKafkaMessageOffset(int(msg.Offset)),
			semconv.MessagingDestinationPartitionID(strconv.Itoa(msg.Partition)),
			semconv.MessagingKafkaMessageKey(string(msg.Key)),
		),
	)
	defer span.End()

	if err := handler(spanCtx, msg.Value); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	return nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
