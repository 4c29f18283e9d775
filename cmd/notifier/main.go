package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/keyflow/internal/config"
	"github.com/joao-fontenele/keyflow/internal/messaging"
	"github.com/joao-fontenele/keyflow/internal/telemetry"
	"github.com/joao-fontenele/keyflow/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if len(cfg.KafkaBrokers) == 0 {
		logger.Error("KAFKA_BROKERS environment variable is required")
		os.Exit(1)
	}

	if cfg.EmailServiceURL == "" {
		logger.Error("EMAIL_SERVICE_URL environment variable is required")
		os.Exit(1)
	}

	if cfg.APIServiceURL == "" {
		logger.Error("API_SERVICE_URL environment variable is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, cfg.OTLPEndpoint, "keyflow-notifier", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	consumer := messaging.NewConsumer(cfg.KafkaBrokers, messaging.TopicOrderPaid, "keyflow-notifier", logger)
	defer func() { _ = consumer.Close() }()

	httpClient := &http.Client{
		Timeout:   10 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	notificationHandler := worker.NewNotificationHandler(cfg.EmailServiceURL, cfg.APIServiceURL, httpClient, logger)

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		logger.Info("shutting down")
		cancel()
	}()

	logger.Info("starting notifier", "brokers", cfg.KafkaBrokers, "topic", messaging.TopicOrderPaid)

	if err := consumer.ConsumeOrderPaid(ctx, notificationHandler.Handle); err != nil {
		if ctx.Err() == context.Canceled {
			logger.Info("consumer stopped")
			return
		}
		logger.Error("consumer error", "error", err)
		os.Exit(1)
	}
}
