package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/keyflow/internal/audit"
	"github.com/joao-fontenele/keyflow/internal/config"
	"github.com/joao-fontenele/keyflow/internal/fulfillment"
	"github.com/joao-fontenele/keyflow/internal/gateway"
	"github.com/joao-fontenele/keyflow/internal/inventory"
	"github.com/joao-fontenele/keyflow/internal/messaging"
	"github.com/joao-fontenele/keyflow/internal/orders"
	"github.com/joao-fontenele/keyflow/internal/payment"
	"github.com/joao-fontenele/keyflow/internal/ratelimit"
	"github.com/joao-fontenele/keyflow/internal/telemetry"
)

const (
	serviceName    = "keyflow-api"
	serviceVersion = "0.1.0"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if cfg.PostgresURL == "" {
		logger.Error("POSTGRES_URL environment variable is required")
		os.Exit(1)
	}

	if cfg.StripeSecretKey == "" || cfg.StripeWebhookSecret == "" {
		logger.Error("STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET environment variables are required")
		os.Exit(1)
	}

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, cfg.OTLPEndpoint, serviceName, serviceVersion)
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider(serviceName, serviceVersion)
	if err != nil {
		logger.Error("failed to initialize meter", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(ctx) }()

	fulfillmentMetrics, err := telemetry.NewFulfillmentMetrics()
	if err != nil {
		logger.Error("failed to create metrics", "error", err)
		os.Exit(1)
	}

	db, err := telemetry.OpenDB(ctx, "postgres", cfg)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	var limiter orders.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		limiter = ratelimit.NewRedisLimiter(rdb, cfg.RateLimitMax, cfg.RateLimitWindow)
	} else {
		logger.Warn("REDIS_ADDR not set, checkout rate limiting disabled")
	}

	var notifier fulfillment.Notifier
	if len(cfg.KafkaBrokers) > 0 {
		producer := messaging.NewProducer(cfg.KafkaBrokers, messaging.TopicOrderPaid)
		defer func() { _ = producer.Close() }()
		notifier = producer
	} else {
		logger.Warn("KAFKA_BROKERS not set, order paid notifications disabled")
	}

	orderRepo := orders.NewOrderRepository(db)
	productRepo := inventory.NewProductRepository(db)
	stockRepo := inventory.NewStockRepository(db)
	recorder := audit.NewRecorder(db, logger)
	gw := payment.NewStripe(cfg.StripeSecretKey, cfg.StripeWebhookSecret)

	orderService := orders.NewService(orderRepo, productRepo, stockRepo, gw, cfg.PublicBaseURL, logger)
	fulfillmentService := fulfillment.NewService(db, orderRepo, stockRepo, recorder, notifier, fulfillmentMetrics, logger)

	orderHandler := orders.NewHandler(orderService, orderRepo, stockRepo, limiter, logger,
		orders.WithTrustedProxies(cfg.TrustedProxies))
	fulfillmentHandler := fulfillment.NewHandler(gw, fulfillmentService, fulfillmentService, logger)
	inventoryHandler := inventory.NewHandler(db, productRepo, stockRepo, recorder, logger)
	auditHandler := audit.NewHandler(recorder, logger)
	operator := gateway.NewOperatorGate(cfg.OperatorToken, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /checkout", telemetry.WithHTTPRoute(orderHandler.HandleCheckout))
	mux.HandleFunc("GET /orders/{id}", telemetry.WithHTTPRoute(orderHandler.HandleGet))
	mux.HandleFunc("GET /orders/{id}/credentials", telemetry.WithHTTPRoute(orderHandler.HandleGetCredentials))
	mux.HandleFunc("POST /webhooks/payments", telemetry.WithHTTPRoute(fulfillmentHandler.HandleWebhook))
	mux.HandleFunc("POST /admin/orders/{id}/retry-allocation", telemetry.WithHTTPRoute(operator.Require(fulfillmentHandler.HandleRetry)))
	mux.HandleFunc("POST /admin/orders/{id}/expire", telemetry.WithHTTPRoute(operator.Require(fulfillmentHandler.HandleExpire)))
	mux.HandleFunc("GET /admin/products/{id}/stock", telemetry.WithHTTPRoute(operator.Require(inventoryHandler.HandleGetStock)))
	mux.HandleFunc("POST /admin/products/{id}/stock", telemetry.WithHTTPRoute(operator.Require(inventoryHandler.HandleAddUnits)))
	mux.HandleFunc("GET /admin/audit", telemetry.WithHTTPRoute(operator.Require(auditHandler.HandleList)))
	mux.Handle("GET /metrics", metricsHandler)

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: otelhttp.NewHandler(mux, serviceName,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("starting api service", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
