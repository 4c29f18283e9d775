// Package config reads service settings from the environment. A .env file
// in the working directory is loaded first when present; variables already
// set in the environment win.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                string
	PostgresURL         string
	DBMaxOpenConns      int
	DBMaxIdleConns      int
	DBConnMaxLifetime   time.Duration
	MigrationsPath      string
	RedisAddr           string
	KafkaBrokers        []string
	StripeSecretKey     string
	StripeWebhookSecret string
	PublicBaseURL       string
	OperatorToken       string
	RateLimitMax        int
	RateLimitWindow     time.Duration
	TrustedProxies      []netip.Prefix
	EmailServiceURL     string
	APIServiceURL       string
	OTLPEndpoint        string
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Port:                getenv("PORT", "8080"),
		PostgresURL:         os.Getenv("POSTGRES_URL"),
		MigrationsPath:      getenv("MIGRATIONS_PATH", "file://migrations"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		KafkaBrokers:        splitCSV(os.Getenv("KAFKA_BROKERS")),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		PublicBaseURL:       strings.TrimRight(getenv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		OperatorToken:       os.Getenv("OPERATOR_TOKEN"),
		EmailServiceURL:     os.Getenv("EMAIL_SERVICE_URL"),
		APIServiceURL:       os.Getenv("API_SERVICE_URL"),
		OTLPEndpoint:        getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}

	limit, err := strconv.Atoi(getenv("RATE_LIMIT_MAX", "10"))
	if err != nil || limit < 1 {
		return Config{}, fmt.Errorf("RATE_LIMIT_MAX must be a positive integer")
	}
	cfg.RateLimitMax = limit

	if cfg.DBMaxOpenConns, err = strconv.Atoi(getenv("DB_MAX_OPEN_CONNS", "25")); err != nil {
		return Config{}, fmt.Errorf("DB_MAX_OPEN_CONNS must be an integer")
	}
	if cfg.DBMaxIdleConns, err = strconv.Atoi(getenv("DB_MAX_IDLE_CONNS", "10")); err != nil {
		return Config{}, fmt.Errorf("DB_MAX_IDLE_CONNS must be an integer")
	}
	if cfg.DBConnMaxLifetime, err = time.ParseDuration(getenv("DB_CONN_MAX_LIFETIME", "5m")); err != nil {
		return Config{}, fmt.Errorf("DB_CONN_MAX_LIFETIME must be a duration")
	}

	window, err := time.ParseDuration(getenv("RATE_LIMIT_WINDOW", "1m"))
	if err != nil || window <= 0 {
		return Config{}, fmt.Errorf("RATE_LIMIT_WINDOW must be a positive duration")
	}
	cfg.RateLimitWindow = window

	for _, raw := range splitCSV(os.Getenv("TRUSTED_PROXIES")) {
		prefix, err := parsePrefix(raw)
		if err != nil {
			return Config{}, fmt.Errorf("TRUSTED_PROXIES: %w", err)
		}
		cfg.TrustedProxies = append(cfg.TrustedProxies, prefix)
	}

	return cfg, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// parsePrefix accepts a CIDR or a single address.
func parsePrefix(raw string) (netip.Prefix, error) {
	if strings.Contains(raw, "/") {
		return netip.ParsePrefix(raw)
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
