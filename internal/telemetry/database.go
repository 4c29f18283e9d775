package telemetry

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/XSAM/otelsql"
	backoff "github.com/cenkalti/backoff/v4"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/joao-fontenele/keyflow/internal/config"
)

// OpenDB opens a traced connection pool sized from cfg and waits, with
// backoff, until the database answers a ping.
func OpenDB(ctx context.Context, driverName string, cfg config.Config) (*sql.DB, error) {
	db, err := otelsql.Open(driverName, cfg.PostgresURL,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, err
	}

	if cfg.DBMaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	}
	if cfg.DBMaxIdleConns >= 0 {
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}
	if cfg.DBConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 6), ctx)
	if err := backoff.Retry(func() error { return db.PingContext(ctx) }, b); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return db, nil
}
