package test

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

type PostgresSetup struct {
	ConnStr string
	cleanup func()
}

func (p *PostgresSetup) Cleanup() {
	p.cleanup()
}

// SetupPostgres starts a migrated PostgreSQL container.
func SetupPostgres(ctx context.Context, t *testing.T) *PostgresSetup {
	t.Helper()

	container, err := postgres.Run(ctx,
		"postgres:18-alpine",
		postgres.WithDatabase("keyflow"),
		postgres.WithUsername("keyflow"),
		postgres.WithPassword("keyflow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get connection string: %v", err)
	}

	if err := runMigrations(connStr); err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to run migrations: %v", err)
	}

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	}

	return &PostgresSetup{ConnStr: connStr, cleanup: cleanup}
}

// OpenDB opens a pool on the container and closes it when the test ends.
func (p *PostgresSetup) OpenDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("postgres", p.ConnStr)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func runMigrations(connStr string) error {
	m, err := migrate.New(MigrationsPath(), connStr)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// MigrationsPath is the file:// source URL of the repository's migrations.
func MigrationsPath() string {
	_, filename, _, _ := runtime.Caller(0)
	testDir := filepath.Dir(filename)
	projectRoot := filepath.Dir(testDir)
	migrationsDir := filepath.Join(projectRoot, "migrations")
	return "file://" + migrationsDir
}

func SetupKafka(ctx context.Context, t *testing.T) ([]string, func()) {
	t.Helper()

	container, err := kafka.Run(ctx,
		"confluentinc/confluent-local:7.8.0",
		kafka.WithClusterID("test-cluster"),
	)
	if err != nil {
		t.Fatalf("failed to start kafka container: %v", err)
	}

	brokers, err := container.Brokers(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get kafka brokers: %v", err)
	}

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate kafka container: %v", err)
		}
	}

	return brokers, cleanup
}

// SetupRedis starts a Redis container and returns its host:port.
func SetupRedis(ctx context.Context, t *testing.T) (string, func()) {
	t.Helper()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor: wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get redis host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get redis port: %v", err)
	}

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate redis container: %v", err)
		}
	}

	return net.JoinHostPort(host, port.Port()), cleanup
}

type ProductSeed struct {
	Slug            string
	Price           int64
	FulfillmentMode string
	AcceptCrypto    bool
}

// SeedProduct inserts an active card-payable product and returns its id.
func SeedProduct(ctx context.Context, t *testing.T, db *sql.DB, p ProductSeed) string {
	t.Helper()

	if p.FulfillmentMode == "" {
		p.FulfillmentMode = "stock_backed"
	}
	if p.Price == 0 {
		p.Price = 1000
	}
	if p.Slug == "" {
		p.Slug = "product-" + uuid.NewString()[:8]
	}

	id := uuid.New().String()
	_, err := db.ExecContext(ctx, `
		INSERT INTO products (id, slug, name, price, fulfillment_mode, active, accept_card, accept_crypto)
		VALUES ($1, $2, $2, $3, $4, TRUE, TRUE, $5)
	`, id, p.Slug, p.Price, p.FulfillmentMode, p.AcceptCrypto)
	if err != nil {
		t.Fatalf("failed to seed product: %v", err)
	}

	return id
}

// SeedStock inserts n available units for the product with credentials
// prefix-1 .. prefix-n, in that order.
func SeedStock(ctx context.Context, t *testing.T, db *sql.DB, productID, prefix string, n int) []string {
	t.Helper()

	credentials := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		credential := fmt.Sprintf("%s-%d", prefix, i)
		_, err := db.ExecContext(ctx, `
			INSERT INTO stock_units (id, product_id, credential)
			VALUES ($1, $2, $3)
		`, uuid.New().String(), productID, credential)
		if err != nil {
			t.Fatalf("failed to seed stock: %v", err)
		}
		credentials = append(credentials, credential)
	}

	return credentials
}
