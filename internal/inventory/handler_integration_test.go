//go:build integration

package inventory

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/joao-fontenele/keyflow/internal/audit"
	"github.com/joao-fontenele/keyflow/test"
)

func TestHandler_HandleAddUnits(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := test.SetupPostgres(ctx, t)
	defer pg.Cleanup()
	db := pg.OpenDB(t)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stock := NewStockRepository(db)
	handler := NewHandler(db, NewProductRepository(db), stock, audit.NewRecorder(db, logger), logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/products/{id}/stock", handler.HandleAddUnits)

	post := func(t *testing.T, productID, body string) int {
		t.Helper()
		req := httptest.NewRequest(http.MethodPost, "/admin/products/"+productID+"/stock", strings.NewReader(body))
		req.Header.Set("X-Operator-Id", "ops")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec.Code
	}

	stockAddedEntries := func(t *testing.T, productID string) int {
		t.Helper()
		var n int
		err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM audit_entries WHERE action = 'stock_added' AND entity_id = $1`, productID,
		).Scan(&n)
		if err != nil {
			t.Fatalf("failed to count audit entries: %v", err)
		}
		return n
	}

	t.Run("adds units in order with one audit entry", func(t *testing.T) {
		id := test.SeedProduct(ctx, t, db, test.ProductSeed{})

		if code := post(t, id, `{"credentials": ["ORD-1", "ORD-2", "ORD-3"]}`); code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d", code)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("failed to begin: %v", err)
		}
		defer func() { _ = tx.Rollback() }()

		claimed, err := stock.WithTx(tx).ClaimAvailable(ctx, id, 3)
		if err != nil || len(claimed) != 3 {
			t.Fatalf("expected 3 units, got %d, %v", len(claimed), err)
		}
		for i, want := range []string{"ORD-1", "ORD-2", "ORD-3"} {
			if claimed[i].Credential != want {
				t.Errorf("expected %s at position %d, got %s", want, i, claimed[i].Credential)
			}
		}
		if n := stockAddedEntries(t, id); n != 1 {
			t.Errorf("expected 1 stock_added entry, got %d", n)
		}
	})

	t.Run("a duplicate rejects the whole batch", func(t *testing.T) {
		id := test.SeedProduct(ctx, t, db, test.ProductSeed{})
		test.SeedStock(ctx, t, db, id, "DUP", 1)

		if code := post(t, id, `{"credentials": ["NEW-1", "DUP-1"]}`); code != http.StatusConflict {
			t.Fatalf("expected status 409, got %d", code)
		}

		n, err := stock.CountAvailable(ctx, id)
		if err != nil || n != 1 {
			t.Errorf("expected only the seeded unit available, got %d, %v", n, err)
		}
		unit, err := stock.UnitByCredential(ctx, "NEW-1")
		if err != nil || unit != nil {
			t.Errorf("expected NEW-1 to be rolled back, got %+v, %v", unit, err)
		}
		if n := stockAddedEntries(t, id); n != 0 {
			t.Errorf("expected no stock_added entry, got %d", n)
		}
	})
}
