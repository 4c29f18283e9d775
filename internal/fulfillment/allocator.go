// Package fulfillment turns payment outcomes into order state and hands
// stock units to paid orders.
package fulfillment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/joao-fontenele/keyflow/internal/domain"
	"github.com/joao-fontenele/keyflow/internal/inventory"
)

// Allocator assigns available stock units to an order's stock-backed lines.
type Allocator struct {
	stock  *inventory.StockRepository
	logger *slog.Logger
}

func NewAllocator(stock *inventory.StockRepository, logger *slog.Logger) *Allocator {
	return &Allocator{stock: stock, logger: logger}
}

// AllocateKeys runs inside tx and returns how many credentials were issued.
// Running out of stock is not an error: the order keeps whatever could be
// assigned and the shortfall is left for an operator retry. Callers must
// check the order has no issued credentials before calling.
func (a *Allocator) AllocateKeys(ctx context.Context, tx *sql.Tx, order *domain.Order) (int, error) {
	stock := a.stock.WithTx(tx)
	assigned := 0

	for _, line := range order.Lines {
		if line.FulfillmentMode != domain.FulfillmentStockBacked {
			continue
		}

		n, err := a.allocateLine(ctx, stock, order.ID, line)
		if err != nil {
			return assigned, err
		}
		assigned += n

		if n < line.Quantity {
			a.logger.Warn("insufficient stock for paid order",
				"order_id", order.ID,
				"product_id", line.ProductID,
				"expected", line.Quantity,
				"assigned", n,
			)
		}
	}

	return assigned, nil
}

func (a *Allocator) allocateLine(ctx context.Context, stock *inventory.StockRepository, orderID string, line domain.OrderLine) (int, error) {
	units, err := stock.ClaimAvailable(ctx, line.ProductID, line.Quantity)
	if err != nil {
		return 0, fmt.Errorf("claim stock for product %s: %w", line.ProductID, err)
	}

	assigned := 0
	for _, unit := range units {
		issued, err := stock.CredentialExists(ctx, unit.Credential)
		if err != nil {
			return assigned, fmt.Errorf("check credential provenance: %w", err)
		}
		if issued {
			a.logger.Warn("skipping stock unit already issued elsewhere",
				"unit_id", unit.ID,
				"product_id", unit.ProductID,
			)
			continue
		}

		if err := stock.Assign(ctx, unit.ID, orderID); err != nil {
			if errors.Is(err, inventory.ErrUnitAlreadyAssigned) {
				continue
			}
			return assigned, fmt.Errorf("assign unit %s: %w", unit.ID, err)
		}

		if _, err := stock.IssueCredential(ctx, unit, orderID); err != nil {
			return assigned, fmt.Errorf("issue credential for unit %s: %w", unit.ID, err)
		}
		assigned++
	}

	return assigned, nil
}
