package domain

import "time"

const (
	AuditOrderPaid     = "order_paid"
	AuditOrderDeclined = "order_declined"
	AuditOrderExpired  = "order_expired"
	AuditOrderRetry    = "order_keys_retry"
	AuditStockAdded    = "stock_added"
)

// AuditEntry is append-only.
type AuditEntry struct {
	ID         int64          `json:"id"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Actor      string         `json:"actor,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
