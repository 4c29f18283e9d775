package inventory

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/joao-fontenele/keyflow/internal/audit"
	"github.com/joao-fontenele/keyflow/internal/domain"
	"github.com/joao-fontenele/keyflow/internal/postgres"
)

const maxUnitsPerRequest = 1000

type Handler struct {
	db       *sql.DB
	products *ProductRepository
	stock    *StockRepository
	audit    *audit.Recorder
	logger   *slog.Logger
}

func NewHandler(db *sql.DB, products *ProductRepository, stock *StockRepository, recorder *audit.Recorder, logger *slog.Logger) *Handler {
	return &Handler{
		db:       db,
		products: products,
		stock:    stock,
		audit:    recorder,
		logger:   logger,
	}
}

func (h *Handler) HandleGetStock(w http.ResponseWriter, r *http.Request) {
	productID := r.PathValue("id")
	if productID == "" {
		h.writeError(w, http.StatusBadRequest, "missing product id")
		return
	}

	product, err := h.products.GetByID(r.Context(), productID)
	if err != nil {
		h.logger.Error("failed to get product", "error", err, "product_id", productID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if product == nil {
		h.writeError(w, http.StatusNotFound, "product not found")
		return
	}

	level, err := h.stock.GetLevel(r.Context(), productID)
	if err != nil {
		h.logger.Error("failed to get stock level", "error", err, "product_id", productID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, level)
}

type addUnitsRequest struct {
	Credentials []string `json:"credentials"`
}

type addUnitsResponse struct {
	Added int                `json:"added"`
	Level *domain.StockLevel `json:"level"`
}

func (h *Handler) HandleAddUnits(w http.ResponseWriter, r *http.Request) {
	productID := r.PathValue("id")
	if productID == "" {
		h.writeError(w, http.StatusBadRequest, "missing product id")
		return
	}

	var req addUnitsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	credentials := normalizeCredentials(req.Credentials)
	if len(credentials) == 0 {
		h.writeError(w, http.StatusBadRequest, "no credentials provided")
		return
	}
	if len(credentials) > maxUnitsPerRequest {
		h.writeError(w, http.StatusBadRequest, "too many credentials in one request")
		return
	}

	product, err := h.products.GetByID(r.Context(), productID)
	if err != nil {
		h.logger.Error("failed to get product", "error", err, "product_id", productID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if product == nil {
		h.writeError(w, http.StatusNotFound, "product not found")
		return
	}

	if product.FulfillmentMode != domain.FulfillmentStockBacked {
		h.writeError(w, http.StatusBadRequest, "product is not stock backed")
		return
	}

	// One duplicate rejects the whole batch, and the audit entry commits
	// with the units it describes.
	var units []domain.StockUnit
	err = postgres.WithTx(r.Context(), h.db, func(tx *sql.Tx) error {
		var err error
		units, err = h.stock.WithTx(tx).AddUnits(r.Context(), productID, credentials)
		if err != nil {
			return err
		}

		h.audit.RecordTx(r.Context(), tx, audit.Entry{
			Action:     domain.AuditStockAdded,
			EntityType: "product",
			EntityID:   productID,
			Actor:      r.Header.Get("X-Operator-Id"),
			Details:    map[string]any{"product_slug": product.Slug, "count": len(units)},
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateCredential) {
			h.writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.logger.Error("failed to add stock units", "error", err, "product_id", productID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	level, err := h.stock.GetLevel(r.Context(), productID)
	if err != nil {
		h.logger.Error("failed to get updated stock level", "error", err, "product_id", productID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("stock units added", "product_id", productID, "count", len(units))
	h.writeJSON(w, http.StatusCreated, addUnitsResponse{Added: len(units), Level: level})
}

// normalizeCredentials trims blanks and drops duplicates while keeping the
// submitted order, which is the order units will be sold in.
func normalizeCredentials(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, c := range raw {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
