// Package email is a stand-in mail transport: it validates and logs
// messages instead of delivering them.
package email

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// IdempotencyKeyHeader lets a sender retry a send without the recipient
// getting the message twice.
const IdempotencyKeyHeader = "Idempotency-Key"

type Handler struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent map[string]string
}

func NewHandler(logger *slog.Logger) *Handler {
	return &Handler{
		logger: logger,
		sent:   make(map[string]string),
	}
}

type sendRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type sendResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
}

func (h *Handler) HandleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if _, err := mail.ParseAddress(req.To); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid recipient")
		return
	}

	if strings.TrimSpace(req.Subject) == "" {
		h.writeError(w, http.StatusBadRequest, "subject is required")
		return
	}

	key := r.Header.Get(IdempotencyKeyHeader)
	messageID, duplicate := h.claim(key)
	if duplicate {
		h.logger.Info("duplicate send ignored", "to", req.To, "idempotency_key", key, "message_id", messageID)
		h.writeJSON(w, http.StatusOK, sendResponse{Status: "duplicate", MessageID: messageID})
		return
	}

	h.logger.Info("email sent",
		"to", req.To,
		"subject", req.Subject,
		"body_bytes", len(req.Body),
		"message_id", messageID,
	)

	h.writeJSON(w, http.StatusOK, sendResponse{Status: "sent", MessageID: messageID})
}

// claim returns the message id for key and whether it was already sent.
// An empty key is never deduplicated.
func (h *Handler) claim(key string) (string, bool) {
	if key == "" {
		return uuid.NewString(), false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if id, ok := h.sent[key]; ok {
		return id, true
	}
	id := uuid.NewString()
	h.sent[key] = id
	return id, false
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
