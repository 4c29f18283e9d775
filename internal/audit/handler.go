package audit

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type Handler struct {
	recorder *Recorder
	logger   *slog.Logger
}

func NewHandler(recorder *Recorder, logger *slog.Logger) *Handler {
	return &Handler{
		recorder: recorder,
		logger:   logger,
	}
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	entries, err := h.recorder.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list audit entries", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, entries)
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, strconv.ErrSyntax
	}
	return min(limit, maxListLimit), nil
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
