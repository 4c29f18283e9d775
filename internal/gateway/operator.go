// Package gateway guards the operator surface of the API.
package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
)

const OperatorTokenHeader = "X-Operator-Token"

// OperatorGate admits requests carrying the shared operator token. An empty
// token disables the operator surface entirely.
type OperatorGate struct {
	token  []byte
	logger *slog.Logger
}

func NewOperatorGate(token string, logger *slog.Logger) *OperatorGate {
	return &OperatorGate{token: []byte(token), logger: logger}
}

func (g *OperatorGate) Require(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(g.token) == 0 {
			g.writeError(w, http.StatusServiceUnavailable, "operator access is not configured")
			return
		}

		presented := []byte(r.Header.Get(OperatorTokenHeader))
		if subtle.ConstantTimeCompare(presented, g.token) != 1 {
			g.logger.Warn("rejected operator request", "method", r.Method, "path", r.URL.Path)
			g.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next(w, r)
	}
}

func (g *OperatorGate) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		g.logger.Error("failed to encode error response", "error", err)
	}
}
