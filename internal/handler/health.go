package handler

import (
	"net/http"

	"github.com/brinktrade/brink-api/internal/httpx"
)

// HealthHandler handles health checks.
type HealthHandler struct {
	chainID int64
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(chainID int64) *HealthHandler {
	return &HealthHandler{chainID: chainID}
}

// ServeHTTP implements the http.Handler interface.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "chainId": h.chainID})
}
