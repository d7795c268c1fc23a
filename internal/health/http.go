package health

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Handler exposes the manager over HTTP.
type Handler struct {
	manager *Manager
	logger  *zap.Logger
}

func NewHandler(manager *Manager, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{manager: manager, logger: logger}
}

// RegisterRoutes mounts the health endpoints on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.handleLiveness)
	mux.HandleFunc("/readyz", h.handleReadiness)
}

// handleLiveness answers as long as the process can serve requests. It runs
// no dependency checks so a broken database never restarts the service.
func (h *Handler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "alive",
		"timestamp": time.Now().UTC(),
	})
}

// handleReadiness runs every registered check and reports 503 until all
// critical components pass.
func (h *Handler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	snapshot := h.manager.Run(r.Context())

	status := http.StatusOK
	if !snapshot.Ready {
		status = http.StatusServiceUnavailable
		h.logger.Warn("readiness check failed",
			zap.String("state", snapshot.State),
			zap.String("message", snapshot.Message))
	}
	writeJSON(w, status, snapshot)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
