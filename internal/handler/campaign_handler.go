// internal/handler/campaign_handler.go
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/broker-notify/internal/errors"
	"github.com/unclebandit/broker-notify/internal/service"
)

// RunReader is the read side of the run service.
type RunReader interface {
	Status(ctx context.Context, runID string) (*service.RunDetails, error)
}

// Pinger reports whether storage is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// CampaignHandler serves run status and liveness.
type CampaignHandler struct {
	Runs   RunReader
	DB     Pinger
	Logger *zap.Logger
}

// GetRunHandler returns the run with its status and checkpoint count.
func (h *CampaignHandler) GetRunHandler(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	details, err := h.Runs.Status(r.Context(), runID)
	if err != nil {
		status := appErrors.HTTPStatus(err)
		if status == http.StatusInternalServerError {
			h.Logger.Error("failed to fetch run", zap.String("run_id", runID), zap.Error(err))
		}
		http.Error(w, "failed to fetch run: "+err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(details)
}

// HealthHandler pings storage with a short deadline.
func (h *CampaignHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.DB.PingContext(ctx); err != nil {
		h.Logger.Warn("health check failed", zap.Error(err))
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
