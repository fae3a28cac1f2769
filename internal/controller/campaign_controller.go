// internal/controller/campaign_controller.go
package controller

import (
    "context"
    "encoding/json"
    "net/http"

    "github.com/go-chi/chi/v5"
    "go.uber.org/zap"

    appErrors "github.com/unclebandit/broker-notify/internal/errors"
    "github.com/unclebandit/broker-notify/internal/model"
)

// RunStarter is the write side of the run service.
type RunStarter interface {
    Start(ctx context.Context, runID string, input model.CampaignInput) (*model.Run, error)
    Result(ctx context.Context, runID string) (*model.CampaignResult, error)
}

type CampaignController struct {
    Runs   RunStarter
    Logger *zap.Logger
}

type startRunRequest struct {
    RunID string `json:"run_id"`
    model.CampaignInput
}

// StartRun handles POST /runs. A repeated request with the same run id and
// input returns the existing run.
func (c *CampaignController) StartRun(w http.ResponseWriter, r *http.Request) {
    var body startRunRequest
    if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
        http.Error(w, "invalid body", http.StatusBadRequest)
        return
    }

    run, err := c.Runs.Start(r.Context(), body.RunID, body.CampaignInput)
    if err != nil {
        c.fail(w, "start run", err)
        return
    }

    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(http.StatusAccepted)
    json.NewEncoder(w).Encode(run)
}

// GetResult handles GET /runs/{id}/result.
func (c *CampaignController) GetResult(w http.ResponseWriter, r *http.Request) {
    runID := chi.URLParam(r, "id")

    result, err := c.Runs.Result(r.Context(), runID)
    if err != nil {
        c.fail(w, "get result", err)
        return
    }

    w.Header().Set("Content-Type", "application/json")
    json.NewEncoder(w).Encode(result)
}

func (c *CampaignController) fail(w http.ResponseWriter, op string, err error) {
    status := appErrors.HTTPStatus(err)
    if status == http.StatusInternalServerError {
        c.Logger.Error(op+" failed", zap.Error(err))
    }
    http.Error(w, err.Error(), status)
}
