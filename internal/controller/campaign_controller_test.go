package controller_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/broker-notify/internal/controller"
	"github.com/unclebandit/broker-notify/internal/eventlog"
	"github.com/unclebandit/broker-notify/internal/model"
	"github.com/unclebandit/broker-notify/internal/repository"
	"github.com/unclebandit/broker-notify/internal/service"
)

type doneExecutor struct{}

func (doneExecutor) Run(ctx context.Context, runID string, input model.CampaignInput) (*model.CampaignResult, error) {
	return service.Aggregate(runID, input.RosterSourceID, []model.EntityOutcome{
		{EntityID: 7, Status: model.StatusSent, Detail: "phase1_broker_email:202"},
	}), nil
}

func setup() (*service.CampaignService, http.Handler) {
	svc := &service.CampaignService{
		RunRepo: repository.NewMemoryRunRepository(),
		Store:   eventlog.NewMemoryStore(),
		Runner:  doneExecutor{},
		Logger:  zap.NewNop(),
	}
	c := &controller.CampaignController{Runs: svc, Logger: zap.NewNop()}

	r := chi.NewRouter()
	r.Post("/runs", c.StartRun)
	r.Get("/runs/{id}/result", c.GetResult)
	return svc, r
}

const validBody = `{"run_id":"run-1","roster_source_id":"Launch","brand":{"brand_name":"Acme Health"}}`

func TestStartRun(t *testing.T) {
	_, r := setup()

	req := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(validBody))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code)
	var run model.Run
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&run))
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, "Launch", run.Input.RosterSourceID)
	assert.Equal(t, model.RunRunning, run.Status)
}

func TestStartRunValidation(t *testing.T) {
	_, r := setup()

	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed", `{`, http.StatusBadRequest},
		{"missing brand name", `{"roster_source_id":"Launch"}`, http.StatusBadRequest},
		{"bad url", `{"roster_source_id":"Launch","brand":{"brand_name":"A","cta_url":"not a url"}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(tt.body)))
			assert.Equal(t, tt.code, rr.Code)
		})
	}
}

func TestStartRunConflict(t *testing.T) {
	_, r := setup()

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(validBody)))
	require.Equal(t, http.StatusAccepted, rr.Code)

	other := strings.Replace(validBody, "Launch", "Other", 1)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(other)))
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestGetResult(t *testing.T) {
	svc, r := setup()

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/runs/run-1/result", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(validBody)))
	require.Equal(t, http.StatusAccepted, rr.Code)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/runs/run-1/result", nil))
	assert.Equal(t, http.StatusConflict, rr.Code, "result before completion")

	require.NoError(t, svc.Execute(context.Background(), "run-1"))

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/runs/run-1/result", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var res model.CampaignResult
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	assert.Equal(t, 1, res.Stats["sent"])
	assert.Equal(t, "Launch", res.RosterSourceID)
}
