package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/unclebandit/broker-notify/internal/controller"
	"github.com/unclebandit/broker-notify/internal/handler"
)

// NewRouter mounts the run API, health and metrics endpoints.
func NewRouter(c *controller.CampaignController, h *handler.CampaignHandler, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/runs", c.StartRun)
	r.Get("/runs/{id}", h.GetRunHandler)
	r.Get("/runs/{id}/result", c.GetResult)

	r.Get("/healthz", h.HealthHandler)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}
