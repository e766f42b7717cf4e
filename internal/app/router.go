package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vladislavdragonenkov/marketpay/internal/health"
)

// newOpsRouter собирает служебные эндпоинты (метрики и пробы).
func newOpsRouter(healthHandler http.Handler, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Method(http.MethodGet, "/healthz", healthHandler)
	r.Get("/livez", health.LivenessHandler)
	return r
}
