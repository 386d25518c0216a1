package app

import (
	"net/http"

	"trustcore/cmd/internal/api"
	"trustcore/cmd/internal/telemetry"
)

// registerHTTP wires application routes. /healthz and /readyz are answered by
// the ingress pipeline so they keep working while draining.
func registerHTTP(mux *http.ServeMux, metrics *telemetry.Metrics, handler *api.Handler) {
	mux.Handle("GET /metrics", metrics.Handler())
	handler.Register(mux)
}
