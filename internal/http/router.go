// Package httpapi assembles the public HTTP surface: middleware chain,
// domain handlers, health and metrics endpoints.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	claimhandler "heirloom/internal/claim/handler"
	"heirloom/internal/platform/middleware"
	vaulthandler "heirloom/internal/vault/handler"
)

// Deps carries everything the router mounts.
type Deps struct {
	Vaults *vaulthandler.Handler
	Claims *claimhandler.Handler
	Proofs middleware.ProofValidator
	Logger *slog.Logger
}

// NewRouter wires all public endpoints. Every /api route requires an actor
// proof; health and metrics stay open for liveness checks and scrapers.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RequestTime)
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.Logger(deps.Logger))
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Use(middleware.RequireActor(deps.Proofs, deps.Logger))
		api.Use(middleware.ContentTypeJSON)
		deps.Vaults.Register(api)
		deps.Claims.Register(api)
	})

	return r
}
