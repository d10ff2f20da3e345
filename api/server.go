/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in 5xx logs
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the dashboard

ROUTE GROUPS:
  /api/transactions/*   Ledger entries and verification
  /api/drugs/*          Drug catalog and stock
  /api/inventory/*      Summary and locations
  /api/admin/*          Seed and maintenance
  /api/health           Liveness

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cli/serve.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// DefaultAllowedOrigins is used when no origins are configured.
var DefaultAllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = DefaultAllowedOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		// Ledger routes
		r.Route("/transactions", func(r chi.Router) {
			r.Post("/", h.CreateTransaction)
			r.Get("/", h.ListTransactions)
			r.Get("/item/{id}", h.GetDrugTransactions)
			r.Get("/drug/{id}", h.GetDrugTransactions)
			r.Get("/partition/{batch}", h.GetBatchTransactions)
			r.Get("/verify", h.VerifyAll)
			r.Get("/verify/{batch}", h.VerifyBatch)
		})

		// Catalog routes
		r.Route("/drugs", func(r chi.Router) {
			r.Get("/", h.ListDrugs)
			r.Post("/", h.CreateDrug)
			r.Get("/alerts", h.GetAlerts)
			r.Get("/{id}", h.GetDrug)
			r.Put("/{id}", h.UpdateDrug)
			r.Get("/{id}/stock", h.GetDrugStock)
			r.Post("/{id}/rebuild", h.RebuildDrug)
			r.Get("/{id}/qr", h.GetDrugQR)
		})

		r.Route("/inventory", func(r chi.Router) {
			r.Get("/summary", h.GetSummary)
			r.Get("/locations", h.ListLocations)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/seed", h.Seed)
			r.Post("/rebuild-stale", h.RebuildStale)
		})
	})

	return r
}
