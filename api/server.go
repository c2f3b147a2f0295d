/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the point-of-sale frontend

ROUTE GROUPS:
  /api/prevalidations      Read-only viability checks
  /api/credit-validations
  /api/sales/*             Sale lifecycle
  /api/admin/*             Client and account configuration
  /metrics                 Prometheus (when a handler is given)

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions tunes NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
	Metrics        http.Handler // mounted on /metrics when set
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/prevalidations", h.Prevalidate)
		r.Post("/credit-validations", h.ValidateCreditSale)

		r.Route("/sales", func(r chi.Router) {
			r.Post("/", h.CreateSale)
			r.Get("/{id}", h.GetSale)
			r.Get("/{id}/installments", h.GetInstallments)
			r.Post("/{id}/authorize", h.AuthorizeSale)
			r.Post("/{id}/reject", h.RejectSale)
			r.Post("/{id}/confirm", h.ConfirmSale)
			r.Post("/{id}/cancel", h.CancelSale)
			r.Post("/{id}/invoice", h.InvoiceSale)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Put("/clients/{id}", h.PutClient)
			r.Put("/accounts/{id}", h.PutAccount)
		})
	})

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	return r
}
