/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the admin frontend

ROUTE GROUPS:
  /api/approvals/*      Approval requests and decisions
  /api/policies/*       Policy resolution and documents
  /api/approvers/*      Explicit approver grants
  /api/structure/*      Structure edits (direct or queued)
  /api/degrees/*        Binding changes and derived periods
  /api/scenarios/*      Demo scenarios
  /metrics              Prometheus scrape endpoint

IDENTITY:
  The acting principal comes from X-Actor-ID and X-Actor-Roles (comma
  separated). The identity layer in front of this service sets them.

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

	"github.com/warp/academic-engine/metrics"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, corsOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", headerActorID, headerActorRoles},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/approvals", func(r chi.Router) {
			r.Get("/open", h.ListOpenRequests)
			r.Get("/completed", h.ListCompletedRequests)
			r.Post("/", h.SubmitRequest)
			r.Get("/{id}", h.GetRequest)
			r.Post("/{id}/review", h.MarkUnderReview)
			r.Post("/{id}/decide", h.DecideRequest)
		})

		r.Route("/policies", func(r chi.Router) {
			r.Get("/resolve", h.ResolvePolicy)
			r.Put("/{scope}", h.SavePolicyDocument)
		})

		r.Route("/approvers", func(r chi.Router) {
			r.Post("/", h.AssignApprover)
			r.Delete("/{id}", h.DeactivateApprover)
		})

		r.Put("/structure/{objectType}/{objectID}", h.EditStructure)

		r.Route("/degrees/{code}", func(r chi.Router) {
			r.Post("/binding", h.ChangeBinding)
			r.Get("/periods", h.ListPeriods)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	r.Handle("/metrics", metrics.Handler())

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Academic Approval Engine</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Academic Approval Engine API</h1>
<ul>
<li><a href="/api/approvals/open">/api/approvals/open</a> - Open requests</li>
<li><a href="/api/approvals/completed">/api/approvals/completed</a> - Completed requests</li>
<li><a href="/api/scenarios">/api/scenarios</a> - Demo scenarios</li>
<li><a href="/metrics">/metrics</a> - Metrics</li>
</ul>
</body>
</html>`))
	})

	return r
}
