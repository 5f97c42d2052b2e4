/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in the access log
  2. AccessLog:  One zerolog line per request
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the operator UI

ROUTE GROUPS:
  /api/invoices/*       Invoice creation, summaries, reconciliation
  /api/reconcile/*      Sweeps
  /api/transactions/*   Bank lines and operator actions
  /api/credit-notes/*   Manual credits
  /api/users/*          Per-user provisions
  /api/provisions/*     Provision lifecycle
  /api/cancellations/*  Cancellation requests
  /api/sessions, /api/registrations  Registration collaborator seeding
  /api/newsletter/*     Newsletter signup
  /api/scenarios/*      Demo scenarios (resets the database)
  /healthz              Database ping

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
	Logger         zerolog.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(AccessLog(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/invoices", func(r chi.Router) {
			r.Post("/", h.CreateInvoice)
			r.Get("/{number}/summary", h.GetPaymentSummary)
			r.Post("/{number}/reconcile", h.ReconcileInvoice)
		})

		r.Route("/reconcile", func(r chi.Router) {
			r.Post("/pending", h.ReconcilePending)
			r.Get("/runs", h.ListReconciliationRuns)
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Post("/", h.ImportTransaction)
			r.Post("/{id}/link", h.LinkTransaction)
			r.Post("/{id}/disassociate", h.DisassociateTransaction)
			r.Post("/{id}/ignore", h.IgnoreTransaction)
		})
		r.Get("/imports/processed", h.FileProcessed)

		r.Route("/credit-notes", func(r chi.Router) {
			r.Post("/", h.IssueCreditNote)
			r.Post("/{id}/sent", h.MarkCreditNoteSent)
		})

		r.Route("/users/{id}/provisions", func(r chi.Router) {
			r.Get("/", h.ListUserProvisions)
			r.Post("/apply", h.ApplyProvisions)
		})

		r.Route("/provisions", func(r chi.Router) {
			r.Post("/", h.GrantProvision)
			r.Post("/{id}/refund-request", h.RequestProvisionRefund)
			r.Post("/{id}/refunded", h.MarkProvisionRefunded)
		})

		r.Route("/cancellations", func(r chi.Router) {
			r.Post("/", h.SubmitCancellation)
			r.Post("/{id}/approve", h.ApproveCancellation)
			r.Post("/{id}/reject", h.RejectCancellation)
		})

		r.Post("/sessions", h.SaveSession)
		r.Post("/registrations", h.AddRegistration)

		r.Post("/newsletter/subscribe", h.Subscribe)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

// AccessLog writes one line per request with status, size and latency.
func AccessLog(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				ev := log.Info()
				if ww.Status() >= http.StatusInternalServerError {
					ev = log.Error()
				}
				ev.Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("took", time.Since(start)).
					Msg("http request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
