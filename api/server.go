/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from proxy headers
  3. Access log: One zerolog line per request
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the front desk UI
  6. Rate limit: Token bucket per client address (/api only)

ROUTE GROUPS:
  /healthz              Liveness
  /metrics              Prometheus scrape endpoint
  /api/spaces/*         Spaces and schedules
  /api/reservations/*   One-off bookings
  /api/series/*         Recurring bookings
  /api/payments         Payment confirmations
  /api/users/*          Credit balances and history
  /api/promos/*         Promo redemption
  /api/equipment/*      Equipment catalog
  /api/loans/*          Equipment loans
  /api/admin/*          Credits administration and manual sweeps
  /api/scenarios/*      Demo scenarios (dev only)

SEE ALSO:
  - handlers.go: Handler implementations
  - ratelimit.go: Per-client limiter
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/warp/rehearsal-engine/config"
)

// RouterOptions carry the HTTP-layer settings from config.
type RouterOptions struct {
	CORSOrigins []string
	RateLimit   config.RateLimitConfig
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	limiter := newRateLimiter(opts.RateLimit)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(limiter.middleware)

		r.Route("/spaces", func(r chi.Router) {
			r.Get("/", h.ListSpaces)
			r.Get("/{id}/schedule", h.GetSchedule)
		})

		r.Route("/reservations", func(r chi.Router) {
			r.Post("/", h.CreateReservation)
			r.Get("/{id}", h.GetReservation)
			r.Post("/{id}/cancel", h.CancelReservation)
			r.Get("/{id}/charge", h.GetReservationCharge)
		})

		r.Route("/series", func(r chi.Router) {
			r.Post("/", h.CreateSeries)
			r.Get("/{id}", h.GetSeries)
			r.Get("/{id}/reservations", h.GetSeriesReservations)
			r.Get("/{id}/skips", h.GetSeriesSkips)
			r.Post("/{id}/pause", h.PauseSeries)
			r.Post("/{id}/resume", h.ResumeSeries)
			r.Post("/{id}/end", h.EndSeries)
			r.Post("/{id}/expand", h.ExpandSeries)
		})

		r.Post("/payments", h.ApplyPayment)

		r.Route("/users/{id}/credits", func(r chi.Router) {
			r.Get("/", h.GetCredits)
			r.Get("/verify", h.VerifyCredits)
			r.Get("/{type}/transactions", h.GetCreditTransactions)
		})

		r.Post("/promos/{code}/redeem", h.RedeemPromo)

		r.Route("/equipment", func(r chi.Router) {
			r.Get("/", h.ListEquipment)
			r.Get("/{id}/loans", h.ListEquipmentLoans)
		})

		r.Route("/loans", func(r chi.Router) {
			r.Post("/", h.CreateLoan)
			r.Get("/{id}", h.GetLoan)
			r.Post("/{id}/transitions", h.TransitionLoan)
			r.Post("/{id}/extend", h.ExtendLoan)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/grants", h.CreateGrant)
			r.Post("/adjustments", h.CreateAdjustment)
			r.Post("/allocations", h.CreateAllocation)
			r.Post("/promos", h.CreatePromo)
			r.Post("/sweep", h.RunSweep)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

// accessLog writes one structured line per request.
func accessLog(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}
