package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ratixpay/paycore/internal/security"
)

type RouterConfig struct {
	AdminToken string

	GeneralLimit  int
	GeneralWindow time.Duration
	PaymentLimit  int
	PaymentWindow time.Duration
}

func (c *RouterConfig) defaults() {
	if c.GeneralLimit <= 0 {
		c.GeneralLimit = 1000
	}
	if c.GeneralWindow <= 0 {
		c.GeneralWindow = 15 * time.Minute
	}
	if c.PaymentLimit <= 0 {
		c.PaymentLimit = 200
	}
	if c.PaymentWindow <= 0 {
		c.PaymentWindow = time.Hour
	}
}

// NewRouter creates the Chi router with all API routes mounted.
func NewRouter(h *Handlers, guard *security.Guard, cfg RouterConfig, logger *slog.Logger) http.Handler {
	cfg.defaults()

	r := chi.NewRouter()

	// Middleware.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(metricsMiddleware)

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rateLimit(cfg.GeneralLimit, cfg.GeneralWindow, "too many requests"))
		if guard != nil {
			r.Use(guard.Middleware)
		}

		// Checkout.
		r.With(rateLimit(cfg.PaymentLimit, cfg.PaymentWindow, "too many payment attempts")).
			Post("/payments", h.SubmitPayment)
		r.Get("/transactions/{externalId}/status", h.GetTransactionStatus)
		r.Post("/transactions/{externalId}/cancel", h.CancelTransaction)

		// Gateway callbacks.
		r.Post("/webhooks/{provider}", h.Webhook)

		// Operators.
		r.Route("/admin", func(r chi.Router) {
			r.Use(adminAuth(cfg.AdminToken, h.monitor))

			r.Post("/reconciliation", h.RunReconciliation)
			r.Get("/reviews", h.ListReviews)
			r.Post("/reviews/{id}/resolve", h.ResolveReview)
			r.Post("/transactions/{externalId}/deliver", h.MarkDelivered)

			r.Get("/security/report", h.SecurityReport)
			r.Post("/security/blocks", h.BlockClient)
			r.Delete("/security/blocks/{clientKey}", h.UnblockClient)
			r.Post("/security/login-attempts", h.RecordLoginAttempt)
		})
	})

	return r
}

func rateLimit(limit int, window time.Duration, msg string) func(http.Handler) http.Handler {
	return httprate.Limit(limit, window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return security.ClientKey(r), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, msg)
		}),
	)
}
