package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the reconciliation surface. The wizard is a library
// consumed by the rendering layer and is deliberately not exposed here.
func NewRouter(h *Handler, authCookieName string) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(RequestID)
	r.Use(RequestTime)
	r.Use(AccessToken(authCookieName))
	r.Use(Profile)

	r.Get("/healthz", h.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/session", func(r chi.Router) {
		r.Post("/decide", h.handleDecide)
		r.Post("/checkout", h.handleCheckout)
		r.Post("/checkout/return", h.handleCheckoutReturn)
		r.Post("/poll", h.handlePoll)
		r.Post("/pause", h.handlePause)
	})
	r.Post("/logout", h.handleLogout)

	return r
}
