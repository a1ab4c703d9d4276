// Package handler exposes the reservation, checkout and redemption flows
// over HTTP.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/windeal/internal/domain/auth"
	"github.com/xenking/windeal/internal/domain/checkout"
	"github.com/xenking/windeal/internal/domain/deal"
	"github.com/xenking/windeal/internal/domain/ledger"
	"github.com/xenking/windeal/internal/domain/redemption"
)

// Handler serves the customer and merchant API.
type Handler struct {
	catalog   deal.Catalog
	ledger    *ledger.Ledger
	checkout  *checkout.Service
	validator *redemption.Validator
	auth      *Authenticator

	merchantMiddleware []func(http.Handler) http.Handler
}

// Option configures a Handler.
type Option func(*Handler)

// WithMerchantMiddleware adds middleware that runs on merchant routes after
// the API key has been authenticated.
func WithMerchantMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(h *Handler) {
		h.merchantMiddleware = append(h.merchantMiddleware, mw...)
	}
}

// New constructs a Handler with the required domain dependencies.
func New(
	catalog deal.Catalog,
	l *ledger.Ledger,
	co *checkout.Service,
	v *redemption.Validator,
	a *Authenticator,
	opts ...Option,
) *Handler {
	h := &Handler{
		catalog:   catalog,
		ledger:    l,
		checkout:  co,
		validator: v,
		auth:      a,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Routes returns the API router. It is mounted under /api by the server.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, errRouteNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, errMethodNotAllowed)
	})

	r.Get("/deals", h.ListDeals)
	r.Get("/deals/{id}", h.GetDeal)

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.Reserve)
		r.Get("/", h.ListOrders)
		r.Get("/{id}", h.GetOrder)
		r.Delete("/{id}", h.RemoveOrder)
	})
	r.Post("/checkout", h.Checkout)

	r.Route("/merchant", func(r chi.Router) {
		r.Use(h.auth.Require(auth.ScopeRedeem))
		r.Use(h.merchantMiddleware...)
		r.Post("/validate", h.Validate)
		r.Post("/orders/{id}/redeem", h.Redeem)
	})
	return r
}
