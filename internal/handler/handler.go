// Package handler exposes the voucher service over HTTP.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/kart-voucher/internal/domain/auth"
	"github.com/xenking/kart-voucher/internal/domain/voucher"
	"github.com/xenking/kart-voucher/pkg/httpmiddleware"
)

// Vouchers is the subset of *voucher.Service the HTTP layer calls.
type Vouchers interface {
	PreviewApply(ctx context.Context, code string, order voucher.OrderContext) (*voucher.Preview, error)
	FindApplicable(ctx context.Context, order voucher.OrderContext) ([]voucher.Voucher, error)
	CommitRedemption(ctx context.Context, voucherID, userID string) error

	CreateVoucher(ctx context.Context, def voucher.Definition) (*voucher.Voucher, error)
	UpdateVoucher(ctx context.Context, id string, def voucher.Definition) (*voucher.Voucher, error)
	SetEnabled(ctx context.Context, id string, enabled bool) (*voucher.Voucher, error)
	DeleteVoucher(ctx context.Context, id string) error
	GetVoucher(ctx context.Context, id string) (*voucher.Voucher, error)
}

var _ Vouchers = (*voucher.Service)(nil)

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// PreviewLimiter throttles previews per user. Nil disables throttling.
	PreviewLimiter *httpmiddleware.Limiter
}

// Handler serves the voucher API.
type Handler struct {
	vouchers     Vouchers
	security     *Security
	previewLimit *httpmiddleware.Limiter
}

// NewHandler constructs a Handler with the required dependencies.
func NewHandler(cfg Config, vouchers Vouchers, security *Security) *Handler {
	return &Handler{
		vouchers:     vouchers,
		security:     security,
		previewLimit: cfg.PreviewLimiter,
	}
}

// Mount registers the API routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Route("/vouchers", func(r chi.Router) {
			r.With(h.security.Require("")).Post("/preview", h.Preview)
			r.With(h.security.Require("")).Post("/applicable", h.Applicable)
			r.With(h.security.Require(auth.ScopeRedeemVoucher)).Post("/{id}/redemptions", h.CommitRedemption)
		})

		r.Route("/admin/vouchers", func(r chi.Router) {
			r.Use(h.security.Require(auth.ScopeManageVouchers))
			r.Post("/", h.CreateVoucher)
			r.Get("/{id}", h.GetVoucher)
			r.Put("/{id}", h.UpdateVoucher)
			r.Delete("/{id}", h.DeleteVoucher)
			r.Post("/{id}/enable", h.setEnabled(true))
			r.Post("/{id}/disable", h.setEnabled(false))
		})
	})
}

// NewRouter builds the HTTP router: probes at the root and the API under /api.
func NewRouter(h *Handler, live, ready http.HandlerFunc) chi.Router {
	r := chi.NewRouter()
	r.Use(httpmiddleware.RouteTag())

	r.Get("/livez", live)
	r.Get("/readyz", ready)

	h.Mount(r)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}
