package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-voucher/internal/domain/voucher"
	"github.com/xenking/kart-voucher/pkg/httpmiddleware"
)

// Preview prices a voucher code against an order without consuming it.
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	var (
		code        string
		order       voucher.OrderContext
		hasSubtotal bool
	)
	err := decodeBody(w, r, func(d *jx.Decoder, key string) error {
		if key == "code" {
			var err error
			code, err = d.Str()
			return fieldError(key, err)
		}
		if key == "subtotal" {
			hasSubtotal = true
		}
		ok, err := decodeOrderField(d, key, &order)
		if !ok {
			return d.Skip()
		}
		return err
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	if msg := validateOrder(order, hasSubtotal); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	if !h.allowPreview(w, r, order.UserID) {
		return
	}

	p, err := h.vouchers.PreviewApply(r.Context(), code, order)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("voucherId")
		e.Str(p.VoucherID)
		e.FieldStart("code")
		e.Str(p.Code)
		e.FieldStart("discountAmount")
		encodeDecimal(e, p.DiscountAmount)
		e.FieldStart("finalAmount")
		encodeDecimal(e, p.FinalAmount)
		e.ObjEnd()
	})
}

// Applicable lists vouchers the order could use, best discount first.
func (h *Handler) Applicable(w http.ResponseWriter, r *http.Request) {
	var (
		order       voucher.OrderContext
		hasSubtotal bool
	)
	err := decodeBody(w, r, func(d *jx.Decoder, key string) error {
		if key == "subtotal" {
			hasSubtotal = true
		}
		ok, err := decodeOrderField(d, key, &order)
		if !ok {
			return d.Skip()
		}
		return err
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if msg := validateOrder(order, hasSubtotal); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	vs, err := h.vouchers.FindApplicable(r.Context(), order)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("vouchers")
		e.ArrStart()
		for i := range vs {
			encodeVoucher(e, &vs[i])
		}
		e.ArrEnd()
		e.ObjEnd()
	})
}

// CommitRedemption consumes one use of the voucher for the user.
func (h *Handler) CommitRedemption(w http.ResponseWriter, r *http.Request) {
	var userID string
	err := decodeBody(w, r, func(d *jx.Decoder, key string) error {
		if key != "userId" {
			return d.Skip()
		}
		var err error
		userID, err = d.Str()
		return fieldError(key, err)
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.vouchers.CommitRedemption(r.Context(), id, userID); err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("voucherId")
		e.Str(id)
		e.FieldStart("userId")
		e.Str(userID)
		e.ObjEnd()
	})
}

// CreateVoucher stores a new voucher definition.
func (h *Handler) CreateVoucher(w http.ResponseWriter, r *http.Request) {
	def, ok := h.readDefinition(w, r)
	if !ok {
		return
	}
	v, err := h.vouchers.CreateVoucher(r.Context(), def)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/admin/vouchers/"+v.ID)
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeVoucher(e, v) })
}

// GetVoucher returns a voucher with its usage counters.
func (h *Handler) GetVoucher(w http.ResponseWriter, r *http.Request) {
	v, err := h.vouchers.GetVoucher(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeVoucher(e, v) })
}

// UpdateVoucher replaces a voucher definition.
func (h *Handler) UpdateVoucher(w http.ResponseWriter, r *http.Request) {
	def, ok := h.readDefinition(w, r)
	if !ok {
		return
	}
	v, err := h.vouchers.UpdateVoucher(r.Context(), chi.URLParam(r, "id"), def)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeVoucher(e, v) })
}

// DeleteVoucher removes a voucher.
func (h *Handler) DeleteVoucher(w http.ResponseWriter, r *http.Request) {
	if err := h.vouchers.DeleteVoucher(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := h.vouchers.SetEnabled(r.Context(), chi.URLParam(r, "id"), enabled)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeVoucher(e, v) })
	}
}

func (h *Handler) readDefinition(w http.ResponseWriter, r *http.Request) (voucher.Definition, bool) {
	def := newDefinition()
	err := decodeBody(w, r, func(d *jx.Decoder, key string) error {
		return decodeDefinition(d, key, &def)
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return def, false
	}
	return def, true
}

// allowPreview applies the per-user preview throttle. Anonymous previews are
// keyed by client IP.
func (h *Handler) allowPreview(w http.ResponseWriter, r *http.Request, userID string) bool {
	if h.previewLimit == nil {
		return true
	}
	key := "user:" + userID
	if userID == "" {
		key = "ip:" + httpmiddleware.ClientIP(r)
	}
	d := h.previewLimit.Allow(key)
	httpmiddleware.WriteHeaders(w, d)
	if !d.Allowed {
		httpmiddleware.WriteTooManyRequests(w, d)
		return false
	}
	return true
}

func validateOrder(order voucher.OrderContext, hasSubtotal bool) string {
	switch {
	case !hasSubtotal:
		return "subtotal is required"
	case order.Subtotal.IsNegative():
		return "subtotal must not be negative"
	}
	return ""
}
