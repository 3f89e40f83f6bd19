package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-voucher/internal/domain/voucher"
)

// writeServiceError maps voucher service errors to responses:
//
//	commit conflict          409
//	other rejections         422
//	invalid definition       400
//	unknown scope products   400
//	duplicate code           409
//	limit below used count   422
//	voucher not found        404
//	anything else            500
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if rej, ok := voucher.AsRejection(err); ok {
		status := http.StatusUnprocessableEntity
		if rej.Reason == voucher.ReasonCommitConflict {
			status = http.StatusConflict
		}
		writeRejection(w, status, rej)
		return
	}

	var invalid *voucher.InvalidError
	if errors.As(err, &invalid) {
		writeJSON(w, http.StatusBadRequest, func(e *jx.Encoder) {
			e.ObjStart()
			e.FieldStart("code")
			e.Int(http.StatusBadRequest)
			e.FieldStart("message")
			e.Str(invalid.Error())
			e.FieldStart("field")
			e.Str(invalid.Field)
			e.ObjEnd()
		})
		return
	}

	var unknown *voucher.UnknownProductsError
	if errors.As(err, &unknown) {
		writeJSON(w, http.StatusBadRequest, func(e *jx.Encoder) {
			e.ObjStart()
			e.FieldStart("code")
			e.Int(http.StatusBadRequest)
			e.FieldStart("message")
			e.Str("unknown products in scope")
			e.FieldStart("productIds")
			encodeStrings(e, unknown.IDs)
			e.ObjEnd()
		})
		return
	}

	switch {
	case errors.Is(err, voucher.ErrCodeConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, voucher.ErrLimitBelowUsage):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, voucher.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		zctx.From(r.Context()).Error("Voucher operation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeRejection(w http.ResponseWriter, status int, rej *voucher.Rejection) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("code")
		e.Int(status)
		e.FieldStart("message")
		e.Str(rej.Error())
		e.FieldStart("reason")
		e.Str(string(rej.Reason))
		if rej.Cause != "" {
			e.FieldStart("cause")
			e.Str(string(rej.Cause))
		}
		e.ObjEnd()
	})
}
