package voucher

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Reason identifies why a voucher could not be applied or redeemed.
type Reason string

const (
	ReasonNotFound                 Reason = "not_found"
	ReasonDisabled                 Reason = "disabled"
	ReasonOutsideWindow            Reason = "outside_window"
	ReasonExhaustedLimit           Reason = "exhausted_limit"
	ReasonBelowMinimum             Reason = "below_minimum"
	ReasonAlreadyRedeemedByUser    Reason = "already_redeemed_by_user"
	ReasonAudienceMismatch         Reason = "audience_mismatch"
	ReasonNoEligibleProductInOrder Reason = "no_eligible_product_in_order"
	ReasonCommitConflict           Reason = "commit_conflict"
)

var messages = map[Reason]string{
	ReasonNotFound:                 "voucher not found",
	ReasonDisabled:                 "voucher is disabled",
	ReasonOutsideWindow:            "voucher is not valid at this time",
	ReasonExhaustedLimit:           "voucher usage limit reached",
	ReasonBelowMinimum:             "order subtotal is below the voucher minimum",
	ReasonAlreadyRedeemedByUser:    "voucher already redeemed by this user",
	ReasonAudienceMismatch:         "voucher is not available for this customer level",
	ReasonNoEligibleProductInOrder: "order has no product eligible for this voucher",
	ReasonCommitConflict:           "voucher could not be redeemed",
}

// Message returns a human-readable description of the reason.
func (r Reason) Message() string {
	if m, ok := messages[r]; ok {
		return m
	}
	return string(r)
}

// ErrRejected matches every *Rejection via errors.Is.
var ErrRejected = errors.New("voucher rejected")

// Rejection is a routine business outcome: the voucher cannot be applied or
// redeemed. It is returned as an error value but is not an infrastructure
// failure.
type Rejection struct {
	Reason Reason
	// Cause is set on commit conflicts when the failing predicate could be
	// identified by reading the record after the failed update.
	Cause Reason
}

func reject(r Reason) *Rejection {
	return &Rejection{Reason: r}
}

func (r *Rejection) Error() string {
	if r.Cause != "" {
		return fmt.Sprintf("%s: %s", r.Reason.Message(), r.Cause.Message())
	}
	return r.Reason.Message()
}

// Is makes errors.Is(err, ErrRejected) true for any rejection.
func (r *Rejection) Is(target error) bool {
	return target == ErrRejected
}

// AsRejection unwraps err into a *Rejection.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// InvalidError describes a voucher definition that fails validation.
type InvalidError struct {
	Field   string
	Message string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// UnknownProductsError lists product scope entries missing from the catalog.
type UnknownProductsError struct {
	IDs []string
}

func (e *UnknownProductsError) Error() string {
	return fmt.Sprintf("unknown products in scope: %v", e.IDs)
}
