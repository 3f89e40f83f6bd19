package voucher

import (
	"slices"
	"time"
)

// Evaluate decides whether v may be applied to order at instant now. It
// returns nil when every check passes and a *Rejection naming the first
// failed check otherwise. Checks run cheapest first:
// enabled, window, usage cap, minimum order, per-user redemption, audience,
// product scope.
//
// The result is advisory. CommitRedemption re-checks the cap and per-user
// predicates atomically in the store.
func Evaluate(v *Voucher, order OrderContext, now time.Time) error {
	if !v.Enabled {
		return reject(ReasonDisabled)
	}
	if now.Before(v.ValidFrom) || now.After(v.ValidUntil) {
		return reject(ReasonOutsideWindow)
	}
	if v.Exhausted() {
		return reject(ReasonExhaustedLimit)
	}
	if order.Subtotal.LessThan(v.MinimumOrderValue) {
		return reject(ReasonBelowMinimum)
	}
	if v.RedeemedByUser(order.UserID) {
		return reject(ReasonAlreadyRedeemedByUser)
	}
	if !v.Audience.AllUsers && !slices.Contains(v.Audience.CustomerLevels, order.CustomerLevel) {
		return reject(ReasonAudienceMismatch)
	}
	if len(v.ProductScope) > 0 && !intersects(v.ProductScope, order.ProductIDs) {
		return reject(ReasonNoEligibleProductInOrder)
	}
	return nil
}

func intersects(scope, ids []string) bool {
	for _, id := range ids {
		if slices.Contains(scope, id) {
			return true
		}
	}
	return false
}
