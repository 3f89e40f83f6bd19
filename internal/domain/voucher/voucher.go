package voucher

import (
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DiscountKind enumerates the supported voucher discount strategies.
type DiscountKind string

const (
	// KindPercentage takes a percentage of the order subtotal.
	KindPercentage DiscountKind = "percentage"
	// KindFixedAmount takes a fixed currency amount, capped at the subtotal.
	KindFixedAmount DiscountKind = "fixed_amount"
)

// Valid reports whether k is a known discount kind.
func (k DiscountKind) Valid() bool {
	return k == KindPercentage || k == KindFixedAmount
}

var (
	// ErrCodeConflict is returned when a voucher code is already used by
	// another record.
	ErrCodeConflict = errors.New("voucher code already exists")
	// ErrNotFound is returned by a Repository when no voucher matches.
	ErrNotFound = errors.New("voucher not found")
)

// Audience restricts a voucher to a subset of customers.
type Audience struct {
	AllUsers       bool
	CustomerLevels []string
}

// Voucher is a discount definition together with its usage counters.
type Voucher struct {
	ID                string
	Code              string
	Description       string
	Kind              DiscountKind
	Value             decimal.Decimal
	MinimumOrderValue decimal.Decimal
	ValidFrom         time.Time
	ValidUntil        time.Time
	UsageLimit        int
	UsedCount         int
	RedeemedBy        []string
	ProductScope      []string
	Audience          Audience
	Enabled           bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RedeemedByUser reports whether userID has already consumed the voucher.
func (v *Voucher) RedeemedByUser(userID string) bool {
	return slices.Contains(v.RedeemedBy, userID)
}

// Exhausted reports whether the global usage cap has been reached.
func (v *Voucher) Exhausted() bool {
	return v.UsedCount >= v.UsageLimit
}

// OrderContext describes the order a voucher is evaluated against. It is
// supplied by the caller and never persisted.
type OrderContext struct {
	UserID     string
	Subtotal   decimal.Decimal
	ProductIDs []string
	// CustomerLevel is the user's tier. When empty, the service resolves it
	// through the customer repository.
	CustomerLevel string
}

// Outcome is the result of applying a voucher to a subtotal.
type Outcome struct {
	DiscountAmount decimal.Decimal
	FinalAmount    decimal.Decimal
}

// Preview is a priced, not yet committed, voucher application. VoucherID is
// what the caller later passes to CommitRedemption.
type Preview struct {
	VoucherID string
	Code      string
	Outcome
}

// ApplicableQuery carries the predicates pushed down to the store when
// searching for vouchers an order could use.
type ApplicableQuery struct {
	Now           time.Time
	UserID        string
	Subtotal      decimal.Decimal
	ProductIDs    []string
	CustomerLevel string
}

// Repository persists vouchers. Redeem must be a single atomic conditional
// update on one record: increment used count and append userID only if the
// count is below the limit and the user is not yet present. It returns false
// when no record was modified. SetEnabled writes only the enabled flag and
// the update time.
type Repository interface {
	Create(ctx context.Context, v *Voucher) error
	Update(ctx context.Context, v *Voucher) error
	SetEnabled(ctx context.Context, id string, enabled bool, at time.Time) error
	Delete(ctx context.Context, id string) error
	FindByID(ctx context.Context, id string) (*Voucher, error)
	FindByCode(ctx context.Context, code string) (*Voucher, error)
	FindApplicable(ctx context.Context, q ApplicableQuery) ([]Voucher, error)
	Redeem(ctx context.Context, id, userID string) (bool, error)
}
