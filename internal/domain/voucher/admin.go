package voucher

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxCodeLen = 64

// ErrLimitBelowUsage is returned by Repository.Update when the new usage
// limit is lower than the stored used count.
var ErrLimitBelowUsage = errors.New("usage limit below used count")

// Definition holds the administrator-controlled fields of a voucher.
type Definition struct {
	Code              string
	Description       string
	Kind              DiscountKind
	Value             decimal.Decimal
	MinimumOrderValue decimal.Decimal
	ValidFrom         time.Time
	ValidUntil        time.Time
	UsageLimit        int
	ProductScope      []string
	Audience          Audience
	Enabled           bool
}

// CreateVoucher validates def and stores a new voucher with zero usage.
func (s *Service) CreateVoucher(ctx context.Context, def Definition) (*Voucher, error) {
	def, err := s.validate(ctx, def)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	v := &Voucher{
		ID:         uuid.NewString(),
		RedeemedBy: []string{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	def.applyTo(v)

	if err := s.vouchers.Create(ctx, v); err != nil {
		if errors.Is(err, ErrCodeConflict) {
			return nil, ErrCodeConflict
		}
		return nil, errors.Wrap(err, "create voucher")
	}

	zctx.From(ctx).Info("Voucher created",
		zap.String("voucher_id", v.ID),
		zap.String("code", v.Code),
	)
	return v, nil
}

// UpdateVoucher replaces the definition of an existing voucher. Usage
// counters are left untouched.
func (s *Service) UpdateVoucher(ctx context.Context, id string, def Definition) (*Voucher, error) {
	def, err := s.validate(ctx, def)
	if err != nil {
		return nil, err
	}

	v, err := s.GetVoucher(ctx, id)
	if err != nil {
		return nil, err
	}
	if def.UsageLimit < v.UsedCount {
		return nil, &InvalidError{Field: "usageLimit", Message: "must not be lower than the used count"}
	}
	def.applyTo(v)
	v.UpdatedAt = s.now().UTC()

	if err := s.vouchers.Update(ctx, v); err != nil {
		switch {
		case errors.Is(err, ErrCodeConflict):
			return nil, ErrCodeConflict
		case errors.Is(err, ErrNotFound):
			return nil, ErrNotFound
		case errors.Is(err, ErrLimitBelowUsage):
			return nil, &InvalidError{Field: "usageLimit", Message: "must not be lower than the used count"}
		}
		return nil, errors.Wrap(err, "update voucher")
	}
	return v, nil
}

// SetEnabled flips the administrative kill-switch. Only the flag is written,
// so a concurrent definition update is not overwritten.
func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) (*Voucher, error) {
	if err := s.vouchers.SetEnabled(ctx, id, enabled, s.now().UTC()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "set voucher enabled")
	}
	return s.GetVoucher(ctx, id)
}

// GetVoucher returns a voucher by ID.
func (s *Service) GetVoucher(ctx context.Context, id string) (*Voucher, error) {
	v, err := s.vouchers.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "find voucher")
	}
	return v, nil
}

// DeleteVoucher removes a voucher definition.
func (s *Service) DeleteVoucher(ctx context.Context, id string) error {
	if err := s.vouchers.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return errors.Wrap(err, "delete voucher")
	}
	return nil
}

func (s *Service) validate(ctx context.Context, def Definition) (Definition, error) {
	if err := checkAmountField("discountValue", def.Value); err != nil {
		return def, err
	}
	if err := checkAmountField("minimumOrderValue", def.MinimumOrderValue); err != nil {
		return def, err
	}

	switch {
	case def.Code == "" || strings.TrimSpace(def.Code) != def.Code:
		return def, &InvalidError{Field: "code", Message: "must be non-empty without surrounding spaces"}
	case len(def.Code) > maxCodeLen:
		return def, &InvalidError{Field: "code", Message: "too long"}
	case !def.Kind.Valid():
		return def, &InvalidError{Field: "discountKind", Message: "unsupported discount kind"}
	case !def.Value.IsPositive():
		return def, &InvalidError{Field: "discountValue", Message: "must be positive"}
	case def.Kind == KindPercentage && def.Value.GreaterThan(hundred):
		return def, &InvalidError{Field: "discountValue", Message: "percentage must not exceed 100"}
	case def.MinimumOrderValue.IsNegative():
		return def, &InvalidError{Field: "minimumOrderValue", Message: "must not be negative"}
	case def.ValidFrom.IsZero() || def.ValidUntil.IsZero():
		return def, &InvalidError{Field: "validity", Message: "validFrom and validUntil are required"}
	case def.ValidFrom.After(def.ValidUntil):
		return def, &InvalidError{Field: "validity", Message: "validFrom must not be after validUntil"}
	case def.UsageLimit <= 0:
		return def, &InvalidError{Field: "usageLimit", Message: "must be positive"}
	case !def.Audience.AllUsers && len(def.Audience.CustomerLevels) == 0:
		return def, &InvalidError{Field: "audience", Message: "customer levels required when not open to all users"}
	}

	def.Value = def.Value.Truncate(AmountScale)
	def.MinimumOrderValue = def.MinimumOrderValue.Truncate(AmountScale)
	def.ProductScope = dedupe(def.ProductScope)
	def.Audience.CustomerLevels = dedupe(def.Audience.CustomerLevels)

	if len(def.ProductScope) > 0 {
		missing, err := s.products.Missing(ctx, def.ProductScope)
		if err != nil {
			return def, errors.Wrap(err, "check product scope")
		}
		if len(missing) > 0 {
			return def, &UnknownProductsError{IDs: missing}
		}
	}
	return def, nil
}

func (def Definition) applyTo(v *Voucher) {
	v.Code = def.Code
	v.Description = def.Description
	v.Kind = def.Kind
	v.Value = def.Value
	v.MinimumOrderValue = def.MinimumOrderValue
	v.ValidFrom = def.ValidFrom.UTC()
	v.ValidUntil = def.ValidUntil.UTC()
	v.UsageLimit = def.UsageLimit
	v.ProductScope = def.ProductScope
	v.Audience = def.Audience
	v.Enabled = def.Enabled
}

// dedupe returns ids without blanks or repeats, keeping first occurrences.
func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}
