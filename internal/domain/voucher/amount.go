package voucher

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Amounts follow the NUMERIC(14, 2) columns of the vouchers table.
const (
	AmountScale         = 2
	AmountIntegerDigits = 12

	// Trailing zeros past the scale are accepted up to this exponent.
	minAmountExponent = -18
	// Any coefficient this wide overflows the integer digits even at
	// minAmountExponent.
	maxCoefficientBits = 128
)

var (
	// ErrAmountTooLarge is returned by CheckAmount for values with more than
	// AmountIntegerDigits integer digits.
	ErrAmountTooLarge = errors.New("must have at most 12 integer digits")
	// ErrAmountScale is returned by CheckAmount for values with more than
	// AmountScale decimal places.
	ErrAmountScale = errors.New("must have at most 2 decimal places")
)

// CheckAmount reports whether v fits a stored currency amount. The exponent
// and coefficient width are checked before any arithmetic: comparing a value
// like 1e50000000 rescales it to a 50 million digit integer.
func CheckAmount(v decimal.Decimal) error {
	exp := v.Exponent()
	if exp > AmountIntegerDigits {
		return ErrAmountTooLarge
	}
	if exp < minAmountExponent {
		return ErrAmountScale
	}
	if v.Coefficient().BitLen() > maxCoefficientBits {
		return ErrAmountTooLarge
	}
	if !v.IsZero() && int64(v.NumDigits())+int64(exp) > AmountIntegerDigits {
		return ErrAmountTooLarge
	}
	if exp < -AmountScale && !v.Truncate(AmountScale).Equal(v) {
		return ErrAmountScale
	}
	return nil
}

func checkAmountField(field string, v decimal.Decimal) error {
	if err := CheckAmount(v); err != nil {
		return &InvalidError{Field: field, Message: err.Error()}
	}
	return nil
}
