package voucher

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// Calculate computes the discount v grants on subtotal. The discount is never
// negative and never exceeds the subtotal, whatever the configured value.
func Calculate(v *Voucher, subtotal decimal.Decimal) Outcome {
	subtotal = floorAtZero(subtotal)

	var raw decimal.Decimal
	switch v.Kind {
	case KindPercentage:
		raw = subtotal.Mul(v.Value).Div(hundred)
	case KindFixedAmount:
		raw = v.Value
	}

	amount := floorAtZero(decimal.Min(raw, subtotal)).Round(2)
	if amount.GreaterThan(subtotal) {
		// Rounding up past a sub-cent subtotal.
		amount = subtotal
	}

	return Outcome{
		DiscountAmount: amount,
		FinalAmount:    subtotal.Sub(amount),
	}
}

// floorAtZero clamps negative values to zero.
func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
