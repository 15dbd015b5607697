package domain

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Price is a fixed-point price expressed in ticks. A tick is 10^-scale of a
// currency unit, where scale is the venue's configured price scale. Prices
// never pass through floating point inside the engine.
type Price int64

var maxTicks = decimal.NewFromInt(math.MaxInt64)

// ParsePrice converts a decimal string such as "10.25" into ticks at the
// given scale. It rejects values with more fractional digits than the
// scale allows instead of rounding them.
func ParsePrice(s string, scale int32) (Price, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("price %q is not a decimal number", s)
	}
	return PriceFromDecimal(d, scale)
}

// PriceFromDecimal converts a decimal into ticks at the given scale.
func PriceFromDecimal(d decimal.Decimal, scale int32) (Price, error) {
	scaled := d.Shift(scale)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("price %s has more than %d decimal places", d.String(), scale)
	}
	if scaled.Abs().GreaterThan(maxTicks) {
		return 0, fmt.Errorf("price %s out of range", d.String())
	}
	return Price(scaled.IntPart()), nil
}

// Decimal returns the price as a decimal at the given scale.
func (p Price) Decimal(scale int32) decimal.Decimal {
	return decimal.New(int64(p), -scale)
}

// Format renders the price with exactly scale fractional digits.
func (p Price) Format(scale int32) string {
	return p.Decimal(scale).StringFixed(scale)
}
