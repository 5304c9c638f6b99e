package domain

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// quantityPlaces bounds the precision accepted from the wire.
const quantityPlaces = 6

// quantityTolerance absorbs binary float artifacts such as 0.1+0.2.
// Differences above it are real extra precision.
const quantityTolerance = 1e-9

// QuantityFromFloat converts a wire quantity to a decimal. It rejects NaN,
// infinities, values that are not strictly positive and values with more
// than quantityPlaces decimal places.
func QuantityFromFloat(f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, &ValidationError{Message: "quantity must be a finite number"}
	}
	if f <= 0 {
		return decimal.Zero, &ValidationError{
			Message: fmt.Sprintf("quantity must be greater than 0, got %v", f),
		}
	}
	exact := decimal.NewFromFloat(f)
	q := exact.Round(quantityPlaces)
	if q.IsZero() || exact.Sub(q).Abs().InexactFloat64() > quantityTolerance {
		return decimal.Zero, &ValidationError{
			Message: fmt.Sprintf("quantity %v has more than %d decimal places", f, quantityPlaces),
		}
	}
	return q, nil
}

// QuantityToFloat converts a decimal quantity back to its wire form.
func QuantityToFloat(q decimal.Decimal) float64 {
	return q.InexactFloat64()
}
