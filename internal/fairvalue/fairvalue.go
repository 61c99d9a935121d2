// Package fairvalue derives the domestic reference price for 10 grams of
// gold from the global spot price, the FX rate, and the confirmed fiscal
// regime.
package fairvalue

import (
	"errors"
	"fmt"
	"time"

	"github.com/rkapoor/goldarb/internal/fiscal"
)

// GramsPerTroyOunce is the exact conversion constant. Approximations
// (e.g. 31.1) are a correctness defect here: the calculator's single job is
// an exact unit conversion.
const GramsPerTroyOunce = 31.1034768

const conversionFactor10g = 10.0 / GramsPerTroyOunce

// ErrInvalidInput rejects non-positive prices or rates and unconfirmed
// regimes. Bad input is rejected, never guessed at.
var ErrInvalidInput = errors.New("invalid input")

// Value is a derived fair value. It is recomputed on every evaluation and
// never cached across regime changes.
type Value struct {
	BasisPrice    float64       `json:"basis_price"` // USD per troy ounce
	FXRate        float64       `json:"fx_rate"`
	Regime        fiscal.Regime `json:"regime"`
	ComputedValue float64       `json:"computed_value"` // domestic currency per 10g
	ComputedAt    time.Time     `json:"computed_at"`
}

// Compute converts a global spot price (per troy ounce) into the fully
// costed domestic fair value per 10 grams:
//
//	base        = basis * fx * (10 / 31.1034768)
//	landed      = base * (1 + duty)
//	withPremium = landed * (1 + bankPremium)
//	fairValue   = withPremium * (1 + gst)
func Compute(basisPerOunce, fxRate float64, regime fiscal.Regime) (float64, error) {
	if basisPerOunce <= 0 {
		return 0, fmt.Errorf("%w: basis price %.4f", ErrInvalidInput, basisPerOunce)
	}
	if fxRate <= 0 {
		return 0, fmt.Errorf("%w: fx rate %.4f", ErrInvalidInput, fxRate)
	}
	if regime.DutyRate <= 0 || regime.BankPremiumRate <= 0 || regime.GSTRate <= 0 {
		return 0, fmt.Errorf("%w: non-positive fiscal rate (duty=%.4f premium=%.4f gst=%.4f)",
			ErrInvalidInput, regime.DutyRate, regime.BankPremiumRate, regime.GSTRate)
	}
	if !regime.Confirmed() {
		return 0, fmt.Errorf("%w: regime unconfirmed", ErrInvalidInput)
	}

	base := basisPerOunce * fxRate * conversionFactor10g
	landed := base * (1 + regime.DutyRate)
	withPremium := landed * (1 + regime.BankPremiumRate)
	return withPremium * (1 + regime.GSTRate), nil
}

// ComputeValue is Compute with the full provenance record attached.
func ComputeValue(basisPerOunce, fxRate float64, regime fiscal.Regime, now time.Time) (Value, error) {
	fv, err := Compute(basisPerOunce, fxRate, regime)
	if err != nil {
		return Value{}, err
	}
	return Value{
		BasisPrice:    basisPerOunce,
		FXRate:        fxRate,
		Regime:        regime,
		ComputedValue: fv,
		ComputedAt:    now.UTC(),
	}, nil
}
