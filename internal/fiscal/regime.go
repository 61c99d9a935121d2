package fiscal

import (
	"errors"
	"fmt"
	"time"
)

// Regime is the confirmed set of fiscal parameters feeding the fair-value
// computation. Exactly one regime is active per trading session, and it is
// only ever replaced through Gate.Confirm.
type Regime struct {
	DutyRate        float64   `json:"duty_rate" yaml:"duty_rate"`
	BankPremiumRate float64   `json:"bank_premium_rate" yaml:"bank_premium_rate"`
	GSTRate         float64   `json:"gst_rate" yaml:"gst_rate"`
	ConfirmedAt     time.Time `json:"confirmed_at" yaml:"-"`
	ConfirmedBy     string    `json:"confirmed_by" yaml:"-"`
}

// Duty announcements historically sit well inside 0-20%; anything outside is
// a data-entry error, not a policy change.
const maxDutyRate = 0.20

var ErrInvalidRegime = errors.New("invalid regime")

// Validate rejects fiscal parameters outside their plausible bounds.
func (r Regime) Validate() error {
	if r.DutyRate < 0 || r.DutyRate > maxDutyRate {
		return fmt.Errorf("%w: duty rate %.4f outside [0, %.2f]", ErrInvalidRegime, r.DutyRate, maxDutyRate)
	}
	if r.BankPremiumRate < 0 || r.BankPremiumRate > 0.10 {
		return fmt.Errorf("%w: bank premium rate %.4f outside [0, 0.10]", ErrInvalidRegime, r.BankPremiumRate)
	}
	if r.GSTRate < 0 || r.GSTRate > 0.30 {
		return fmt.Errorf("%w: gst rate %.4f outside [0, 0.30]", ErrInvalidRegime, r.GSTRate)
	}
	return nil
}

// Confirmed reports whether the regime carries a confirmation stamp.
func (r Regime) Confirmed() bool {
	return !r.ConfirmedAt.IsZero()
}
