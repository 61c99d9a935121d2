package market

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Quote is a normalized market update for a single symbol. Quotes are
// immutable once admitted to a Stream.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

var (
	// ErrInvalidQuote marks a quote that fails basic sanity checks.
	ErrInvalidQuote = errors.New("invalid quote")
	// ErrStaleData marks an out-of-order, duplicate, or aged-out update.
	ErrStaleData = errors.New("stale data")
)

// Validate performs fail-closed sanity checks on a quote.
func Validate(q Quote) error {
	if strings.TrimSpace(q.Symbol) == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidQuote)
	}
	if q.Bid <= 0 || q.Ask <= 0 || q.Last <= 0 {
		return fmt.Errorf("%w: non-positive prices bid=%.4f ask=%.4f last=%.4f",
			ErrInvalidQuote, q.Bid, q.Ask, q.Last)
	}
	if q.Ask < q.Bid {
		return fmt.Errorf("%w: ask(%.4f) < bid(%.4f)", ErrInvalidQuote, q.Ask, q.Bid)
	}
	if q.Volume < 0 {
		return fmt.Errorf("%w: negative volume %d", ErrInvalidQuote, q.Volume)
	}
	if q.Timestamp.IsZero() {
		return fmt.Errorf("%w: zero timestamp", ErrInvalidQuote)
	}
	return nil
}

// ClampBias constrains an external directional bias to [-1, 1]. A missing
// bias is neutral (0), never an error.
func ClampBias(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}
