// Package broker abstracts order placement. The engine only ever sees this
// interface; wire formats and venue protocols live behind it.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/rkapoor/goldarb/internal/ledger"
)

// Order is a request to trade. ClientOrderID is supplied by the caller and
// brokers are assumed idempotent per that ID.
type Order struct {
	ClientOrderID string      `json:"client_order_id"`
	Symbol        string      `json:"symbol"`
	Side          ledger.Side `json:"side"`
	Quantity      float64     `json:"quantity"`
	Price         float64     `json:"price"` // reference price at submission
}

// Fill is a broker acknowledgement. Once returned, the order is final and
// must be reconciled through the ledger, never discarded.
type Fill struct {
	OrderID       string      `json:"order_id"`
	ClientOrderID string      `json:"client_order_id"`
	Symbol        string      `json:"symbol"`
	Side          ledger.Side `json:"side"`
	Quantity      float64     `json:"quantity"`
	Price         float64     `json:"price"`
	Timestamp     time.Time   `json:"timestamp"`
	LatencyMs     int         `json:"latency_ms"`
	SlippageBps   int         `json:"slippage_bps"`
}

// Broker places orders on a venue.
type Broker interface {
	PlaceOrder(ctx context.Context, o Order) (Fill, error)
}

var (
	// ErrRejected is a permanent venue rejection; retrying cannot help.
	ErrRejected = errors.New("order rejected")
	// ErrUnavailable is a transient venue failure (timeout, 5xx-equivalent).
	ErrUnavailable = errors.New("broker unavailable")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
