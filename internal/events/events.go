// Package events carries the engine's typed event stream. Delivery is
// best-effort by contract: a slow or failing sink can never stall or corrupt
// core trading state.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies an event category for external consumers.
type Type string

const (
	TypeSignalGenerated       Type = "SignalGenerated"
	TypeTradeOpened           Type = "TradeOpened"
	TypeTradeClosed           Type = "TradeClosed"
	TypeKillSwitchTriggered   Type = "KillSwitchTriggered"
	TypeRegimeConfirmed       Type = "RegimeConfirmed"
	TypeRegimeChangeSuspected Type = "RegimeChangeSuspected"
	TypeStaleData             Type = "StaleData"
	TypeOrderFailed           Type = "OrderFailed"
	TypeTradeRejected         Type = "TradeRejected"
)

// Event is one emission on the stream.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// New builds an event with a fresh ID and UTC timestamp.
func New(t Type, payload map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Publisher is the producer-side interface components hold.
type Publisher interface {
	Publish(Event)
}

// Sink consumes delivered events. Errors are logged and dropped.
type Sink interface {
	Deliver(Event) error
}

// Nop is a Publisher that discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}
