// Package signal turns the fair-value spread into a discrete trade signal.
// Arbitrage mispricing is the primary source of truth; an external
// directional bias is corroborating evidence only.
package signal

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rkapoor/goldarb/internal/events"
	"github.com/rkapoor/goldarb/internal/fiscal"
	"github.com/rkapoor/goldarb/internal/market"
)

// Direction is the discrete trade decision.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
	Hold Direction = "HOLD"
)

// Confidence is a coarse tier, downgraded (never flipped) when the
// directional bias disagrees with the arbitrage direction.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// Hold reason codes.
const (
	ReasonWithinThreshold  = "within_threshold"
	ReasonGateNotTradeable = "gate_not_tradeable"
	ReasonInvalidInput     = "invalid_input"
)

// Signal is one evaluation's outcome. It is not persisted beyond the cycle
// that consumes it.
type Signal struct {
	Direction   Direction  `json:"direction"`
	SpreadPct   float64    `json:"spread_pct"` // (market - fair) / fair
	Confidence  Confidence `json:"confidence"`
	FairValue   float64    `json:"fair_value"`
	MarketPrice float64    `json:"market_price"`
	Reason      string     `json:"reason,omitempty"` // set on HOLD
	Timestamp   time.Time  `json:"timestamp"`
}

// Config tunes the generator.
type Config struct {
	ThresholdPct float64 `yaml:"threshold_pct"` // entry threshold on |spread|, default 0.005
}

func (c *Config) applyDefaults() {
	if c.ThresholdPct == 0 {
		c.ThresholdPct = 0.005
	}
}

// Generator evaluates market price against fair value, gated on fiscal
// confirmation.
type Generator struct {
	cfg  Config
	gate *fiscal.Gate
	bus  events.Publisher
	now  func() time.Time
}

// NewGenerator wires the generator. bus may be nil.
func NewGenerator(cfg Config, gate *fiscal.Gate, bus events.Publisher) *Generator {
	cfg.applyDefaults()
	if bus == nil {
		bus = events.Nop{}
	}
	return &Generator{cfg: cfg, gate: gate, bus: bus, now: time.Now}
}

// Evaluate produces the signal for one cycle. bias is the optional external
// directional hint in [-1, 1]; 0 is neutral. BUY/SELL is never emitted while
// the gate is not tradeable; a HOLD with a reason code is emitted instead.
func (g *Generator) Evaluate(marketPrice, fairValue, bias float64) Signal {
	sig := Signal{
		Direction:   Hold,
		FairValue:   fairValue,
		MarketPrice: marketPrice,
		Confidence:  ConfidenceLow,
		Timestamp:   g.now().UTC(),
	}

	switch {
	case !g.gate.IsTradeable():
		sig.Reason = ReasonGateNotTradeable
	case marketPrice <= 0 || fairValue <= 0:
		sig.Reason = ReasonInvalidInput
	default:
		sig.SpreadPct = (marketPrice - fairValue) / fairValue
		switch {
		case sig.SpreadPct < -g.cfg.ThresholdPct:
			sig.Direction = Buy
		case sig.SpreadPct > g.cfg.ThresholdPct:
			sig.Direction = Sell
		default:
			sig.Reason = ReasonWithinThreshold
		}
		if sig.Direction != Hold {
			sig.Confidence = g.confidence(sig.Direction, sig.SpreadPct, market.ClampBias(bias))
		}
	}

	log.Debug().Str("direction", string(sig.Direction)).
		Float64("spread_pct", sig.SpreadPct).Str("reason", sig.Reason).
		Str("confidence", string(sig.Confidence)).Msg("signal evaluated")
	g.bus.Publish(events.New(events.TypeSignalGenerated, map[string]any{
		"direction":    string(sig.Direction),
		"spread_pct":   sig.SpreadPct,
		"confidence":   string(sig.Confidence),
		"fair_value":   sig.FairValue,
		"market_price": sig.MarketPrice,
		"reason":       sig.Reason,
	}))
	return sig
}

// Threshold returns the entry threshold on |spread|.
func (g *Generator) Threshold() float64 {
	return g.cfg.ThresholdPct
}

func (g *Generator) confidence(dir Direction, spread, bias float64) Confidence {
	tier := ConfidenceMedium
	// A spread at twice the entry threshold is a conviction setup.
	if abs(spread) >= 2*g.cfg.ThresholdPct {
		tier = ConfidenceHigh
	}

	dirSign := 1.0
	if dir == Sell {
		dirSign = -1.0
	}
	if bias*dirSign < 0 {
		tier = downgrade(tier)
	}
	return tier
}

func downgrade(c Confidence) Confidence {
	switch c {
	case ConfidenceHigh:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
