package fiscal

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rkapoor/goldarb/internal/events"
)

// State is the gate's confirmation state.
type State string

const (
	StateUnconfirmed State = "UNCONFIRMED"
	StateConfirmed   State = "CONFIRMED"
	StateStale       State = "STALE"
	StateSuperseded  State = "SUPERSEDED"
)

var (
	// ErrNotConfirmed is returned when a confirmed regime is required but the
	// gate is not in a tradeable state.
	ErrNotConfirmed = errors.New("fiscal regime not confirmed")
	// ErrRegimeExpired marks a confirmation older than the session validity
	// window. A stale regime is a hard error, not a warning.
	ErrRegimeExpired = errors.New("fiscal regime confirmation expired")
	// ErrDutyJump rejects a confirmation whose duty rate moved more than the
	// change threshold without an explicit override.
	ErrDutyJump = errors.New("duty change exceeds threshold, override required")
)

// GateConfig tunes the gate. The anomaly threshold and run length are
// deliberately configurable: the documented defaults are operating
// assumptions, not validated constants.
type GateConfig struct {
	ChangeThreshold  float64 `yaml:"change_threshold"`  // duty delta requiring override, default 0.01 (1pp)
	AnomalyThreshold float64 `yaml:"anomaly_threshold"` // |market-fair|/fair trip level, default 0.02
	AnomalyRun       int     `yaml:"anomaly_run"`       // consecutive breaches before tripping, default 2
	ValidityHours    int     `yaml:"validity_hours"`    // confirmation validity window, default 24
}

func (c *GateConfig) applyDefaults() {
	if c.ChangeThreshold == 0 {
		c.ChangeThreshold = 0.01
	}
	if c.AnomalyThreshold == 0 {
		c.AnomalyThreshold = 0.02
	}
	if c.AnomalyRun == 0 {
		c.AnomalyRun = 2
	}
	if c.ValidityHours == 0 {
		c.ValidityHours = 24
	}
}

// Gate holds the currently confirmed fiscal regime and blocks trading until a
// trusted source confirms it for the session. It also watches the observed
// spread for sustained anomalies that suggest an unannounced regime change.
type Gate struct {
	mu           sync.RWMutex
	cfg          GateConfig
	state        State
	regime       Regime
	priorRegime  Regime
	priorState   State // SUPERSEDED once a confirmed regime has been replaced
	anomalyCount int
	bus          events.Publisher
	now          func() time.Time
}

// NewGate starts UNCONFIRMED. bus may be nil.
func NewGate(cfg GateConfig, bus events.Publisher) *Gate {
	cfg.applyDefaults()
	if bus == nil {
		bus = events.Nop{}
	}
	return &Gate{
		cfg:   cfg,
		state: StateUnconfirmed,
		bus:   bus,
		now:   time.Now,
	}
}

// Confirm installs a regime from a trusted source and transitions the gate to
// CONFIRMED. When a previous confirmation exists, a duty move beyond the
// change threshold is rejected unless override is set: a policy change must
// be acknowledged, never silently applied.
func (g *Gate) Confirm(r Regime, source string, override bool) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if source == "" {
		return fmt.Errorf("%w: empty confirmation source", ErrInvalidRegime)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.regime.Confirmed() && !override {
		if delta := math.Abs(r.DutyRate - g.regime.DutyRate); delta > g.cfg.ChangeThreshold {
			return fmt.Errorf("%w: |%.4f - %.4f| = %.4f > %.4f",
				ErrDutyJump, r.DutyRate, g.regime.DutyRate, delta, g.cfg.ChangeThreshold)
		}
	}

	prevState := g.state
	superseded := g.regime.Confirmed()
	if superseded {
		g.priorRegime = g.regime
		g.priorState = StateSuperseded
		log.Info().Float64("duty_rate", g.priorRegime.DutyRate).
			Str("state", string(g.priorState)).
			Str("confirmed_by", g.priorRegime.ConfirmedBy).
			Msg("previous fiscal regime superseded")
	}
	r.ConfirmedAt = g.now().UTC()
	r.ConfirmedBy = source
	g.regime = r
	g.state = StateConfirmed
	g.anomalyCount = 0

	log.Info().Str("source", source).Float64("duty_rate", r.DutyRate).
		Str("prev_state", string(prevState)).Bool("override", override).
		Msg("fiscal regime confirmed")
	payload := map[string]any{
		"duty_rate":         r.DutyRate,
		"bank_premium_rate": r.BankPremiumRate,
		"gst_rate":          r.GSTRate,
		"confirmed_by":      source,
		"override":          override,
	}
	if superseded {
		payload["prior_regime_state"] = string(g.priorState)
		payload["prior_duty_rate"] = g.priorRegime.DutyRate
	}
	g.bus.Publish(events.New(events.TypeRegimeConfirmed, payload))
	return nil
}

// Prior returns the most recently replaced regime and its terminal state.
// ok is false until a confirmed regime has been superseded.
func (g *Gate) Prior() (Regime, State, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.priorRegime, g.priorState, g.priorState == StateSuperseded
}

// IsTradeable reports whether new entries may be taken: the gate must be
// CONFIRMED and the confirmation must be inside the validity window.
func (g *Gate) IsTradeable() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.tradeableLocked()
}

func (g *Gate) tradeableLocked() bool {
	if g.state != StateConfirmed {
		return false
	}
	validity := time.Duration(g.cfg.ValidityHours) * time.Hour
	return g.now().Sub(g.regime.ConfirmedAt) <= validity
}

// Regime returns the active regime, or an error naming why it cannot be used.
func (g *Gate) Regime() (Regime, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.state != StateConfirmed {
		return Regime{}, fmt.Errorf("%w: state %s", ErrNotConfirmed, g.state)
	}
	if !g.tradeableLocked() {
		return Regime{}, fmt.Errorf("%w: confirmed at %s", ErrRegimeExpired,
			g.regime.ConfirmedAt.Format(time.RFC3339))
	}
	return g.regime, nil
}

// State returns the current gate state.
func (g *Gate) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// CheckSpreadAnomaly records one evaluation of |market-fair|/fair. A breach
// sustained across the configured run of consecutive evaluations transitions
// CONFIRMED -> STALE and reports true; a single noisy tick does not trip.
// Once STALE, no new entries are permitted until re-confirmation.
func (g *Gate) CheckSpreadAnomaly(marketPrice, fairValue float64) bool {
	if fairValue <= 0 || marketPrice <= 0 {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != StateConfirmed {
		return false
	}

	deviation := math.Abs(marketPrice-fairValue) / fairValue
	if deviation <= g.cfg.AnomalyThreshold {
		g.anomalyCount = 0
		return false
	}

	g.anomalyCount++
	if g.anomalyCount < g.cfg.AnomalyRun {
		return false
	}

	g.state = StateStale
	log.Error().Float64("deviation", deviation).Float64("market", marketPrice).
		Float64("fair_value", fairValue).Int("run", g.anomalyCount).
		Msg("sustained spread anomaly, regime marked stale")
	g.bus.Publish(events.New(events.TypeRegimeChangeSuspected, map[string]any{
		"deviation":    deviation,
		"market_price": marketPrice,
		"fair_value":   fairValue,
		"run":          g.anomalyCount,
	}))
	return true
}
