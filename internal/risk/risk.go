// Package risk sizes positions and admits trades under session limits.
package risk

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
)

// Limits are loaded once per session and immutable thereafter.
type Limits struct {
	MaxRiskPerTradePct float64 `yaml:"max_risk_per_trade_pct"` // default 0.02
	MaxPositionPct     float64 `yaml:"max_position_pct"`       // default 0.20
	MaxDailyLossPct    float64 `yaml:"max_daily_loss_pct"`     // default 0.05
	MaxDrawdownPct     float64 `yaml:"max_drawdown_pct"`       // default 0.05
	MaxTradesPerDay    int     `yaml:"max_trades_per_day"`     // default 5
	StopLossPct        float64 `yaml:"stop_loss_pct"`          // default 0.01
}

func (l *Limits) applyDefaults() {
	if l.MaxRiskPerTradePct == 0 {
		l.MaxRiskPerTradePct = 0.02
	}
	if l.MaxPositionPct == 0 {
		l.MaxPositionPct = 0.20
	}
	if l.MaxDailyLossPct == 0 {
		l.MaxDailyLossPct = 0.05
	}
	if l.MaxDrawdownPct == 0 {
		l.MaxDrawdownPct = 0.05
	}
	if l.MaxTradesPerDay == 0 {
		l.MaxTradesPerDay = 5
	}
	if l.StopLossPct == 0 {
		l.StopLossPct = 0.01
	}
}

// Denial reason codes, one per limit for audit.
const (
	ReasonTradeLimit = "daily_trade_limit"
	ReasonDailyLoss  = "daily_loss_limit"
	ReasonDrawdown   = "max_drawdown"
)

// DailyState is the slice of ledger state the admission check needs.
type DailyState struct {
	TradesToday      int
	RealizedPnLToday float64
}

// Manager applies the limits. Reads are lock-free: limits never change after
// construction.
type Manager struct {
	limits Limits
}

func NewManager(limits Limits) *Manager {
	limits.applyDefaults()
	return &Manager{limits: limits}
}

// Limits returns the session limits.
func (m *Manager) Limits() Limits {
	return m.limits
}

// Size computes the tradeable quantity for an entry: risk capital over stop
// distance, capped by the position limit. A degenerate stop (stop == entry)
// yields 0, not an error.
func (m *Manager) Size(entryPrice, stopPrice, cash float64) float64 {
	if entryPrice <= 0 || stopPrice <= 0 || cash <= 0 {
		return 0
	}
	dist := math.Abs(entryPrice - stopPrice)
	if dist == 0 {
		return 0
	}

	riskAmount := cash * m.limits.MaxRiskPerTradePct
	qty := math.Floor(riskAmount / dist)
	maxQty := math.Floor(cash * m.limits.MaxPositionPct / entryPrice)
	if qty > maxQty {
		qty = maxQty
	}
	if qty < 0 {
		qty = 0
	}
	return qty
}

// StopFor derives the protective stop for an entry in the given direction
// (+1 long, -1 short).
func (m *Manager) StopFor(entryPrice, dirSign float64) float64 {
	return entryPrice * (1 - dirSign*m.limits.StopLossPct)
}

// Allow admits or denies a new entry. Each denial carries a distinct reason
// code; a denial is informational, not fatal.
func (m *Manager) Allow(cash, peakEquity float64, daily DailyState) (bool, string) {
	if daily.TradesToday >= m.limits.MaxTradesPerDay {
		return false, ReasonTradeLimit
	}

	if peakEquity > 0 {
		if loss := -daily.RealizedPnLToday; loss >= m.limits.MaxDailyLossPct*peakEquity {
			return false, ReasonDailyLoss
		}
		if m.DrawdownBreached(cash, peakEquity) {
			return false, ReasonDrawdown
		}
	}
	return true, ""
}

// Drawdown returns the percentage decline of cash from its session peak.
func Drawdown(cash, peakEquity float64) float64 {
	if peakEquity <= 0 {
		return 0
	}
	return (peakEquity - cash) / peakEquity
}

// DrawdownBreached reports whether the kill threshold is hit.
func (m *Manager) DrawdownBreached(cash, peakEquity float64) bool {
	breached := Drawdown(cash, peakEquity) >= m.limits.MaxDrawdownPct
	if breached {
		log.Error().Float64("cash", cash).Float64("peak_equity", peakEquity).
			Float64("drawdown", Drawdown(cash, peakEquity)).
			Msg("drawdown kill threshold breached")
	}
	return breached
}

// String renders the limits for startup logging.
func (l Limits) String() string {
	return fmt.Sprintf("risk/trade=%.2f%% pos=%.2f%% dailyLoss=%.2f%% drawdown=%.2f%% trades/day=%d",
		l.MaxRiskPerTradePct*100, l.MaxPositionPct*100, l.MaxDailyLossPct*100,
		l.MaxDrawdownPct*100, l.MaxTradesPerDay)
}
