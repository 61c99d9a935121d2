package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSizeRiskOverStopDistance(t *testing.T) {
	m := NewManager(Limits{MaxRiskPerTradePct: 0.02, MaxPositionPct: 0.20})

	// risk capital 2000, stop distance 100: 20 units; position cap is
	// 100000*0.20/1000 = 20, so the cap binds exactly.
	qty := m.Size(1000, 900, 100000)
	assert.Equal(t, 20.0, qty)

	// Tighter stop wants 200 units but the position cap still binds.
	qty = m.Size(1000, 990, 100000)
	assert.Equal(t, 20.0, qty)

	// Wide stop: risk capital binds. 2000/500 = 4.
	qty = m.Size(1000, 500, 100000)
	assert.Equal(t, 4.0, qty)
}

func TestSizeFloorsFractionalQuantity(t *testing.T) {
	m := NewManager(Limits{})

	// 2000/300 = 6.66 floors to 6.
	qty := m.Size(1000, 700, 100000)
	assert.Equal(t, 6.0, qty)
}

func TestSizeDegenerateInputs(t *testing.T) {
	m := NewManager(Limits{})

	assert.Equal(t, 0.0, m.Size(1000, 1000, 100000)) // stop == entry
	assert.Equal(t, 0.0, m.Size(0, 990, 100000))
	assert.Equal(t, 0.0, m.Size(1000, 0, 100000))
	assert.Equal(t, 0.0, m.Size(1000, 990, 0))
}

func TestStopFor(t *testing.T) {
	m := NewManager(Limits{StopLossPct: 0.01})

	assert.InDelta(t, 990.0, m.StopFor(1000, 1), 1e-9)
	assert.InDelta(t, 1010.0, m.StopFor(1000, -1), 1e-9)
}

func TestAllowDailyTradeLimit(t *testing.T) {
	m := NewManager(Limits{MaxTradesPerDay: 5})

	ok, _ := m.Allow(100000, 100000, DailyState{TradesToday: 4})
	assert.True(t, ok)

	ok, reason := m.Allow(100000, 100000, DailyState{TradesToday: 5})
	assert.False(t, ok)
	assert.Equal(t, ReasonTradeLimit, reason)
}

func TestAllowDailyLossLimit(t *testing.T) {
	m := NewManager(Limits{MaxDailyLossPct: 0.05})

	ok, _ := m.Allow(96000, 100000, DailyState{RealizedPnLToday: -4000})
	assert.True(t, ok)

	ok, reason := m.Allow(95000, 100000, DailyState{RealizedPnLToday: -5000})
	assert.False(t, ok)
	assert.Equal(t, ReasonDailyLoss, reason)
}

func TestAllowDrawdownLimit(t *testing.T) {
	m := NewManager(Limits{MaxDrawdownPct: 0.05, MaxDailyLossPct: 0.99})

	ok, _ := m.Allow(96000, 100000, DailyState{})
	assert.True(t, ok)

	ok, reason := m.Allow(94000, 100000, DailyState{})
	assert.False(t, ok)
	assert.Equal(t, ReasonDrawdown, reason)
}

func TestDrawdown(t *testing.T) {
	assert.InDelta(t, 0.06, Drawdown(94000, 100000), 1e-9)
	assert.InDelta(t, 0.0, Drawdown(100000, 100000), 1e-9)
	assert.Equal(t, 0.0, Drawdown(100000, 0))

	m := NewManager(Limits{MaxDrawdownPct: 0.05})
	assert.True(t, m.DrawdownBreached(95000, 100000)) // boundary is inclusive
	assert.False(t, m.DrawdownBreached(95001, 100000))
}
