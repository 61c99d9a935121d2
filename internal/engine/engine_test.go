package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rkapoor/goldarb/internal/broker"
	"github.com/rkapoor/goldarb/internal/events"
	"github.com/rkapoor/goldarb/internal/execution"
	"github.com/rkapoor/goldarb/internal/fiscal"
	"github.com/rkapoor/goldarb/internal/ledger"
	"github.com/rkapoor/goldarb/internal/market"
	"github.com/rkapoor/goldarb/internal/risk"
	"github.com/rkapoor/goldarb/internal/signal"
)

// Fair value for these fixtures is 2000 * 85 * (10/31.1034768) * 1.06 *
// 1.015 * 1.03, about 60568.6 per 10g.
const (
	fixtureBasis = 2000.0
	fixtureFX    = 85.0
)

type testHarness struct {
	eng    *Engine
	gate   *fiscal.Gate
	led    *ledger.Ledger
	stream *market.Stream
	quotes chan market.Quote
	ts     time.Time
}

func newHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()
	return newHarnessWithGate(t, cfg, fiscal.GateConfig{})
}

func newHarnessWithGate(t *testing.T, cfg Config, gateCfg fiscal.GateConfig) *testHarness {
	t.Helper()
	dir := t.TempDir()

	led, err := ledger.Open(ledger.Config{
		StatePath:   filepath.Join(dir, "state.json"),
		AuditPath:   filepath.Join(dir, "audit.jsonl"),
		InitialCash: 10_000_000,
	})
	require.NoError(t, err)

	gate := fiscal.NewGate(gateCfg, nil)
	regime := fiscal.Regime{DutyRate: 0.06, BankPremiumRate: 0.015, GSTRate: 0.03}
	require.NoError(t, gate.Confirm(regime, "test", false))

	sim := broker.NewSim(broker.SimConfig{LatencyMsMin: 1, LatencyMsMax: 2})
	exec := execution.NewExecutor(sim, execution.Config{
		RateCapacity:  100,
		RatePerSec:    1000,
		MaxAttempts:   3,
		BackoffBaseMs: 1,
		BackoffMaxMs:  5,
		JournalPath:   filepath.Join(dir, "orders.jsonl"),
	}, nil)

	stream := market.NewStream(cfg.MaxQuoteAge())
	quotes := make(chan market.Quote, 64)

	eng := New(cfg, Deps{
		Stream:  stream,
		Gate:    gate,
		Signals: signal.NewGenerator(signal.Config{}, gate, nil),
		Risk:    risk.NewManager(risk.Limits{}),
		Ledger:  led,
		Exec:    exec,
		Bus:     events.Nop{},
		Quotes:  quotes,
	})

	return &testHarness{
		eng:    eng,
		gate:   gate,
		led:    led,
		stream: stream,
		quotes: quotes,
		ts:     time.Now().UTC(),
	}
}

// apply installs one advancing-timestamp snapshot of all three inputs.
func (h *testHarness) apply(t *testing.T, domestic float64) {
	t.Helper()
	h.ts = h.ts.Add(time.Millisecond)
	for _, q := range []market.Quote{
		{Symbol: "MCX:GOLD", Bid: domestic - 1, Ask: domestic + 1, Last: domestic, Volume: 100, Timestamp: h.ts},
		{Symbol: "XAUUSD", Bid: fixtureBasis - 0.1, Ask: fixtureBasis + 0.1, Last: fixtureBasis, Volume: 100, Timestamp: h.ts},
		{Symbol: "USDINR", Bid: fixtureFX - 0.01, Ask: fixtureFX + 0.01, Last: fixtureFX, Volume: 100, Timestamp: h.ts},
	} {
		require.NoError(t, h.stream.Apply(q))
	}
}

func (h *testHarness) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return !h.eng.inFlight.Load() },
		2*time.Second, 5*time.Millisecond, "submission still in flight")
}

func TestEvaluateOpensLongWhenUndervalued(t *testing.T) {
	h := newHarness(t, Config{EvalIntervalMs: 10})

	h.apply(t, 60000) // about 0.9% under fair value
	h.eng.evaluateOnce(context.Background())

	require.Eventually(t, func() bool {
		_, ok := h.led.Position("MCX:GOLD")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	h.waitIdle(t)

	pos, _ := h.led.Position("MCX:GOLD")
	assert.Equal(t, ledger.SideBuy, pos.Side)
	assert.Greater(t, pos.Quantity, 0.0)

	trades, _ := h.led.Daily()
	assert.Equal(t, 1, trades)
}

func TestEvaluateClosesLongWhenOvervalued(t *testing.T) {
	h := newHarness(t, Config{EvalIntervalMs: 10})

	h.apply(t, 60000)
	h.eng.evaluateOnce(context.Background())
	require.Eventually(t, func() bool {
		_, ok := h.led.Position("MCX:GOLD")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	h.waitIdle(t)

	h.apply(t, 61200) // about 1% over fair value
	h.eng.evaluateOnce(context.Background())

	require.Eventually(t, func() bool {
		_, ok := h.led.Position("MCX:GOLD")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	h.waitIdle(t)

	trades := h.led.Trades()
	require.Len(t, trades, 2)
	assert.NotNil(t, trades[1].RealizedPnL)

	count, _ := h.led.Daily()
	assert.Equal(t, 2, count)
}

func TestSellWithoutInventoryHolds(t *testing.T) {
	h := newHarness(t, Config{EvalIntervalMs: 10})

	h.apply(t, 61200)
	h.eng.evaluateOnce(context.Background())
	h.waitIdle(t)

	time.Sleep(20 * time.Millisecond)
	_, ok := h.led.Position("MCX:GOLD")
	assert.False(t, ok)

	killed, _ := h.eng.Killed()
	assert.False(t, killed)
}

func TestShortEntryWhenAllowed(t *testing.T) {
	h := newHarness(t, Config{EvalIntervalMs: 10, AllowShort: true})

	h.apply(t, 61200)
	h.eng.evaluateOnce(context.Background())

	require.Eventually(t, func() bool {
		pos, ok := h.led.Position("MCX:GOLD")
		return ok && pos.Side == ledger.SideSell
	}, 2*time.Second, 5*time.Millisecond)
	h.waitIdle(t)
}

func TestStaleInputHoldsEvaluation(t *testing.T) {
	h := newHarness(t, Config{EvalIntervalMs: 10, MaxQuoteAgeMs: 10000})

	// Only the domestic symbol has a quote; basis and fx are missing.
	h.ts = h.ts.Add(time.Millisecond)
	require.NoError(t, h.stream.Apply(market.Quote{
		Symbol: "MCX:GOLD", Bid: 59999, Ask: 60001, Last: 60000, Volume: 1, Timestamp: h.ts,
	}))

	h.eng.evaluateOnce(context.Background())
	h.waitIdle(t)

	_, ok := h.led.Position("MCX:GOLD")
	assert.False(t, ok)
}

func TestSustainedAnomalyTripsKillSwitch(t *testing.T) {
	h := newHarness(t, Config{EvalIntervalMs: 10})

	// Nearly 6% over fair value: far beyond the 2% anomaly threshold and
	// sustained across two evaluations.
	h.apply(t, 64000)
	h.eng.evaluateOnce(context.Background())
	killed, _ := h.eng.Killed()
	assert.False(t, killed, "single anomalous evaluation must not trip")

	h.apply(t, 64000)
	h.eng.evaluateOnce(context.Background())

	killed, reason := h.eng.Killed()
	assert.True(t, killed)
	assert.Equal(t, "regime_change_suspected", reason)
	assert.Equal(t, fiscal.StateStale, h.gate.State())
	h.waitIdle(t)

	// No entry went through while the gate was tripping.
	_, ok := h.led.Position("MCX:GOLD")
	assert.False(t, ok)
}

func TestResumeRequiresReconfirmedGate(t *testing.T) {
	h := newHarness(t, Config{EvalIntervalMs: 10})

	h.apply(t, 64000)
	h.eng.evaluateOnce(context.Background())
	h.apply(t, 64000)
	h.eng.evaluateOnce(context.Background())

	killed, _ := h.eng.Killed()
	require.True(t, killed)

	// Gate is STALE: resume refused.
	err := h.eng.Resume()
	assert.ErrorIs(t, err, fiscal.ErrNotConfirmed)

	// Re-confirmation unblocks resume.
	regime := fiscal.Regime{DutyRate: 0.06, BankPremiumRate: 0.015, GSTRate: 0.03}
	require.NoError(t, h.gate.Confirm(regime, "operator", false))
	require.NoError(t, h.eng.Resume())

	killed, reason := h.eng.Killed()
	assert.False(t, killed)
	assert.Empty(t, reason)
}

func TestKillSwitchBlocksEntriesButAllowsCloses(t *testing.T) {
	h := newHarness(t, Config{EvalIntervalMs: 10})

	// Open a long first.
	h.apply(t, 60000)
	h.eng.evaluateOnce(context.Background())
	require.Eventually(t, func() bool {
		_, ok := h.led.Position("MCX:GOLD")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	h.waitIdle(t)

	h.eng.trip("operator_halt")

	// A SELL signal still flattens the open long.
	h.apply(t, 61200)
	h.eng.evaluateOnce(context.Background())
	require.Eventually(t, func() bool {
		_, ok := h.led.Position("MCX:GOLD")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	h.waitIdle(t)

	// A fresh BUY signal is rejected while killed.
	h.apply(t, 60000)
	h.eng.evaluateOnce(context.Background())
	h.waitIdle(t)
	time.Sleep(20 * time.Millisecond)
	_, ok := h.led.Position("MCX:GOLD")
	assert.False(t, ok)
}

func TestStaleGateStillClosesOpenPosition(t *testing.T) {
	// Run length 1 so a single anomalous evaluation marks the regime stale.
	h := newHarnessWithGate(t, Config{EvalIntervalMs: 10}, fiscal.GateConfig{AnomalyRun: 1})

	// Open a long under the confirmed regime.
	h.apply(t, 60000)
	h.eng.evaluateOnce(context.Background())
	require.Eventually(t, func() bool {
		_, ok := h.led.Position("MCX:GOLD")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	h.waitIdle(t)

	// The anomalous tick trips the gate; the position survives this cycle.
	h.apply(t, 64000)
	h.eng.evaluateOnce(context.Background())
	h.waitIdle(t)
	require.Equal(t, fiscal.StateStale, h.gate.State())
	_, ok := h.led.Position("MCX:GOLD")
	require.True(t, ok, "position must not close on the tripping cycle")

	// With the gate stale, the exit threshold is still evaluated against the
	// last confirmed fair value and the long is flattened.
	h.apply(t, 64000)
	h.eng.evaluateOnce(context.Background())
	require.Eventually(t, func() bool {
		_, ok := h.led.Position("MCX:GOLD")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	h.waitIdle(t)

	trades := h.led.Trades()
	require.Len(t, trades, 2)
	require.NotNil(t, trades[1].RealizedPnL)
	assert.Greater(t, *trades[1].RealizedPnL, 0.0)

	// Entries remain blocked: an undervalued tick opens nothing.
	h.apply(t, 60000)
	h.eng.evaluateOnce(context.Background())
	h.waitIdle(t)
	time.Sleep(20 * time.Millisecond)
	_, ok = h.led.Position("MCX:GOLD")
	assert.False(t, ok)
}

func TestUnreconcilableFillHaltsSession(t *testing.T) {
	h := newHarness(t, Config{EvalIntervalMs: 10})

	// A position the engine does not know about: the acknowledged fill's
	// ledger write will fail a precondition, which is not recoverable.
	_, err := h.led.OpenPosition("MCX:GOLD", ledger.SideBuy, 1, 60000)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- h.eng.Run(ctx) }()

	order := broker.Order{
		ClientOrderID: "20260203-MCX:GOLD-BUY-0",
		Symbol:        "MCX:GOLD",
		Side:          ledger.SideBuy,
		Quantity:      1,
		Price:         60000,
	}
	h.eng.inFlight.Store(true)
	h.eng.wg.Add(1)
	h.eng.submitOpen(ctx, order)

	select {
	case err := <-runDone:
		require.Error(t, err)
		assert.ErrorIs(t, err, ledger.ErrDuplicatePosition)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not halt on unreconcilable fill")
	}
}

func TestStatusSnapshot(t *testing.T) {
	h := newHarness(t, Config{EvalIntervalMs: 10})

	h.apply(t, 60000)
	h.eng.evaluateOnce(context.Background())
	h.waitIdle(t)

	st := h.eng.Status()
	assert.Equal(t, fiscal.StateConfirmed, st.GateState)
	assert.Equal(t, int64(1), st.Evaluations)
	assert.Equal(t, signal.Buy, st.LastSignal.Direction)
	assert.False(t, st.Killed)
}

func TestRunLoopEndToEnd(t *testing.T) {
	h := newHarness(t, Config{EvalIntervalMs: 10, MaxQuoteAgeMs: 10000})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- h.eng.Run(ctx) }()

	// Feed fresh undervalued snapshots through the ingestion path.
	feedCtx, stopFeed := context.WithCancel(context.Background())
	defer stopFeed()
	go func() {
		for {
			select {
			case <-feedCtx.Done():
				return
			case <-time.After(5 * time.Millisecond):
				now := time.Now().UTC()
				for _, q := range []market.Quote{
					{Symbol: "MCX:GOLD", Bid: 59999, Ask: 60001, Last: 60000, Volume: 1, Timestamp: now},
					{Symbol: "XAUUSD", Bid: 1999.9, Ask: 2000.1, Last: fixtureBasis, Volume: 1, Timestamp: now},
					{Symbol: "USDINR", Bid: 84.99, Ask: 85.01, Last: fixtureFX, Volume: 1, Timestamp: now},
				} {
					select {
					case h.quotes <- q:
					case <-feedCtx.Done():
						return
					}
				}
			}
		}
	}()

	require.Eventually(t, func() bool {
		_, ok := h.led.Position("MCX:GOLD")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	stopFeed()
	cancel()
	require.NoError(t, <-runDone)
}
