// Package engine runs the two concurrent flows of the session: continuous
// quote ingestion and the periodic evaluation cycle. It owns the session
// kill switch and escalates unreconcilable fills to a fatal halt.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rkapoor/goldarb/internal/broker"
	"github.com/rkapoor/goldarb/internal/events"
	"github.com/rkapoor/goldarb/internal/execution"
	"github.com/rkapoor/goldarb/internal/fairvalue"
	"github.com/rkapoor/goldarb/internal/fiscal"
	"github.com/rkapoor/goldarb/internal/ledger"
	"github.com/rkapoor/goldarb/internal/market"
	"github.com/rkapoor/goldarb/internal/observ"
	"github.com/rkapoor/goldarb/internal/risk"
	"github.com/rkapoor/goldarb/internal/signal"
)

// Config identifies the traded instrument and its fair-value inputs, and
// tunes the evaluation cadence.
type Config struct {
	Symbol         string `yaml:"symbol"`       // domestic contract, e.g. MCX:GOLD (per 10g)
	BasisSymbol    string `yaml:"basis_symbol"` // global spot, USD per troy ounce
	FXSymbol       string `yaml:"fx_symbol"`    // e.g. USDINR
	EvalIntervalMs int    `yaml:"eval_interval_ms"`
	MaxQuoteAgeMs  int    `yaml:"max_quote_age_ms"`
	AllowShort     bool   `yaml:"allow_short"`
	ApplyRetries   int    `yaml:"apply_retries"` // ledger persist retries before fatal
}

func (c *Config) applyDefaults() {
	if c.Symbol == "" {
		c.Symbol = "MCX:GOLD"
	}
	if c.BasisSymbol == "" {
		c.BasisSymbol = "XAUUSD"
	}
	if c.FXSymbol == "" {
		c.FXSymbol = "USDINR"
	}
	if c.EvalIntervalMs == 0 {
		c.EvalIntervalMs = 1000
	}
	if c.MaxQuoteAgeMs == 0 {
		c.MaxQuoteAgeMs = 10000
	}
	if c.ApplyRetries == 0 {
		c.ApplyRetries = 3
	}
}

// MaxQuoteAge returns the staleness bound as a duration.
func (c Config) MaxQuoteAge() time.Duration {
	return time.Duration(c.MaxQuoteAgeMs) * time.Millisecond
}

// Deps are the collaborators the engine coordinates.
type Deps struct {
	Stream  *market.Stream
	Gate    *fiscal.Gate
	Signals *signal.Generator
	Risk    *risk.Manager
	Ledger  *ledger.Ledger
	Exec    *execution.Executor
	Journal *execution.Journal
	Bus     events.Publisher
	Quotes  <-chan market.Quote
	// Bias supplies the optional external directional hint in [-1, 1];
	// nil means neutral.
	Bias func() float64
}

// Status is the engine snapshot served by the admin endpoint.
type Status struct {
	Killed           bool                       `json:"killed"`
	KillReason       string                     `json:"kill_reason,omitempty"`
	GateState        fiscal.State               `json:"gate_state"`
	Balance          ledger.Balance             `json:"balance"`
	Positions        map[string]ledger.Position `json:"positions"`
	TradesToday      int                        `json:"trades_today"`
	RealizedPnLToday float64                    `json:"realized_pnl_today"`
	LastSignal       signal.Signal              `json:"last_signal"`
	Evaluations      int64                      `json:"evaluations"`
}

// Engine wires the components of one trading session.
type Engine struct {
	cfg Config
	d   Deps

	killed     atomic.Bool
	inFlight   atomic.Bool
	evals      atomic.Int64
	mu         sync.RWMutex // guards killReason, lastSignal, lastFair
	killReason string
	lastSignal signal.Signal
	lastFair   float64 // last fair value computed under a confirmed regime
	fatalCh    chan error
	wg         sync.WaitGroup
	now        func() time.Time
}

// New builds an engine. The ledger, gate, and executor must be non-nil.
func New(cfg Config, d Deps) *Engine {
	cfg.applyDefaults()
	if d.Bus == nil {
		d.Bus = events.Nop{}
	}
	return &Engine{
		cfg:     cfg,
		d:       d,
		fatalCh: make(chan error, 1),
		now:     time.Now,
	}
}

// Run drives ingestion and evaluation until ctx is cancelled or an
// unreconcilable ledger failure occurs. On return all in-flight submissions
// have completed.
func (e *Engine) Run(ctx context.Context) error {
	log.Info().Str("symbol", e.cfg.Symbol).Str("basis", e.cfg.BasisSymbol).
		Str("fx", e.cfg.FXSymbol).Msg("engine starting")

	// Ingestion runs under a derived context so a fatal halt stops it even
	// when the caller's context is still live.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ingestDone := make(chan struct{})
	go func() {
		defer close(ingestDone)
		e.ingest(runCtx)
	}()

	ticker := time.NewTicker(time.Duration(e.cfg.EvalIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-e.fatalCh:
			runErr = err
			break loop
		case <-ticker.C:
			e.evaluateOnce(runCtx)
		}
	}

	cancel()
	<-ingestDone
	e.wg.Wait()
	if runErr != nil {
		log.Error().Err(runErr).Msg("engine halted")
		return runErr
	}
	log.Info().Msg("engine stopped")
	return nil
}

// ingest consumes the quote stream. It never blocks on order submission:
// a stalled order cannot starve price updates.
func (e *Engine) ingest(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case q, ok := <-e.d.Quotes:
			if !ok {
				return
			}
			if err := e.d.Stream.Apply(q); err != nil {
				if errors.Is(err, market.ErrStaleData) {
					observ.StaleDataTotal.WithLabelValues(q.Symbol).Inc()
					e.d.Bus.Publish(events.New(events.TypeStaleData, map[string]any{
						"symbol": q.Symbol,
						"reason": err.Error(),
					}))
				} else {
					log.Warn().Err(err).Str("symbol", q.Symbol).Msg("quote rejected")
				}
			}
		}
	}
}

// evaluateOnce runs one cycle: fresh quotes -> fair value -> anomaly check
// -> signal -> risk -> dispatch. Any rejection is logged with a reason code
// and the cycle proceeds to its next scheduled run.
func (e *Engine) evaluateOnce(ctx context.Context) {
	e.evals.Add(1)

	dom, err := e.d.Stream.Fresh(e.cfg.Symbol)
	if err != nil {
		e.holdOnStaleData(e.cfg.Symbol, err)
		return
	}
	basis, err := e.d.Stream.Fresh(e.cfg.BasisSymbol)
	if err != nil {
		e.holdOnStaleData(e.cfg.BasisSymbol, err)
		return
	}
	fx, err := e.d.Stream.Fresh(e.cfg.FXSymbol)
	if err != nil {
		e.holdOnStaleData(e.cfg.FXSymbol, err)
		return
	}

	// Fair value is recomputed every cycle from the live regime; it is never
	// cached across regime changes.
	var fv float64
	if regime, rerr := e.d.Gate.Regime(); rerr == nil {
		fv, err = fairvalue.Compute(basis.Last, fx.Last, regime)
		if err != nil {
			log.Warn().Err(err).Msg("fair value computation failed, holding")
			return
		}
		observ.FairValueGauge.Set(fv)
		e.mu.Lock()
		e.lastFair = fv
		e.mu.Unlock()

		if e.d.Gate.CheckSpreadAnomaly(dom.Last, fv) {
			e.trip("regime_change_suspected")
		}
	} else {
		// Entries stay blocked while the gate is not tradeable, but an open
		// position is still evaluated for exit against the last fair value
		// computed under the confirmed regime.
		e.closeWhileBlocked(ctx, dom.Last)
	}

	bias := 0.0
	if e.d.Bias != nil {
		bias = market.ClampBias(e.d.Bias())
	}

	sig := e.d.Signals.Evaluate(dom.Last, fv, bias)
	observ.SignalsTotal.WithLabelValues(string(sig.Direction)).Inc()
	if fv > 0 {
		observ.SpreadGauge.Set(sig.SpreadPct)
	}
	e.setLastSignal(sig)
	e.publishBalanceGauges()

	if sig.Direction == signal.Hold {
		return
	}
	e.act(ctx, sig)
}

func (e *Engine) act(ctx context.Context, sig signal.Signal) {
	if e.inFlight.Load() {
		e.reject("order_in_flight", sig)
		return
	}

	pos, open := e.d.Ledger.Position(e.cfg.Symbol)
	switch sig.Direction {
	case signal.Buy:
		switch {
		case open && pos.Side == ledger.SideSell:
			e.close(ctx, pos, sig)
		case open:
			e.reject("position_open", sig) // no pyramiding
		default:
			e.enter(ctx, ledger.SideBuy, sig)
		}
	case signal.Sell:
		switch {
		case open && pos.Side == ledger.SideBuy:
			e.close(ctx, pos, sig)
		case open:
			e.reject("position_open", sig)
		case e.cfg.AllowShort:
			e.enter(ctx, ledger.SideSell, sig)
		default:
			e.reject("no_inventory", sig)
		}
	}
}

// enter opens a new position. Entries are blocked by the kill switch; closes
// are not.
func (e *Engine) enter(ctx context.Context, side ledger.Side, sig signal.Signal) {
	if e.killed.Load() {
		e.reject("kill_switch", sig)
		return
	}

	bal := e.d.Ledger.Balance()
	trades, pnl := e.d.Ledger.Daily()
	allowed, reason := e.d.Risk.Allow(bal.Cash, bal.PeakEquity, risk.DailyState{
		TradesToday:      trades,
		RealizedPnLToday: pnl,
	})
	if !allowed {
		e.reject(reason, sig)
		if reason == risk.ReasonDrawdown {
			e.trip(risk.ReasonDrawdown)
		}
		return
	}

	entry := sig.MarketPrice
	stop := e.d.Risk.StopFor(entry, side.Sign())
	qty := e.d.Risk.Size(entry, stop, bal.Cash)
	if qty <= 0 {
		e.reject("zero_size", sig)
		return
	}

	order := broker.Order{
		ClientOrderID: e.clientOrderID(side, trades),
		Symbol:        e.cfg.Symbol,
		Side:          side,
		Quantity:      qty,
		Price:         entry,
	}
	if e.duplicate(order.ClientOrderID) {
		e.reject("duplicate_order", sig)
		return
	}

	e.inFlight.Store(true)
	e.wg.Add(1)
	go e.submitOpen(ctx, order)
}

func (e *Engine) close(ctx context.Context, pos ledger.Position, sig signal.Signal) {
	exitSide := ledger.SideSell
	if pos.Side == ledger.SideSell {
		exitSide = ledger.SideBuy
	}
	trades, _ := e.d.Ledger.Daily()
	order := broker.Order{
		ClientOrderID: e.clientOrderID(exitSide, trades),
		Symbol:        pos.Symbol,
		Side:          exitSide,
		Quantity:      pos.Quantity,
		Price:         sig.MarketPrice,
	}
	if e.duplicate(order.ClientOrderID) {
		e.reject("duplicate_order", sig)
		return
	}

	e.inFlight.Store(true)
	e.wg.Add(1)
	go e.submitClose(ctx, order)
}

// closeWhileBlocked evaluates an open position for exit when no confirmed
// regime is available (gate UNCONFIRMED, STALE, or expired). New entries are
// impossible in this state, so only the exit threshold is checked, against
// the last fair value computed under the confirmed regime.
func (e *Engine) closeWhileBlocked(ctx context.Context, price float64) {
	e.mu.RLock()
	fair := e.lastFair
	e.mu.RUnlock()
	if fair <= 0 || e.inFlight.Load() {
		return
	}
	pos, open := e.d.Ledger.Position(e.cfg.Symbol)
	if !open {
		return
	}

	spread := (price - fair) / fair
	threshold := e.d.Signals.Threshold()
	exit := (pos.Side == ledger.SideBuy && spread > threshold) ||
		(pos.Side == ledger.SideSell && spread < -threshold)
	if !exit {
		return
	}

	sig := signal.Signal{
		Direction:   signal.Sell,
		SpreadPct:   spread,
		Confidence:  signal.ConfidenceLow,
		FairValue:   fair,
		MarketPrice: price,
		Timestamp:   e.now().UTC(),
	}
	if pos.Side == ledger.SideSell {
		sig.Direction = signal.Buy
	}
	log.Info().Float64("spread_pct", spread).Str("gate_state", string(e.d.Gate.State())).
		Msg("closing open position while gate blocked")
	e.close(ctx, pos, sig)
}

func (e *Engine) submitOpen(ctx context.Context, order broker.Order) {
	defer e.wg.Done()
	defer e.inFlight.Store(false)

	fill, err := e.d.Exec.Submit(ctx, order)
	if err != nil {
		e.orderFailed(order, err)
		return
	}

	trade, err := e.d.Ledger.OpenPosition(fill.Symbol, fill.Side, fill.Quantity, fill.Price)
	if err != nil && !e.recoverPersist(err) {
		e.fatal(fmt.Errorf("fill %s acknowledged but ledger open failed: %w", fill.OrderID, err))
		return
	}

	observ.TradesTotal.WithLabelValues(string(fill.Side), "open").Inc()
	e.publishBalanceGauges()
	e.d.Bus.Publish(events.New(events.TypeTradeOpened, map[string]any{
		"trade_id": trade.ID,
		"symbol":   trade.Symbol,
		"side":     string(trade.Side),
		"quantity": trade.Quantity,
		"price":    trade.Price,
	}))
	log.Info().Str("trade_id", trade.ID).Str("side", string(trade.Side)).
		Float64("quantity", trade.Quantity).Float64("price", trade.Price).
		Msg("position opened")
}

func (e *Engine) submitClose(ctx context.Context, order broker.Order) {
	defer e.wg.Done()
	defer e.inFlight.Store(false)

	fill, err := e.d.Exec.Submit(ctx, order)
	if err != nil {
		e.orderFailed(order, err)
		return
	}

	trade, err := e.d.Ledger.ClosePosition(fill.Symbol, fill.Price)
	if err != nil && !e.recoverPersist(err) {
		e.fatal(fmt.Errorf("fill %s acknowledged but ledger close failed: %w", fill.OrderID, err))
		return
	}

	pnl := 0.0
	if trade.RealizedPnL != nil {
		pnl = *trade.RealizedPnL
	}
	observ.TradesTotal.WithLabelValues(string(fill.Side), "close").Inc()
	e.publishBalanceGauges()
	e.d.Bus.Publish(events.New(events.TypeTradeClosed, map[string]any{
		"trade_id":     trade.ID,
		"symbol":       trade.Symbol,
		"quantity":     trade.Quantity,
		"price":        trade.Price,
		"realized_pnl": pnl,
	}))
	log.Info().Str("trade_id", trade.ID).Float64("price", trade.Price).
		Float64("realized_pnl", pnl).Msg("position closed")

	bal := e.d.Ledger.Balance()
	if e.d.Risk.DrawdownBreached(bal.Cash, bal.PeakEquity) {
		e.trip(risk.ReasonDrawdown)
	}
}

// recoverPersist retries the snapshot write when a mutation succeeded in
// memory but could not be persisted. Only persist failures are recoverable;
// a precondition failure after a broker ack means state drift.
func (e *Engine) recoverPersist(err error) bool {
	if !errors.Is(err, ledger.ErrPersist) {
		return false
	}
	for attempt := 1; attempt <= e.cfg.ApplyRetries; attempt++ {
		time.Sleep(time.Duration(attempt*100) * time.Millisecond)
		if serr := e.d.Ledger.Save(); serr == nil {
			return true
		}
	}
	return false
}

// fatal reports an unreconcilable failure to Run, which halts the session.
// Only the first failure is recorded.
func (e *Engine) fatal(err error) {
	select {
	case e.fatalCh <- err:
	default:
	}
}

// trip flips the session kill switch: entries stop immediately, in-flight
// closes complete, ingestion and monitoring continue. Resume requires gate
// re-confirmation plus an explicit Resume call.
func (e *Engine) trip(reason string) {
	if !e.killed.CompareAndSwap(false, true) {
		return
	}
	e.mu.Lock()
	e.killReason = reason
	e.mu.Unlock()

	observ.KillSwitchTotal.Inc()
	log.Error().Str("reason", reason).Msg("kill switch triggered")
	e.d.Bus.Publish(events.New(events.TypeKillSwitchTriggered, map[string]any{
		"reason": reason,
	}))
}

// Resume clears the kill switch. The fiscal gate must have been explicitly
// re-confirmed first.
func (e *Engine) Resume() error {
	if !e.d.Gate.IsTradeable() {
		return fmt.Errorf("cannot resume: %w", fiscal.ErrNotConfirmed)
	}
	if e.killed.CompareAndSwap(true, false) {
		e.mu.Lock()
		e.killReason = ""
		e.mu.Unlock()
		log.Info().Msg("kill switch cleared, trading resumed")
	}
	return nil
}

// Killed reports the kill-switch state and its reason.
func (e *Engine) Killed() (bool, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.killed.Load(), e.killReason
}

// Status snapshots the session for the admin endpoint.
func (e *Engine) Status() Status {
	killed, reason := e.Killed()
	trades, pnl := e.d.Ledger.Daily()

	e.mu.RLock()
	last := e.lastSignal
	e.mu.RUnlock()

	return Status{
		Killed:           killed,
		KillReason:       reason,
		GateState:        e.d.Gate.State(),
		Balance:          e.d.Ledger.Balance(),
		Positions:        e.d.Ledger.Positions(),
		TradesToday:      trades,
		RealizedPnLToday: pnl,
		LastSignal:       last,
		Evaluations:      e.evals.Load(),
	}
}

func (e *Engine) holdOnStaleData(symbol string, err error) {
	observ.StaleDataTotal.WithLabelValues(symbol).Inc()
	log.Warn().Err(err).Str("symbol", symbol).Msg("holding on stale data")
	e.d.Bus.Publish(events.New(events.TypeStaleData, map[string]any{
		"symbol": symbol,
		"reason": err.Error(),
	}))
}

func (e *Engine) reject(reason string, sig signal.Signal) {
	observ.RejectsTotal.WithLabelValues(reason).Inc()
	log.Info().Str("reason", reason).Str("direction", string(sig.Direction)).
		Float64("spread_pct", sig.SpreadPct).Msg("entry rejected")
	e.d.Bus.Publish(events.New(events.TypeTradeRejected, map[string]any{
		"reason":     reason,
		"direction":  string(sig.Direction),
		"spread_pct": sig.SpreadPct,
	}))
}

func (e *Engine) orderFailed(order broker.Order, err error) {
	log.Error().Err(err).Str("client_order_id", order.ClientOrderID).Msg("order failed")
	e.d.Bus.Publish(events.New(events.TypeOrderFailed, map[string]any{
		"client_order_id": order.ClientOrderID,
		"symbol":          order.Symbol,
		"side":            string(order.Side),
		"error":           err.Error(),
	}))
}

// clientOrderID is deterministic per (day, symbol, side, sequence) so a
// crashed-and-restarted session resubmitting the same decision dedupes at
// the journal and idempotent broker.
func (e *Engine) clientOrderID(side ledger.Side, seq int) string {
	return fmt.Sprintf("%s-%s-%s-%d",
		e.now().UTC().Format("20060102"), e.cfg.Symbol, side, seq)
}

func (e *Engine) duplicate(clientOrderID string) bool {
	if e.d.Journal == nil {
		return false
	}
	dup, err := e.d.Journal.HasRecentFill(clientOrderID)
	if err != nil {
		log.Warn().Err(err).Msg("journal dedupe check failed")
		return false
	}
	return dup
}

func (e *Engine) setLastSignal(sig signal.Signal) {
	e.mu.Lock()
	e.lastSignal = sig
	e.mu.Unlock()
}

func (e *Engine) publishBalanceGauges() {
	bal := e.d.Ledger.Balance()
	observ.CashGauge.Set(bal.Cash)
	observ.PeakEquityGauge.Set(bal.PeakEquity)
	observ.DrawdownGauge.Set(risk.Drawdown(bal.Cash, bal.PeakEquity))
}
