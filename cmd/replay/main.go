// Command replay runs a captured quote stream through the full decision
// stack synchronously and prints a session performance summary. Fills are
// applied at the signal price with no latency, so a replay is deterministic
// for a given capture and config.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rkapoor/goldarb/internal/config"
	"github.com/rkapoor/goldarb/internal/events"
	"github.com/rkapoor/goldarb/internal/fairvalue"
	"github.com/rkapoor/goldarb/internal/fiscal"
	"github.com/rkapoor/goldarb/internal/ledger"
	"github.com/rkapoor/goldarb/internal/market"
	"github.com/rkapoor/goldarb/internal/risk"
	"github.com/rkapoor/goldarb/internal/signal"
)

func main() {
	var (
		configPath  = flag.String("config", "config/config.yaml", "path to config file")
		capturePath = flag.String("capture", "fixtures/quotes.jsonl", "JSONL quote capture to replay")
		dutyRate    = flag.Float64("duty", 0.06, "import duty rate for the replayed session")
		premiumRate = flag.Float64("premium", 0.015, "bank premium rate")
		gstRate     = flag.Float64("gst", 0.03, "GST rate")
	)
	flag.Parse()
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("load config")
	}

	quotes, err := readCapture(*capturePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *capturePath).Msg("read capture")
	}

	gate := fiscal.NewGate(cfg.Fiscal, events.Nop{})
	regime := fiscal.Regime{
		DutyRate:        *dutyRate,
		BankPremiumRate: *premiumRate,
		GSTRate:         *gstRate,
	}
	if err := gate.Confirm(regime, "replay", false); err != nil {
		log.Fatal().Err(err).Msg("confirm regime")
	}

	led, err := ledger.Open(cfg.Ledger)
	if err != nil {
		log.Fatal().Err(err).Msg("open ledger")
	}

	r := replayer{
		cfg:    cfg,
		stream: market.NewStream(cfg.Engine.MaxQuoteAge()),
		gate:   gate,
		gen:    signal.NewGenerator(cfg.Signal, gate, events.Nop{}),
		risk:   risk.NewManager(cfg.Risk),
		led:    led,
	}

	start := led.Balance()
	for _, q := range quotes {
		r.step(q)
	}
	r.closeOut()

	printSummary(start, led)
	if err := led.Save(); err != nil {
		log.Error().Err(err).Msg("final ledger save failed")
	}
}

type replayer struct {
	cfg    config.Root
	stream *market.Stream
	gate   *fiscal.Gate
	gen    *signal.Generator
	risk   *risk.Manager
	led    *ledger.Ledger

	lastPrice float64
	halted    bool
}

// step applies one quote, then re-evaluates whenever the domestic symbol
// ticks and all inputs are fresh.
func (r *replayer) step(q market.Quote) {
	if err := r.stream.Apply(q); err != nil {
		return
	}
	if q.Symbol != r.cfg.Engine.Symbol {
		return
	}
	r.lastPrice = q.Last

	basis, err := r.stream.Fresh(r.cfg.Engine.BasisSymbol)
	if err != nil {
		return
	}
	fx, err := r.stream.Fresh(r.cfg.Engine.FXSymbol)
	if err != nil {
		return
	}

	regime, err := r.gate.Regime()
	if err != nil {
		return
	}
	fv, err := fairvalue.Compute(basis.Last, fx.Last, regime)
	if err != nil {
		return
	}
	if r.gate.CheckSpreadAnomaly(q.Last, fv) {
		r.halted = true
	}
	if r.halted {
		return
	}

	sig := r.gen.Evaluate(q.Last, fv, 0)
	pos, open := r.led.Position(r.cfg.Engine.Symbol)

	switch sig.Direction {
	case signal.Buy:
		if !open {
			r.enter(ledger.SideBuy, sig)
		}
	case signal.Sell:
		if open && pos.Side == ledger.SideBuy {
			if _, err := r.led.ClosePosition(pos.Symbol, sig.MarketPrice); err != nil {
				log.Warn().Err(err).Msg("replay close failed")
			}
		} else if !open && r.cfg.Engine.AllowShort {
			r.enter(ledger.SideSell, sig)
		}
	}

	bal := r.led.Balance()
	if r.risk.DrawdownBreached(bal.Cash, bal.PeakEquity) {
		r.halted = true
	}
}

func (r *replayer) enter(side ledger.Side, sig signal.Signal) {
	bal := r.led.Balance()
	trades, pnl := r.led.Daily()
	allowed, _ := r.risk.Allow(bal.Cash, bal.PeakEquity, risk.DailyState{
		TradesToday:      trades,
		RealizedPnLToday: pnl,
	})
	if !allowed {
		return
	}

	stop := r.risk.StopFor(sig.MarketPrice, side.Sign())
	qty := r.risk.Size(sig.MarketPrice, stop, bal.Cash)
	if qty <= 0 {
		return
	}
	if _, err := r.led.OpenPosition(r.cfg.Engine.Symbol, side, qty, sig.MarketPrice); err != nil {
		log.Warn().Err(err).Msg("replay open failed")
	}
}

// closeOut flattens any position remaining at the end of the capture so the
// summary reflects realized results only.
func (r *replayer) closeOut() {
	pos, open := r.led.Position(r.cfg.Engine.Symbol)
	if !open || r.lastPrice <= 0 {
		return
	}
	if _, err := r.led.ClosePosition(pos.Symbol, r.lastPrice); err != nil {
		log.Warn().Err(err).Msg("replay close-out failed")
	}
}

func readCapture(path string) ([]market.Quote, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var quotes []market.Quote
	dec := json.NewDecoder(f)
	for dec.More() {
		var q market.Quote
		if err := dec.Decode(&q); err != nil {
			return nil, fmt.Errorf("decode quote %d: %w", len(quotes), err)
		}
		quotes = append(quotes, q)
	}
	return quotes, nil
}

func printSummary(start ledger.Balance, led *ledger.Ledger) {
	bal := led.Balance()

	var wins, losses int
	var totalPnL float64
	for _, t := range led.Trades() {
		if t.RealizedPnL == nil {
			continue
		}
		totalPnL += *t.RealizedPnL
		if *t.RealizedPnL > 0 {
			wins++
		} else {
			losses++
		}
	}

	closed := wins + losses
	winRate := 0.0
	if closed > 0 {
		winRate = float64(wins) / float64(closed) * 100
	}

	fmt.Println("=== replay summary ===")
	fmt.Printf("starting cash:   %12.2f\n", start.Cash)
	fmt.Printf("ending cash:     %12.2f\n", bal.Cash)
	fmt.Printf("peak equity:     %12.2f\n", bal.PeakEquity)
	fmt.Printf("drawdown:        %11.2f%%\n", risk.Drawdown(bal.Cash, bal.PeakEquity)*100)
	fmt.Printf("closed trades:   %d (wins %d, losses %d)\n", closed, wins, losses)
	fmt.Printf("win rate:        %11.2f%%\n", winRate)
	fmt.Printf("realized pnl:    %12.2f\n", totalPnL)
}
