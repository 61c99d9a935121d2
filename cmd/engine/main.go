// Command engine runs a paper trading session: simulated quotes, signal
// evaluation, risk-managed execution against the simulated broker, and the
// admin API.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rkapoor/goldarb/internal/admin"
	"github.com/rkapoor/goldarb/internal/broker"
	"github.com/rkapoor/goldarb/internal/config"
	"github.com/rkapoor/goldarb/internal/engine"
	"github.com/rkapoor/goldarb/internal/events"
	"github.com/rkapoor/goldarb/internal/execution"
	"github.com/rkapoor/goldarb/internal/fiscal"
	"github.com/rkapoor/goldarb/internal/ledger"
	"github.com/rkapoor/goldarb/internal/market"
	"github.com/rkapoor/goldarb/internal/risk"
	sig "github.com/rkapoor/goldarb/internal/signal"
)

func main() {
	var (
		configPath = flag.String("config", "config/config.yaml", "path to config file")
		logLevel   = flag.String("log-level", "info", "zerolog level")
		pretty     = flag.Bool("pretty", false, "human-readable console logging")
	)
	flag.Parse()

	setupLogging(*logLevel, *pretty)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("load config")
	}
	if cfg.TradingMode != "paper" {
		log.Fatal().Str("trading_mode", cfg.TradingMode).Msg("engine only runs paper sessions; use the replay command for captures")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sinks []events.Sink
	sinks = append(sinks, events.LogSink{})
	if cfg.Events.JSONLPath != "" {
		fileSink, err := events.NewJSONLSink(cfg.Events.JSONLPath)
		if err != nil {
			log.Fatal().Err(err).Msg("open event sink")
		}
		sinks = append(sinks, fileSink)
	}
	bus := events.NewBus(cfg.Events.Buffer, sinks...)
	go bus.Run(ctx)

	led, err := ledger.Open(cfg.Ledger)
	if err != nil {
		log.Fatal().Err(err).Msg("open ledger")
	}

	journal, err := execution.NewJournal(cfg.Execution.JournalPath, cfg.Execution.DedupeWindowSecs)
	if err != nil {
		log.Fatal().Err(err).Msg("open order journal")
	}

	gate := fiscal.NewGate(cfg.Fiscal, bus)
	quotes := make(chan market.Quote, 64)
	sim := market.NewSimSource(
		time.Duration(cfg.Sim.TickIntervalMs)*time.Millisecond,
		cfg.Sim.Seed, cfg.Sim.Symbols...)
	go sim.Run(ctx, quotes)

	eng := engine.New(cfg.Engine, engine.Deps{
		Stream:  market.NewStream(cfg.Engine.MaxQuoteAge()),
		Gate:    gate,
		Signals: sig.NewGenerator(cfg.Signal, gate, bus),
		Risk:    risk.NewManager(cfg.Risk),
		Ledger:  led,
		Exec:    execution.NewExecutor(broker.NewSim(cfg.Broker), cfg.Execution, journal),
		Journal: journal,
		Bus:     bus,
		Quotes:  quotes,
	})

	srv := admin.NewServer(cfg.Admin, eng, gate)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("admin server failed")
			stop()
		}
	}()

	runErr := eng.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("admin shutdown")
	}
	bus.Wait()
	if err := led.Save(); err != nil {
		log.Error().Err(err).Msg("final ledger save failed")
	}

	if runErr != nil {
		log.Fatal().Err(runErr).Msg("session halted")
	}
	log.Info().Msg("session finished")
}

func setupLogging(level string, pretty bool) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
