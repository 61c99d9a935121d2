// Package config loads the session configuration from YAML. Component
// packages own their sections and apply their own defaults on construction;
// Load only fills the top-level fields.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rkapoor/goldarb/internal/admin"
	"github.com/rkapoor/goldarb/internal/broker"
	"github.com/rkapoor/goldarb/internal/engine"
	"github.com/rkapoor/goldarb/internal/execution"
	"github.com/rkapoor/goldarb/internal/fiscal"
	"github.com/rkapoor/goldarb/internal/ledger"
	"github.com/rkapoor/goldarb/internal/market"
	"github.com/rkapoor/goldarb/internal/risk"
	"github.com/rkapoor/goldarb/internal/signal"
)

// Events configures the audit event stream.
type Events struct {
	Buffer    int    `yaml:"buffer"`     // bus buffer, default 256
	JSONLPath string `yaml:"jsonl_path"` // empty disables the file sink
}

// Sim configures the paper-mode quote simulator.
type Sim struct {
	TickIntervalMs int                `yaml:"tick_interval_ms"`
	Seed           int64              `yaml:"seed"`
	Symbols        []market.SimSymbol `yaml:"symbols"`
}

// Root is the full session configuration.
type Root struct {
	TradingMode string            `yaml:"trading_mode"` // paper | replay
	Engine      engine.Config     `yaml:"engine"`
	Fiscal      fiscal.GateConfig `yaml:"fiscal"`
	Signal      signal.Config     `yaml:"signal"`
	Risk        risk.Limits       `yaml:"risk"`
	Execution   execution.Config  `yaml:"execution"`
	Ledger      ledger.Config     `yaml:"ledger"`
	Broker      broker.SimConfig  `yaml:"broker"`
	Admin       admin.Config      `yaml:"admin"`
	Events      Events            `yaml:"events"`
	Sim         Sim               `yaml:"sim"`
}

// Load reads and parses the config file.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parse %s: %w", path, err)
	}

	if c.TradingMode == "" {
		c.TradingMode = "paper"
	}
	if c.TradingMode != "paper" && c.TradingMode != "replay" {
		return c, fmt.Errorf("unsupported trading_mode %q", c.TradingMode)
	}
	if c.Sim.TickIntervalMs == 0 {
		c.Sim.TickIntervalMs = 500
	}
	if c.Sim.Seed == 0 {
		c.Sim.Seed = 42
	}
	if len(c.Sim.Symbols) == 0 {
		c.Sim.Symbols = DefaultSimSymbols()
	}
	return c, nil
}

// DefaultSimSymbols seeds a paper session with plausible gold, spot, and FX
// levels when no symbols are configured.
func DefaultSimSymbols() []market.SimSymbol {
	return []market.SimSymbol{
		{Symbol: "MCX:GOLD", BasePrice: 62500, Volatility: 0.010, Volume: 5000},
		{Symbol: "XAUUSD", BasePrice: 2350, Volatility: 0.010, Volume: 100000},
		{Symbol: "USDINR", BasePrice: 83.2, Volatility: 0.002, Volume: 1000000},
	}
}
