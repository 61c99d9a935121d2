package market

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// SimSource generates a random-walk quote stream for paper sessions. Each
// configured symbol drifts around its base price with the given daily
// volatility, scaled down to the tick interval.
type SimSource struct {
	symbols  []simSymbol
	interval time.Duration
	rng      *rand.Rand
}

type simSymbol struct {
	symbol     string
	price      float64
	volatility float64
	volume     int64
}

// SimSymbol seeds one simulated instrument.
type SimSymbol struct {
	Symbol     string  `yaml:"symbol"`
	BasePrice  float64 `yaml:"base_price"`
	Volatility float64 `yaml:"volatility"`
	Volume     int64   `yaml:"volume"`
}

// NewSimSource creates a simulator ticking every interval.
func NewSimSource(interval time.Duration, seed int64, symbols ...SimSymbol) *SimSource {
	s := &SimSource{
		interval: interval,
		rng:      rand.New(rand.NewSource(seed)),
	}
	for _, sym := range symbols {
		vol := sym.Volatility
		if vol <= 0 {
			vol = 0.01
		}
		s.symbols = append(s.symbols, simSymbol{
			symbol:     sym.Symbol,
			price:      sym.BasePrice,
			volatility: vol,
			volume:     sym.Volume,
		})
	}
	return s
}

// Run emits quotes on out until ctx is cancelled. It closes out on return.
func (s *SimSource) Run(ctx context.Context, out chan<- Quote) {
	defer close(out)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for i := range s.symbols {
				q := s.tick(&s.symbols[i], now.UTC())
				select {
				case out <- q:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (s *SimSource) tick(sym *simSymbol, now time.Time) Quote {
	// Scale daily volatility to a per-tick step.
	ticksPerDay := float64(24*time.Hour) / float64(s.interval)
	step := sym.volatility / math.Sqrt(ticksPerDay)
	sym.price *= 1 + s.rng.NormFloat64()*step

	halfSpread := sym.price * 0.0002
	return Quote{
		Symbol:    sym.symbol,
		Bid:       sym.price - halfSpread,
		Ask:       sym.price + halfSpread,
		Last:      sym.price,
		Volume:    sym.volume + s.rng.Int63n(1000),
		Timestamp: now,
	}
}
