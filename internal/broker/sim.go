package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rkapoor/goldarb/internal/ledger"
)

// SimConfig tunes the simulated venue.
type SimConfig struct {
	LatencyMsMin   int `yaml:"latency_ms_min"`
	LatencyMsMax   int `yaml:"latency_ms_max"`
	SlippageBpsMin int `yaml:"slippage_bps_min"`
	SlippageBpsMax int `yaml:"slippage_bps_max"`
}

func (c *SimConfig) applyDefaults() {
	if c.LatencyMsMin == 0 {
		c.LatencyMsMin = 20
	}
	if c.LatencyMsMax == 0 {
		c.LatencyMsMax = 200
	}
	if c.SlippageBpsMin == 0 {
		c.SlippageBpsMin = 1
	}
	if c.SlippageBpsMax == 0 {
		c.SlippageBpsMax = 5
	}
}

// Sim is a paper venue with latency and slippage. Fills are idempotent per
// client order ID: resubmitting a seen ID returns the original fill.
type Sim struct {
	mu   sync.Mutex
	cfg  SimConfig
	rng  *rand.Rand
	seen map[string]Fill

	// Fail, when set, is consulted before filling. Tests use it to inject
	// transient and permanent failures.
	Fail func(o Order) error
}

func NewSim(cfg SimConfig) *Sim {
	cfg.applyDefaults()
	return &Sim{
		cfg:  cfg,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
		seen: make(map[string]Fill),
	}
}

// PlaceOrder simulates a round trip to the venue. Cancellation is honored
// until the simulated acknowledgement; after that the fill is final.
func (s *Sim) PlaceOrder(ctx context.Context, o Order) (Fill, error) {
	if o.ClientOrderID == "" || o.Symbol == "" || o.Quantity <= 0 || o.Price <= 0 {
		return Fill{}, fmt.Errorf("%w: malformed order %+v", ErrRejected, o)
	}

	s.mu.Lock()
	if fill, ok := s.seen[o.ClientOrderID]; ok {
		s.mu.Unlock()
		return fill, nil
	}
	latencyMs := s.cfg.LatencyMsMin + s.rng.Intn(s.cfg.LatencyMsMax-s.cfg.LatencyMsMin+1)
	slippageBps := s.cfg.SlippageBpsMin + s.rng.Intn(s.cfg.SlippageBpsMax-s.cfg.SlippageBpsMin+1)
	s.mu.Unlock()

	select {
	case <-time.After(time.Duration(latencyMs) * time.Millisecond):
	case <-ctx.Done():
		return Fill{}, ctx.Err()
	}

	if s.Fail != nil {
		if err := s.Fail(o); err != nil {
			return Fill{}, err
		}
	}

	price := o.Price
	mult := 1 + float64(slippageBps)/10000
	if o.Side == ledger.SideBuy {
		price *= mult
	} else {
		price /= mult
	}

	fill := Fill{
		OrderID:       uuid.NewString(),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Quantity:      o.Quantity,
		Price:         price,
		Timestamp:     time.Now().UTC(),
		LatencyMs:     latencyMs,
		SlippageBps:   slippageBps,
	}

	s.mu.Lock()
	s.seen[o.ClientOrderID] = fill
	s.mu.Unlock()
	return fill, nil
}
