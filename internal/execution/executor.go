// Package execution dispatches orders through shared admission control: a
// token-bucket rate limiter, a circuit breaker around the venue, and capped
// exponential-backoff retries. An order either fills, is cancelled by the
// caller, or is reported failed; it is never silently dropped.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/rkapoor/goldarb/internal/broker"
	"github.com/rkapoor/goldarb/internal/observ"
)

// ErrExecutionFailed is surfaced after the retry budget is exhausted.
var ErrExecutionFailed = errors.New("execution failed")

// Config tunes admission control and retries.
type Config struct {
	RateCapacity     int     `yaml:"rate_capacity"`      // token bucket burst, default 10
	RatePerSec       float64 `yaml:"rate_per_sec"`       // refill rate, default 10
	MaxAttempts      int     `yaml:"max_attempts"`       // default 3
	BackoffBaseMs    int     `yaml:"backoff_base_ms"`    // default 100
	BackoffMaxMs     int     `yaml:"backoff_max_ms"`     // default 5000
	BreakerTimeoutMs int     `yaml:"breaker_timeout_ms"` // open-state cooldown, default 30000
	JournalPath      string  `yaml:"journal_path"`
	DedupeWindowSecs int     `yaml:"dedupe_window_seconds"`
}

func (c *Config) applyDefaults() {
	if c.RateCapacity == 0 {
		c.RateCapacity = 10
	}
	if c.RatePerSec == 0 {
		c.RatePerSec = 10
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBaseMs == 0 {
		c.BackoffBaseMs = 100
	}
	if c.BackoffMaxMs == 0 {
		c.BackoffMaxMs = 5000
	}
	if c.BreakerTimeoutMs == 0 {
		c.BreakerTimeoutMs = 30000
	}
	if c.JournalPath == "" {
		c.JournalPath = "data/orders.jsonl"
	}
}

// Executor submits orders to the broker.
type Executor struct {
	cfg     Config
	broker  broker.Broker
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	journal *Journal
}

// NewExecutor wires the executor. journal may be nil to disable journaling.
func NewExecutor(b broker.Broker, cfg Config, journal *Journal) *Executor {
	cfg.applyDefaults()
	settings := gobreaker.Settings{
		Name:    "broker",
		Timeout: time.Duration(cfg.BreakerTimeoutMs) * time.Millisecond,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).
				Str("to", to.String()).Msg("broker circuit breaker state change")
		},
	}
	return &Executor{
		cfg:     cfg,
		broker:  b,
		limiter: NewLimiter(cfg.RateCapacity, cfg.RatePerSec),
		breaker: gobreaker.NewCircuitBreaker(settings),
		journal: journal,
	}
}

// Limiter exposes the shared token bucket so other outbound callers (quote
// polling, reconciliation probes) draw from the same budget.
func (e *Executor) Limiter() *rate.Limiter {
	return e.limiter
}

// Submit places one order. It blocks on the rate limiter, then dispatches
// with up to MaxAttempts tries separated by capped exponential backoff.
// Cancelling ctx before broker acknowledgement aborts the submission; a
// returned Fill is final and must be reconciled by the caller.
func (e *Executor) Submit(ctx context.Context, o broker.Order) (broker.Fill, error) {
	start := time.Now()
	defer func() {
		observ.SubmitLatency.Observe(time.Since(start).Seconds())
	}()

	if e.journal != nil {
		if err := e.journal.WriteOrder(o); err != nil {
			log.Warn().Err(err).Str("client_order_id", o.ClientOrderID).Msg("journal order write failed")
		}
	}

	if err := e.limiter.Wait(ctx); err != nil {
		observ.OrdersTotal.WithLabelValues("cancelled").Inc()
		return broker.Fill{}, fmt.Errorf("rate limit wait: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		result, err := e.breaker.Execute(func() (interface{}, error) {
			return e.broker.PlaceOrder(ctx, o)
		})
		if err == nil {
			fill := result.(broker.Fill)
			if e.journal != nil {
				if jerr := e.journal.WriteFill(fill); jerr != nil {
					log.Warn().Err(jerr).Str("order_id", fill.OrderID).Msg("journal fill write failed")
				}
			}
			observ.OrdersTotal.WithLabelValues("filled").Inc()
			return fill, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			observ.OrdersTotal.WithLabelValues("cancelled").Inc()
			return broker.Fill{}, fmt.Errorf("submission cancelled: %w", ctx.Err())
		}
		if !e.retryable(err) {
			break
		}
		if attempt < e.cfg.MaxAttempts {
			backoff := e.backoff(attempt)
			log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).
				Str("client_order_id", o.ClientOrderID).Msg("transient submission failure, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				observ.OrdersTotal.WithLabelValues("cancelled").Inc()
				return broker.Fill{}, fmt.Errorf("submission cancelled: %w", ctx.Err())
			}
		}
	}

	observ.OrdersTotal.WithLabelValues("failed").Inc()
	return broker.Fill{}, fmt.Errorf("%w: %s after %d attempts: %v",
		ErrExecutionFailed, o.ClientOrderID, e.cfg.MaxAttempts, lastErr)
}

func (e *Executor) retryable(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	return broker.IsTransient(err)
}

func (e *Executor) backoff(attempt int) time.Duration {
	ms := e.cfg.BackoffBaseMs
	for i := 1; i < attempt; i++ {
		ms *= 2
	}
	if ms > e.cfg.BackoffMaxMs {
		ms = e.cfg.BackoffMaxMs
	}
	return time.Duration(ms) * time.Millisecond
}
