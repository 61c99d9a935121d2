package events

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/rkapoor/goldarb/internal/observ"
)

// Bus fans events out to its sinks from a dedicated dispatch goroutine.
// Publish never blocks: when the buffer is full the event is counted and
// dropped rather than back-pressuring the trading path.
type Bus struct {
	ch      chan Event
	sinks   []Sink
	dropped atomic.Int64
	done    chan struct{}
}

// NewBus creates a bus with the given buffer size (default 256 when <= 0).
func NewBus(buffer int, sinks ...Sink) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		ch:    make(chan Event, buffer),
		sinks: sinks,
		done:  make(chan struct{}),
	}
}

// Publish enqueues an event, dropping it when the buffer is full.
func (b *Bus) Publish(e Event) {
	select {
	case b.ch <- e:
	default:
		n := b.dropped.Add(1)
		observ.EventsDroppedTotal.Inc()
		log.Warn().Str("event_type", string(e.Type)).Int64("dropped_total", n).
			Msg("event bus full, dropping event")
	}
}

// Run dispatches until ctx is cancelled, then drains the buffer.
func (b *Bus) Run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-b.ch:
					b.deliver(e)
				default:
					return
				}
			}
		case e := <-b.ch:
			b.deliver(e)
		}
	}
}

// Wait blocks until Run has returned.
func (b *Bus) Wait() {
	<-b.done
}

// Dropped reports how many events were discarded due to a full buffer.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bus) deliver(e Event) {
	for _, s := range b.sinks {
		if err := s.Deliver(e); err != nil {
			log.Warn().Err(err).Str("event_type", string(e.Type)).
				Msg("event sink delivery failed")
		}
	}
}
