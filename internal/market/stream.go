package market

import (
	"fmt"
	"sync"
	"time"
)

// Stream admits quotes in per-symbol timestamp order and retains the last
// valid quote for each symbol. Out-of-order or duplicate timestamps are
// rejected as stale data; the previously admitted quote stays in effect.
type Stream struct {
	mu     sync.RWMutex
	last   map[string]Quote
	maxAge time.Duration
	now    func() time.Time
}

// NewStream creates a stream whose Fresh lookups reject quotes older than
// maxAge. A maxAge of zero disables the age check.
func NewStream(maxAge time.Duration) *Stream {
	return &Stream{
		last:   make(map[string]Quote),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Apply admits a quote. It returns ErrInvalidQuote for malformed quotes and
// ErrStaleData for updates that do not advance the symbol's timestamp.
func (s *Stream) Apply(q Quote) error {
	if err := Validate(q); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.last[q.Symbol]; ok && !q.Timestamp.After(prev.Timestamp) {
		return fmt.Errorf("%w: %s update at %s does not advance %s",
			ErrStaleData, q.Symbol,
			q.Timestamp.UTC().Format(time.RFC3339Nano),
			prev.Timestamp.UTC().Format(time.RFC3339Nano))
	}
	s.last[q.Symbol] = q
	return nil
}

// Last returns the most recent admitted quote for symbol, regardless of age.
func (s *Stream) Last(symbol string) (Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.last[symbol]
	return q, ok
}

// Fresh returns the last admitted quote for symbol, failing with ErrStaleData
// when no quote exists or the quote has aged beyond the stream's max age.
func (s *Stream) Fresh(symbol string) (Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.last[symbol]
	if !ok {
		return Quote{}, fmt.Errorf("%w: no quote for %s", ErrStaleData, symbol)
	}
	if s.maxAge > 0 {
		if age := s.now().Sub(q.Timestamp); age > s.maxAge {
			return Quote{}, fmt.Errorf("%w: %s quote is %s old (max %s)",
				ErrStaleData, symbol, age.Round(time.Millisecond), s.maxAge)
		}
	}
	return q, nil
}
