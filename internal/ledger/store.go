package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// load reads the snapshot from disk, or seeds a fresh session when no
// snapshot exists yet.
func (l *Ledger) load(initialCash float64) error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("read ledger state: %w", err)
		}
		l.st = state{
			Day: l.now().UTC().Format("2006-01-02"),
			Balance: Balance{
				Cash:       initialCash,
				PeakEquity: initialCash,
			},
			Positions: make(map[string]Position),
		}
		return l.saveLocked()
	}

	if err := json.Unmarshal(data, &l.st); err != nil {
		return fmt.Errorf("unmarshal ledger state: %w", err)
	}
	if l.st.Positions == nil {
		l.st.Positions = make(map[string]Position)
	}
	l.rolloverLocked(l.now().UTC())

	log.Info().Str("path", l.path).Float64("cash", l.st.Balance.Cash).
		Int("positions", len(l.st.Positions)).Int("trades", len(l.st.Trades)).
		Msg("ledger state reloaded")
	return nil
}

// Save persists the current snapshot. Callers use it to retry after an
// ErrPersist from a mutating operation.
func (l *Ledger) Save() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.saveLocked()
}

// saveLocked writes atomically via temp file + rename.
func (l *Ledger) saveLocked() error {
	l.st.Version++
	l.st.UpdatedAt = l.now().UTC().Format(time.RFC3339Nano)

	data, err := json.MarshalIndent(l.st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tempPath := l.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp ledger state: %w", err)
	}
	if err := os.Rename(tempPath, l.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename ledger state: %w", err)
	}
	return nil
}

// auditLog is an append-only journal of balance transitions. Each entry
// carries the predecessor and successor balance so any mutation can be
// replayed and checked.
type auditLog struct {
	mu   sync.Mutex
	path string
}

type auditEntry struct {
	Timestamp string  `json:"ts"`
	Op        string  `json:"op"`
	Symbol    string  `json:"symbol"`
	TradeID   string  `json:"trade_id"`
	Before    Balance `json:"before"`
	After     Balance `json:"after"`
}

func newAuditLog(path string) (*auditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &auditLog{path: path}, nil
}

// record appends one transition. An audit write failure is logged but does
// not fail the operation: the snapshot remains the authoritative record.
func (a *auditLog) record(op, symbol, tradeID string, before, after Balance) {
	entry := auditEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Op:        op,
		Symbol:    symbol,
		TradeID:   tradeID,
		Before:    before,
		After:     after,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		log.Error().Err(err).Msg("marshal audit entry")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Error().Err(err).Str("path", a.path).Msg("open audit log")
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		log.Error().Err(err).Str("path", a.path).Msg("append audit entry")
	}
}
