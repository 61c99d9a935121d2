package execution

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rkapoor/goldarb/internal/broker"
)

// Journal is the append-only order/fill record. It doubles as the
// idempotency store: HasRecentFill answers whether a client order ID already
// produced an acknowledged fill inside the dedupe window. Orders are
// journaled for audit only; a submission that never filled does not block a
// retry under the same ID.
type Journal struct {
	mu           sync.Mutex
	path         string
	dedupeWindow time.Duration
}

type journalEntry struct {
	Type  string    `json:"type"` // order | fill
	Data  any       `json:"data"`
	Event time.Time `json:"event"`
}

// NewJournal creates the journal file's directory if needed.
func NewJournal(path string, dedupeWindowSecs int) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if dedupeWindowSecs <= 0 {
		dedupeWindowSecs = 90
	}
	return &Journal{
		path:         path,
		dedupeWindow: time.Duration(dedupeWindowSecs) * time.Second,
	}, nil
}

func (j *Journal) WriteOrder(o broker.Order) error {
	return j.append(journalEntry{Type: "order", Data: o, Event: time.Now().UTC()})
}

func (j *Journal) WriteFill(f broker.Fill) error {
	return j.append(journalEntry{Type: "fill", Data: f, Event: time.Now().UTC()})
}

func (j *Journal) append(entry journalEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(data, '\n'))
	return err
}

// HasRecentFill reports whether a fill for clientOrderID was journaled
// inside the dedupe window.
func (j *Journal) HasRecentFill(clientOrderID string) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	cutoff := time.Now().UTC().Add(-j.dedupeWindow)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry struct {
			Type  string      `json:"type"`
			Data  broker.Fill `json:"data"`
			Event time.Time   `json:"event"`
		}
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		if entry.Type != "fill" || entry.Event.Before(cutoff) {
			continue
		}
		if entry.Data.ClientOrderID == clientOrderID {
			return true, nil
		}
	}
	return false, scanner.Err()
}
