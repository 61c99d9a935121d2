package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// JSONLSink appends events to a newline-delimited JSON file for external
// alerting and dashboards to tail.
type JSONLSink struct {
	mu   sync.Mutex
	path string
}

// NewJSONLSink creates the parent directory if needed.
func NewJSONLSink(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &JSONLSink{path: path}, nil
}

func (s *JSONLSink) Deliver(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(data, '\n'))
	return err
}

// LogSink mirrors events into the structured log.
type LogSink struct{}

func (LogSink) Deliver(e Event) error {
	log.Info().Str("event_id", e.ID).Str("event_type", string(e.Type)).
		Interface("payload", e.Payload).Msg("event")
	return nil
}
