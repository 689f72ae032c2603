package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
)

// JSONLSink appends one JSON document per run to a file. Lines are flushed on
// every save so a crash loses at most the run in flight.
type JSONLSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewJSONLSink opens (or creates) the file for appending.
func NewJSONLSink(path string) (*JSONLSink, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open export file: %w", err)
	}
	return &JSONLSink{file: file, enc: json.NewEncoder(file)}, nil
}

// Save implements Sink.
func (s *JSONLSink) Save(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enc.Encode(run); err != nil {
		return fmt.Errorf("encode run %s: %w", run.ID, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync export file: %w", err)
	}

	log.Debug().
		Str("run_id", run.ID).
		Str("entry", run.Entry).
		Int("trace_entries", len(run.Trace)).
		Msg("Run exported")
	return nil
}

// Close implements Sink.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
