package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/VladCristian27/rag-site-auditor/pkg/types"
)

// JSONLSink writes one JSON record per line. Replacement is left to the reader:
// the last line for a URL wins.
type JSONLSink struct {
	mu  sync.Mutex
	w   io.WriteCloser
	enc *json.Encoder
}

// NewJSONLSink wraps w. Close closes w.
func NewJSONLSink(w io.WriteCloser) *JSONLSink {
	return &JSONLSink{w: w, enc: json.NewEncoder(w)}
}

// NewJSONLStream writes to w without taking ownership of it.
func NewJSONLStream(w io.Writer) *JSONLSink {
	return NewJSONLSink(nopCloser{w})
}

// CreateJSONLFile opens path for appending, creating parent directories as needed.
func CreateJSONLFile(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create jsonl directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open jsonl file: %w", err)
	}
	return NewJSONLSink(f), nil
}

// Upsert appends record as a JSON line.
func (s *JSONLSink) Upsert(ctx context.Context, record types.PageRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(record); err != nil {
		return fmt.Errorf("write jsonl record: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Close()
}
