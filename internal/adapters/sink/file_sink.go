package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/flightincorporated47/metasys-connector-backend/internal/domain"
	"github.com/flightincorporated47/metasys-connector-backend/internal/ports"
)

// FileSink appends one JSON line per batch and syncs after every write.
type FileSink struct {
	mu   sync.Mutex
	path string
	file *os.File
}

func NewFileSink(path string) (*FileSink, error) {
	if path == "" {
		return nil, fmt.Errorf("file sink path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileSink{path: path, file: f}, nil
}

func (s *FileSink) Name() string { return "file" }

func (s *FileSink) WriteBatch(_ context.Context, b domain.Batch) error {
	line, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal batch %s: %w", b.ID, err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return fmt.Errorf("file sink %s closed", s.path)
	}
	if _, err := s.file.Write(line); err != nil {
		return err
	}
	return s.file.Sync()
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

var _ ports.BatchSink = (*FileSink)(nil)
