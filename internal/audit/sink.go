package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileSink writes events as append-only JSONL, one event per line.
type FileSink struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// NewFileSink opens (or creates) path in append-only mode with 0600 permissions.
func NewFileSink(path string, logger *slog.Logger) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &FileSink{file: f, logger: logger}, nil
}

// Write marshals outside the lock; only the file write is serialized.
func (s *FileSink) Write(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	_, err = s.file.Write(data)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "audit event logged",
			slog.String("event_type", event.EventType),
			slog.String("outcome", event.Outcome),
		)
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// StoreSink appends events to a database table.
type StoreSink struct {
	store Store
}

// NewStoreSink creates a database-backed sink.
func NewStoreSink(store Store) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Write(ctx context.Context, event Event) error {
	if err := s.store.Append(ctx, event); err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// Close is a no-op; the database connection is owned by the storage layer.
func (s *StoreSink) Close() error { return nil }

var (
	_ Sink = (*FileSink)(nil)
	_ Sink = (*StoreSink)(nil)
)
