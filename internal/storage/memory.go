// internal/storage/memory.go
package storage

import (
	"context"
	"iter"
	"sync"

	"seismo-gateway/internal/data"
)

// MemoryStore holds encoded lines in memory with the same byte accounting as
// FileStore. Nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	lines    [][]byte
	size     int64
	maxBytes int64
}

func NewMemoryStore(maxBytes int64) *MemoryStore {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &MemoryStore{
		lines:    make([][]byte, 0, 128),
		maxBytes: maxBytes,
	}
}

func (s *MemoryStore) Append(ctx context.Context, rec data.Record) (Result, error) {
	line, err := encodeLine(rec)
	if err != nil {
		return Logged, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size >= s.maxBytes {
		return Skipped, nil
	}
	s.lines = append(s.lines, line)
	s.size += int64(len(line))
	return Logged, nil
}

func (s *MemoryStore) ReadAll(ctx context.Context) iter.Seq2[data.Record, error] {
	return func(yield func(data.Record, error) bool) {
		// Appends never modify existing lines, so the header copy is enough.
		s.mu.RLock()
		lines := s.lines[:len(s.lines):len(s.lines)]
		s.mu.RUnlock()

		for _, line := range lines {
			if err := ctx.Err(); err != nil {
				yield(data.Record{}, err)
				return
			}
			rec, err := data.DecodeRecord(line)
			if err != nil {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (s *MemoryStore) Size(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size, nil
}

// Len returns the number of stored lines.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lines)
}
