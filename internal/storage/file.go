package storage

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"seismo-gateway/internal/data"
)

// maxLineBytes bounds a single log line; waveform uploads stay well below it.
const maxLineBytes = 1 << 20

// FileStore keeps the log as newline-delimited JSON in one file. The file is
// reopened for every append, so an operator may move or truncate it while
// the service runs.
type FileStore struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	logger   *zap.Logger
}

// NewFileStore creates the parent directory and an empty log if missing.
func NewFileStore(path string, maxBytes int64, logger *zap.Logger) (*FileStore, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return &FileStore{path: path, maxBytes: maxBytes, logger: logger}, nil
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Append(ctx context.Context, rec data.Record) (Result, error) {
	line, err := encodeLine(rec)
	if err != nil {
		return Logged, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Logged, err
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return Logged, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Logged, fmt.Errorf("stat log: %w", err)
	}
	if info.Size() >= s.maxBytes {
		return Skipped, nil
	}

	// a torn tail from an earlier crash must not swallow this record
	torn, err := endsTorn(f, info.Size())
	if err != nil {
		return Logged, fmt.Errorf("read log tail: %w", err)
	}
	if torn {
		line = append([]byte{'\n'}, line...)
	}

	if _, err := f.Write(line); err != nil {
		// drop whatever part of the line made it to disk
		if terr := f.Truncate(info.Size()); terr != nil {
			s.logger.Error("Failed to roll back partial log write", zap.Error(terr))
		}
		return Logged, fmt.Errorf("write log: %w", err)
	}
	return Logged, nil
}

// endsTorn reports whether a non-empty log lacks its final newline.
func endsTorn(f *os.File, size int64) (bool, error) {
	if size == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

func (s *FileStore) ReadAll(ctx context.Context) iter.Seq2[data.Record, error] {
	return func(yield func(data.Record, error) bool) {
		f, err := os.Open(s.path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return
			}
			yield(data.Record{}, fmt.Errorf("open log: %w", err))
			return
		}
		defer f.Close()

		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		lineNo := 0
		for sc.Scan() {
			lineNo++
			if err := ctx.Err(); err != nil {
				yield(data.Record{}, err)
				return
			}
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			rec, err := data.DecodeRecord(line)
			if err != nil {
				s.logger.Debug("Skipping unreadable log line", zap.Int("line", lineNo), zap.Error(err))
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(data.Record{}, fmt.Errorf("read log: %w", err))
		}
	}
}

func (s *FileStore) Size(ctx context.Context) (int64, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size(), nil
}
