// internal/storage/storage.go
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"seismo-gateway/internal/data"
)

// DefaultMaxBytes is the size at which the log stops accepting appends.
const DefaultMaxBytes int64 = 20 * 1024 * 1024

// Result tells the caller whether an append reached the log.
type Result int

const (
	Logged Result = iota
	// Skipped means the log is at its size limit. It is not an error.
	Skipped
)

func (r Result) String() string {
	switch r {
	case Logged:
		return "logged"
	case Skipped:
		return "skipped"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// EventStore is the append-only event log. Implementations serialise Append
// so that the size check and the write happen as one step.
type EventStore interface {
	Append(ctx context.Context, rec data.Record) (Result, error)
	// ReadAll yields every record in write order. Each range re-reads from the
	// start. Unparseable entries are skipped; a read failure is yielded once.
	ReadAll(ctx context.Context) iter.Seq2[data.Record, error]
	Size(ctx context.Context) (int64, error)
}

// Collect drains ReadAll into a slice.
func Collect(ctx context.Context, s EventStore) ([]data.Record, error) {
	records := make([]data.Record, 0, 64)
	for rec, err := range s.ReadAll(ctx) {
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// encodeLine renders rec as a single newline-terminated JSON line.
func encodeLine(rec data.Record) ([]byte, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return append(b, '\n'), nil
}
