// internal/data/parser.go
package data

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ValidationError marks a report the caller must fix. Nothing is stored for it.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid payload: " + e.Reason
}

// IsValidation reports whether err is, or wraps, a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// wireReport keeps required fields as pointers so absence differs from zero.
type wireReport struct {
	ID            *string  `json:"id"`
	Level         *string  `json:"level"`
	DeltaG        *float64 `json:"deltaG"`
	EventOffsetMs *int64   `json:"event_offset_ms"`
	Waveform      []Sample `json:"waveform"`
}

// ParseReport decodes and validates a sensor report body.
func ParseReport(body []byte) (Report, error) {
	var w wireReport
	if err := json.Unmarshal(body, &w); err != nil {
		return Report{}, &ValidationError{Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}
	if w.Level == nil || w.DeltaG == nil {
		return Report{}, &ValidationError{Reason: "'level' and 'deltaG' required"}
	}

	r := Report{
		DeviceID:      UnknownDevice,
		Level:         Level(*w.Level),
		DeltaG:        *w.DeltaG,
		EventOffsetMs: w.EventOffsetMs,
		Waveform:      w.Waveform,
	}
	if w.ID != nil && strings.TrimSpace(*w.ID) != "" {
		r.DeviceID = strings.TrimSpace(*w.ID)
	}
	if err := r.Validate(); err != nil {
		return Report{}, err
	}
	return r, nil
}

// Validate checks the invariants every stored raw event relies on.
func (r Report) Validate() error {
	if !r.Level.Valid() {
		return &ValidationError{Reason: fmt.Sprintf("level %q is not one of minor, moderate, severe", r.Level)}
	}
	if r.DeviceID == "" {
		return &ValidationError{Reason: "empty device id"}
	}
	if r.EventOffsetMs != nil && *r.EventOffsetMs < 0 {
		return &ValidationError{Reason: "event_offset_ms must not be negative"}
	}
	return nil
}

// DecodeRecord parses one log line. Lines written before the status field
// existed are treated as raw events when they carry a level.
func DecodeRecord(line []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return Record{}, err
	}
	if rec.Timestamp.IsZero() {
		return Record{}, errors.New("record has no timestamp")
	}
	if rec.Status == "" && rec.Level != "" {
		rec.Status = KindRaw
	}
	switch rec.Status {
	case KindRaw, KindConfirmed:
	default:
		return Record{}, fmt.Errorf("unknown record status %q", rec.Status)
	}
	return rec, nil
}
