// internal/data/models.go
package data

import (
	"time"

	"github.com/google/uuid"
)

// UnknownDevice is the id recorded when a report carries no device id.
const UnknownDevice = "unknown"

// Level is the severity bucket a sensor assigns to a tremor.
type Level string

const (
	LevelMinor    Level = "minor"
	LevelModerate Level = "moderate"
	LevelSevere   Level = "severe"
)

// Valid reports whether l is one of the three known severities.
func (l Level) Valid() bool {
	switch l {
	case LevelMinor, LevelModerate, LevelSevere:
		return true
	}
	return false
}

// Kind discriminates the two record types that share the event log.
type Kind string

const (
	KindRaw       Kind = "RAW"
	KindConfirmed Kind = "CONFIRMED"
)

// Sample is one waveform point: milliseconds relative to the trigger, then
// acceleration on x, y and z in g.
type Sample [4]float64

// Report - the body a sensor posts to the ingestion endpoint, after validation.
type Report struct {
	DeviceID      string   `json:"id,omitempty"`
	Level         Level    `json:"level"`
	DeltaG        float64  `json:"deltaG"`
	EventOffsetMs *int64   `json:"event_offset_ms,omitempty"` // ms between detection and upload
	Waveform      []Sample `json:"waveform,omitempty"`
}

// RawEvent - one accepted sensor report as stored in the log.
type RawEvent struct {
	EventID    string
	Timestamp  time.Time // server acceptance time, UTC
	DeviceID   string
	Alias      string // snapshot at ingestion
	Level      Level
	DeltaG     float64
	DetectedAt *time.Time
	Waveform   []Sample
}

// ConfirmedEvent - a correlation window in which every roster device reported.
type ConfirmedEvent struct {
	EventID   string
	Timestamp time.Time // window close time, UTC
	Devices   []string
	Aliases   []string // parallel to Devices
}

// NewRawEvent builds the stored form of a report accepted at ts.
func NewRawEvent(r Report, alias string, ts time.Time) RawEvent {
	ev := RawEvent{
		EventID:   uuid.NewString(),
		Timestamp: ts.UTC(),
		DeviceID:  r.DeviceID,
		Alias:     alias,
		Level:     r.Level,
		DeltaG:    r.DeltaG,
		Waveform:  r.Waveform,
	}
	if r.EventOffsetMs != nil && *r.EventOffsetMs >= 0 {
		detected := ev.Timestamp.Add(-time.Duration(*r.EventOffsetMs) * time.Millisecond)
		ev.DetectedAt = &detected
	}
	return ev
}

// NewConfirmedEvent copies devices and aliases so later registry changes
// cannot reach into the stored record.
func NewConfirmedEvent(ts time.Time, devices, aliases []string) ConfirmedEvent {
	return ConfirmedEvent{
		EventID:   uuid.NewString(),
		Timestamp: ts.UTC(),
		Devices:   append([]string(nil), devices...),
		Aliases:   append([]string(nil), aliases...),
	}
}

// Record is one line of the event log. Raw and confirmed events share it and
// are told apart by Status.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Status    Kind      `json:"status"`
	EventID   string    `json:"event_id,omitempty"`

	// raw only
	DeviceID   string     `json:"id,omitempty"`
	Alias      *string    `json:"alias,omitempty"`
	Level      Level      `json:"level,omitempty"`
	DeltaG     *float64   `json:"deltaG,omitempty"`
	DetectedAt *time.Time `json:"detected_at,omitempty"`
	Waveform   []Sample   `json:"waveform,omitempty"`

	// confirmed only
	Devices []string `json:"devices,omitempty"`
	Aliases []string `json:"aliases,omitempty"`
}

func (e RawEvent) Record() Record {
	alias := e.Alias
	delta := e.DeltaG
	return Record{
		Timestamp:  e.Timestamp,
		Status:     KindRaw,
		EventID:    e.EventID,
		DeviceID:   e.DeviceID,
		Alias:      &alias,
		Level:      e.Level,
		DeltaG:     &delta,
		DetectedAt: e.DetectedAt,
		Waveform:   e.Waveform,
	}
}

func (e ConfirmedEvent) Record() Record {
	return Record{
		Timestamp: e.Timestamp,
		Status:    KindConfirmed,
		EventID:   e.EventID,
		Devices:   e.Devices,
		Aliases:   e.Aliases,
	}
}

// Raw returns the raw event carried by r, if it is one.
func (r Record) Raw() (RawEvent, bool) {
	if r.Status != KindRaw || r.DeltaG == nil {
		return RawEvent{}, false
	}
	ev := RawEvent{
		EventID:    r.EventID,
		Timestamp:  r.Timestamp,
		DeviceID:   r.DeviceID,
		Level:      r.Level,
		DeltaG:     *r.DeltaG,
		DetectedAt: r.DetectedAt,
		Waveform:   r.Waveform,
	}
	if r.Alias != nil {
		ev.Alias = *r.Alias
	}
	return ev, true
}

// Confirmed returns the confirmed event carried by r, if it is one.
func (r Record) Confirmed() (ConfirmedEvent, bool) {
	if r.Status != KindConfirmed {
		return ConfirmedEvent{}, false
	}
	return ConfirmedEvent{
		EventID:   r.EventID,
		Timestamp: r.Timestamp,
		Devices:   r.Devices,
		Aliases:   r.Aliases,
	}, true
}
