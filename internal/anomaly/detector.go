// internal/anomaly/detector.go
package anomaly

import (
	"fmt"

	"seismo-gateway/internal/config"
	"seismo-gateway/internal/data"
)

// Mismatch describes a report whose level disagrees with the thresholds the
// gateway currently hands out. It usually means the sensor booted with older
// settings and has not called /api/init since.
type Mismatch struct {
	DeviceID string
	Reported data.Level
	Expected data.Level // empty when deltaG is below the minor threshold
	DeltaG   float64
}

func (m Mismatch) String() string {
	expected := string(m.Expected)
	if expected == "" {
		expected = "none"
	}
	return fmt.Sprintf("%s reported %s at %.3f g, thresholds say %s", m.DeviceID, m.Reported, m.DeltaG, expected)
}

type Detector struct {
	thresholds config.Sensitivity
}

func NewDetector(s config.Sensitivity) *Detector {
	return &Detector{thresholds: s}
}

// Classify maps deltaG onto a level using the configured thresholds.
func (d *Detector) Classify(deltaG float64) data.Level {
	switch {
	case deltaG >= d.thresholds.Severe:
		return data.LevelSevere
	case deltaG >= d.thresholds.Moderate:
		return data.LevelModerate
	case deltaG >= d.thresholds.Minor:
		return data.LevelMinor
	}
	return ""
}

// Check reports a mismatch, or nil when the report agrees with the thresholds.
// A nil Detector accepts everything.
func (d *Detector) Check(r data.Report) *Mismatch {
	if d == nil {
		return nil
	}
	expected := d.Classify(r.DeltaG)
	if expected == r.Level {
		return nil
	}
	return &Mismatch{DeviceID: r.DeviceID, Reported: r.Level, Expected: expected, DeltaG: r.DeltaG}
}
