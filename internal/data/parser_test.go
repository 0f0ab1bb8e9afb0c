package data

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReport(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
		want    Report
	}{
		{
			name: "full report",
			body: `{"id":"AA:BB:CC:DD:EE:01","level":"moderate","deltaG":0.1234}`,
			want: Report{DeviceID: "AA:BB:CC:DD:EE:01", Level: LevelModerate, DeltaG: 0.1234},
		},
		{
			name: "missing id defaults to unknown",
			body: `{"level":"minor","deltaG":0.04}`,
			want: Report{DeviceID: UnknownDevice, Level: LevelMinor, DeltaG: 0.04},
		},
		{
			name: "blank id defaults to unknown",
			body: `{"id":"  ","level":"severe","deltaG":0.6}`,
			want: Report{DeviceID: UnknownDevice, Level: LevelSevere, DeltaG: 0.6},
		},
		{
			name: "zero deltaG is present, not missing",
			body: `{"id":"n1","level":"minor","deltaG":0}`,
			want: Report{DeviceID: "n1", Level: LevelMinor, DeltaG: 0},
		},
		{name: "missing level", body: `{"id":"n1","deltaG":0.2}`, wantErr: true},
		{name: "missing deltaG", body: `{"id":"n1","level":"minor"}`, wantErr: true},
		{name: "unknown level", body: `{"level":"apocalyptic","deltaG":9}`, wantErr: true},
		{name: "deltaG not numeric", body: `{"level":"minor","deltaG":"big"}`, wantErr: true},
		{name: "not json", body: `level=minor`, wantErr: true},
		{name: "negative offset", body: `{"level":"minor","deltaG":0.1,"event_offset_ms":-5}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseReport([]byte(tt.body))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseReport_Waveform(t *testing.T) {
	body := `{"id":"n1","level":"severe","deltaG":0.75,"event_offset_ms":3100,
		"waveform":[[-150,0.01,0.02,0.98],[0,0.4,0.1,1.2]]}`

	r, err := ParseReport([]byte(body))
	require.NoError(t, err)
	require.Len(t, r.Waveform, 2)
	assert.Equal(t, Sample{-150, 0.01, 0.02, 0.98}, r.Waveform[0])
	require.NotNil(t, r.EventOffsetMs)
	assert.EqualValues(t, 3100, *r.EventOffsetMs)

	ts := time.Date(2025, 3, 1, 12, 0, 5, 0, time.UTC)
	ev := NewRawEvent(r, "kitchen", ts)
	require.NotNil(t, ev.DetectedAt)
	assert.Equal(t, ts.Add(-3100*time.Millisecond), *ev.DetectedAt)
	assert.NotEmpty(t, ev.EventID)
}

func TestRecordLine(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	raw := NewRawEvent(Report{DeviceID: "n1", Level: LevelMinor, DeltaG: 0.05}, "", ts)

	line, err := json.Marshal(raw.Record())
	require.NoError(t, err)
	assert.Contains(t, string(line), `"status":"RAW"`)
	assert.Contains(t, string(line), `"alias":""`)

	rec, err := DecodeRecord(line)
	require.NoError(t, err)
	got, ok := rec.Raw()
	require.True(t, ok)
	assert.Equal(t, raw.DeltaG, got.DeltaG)
	assert.Equal(t, raw.Level, got.Level)
	assert.True(t, raw.Timestamp.Equal(got.Timestamp))
	_, ok = rec.Confirmed()
	assert.False(t, ok)

	conf := NewConfirmedEvent(ts, []string{"n1", "n2"}, []string{"hall", ""})
	line, err = json.Marshal(conf.Record())
	require.NoError(t, err)
	rec, err = DecodeRecord(line)
	require.NoError(t, err)
	gotConf, ok := rec.Confirmed()
	require.True(t, ok)
	assert.Equal(t, []string{"n1", "n2"}, gotConf.Devices)
	assert.Equal(t, []string{"hall", ""}, gotConf.Aliases)
}

func TestDecodeRecord_LegacyAndCorrupt(t *testing.T) {
	legacy := `{"timestamp":"2024-05-01T10:11:12.345678Z","level":"minor","deltaG":0.05,"id":"n1","translations":{"n1":""}}`
	rec, err := DecodeRecord([]byte(legacy))
	require.NoError(t, err)
	assert.Equal(t, KindRaw, rec.Status)

	for _, bad := range []string{
		`{"timestamp":`,
		`{"level":"minor","deltaG":0.1}`,
		`{"timestamp":"2024-05-01T10:11:12Z","status":"WHATEVER"}`,
	} {
		_, err := DecodeRecord([]byte(bad))
		assert.Error(t, err, bad)
	}
}
