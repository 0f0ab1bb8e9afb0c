package service

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"seismo-gateway/internal/alerting"
	"seismo-gateway/internal/anomaly"
	"seismo-gateway/internal/config"
	"seismo-gateway/internal/data"
	"seismo-gateway/internal/metrics"
	"seismo-gateway/internal/registry"
	"seismo-gateway/internal/storage"
)

const testWindow = 60 * time.Millisecond

type captureNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *captureNotifier) Name() string { return "capture" }

func (n *captureNotifier) Notify(_ context.Context, msg string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
	return nil
}

func (n *captureNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

type captureHub struct {
	mu      sync.Mutex
	records []data.Record
}

func (h *captureHub) BroadcastRecord(rec data.Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
}

func (h *captureHub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

type fixture struct {
	ingestor *Ingestor
	store    *storage.MemoryStore
	registry *registry.Registry
	notifier *captureNotifier
	hub      *captureHub
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T, reg *registry.Registry, maxBytes int64) *fixture {
	t.Helper()
	f := &fixture{
		store:    storage.NewMemoryStore(maxBytes),
		registry: reg,
		notifier: &captureNotifier{},
		hub:      &captureHub{},
		metrics:  metrics.New(),
	}
	logger := zap.NewNop()
	alerter := alerting.NewAlerter(logger, f.metrics, f.notifier)
	f.ingestor = New(f.store, reg, alerter, f.hub, f.metrics, logger, Options{Window: testWindow})
	t.Cleanup(f.ingestor.Wait)
	return f
}

func (f *fixture) records(t *testing.T) []data.Record {
	t.Helper()
	recs, err := storage.Collect(context.Background(), f.store)
	require.NoError(t, err)
	return recs
}

func TestIngest_StoresRawEvent(t *testing.T) {
	reg := registry.New(registry.ModeDynamic, map[string]string{"A": "kitchen"})
	f := newFixture(t, reg, storage.DefaultMaxBytes)

	before := time.Now().UTC()
	offset := int64(250)
	res, err := f.ingestor.Ingest(context.Background(), data.Report{
		DeviceID:      "A",
		Level:         data.LevelModerate,
		DeltaG:        0.12,
		EventOffsetMs: &offset,
		Waveform:      []data.Sample{{0, 0.01, 0.02, 1.0}},
	})
	require.NoError(t, err)
	assert.Equal(t, storage.Logged, res)

	recs := f.records(t)
	require.Len(t, recs, 1)
	raw, ok := recs[0].Raw()
	require.True(t, ok)
	assert.Equal(t, "A", raw.DeviceID)
	assert.Equal(t, "kitchen", raw.Alias)
	assert.Equal(t, data.LevelModerate, raw.Level)
	assert.InDelta(t, 0.12, raw.DeltaG, 1e-9)
	assert.NotEmpty(t, raw.EventID)
	assert.False(t, raw.Timestamp.Before(before.Truncate(time.Millisecond)))
	require.NotNil(t, raw.DetectedAt)
	assert.True(t, raw.Timestamp.Add(-250*time.Millisecond).Equal(*raw.DetectedAt))
	assert.Len(t, raw.Waveform, 1)

	seen, ok := reg.LastSeen("A")
	require.True(t, ok)
	assert.True(t, raw.Timestamp.Equal(seen))
	assert.Equal(t, 1, f.hub.len())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.IngestCounter("logged")))

	f.ingestor.Wait()
	assert.Contains(t, f.notifier.all(), "kitchen reported a moderate tremor, 0.120 g")
}

func TestIngest_InvalidReportIsNoOp(t *testing.T) {
	reg := registry.New(registry.ModeDynamic, nil)
	f := newFixture(t, reg, storage.DefaultMaxBytes)

	_, err := f.ingestor.Ingest(context.Background(), data.Report{DeviceID: "A", Level: "catastrophic", DeltaG: 1})
	require.Error(t, err)
	assert.True(t, data.IsValidation(err))

	assert.Empty(t, f.records(t))
	_, known := reg.Lookup("A")
	assert.False(t, known)
	state, _ := f.ingestor.WindowState()
	assert.Equal(t, "idle", state.String())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.IngestCounter("invalid")))
}

func TestIngest_BlankIDIsUnknown(t *testing.T) {
	reg := registry.New(registry.ModeDynamic, nil)
	f := newFixture(t, reg, storage.DefaultMaxBytes)

	_, err := f.ingestor.Ingest(context.Background(), data.Report{Level: data.LevelMinor, DeltaG: 0.04})
	require.NoError(t, err)

	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, data.UnknownDevice, recs[0].DeviceID)
}

func TestIngest_FullLogSkipsButKeepsBookkeeping(t *testing.T) {
	reg := registry.New(registry.ModeStatic, map[string]string{"A": ""})
	f := newFixture(t, reg, 1)

	// first append fits because the log starts empty
	res, err := f.ingestor.Ingest(context.Background(), data.Report{DeviceID: "A", Level: data.LevelMinor, DeltaG: 0.04})
	require.NoError(t, err)
	assert.Equal(t, storage.Logged, res)
	f.ingestor.Wait()

	res, err = f.ingestor.Ingest(context.Background(), data.Report{DeviceID: "A", Level: data.LevelSevere, DeltaG: 0.6})
	require.NoError(t, err)
	assert.Equal(t, storage.Skipped, res)

	assert.Equal(t, 1, f.store.Len())
	assert.Equal(t, []string{"A"}, mustMembers(f.ingestor))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.IngestCounter("skipped")))

	f.ingestor.Wait()
	// the confirmation could not be stored either
	assert.Equal(t, 1, f.store.Len())
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.WindowCounter("confirmed")))
}

func mustMembers(s *Ingestor) []string {
	_, members := s.WindowState()
	return members
}

func TestIngest_ConfirmsWhenRosterCovered(t *testing.T) {
	reg := registry.New(registry.ModeStatic, map[string]string{"A": "attic", "B": ""})
	f := newFixture(t, reg, storage.DefaultMaxBytes)

	ctx := context.Background()
	_, err := f.ingestor.Ingest(ctx, data.Report{DeviceID: "A", Level: data.LevelMinor, DeltaG: 0.04})
	require.NoError(t, err)
	_, err = f.ingestor.Ingest(ctx, data.Report{DeviceID: "B", Level: data.LevelSevere, DeltaG: 0.7})
	require.NoError(t, err)

	f.ingestor.Wait()

	recs := f.records(t)
	require.Len(t, recs, 3)
	confirmed, ok := recs[2].Confirmed()
	require.True(t, ok)
	assert.Equal(t, []string{"A", "B"}, confirmed.Devices)
	assert.Equal(t, []string{"attic", ""}, confirmed.Aliases)
	for _, r := range recs[:2] {
		assert.False(t, confirmed.Timestamp.Before(r.Timestamp))
	}

	assert.Contains(t, f.notifier.all(), "Earthquake confirmed by 2 sensors: attic, B")
	assert.Equal(t, 3, f.hub.len())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.WindowCounter("confirmed")))
}

func TestIngest_PartialWindowExpires(t *testing.T) {
	reg := registry.New(registry.ModeStatic, map[string]string{"A": "", "B": ""})
	f := newFixture(t, reg, storage.DefaultMaxBytes)

	_, err := f.ingestor.Ingest(context.Background(), data.Report{DeviceID: "A", Level: data.LevelMinor, DeltaG: 0.04})
	require.NoError(t, err)
	f.ingestor.Wait()

	assert.Len(t, f.records(t), 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.WindowCounter("expired")))
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.WindowCounter("confirmed")))
}

type failingStore struct{}

func (failingStore) Append(context.Context, data.Record) (storage.Result, error) {
	return storage.Skipped, errors.New("disk on fire")
}

func (failingStore) ReadAll(context.Context) iter.Seq2[data.Record, error] {
	return func(func(data.Record, error) bool) {}
}

func (failingStore) Size(context.Context) (int64, error) { return 0, nil }

func TestIngest_StoreErrorIsReturned(t *testing.T) {
	reg := registry.New(registry.ModeDynamic, nil)
	m := metrics.New()
	s := New(failingStore{}, reg, nil, nil, m, zap.NewNop(), Options{Window: testWindow})

	_, err := s.Ingest(context.Background(), data.Report{DeviceID: "A", Level: data.LevelMinor, DeltaG: 0.04})
	require.Error(t, err)
	assert.False(t, data.IsValidation(err))

	state, _ := s.WindowState()
	assert.Equal(t, "idle", state.String())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.IngestCounter("error")))
}

func TestHeartbeat(t *testing.T) {
	reg := registry.New(registry.ModeDynamic, nil)
	f := newFixture(t, reg, storage.DefaultMaxBytes)

	assert.False(t, f.ingestor.Heartbeat("A"))
	_, ok := reg.LastSeen("A")
	assert.True(t, ok)

	require.True(t, reg.RequestReboot("A"))
	assert.True(t, f.ingestor.Heartbeat("A"))
	assert.False(t, f.ingestor.Heartbeat("A"))

	assert.Empty(t, f.records(t))
}

func TestRegister(t *testing.T) {
	reg := registry.New(registry.ModeDynamic, map[string]string{"A": "porch"})
	f := newFixture(t, reg, storage.DefaultMaxBytes)

	d := f.ingestor.Register("A", "1.4.2")
	assert.Equal(t, "A", d.ID)
	assert.Equal(t, "porch", d.Alias)
	assert.Equal(t, "1.4.2", d.Firmware)
	assert.True(t, d.Seen())
	assert.True(t, d.InRoster)
}

func TestIngest_ThresholdMismatchIsStillStored(t *testing.T) {
	reg := registry.New(registry.ModeDynamic, nil)
	m := metrics.New()
	store := storage.NewMemoryStore(storage.DefaultMaxBytes)
	s := New(store, reg, nil, nil, m, zap.NewNop(), Options{
		Window:   testWindow,
		Detector: anomaly.NewDetector(config.Sensitivity{Minor: 0.035, Moderate: 0.1, Severe: 0.5}),
	})
	t.Cleanup(s.Wait)

	res, err := s.Ingest(context.Background(), data.Report{DeviceID: "A", Level: data.LevelSevere, DeltaG: 0.04})
	require.NoError(t, err)
	assert.Equal(t, storage.Logged, res)
	assert.Equal(t, 1, store.Len())
}

func TestIngest_ClockStampsRawAndConfirmed(t *testing.T) {
	reg := registry.New(registry.ModeStatic, map[string]string{"A": ""})
	store := storage.NewMemoryStore(storage.DefaultMaxBytes)
	fixed := time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)
	s := New(store, reg, nil, nil, metrics.New(), zap.NewNop(), Options{
		Window: testWindow,
		Now:    func() time.Time { return fixed },
	})

	_, err := s.Ingest(context.Background(), data.Report{DeviceID: "A", Level: data.LevelMinor, DeltaG: 0.04})
	require.NoError(t, err)
	s.Wait()

	recs, err := storage.Collect(context.Background(), store)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, data.KindConfirmed, recs[1].Status)
	for _, r := range recs {
		assert.True(t, fixed.Equal(r.Timestamp), r.Status)
	}
}
