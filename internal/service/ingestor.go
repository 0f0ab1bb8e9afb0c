// Package service threads sensor reports through the registry, the event log
// and the correlation window, and turns full-roster windows into confirmed
// events.
package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"seismo-gateway/internal/alerting"
	"seismo-gateway/internal/anomaly"
	"seismo-gateway/internal/consensus"
	"seismo-gateway/internal/data"
	"seismo-gateway/internal/metrics"
	"seismo-gateway/internal/registry"
	"seismo-gateway/internal/storage"
)

// Broadcaster pushes stored records to live subscribers.
type Broadcaster interface {
	BroadcastRecord(rec data.Record)
}

type Options struct {
	Window time.Duration    // correlation window, consensus.DefaultWindow if zero
	Now    func() time.Time // clock for acceptance and confirmation timestamps, time.Now if nil

	// Detector flags reports whose level disagrees with the current
	// thresholds. Optional.
	Detector *anomaly.Detector
}

// Ingestor is the single owner of the per-process ingestion state.
type Ingestor struct {
	store    storage.EventStore
	registry *registry.Registry
	window   *consensus.Manager
	detector *anomaly.Detector
	alerter  *alerting.Alerter
	hub      Broadcaster
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func New(store storage.EventStore, reg *registry.Registry, alerter *alerting.Alerter, hub Broadcaster,
	m *metrics.Metrics, logger *zap.Logger, opts Options) *Ingestor {
	s := &Ingestor{
		store:    store,
		registry: reg,
		detector: opts.Detector,
		alerter:  alerter,
		hub:      hub,
		metrics:  m,
		logger:   logger,
		now:      opts.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.window = consensus.NewManager(reg, opts.Window, s, logger, s.now)
	return s
}

// Ingest stores one report and admits its device into the correlation window.
// A full log yields storage.Skipped with a nil error; liveness and correlation
// bookkeeping still happen in that case.
func (s *Ingestor) Ingest(ctx context.Context, r data.Report) (storage.Result, error) {
	if r.DeviceID == "" {
		r.DeviceID = data.UnknownDevice
	}
	if err := r.Validate(); err != nil {
		s.metrics.Ingest("invalid")
		return storage.Skipped, err
	}
	if m := s.detector.Check(r); m != nil {
		s.logger.Warn("Reported level disagrees with sensitivity thresholds",
			zap.String("device_id", r.DeviceID), zap.Stringer("mismatch", m))
	}

	alias := s.registry.Resolve(r.DeviceID)
	ev := data.NewRawEvent(r, alias, s.now())
	rec := ev.Record()

	res, err := s.store.Append(ctx, rec)
	if err != nil {
		s.metrics.Ingest("error")
		return res, fmt.Errorf("append raw event: %w", err)
	}

	s.registry.Touch(r.DeviceID, ev.Timestamp)
	s.window.Admit(r.DeviceID, ev.Timestamp)

	switch res {
	case storage.Skipped:
		s.metrics.Ingest("skipped")
		s.logger.Warn("Event log full, report not stored",
			zap.String("device_id", r.DeviceID), zap.String("level", string(r.Level)))
	default:
		s.metrics.Ingest("logged")
		s.logger.Info("Seismic event logged",
			zap.String("event_id", ev.EventID),
			zap.String("device_id", r.DeviceID),
			zap.String("alias", alias),
			zap.String("level", string(r.Level)),
			zap.Float64("delta_g", r.DeltaG))
		if s.hub != nil {
			s.hub.BroadcastRecord(rec)
		}
	}
	s.alerter.Announce(alerting.RawMessage(ev))
	return res, nil
}

// Heartbeat records that id is alive and reports whether an operator asked it
// to reboot. It does not touch the event log or the correlation window.
func (s *Ingestor) Heartbeat(id string) (reboot bool) {
	s.registry.Touch(id, s.now().UTC())
	return s.registry.TakeReboot(id)
}

// Register handles a device boot: it is registered, marked alive and its
// firmware version recorded.
func (s *Ingestor) Register(id, firmware string) registry.Device {
	s.registry.Resolve(id)
	if firmware != "" {
		s.registry.SetFirmware(id, firmware)
	}
	s.registry.Touch(id, s.now().UTC())
	d, _ := s.registry.Lookup(id)
	return d
}

// WindowConfirmed appends the confirmation. It runs to completion even during
// shutdown, so it does not take a request context.
func (s *Ingestor) WindowConfirmed(ev data.ConfirmedEvent) {
	s.metrics.Window("confirmed")
	rec := ev.Record()

	res, err := s.store.Append(context.Background(), rec)
	switch {
	case err != nil:
		s.logger.Error("Failed to store confirmed event", zap.String("event_id", ev.EventID), zap.Error(err))
	case res == storage.Skipped:
		s.logger.Warn("Event log full, confirmed event not stored", zap.String("event_id", ev.EventID))
	default:
		if s.hub != nil {
			s.hub.BroadcastRecord(rec)
		}
	}
	s.alerter.Announce(alerting.ConfirmedMessage(ev))
}

func (s *Ingestor) WindowExpired(openedAt time.Time, members []string) {
	s.metrics.Window("expired")
}

// WindowState exposes the correlation window for diagnostics.
func (s *Ingestor) WindowState() (consensus.State, []string) {
	return s.window.State(), s.window.Members()
}

// Wait blocks until the open correlation window, if any, has closed and
// pending announcements are delivered.
func (s *Ingestor) Wait() {
	s.window.Wait()
	s.alerter.Wait()
}
