// internal/alerting/alerter.go
package alerting

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"seismo-gateway/internal/data"
	"seismo-gateway/internal/metrics"
)

const defaultNotifyTimeout = 5 * time.Second

// Notifier delivers a plain-text announcement to some display or channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, message string) error
}

// Alerter fans announcements out to every notifier. Delivery is asynchronous
// and failures are logged and counted, never returned to the caller.
type Alerter struct {
	notifiers []Notifier
	timeout   time.Duration
	metrics   *metrics.Metrics
	logger    *zap.Logger
	wg        sync.WaitGroup
}

func NewAlerter(logger *zap.Logger, m *metrics.Metrics, notifiers ...Notifier) *Alerter {
	return &Alerter{
		notifiers: notifiers,
		timeout:   defaultNotifyTimeout,
		metrics:   m,
		logger:    logger,
	}
}

// Announce hands message to each notifier in its own goroutine.
func (a *Alerter) Announce(message string) {
	if a == nil || len(a.notifiers) == 0 {
		return
	}
	for _, n := range a.notifiers {
		a.wg.Add(1)
		go func(n Notifier) {
			defer a.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					a.logger.Error("Notifier panicked", zap.String("notifier", n.Name()), zap.Any("panic", r))
					a.metrics.NotifyFailure(n.Name())
				}
			}()

			ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
			defer cancel()
			if err := n.Notify(ctx, message); err != nil {
				a.logger.Warn("Announcement failed", zap.String("notifier", n.Name()), zap.Error(err))
				a.metrics.NotifyFailure(n.Name())
			}
		}(n)
	}
}

// Wait blocks until in-flight announcements finish.
func (a *Alerter) Wait() {
	if a == nil {
		return
	}
	a.wg.Wait()
}

func displayName(id, alias string) string {
	if alias != "" {
		return alias
	}
	return id
}

// RawMessage is the announcement for a single sensor report.
func RawMessage(ev data.RawEvent) string {
	return fmt.Sprintf("%s reported a %s tremor, %.3f g", displayName(ev.DeviceID, ev.Alias), ev.Level, ev.DeltaG)
}

// ConfirmedMessage is the announcement for a confirmed earthquake.
func ConfirmedMessage(ev data.ConfirmedEvent) string {
	names := make([]string, len(ev.Devices))
	for i, id := range ev.Devices {
		alias := ""
		if i < len(ev.Aliases) {
			alias = ev.Aliases[i]
		}
		names[i] = displayName(id, alias)
	}
	return fmt.Sprintf("Earthquake confirmed by %d sensors: %s", len(ev.Devices), strings.Join(names, ", "))
}
