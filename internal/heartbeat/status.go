// Package heartbeat derives Online/Offline from how recently a device was heard.
package heartbeat

import (
	"time"

	"seismo-gateway/internal/registry"
)

// State is a device's liveness as shown on the status endpoint.
type State string

const (
	Online  State = "Online"
	Offline State = "Offline"
)

// Tolerance is how many heartbeat intervals may pass before a device is
// considered down. Two allows one missed heartbeat.
const Tolerance = 2

// Status is Online when the device was seen and now-lastSeen is at most
// Tolerance intervals. The boundary itself counts as Online.
func Status(lastSeen time.Time, seen bool, now time.Time, interval time.Duration) State {
	if !seen {
		return Offline
	}
	if now.Sub(lastSeen) <= Tolerance*interval {
		return Online
	}
	return Offline
}

// Tracker applies Status to registry state. It never mutates the registry.
type Tracker struct {
	registry *registry.Registry
	interval time.Duration
}

func NewTracker(reg *registry.Registry, interval time.Duration) *Tracker {
	return &Tracker{registry: reg, interval: interval}
}

func (t *Tracker) Interval() time.Duration { return t.interval }

func (t *Tracker) Status(id string, now time.Time) State {
	last, ok := t.registry.LastSeen(id)
	return Status(last, ok, now, t.interval)
}

// Statuses reports every roster device.
func (t *Tracker) Statuses(now time.Time) map[string]State {
	roster := t.registry.RosterSnapshot()
	out := make(map[string]State, len(roster))
	for _, d := range roster {
		out[d.ID] = Status(d.LastSeen, d.Seen(), now, t.interval)
	}
	return out
}

// OnlineCount is the number of roster devices currently Online.
func (t *Tracker) OnlineCount(now time.Time) int {
	n := 0
	for _, s := range t.Statuses(now) {
		if s == Online {
			n++
		}
	}
	return n
}
