// Package registry tracks the sensor fleet: which ids exist, their aliases,
// when each was last heard from and which of them form the consensus roster.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Mode decides how the roster is formed.
type Mode string

const (
	// ModeStatic uses the configured roster only. Unknown ids are tracked for
	// liveness but never join the roster.
	ModeStatic Mode = "static"
	// ModeDynamic adds every id to the roster the first time it is seen.
	ModeDynamic Mode = "dynamic"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeStatic, ModeDynamic:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown device mode %q (want static or dynamic)", s)
}

// Device is a copy of one registry entry.
type Device struct {
	ID       string
	Alias    string
	LastSeen time.Time // zero if never seen
	Firmware string
	InRoster bool
}

// Seen reports whether the device has ever been heard from.
func (d Device) Seen() bool { return !d.LastSeen.IsZero() }

type entry struct {
	Device
	rebootPending bool
}

type Registry struct {
	mu      sync.RWMutex
	mode    Mode
	seeds   map[string]string
	devices map[string]*entry
}

// New builds a registry. aliases maps device id to alias; in static mode those
// ids are the roster, in dynamic mode they only pre-name devices.
func New(mode Mode, aliases map[string]string) *Registry {
	r := &Registry{
		mode:    mode,
		seeds:   make(map[string]string, len(aliases)),
		devices: make(map[string]*entry, len(aliases)),
	}
	for id, alias := range aliases {
		r.seeds[id] = alias
		if mode == ModeStatic {
			r.devices[id] = &entry{Device: Device{ID: id, Alias: alias, InRoster: true}}
		}
	}
	return r
}

func (r *Registry) Mode() Mode { return r.mode }

// ensure returns the entry for id, registering it if new. Caller holds mu.
func (r *Registry) ensure(id string) *entry {
	e, ok := r.devices[id]
	if !ok {
		e = &entry{Device: Device{ID: id, Alias: r.seeds[id]}}
		r.devices[id] = e
	}
	if r.mode == ModeDynamic {
		e.InRoster = true
	}
	return e
}

// Resolve returns the alias for id, registering the id with an empty alias
// if it has never been seen. It never fails.
func (r *Registry) Resolve(id string) string {
	r.mu.RLock()
	e, ok := r.devices[id]
	if ok {
		alias := e.Alias
		r.mu.RUnlock()
		return alias
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensure(id).Alias
}

// Touch overwrites the device's last-seen time with at.
func (r *Registry) Touch(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensure(id).LastSeen = at
}

func (r *Registry) LastSeen(id string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[id]
	if !ok || e.LastSeen.IsZero() {
		return time.Time{}, false
	}
	return e.LastSeen, true
}

func (r *Registry) Lookup(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	return e.Device, true
}

// Roster returns the sorted ids that must all report for a confirmation.
func (r *Registry) Roster() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.devices))
	for id, e := range r.devices {
		if e.InRoster {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// RosterSnapshot returns copies of the roster devices sorted by id.
func (r *Registry) RosterSnapshot() []Device {
	return r.snapshot(true)
}

// Snapshot returns copies of every known device sorted by id.
func (r *Registry) Snapshot() []Device {
	return r.snapshot(false)
}

func (r *Registry) snapshot(rosterOnly bool) []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.devices))
	for _, e := range r.devices {
		if rosterOnly && !e.InRoster {
			continue
		}
		out = append(out, e.Device)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetAlias renames a device. Records already stored keep their old alias.
// Naming a device that has not been seen yet does not register it.
func (r *Registry) SetAlias(id, alias string) Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seeds[id] = alias
	e, ok := r.devices[id]
	if !ok {
		return Device{ID: id, Alias: alias}
	}
	e.Alias = alias
	return e.Device
}

// SetFirmware records the firmware version a device reported at boot.
func (r *Registry) SetFirmware(id, version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensure(id).Firmware = version
}

// RequestReboot flags a known device to reboot on its next heartbeat.
func (r *Registry) RequestReboot(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[id]
	if !ok {
		return false
	}
	e.rebootPending = true
	return true
}

// TakeReboot reports and clears a pending reboot request.
func (r *Registry) TakeReboot(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[id]
	if !ok || !e.rebootPending {
		return false
	}
	e.rebootPending = false
	return true
}
