// internal/consensus/manager.go
package consensus

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"seismo-gateway/internal/data"
	"seismo-gateway/internal/registry"
)

// DefaultWindow is how long a correlation window stays open after its first event.
const DefaultWindow = 2 * time.Second

// State of the single correlation window.
type State int

const (
	Idle State = iota
	Open
)

func (s State) String() string {
	if s == Open {
		return "open"
	}
	return "idle"
}

// RosterSource supplies the devices that must all report for a confirmation.
type RosterSource interface {
	RosterSnapshot() []registry.Device
}

// Listener receives the outcome of every window. Calls are made without the
// manager's lock held, never on the goroutine that called Admit.
type Listener interface {
	WindowConfirmed(ev data.ConfirmedEvent)
	WindowExpired(openedAt time.Time, members []string)
}

// Manager owns the one correlation window. Admit and the close timer share mu,
// so no member can be added once evaluation has started.
type Manager struct {
	mu       sync.Mutex
	window   time.Duration
	roster   RosterSource
	listener Listener
	logger   *zap.Logger
	now      func() time.Time

	state    State
	gen      uint64
	openedAt time.Time
	members  map[string]struct{}
	timer    *time.Timer

	pending sync.WaitGroup
}

// NewManager returns an idle manager. now stamps confirmations; nil means time.Now.
func NewManager(roster RosterSource, window time.Duration, listener Listener, logger *zap.Logger, now func() time.Time) *Manager {
	if window <= 0 {
		window = DefaultWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{
		window:   window,
		roster:   roster,
		listener: listener,
		logger:   logger,
		now:      now,
	}
}

// closing is a window that has been evaluated and reset, waiting for dispatch.
type closing struct {
	openedAt time.Time
	closedAt time.Time
	members  []string
	roster   []registry.Device
	covered  bool
}

// Admit adds a device to the open window, opening one if idle. at is the
// event's acceptance time; an event that arrives after the open window's
// deadline but before its timer ran closes that window first.
func (m *Manager) Admit(deviceID string, at time.Time) {
	m.mu.Lock()

	var overdue *closing
	if m.state == Open && at.Sub(m.openedAt) >= m.window {
		m.pending.Add(1)
		if m.timer.Stop() {
			// the timer will never run, so its pending slot is ours to release
			m.pending.Done()
		}
		c := m.closeLocked()
		overdue = &c
	}

	if m.state == Idle {
		m.state = Open
		m.gen++
		m.openedAt = at
		m.members = map[string]struct{}{deviceID: {}}
		gen := m.gen
		m.pending.Add(1)
		m.timer = time.AfterFunc(m.window, func() { m.expire(gen) })
		m.logger.Debug("Correlation window opened", zap.String("device_id", deviceID), zap.Time("opened_at", at))
	} else {
		m.members[deviceID] = struct{}{}
	}
	m.mu.Unlock()

	if overdue != nil {
		// the listener stores and announces, which must not hold up the caller
		go func(c closing) {
			defer m.pending.Done()
			m.dispatch(c)
		}(*overdue)
	}
}

func (m *Manager) expire(gen uint64) {
	defer m.pending.Done()

	m.mu.Lock()
	if m.state != Open || m.gen != gen {
		m.mu.Unlock()
		return
	}
	c := m.closeLocked()
	m.mu.Unlock()

	m.dispatch(c)
}

// closeLocked evaluates coverage and resets to Idle. Caller holds mu.
func (m *Manager) closeLocked() closing {
	c := closing{
		openedAt: m.openedAt,
		closedAt: m.now().UTC(),
		members:  make([]string, 0, len(m.members)),
		roster:   m.roster.RosterSnapshot(),
	}
	for id := range m.members {
		c.members = append(c.members, id)
	}
	sort.Strings(c.members)

	// extra, off-roster members never block coverage; an empty roster never confirms
	c.covered = len(c.roster) > 0
	for _, d := range c.roster {
		if _, ok := m.members[d.ID]; !ok {
			c.covered = false
			break
		}
	}

	m.state = Idle
	m.members = nil
	m.timer = nil
	return c
}

func (m *Manager) dispatch(c closing) {
	if !c.covered {
		m.logger.Debug("Correlation window expired",
			zap.Time("opened_at", c.openedAt),
			zap.Strings("members", c.members),
			zap.Int("roster_size", len(c.roster)))
		if m.listener != nil {
			m.listener.WindowExpired(c.openedAt, c.members)
		}
		return
	}

	ids := make([]string, len(c.roster))
	aliases := make([]string, len(c.roster))
	for i, d := range c.roster {
		ids[i] = d.ID
		aliases[i] = d.Alias
	}
	ev := data.NewConfirmedEvent(c.closedAt, ids, aliases)
	m.logger.Info("Consensus reached", zap.Strings("devices", ids), zap.Time("opened_at", c.openedAt))
	if m.listener != nil {
		m.listener.WindowConfirmed(ev)
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Members returns the sorted ids in the open window, or nil when idle.
func (m *Manager) Members() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Idle {
		return nil
	}
	out := make([]string, 0, len(m.members))
	for id := range m.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Wait blocks until an armed window has closed and every listener call returned.
func (m *Manager) Wait() {
	m.pending.Wait()
}
