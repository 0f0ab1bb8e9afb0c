package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	m, err := ParseMode("static")
	require.NoError(t, err)
	assert.Equal(t, ModeStatic, m)

	_, err = ParseMode("adaptive")
	assert.Error(t, err)
}

func TestStaticRoster(t *testing.T) {
	r := New(ModeStatic, map[string]string{"A": "attic", "B": "basement"})

	assert.Equal(t, []string{"A", "B"}, r.Roster())
	assert.Equal(t, "attic", r.Resolve("A"))

	// unknown ids resolve to an empty alias and stay off the roster
	assert.Equal(t, "", r.Resolve("C"))
	assert.Equal(t, []string{"A", "B"}, r.Roster())

	_, ok := r.Lookup("C")
	assert.True(t, ok, "unknown id is still tracked")

	r.Touch("C", time.Now())
	assert.Equal(t, []string{"A", "B"}, r.Roster())
	assert.Len(t, r.Snapshot(), 3)
}

func TestDynamicRoster(t *testing.T) {
	r := New(ModeDynamic, map[string]string{"A": "attic"})

	assert.Empty(t, r.Roster(), "seeded aliases do not join before the device is seen")

	assert.Equal(t, "", r.Resolve("B"))
	assert.Equal(t, "attic", r.Resolve("A"))
	assert.Equal(t, []string{"A", "B"}, r.Roster())

	snap := r.RosterSnapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "attic", snap[0].Alias)
	assert.Equal(t, "", snap[1].Alias)
}

func TestTouchOverwrites(t *testing.T) {
	r := New(ModeDynamic, nil)

	_, ok := r.LastSeen("A")
	assert.False(t, ok)

	t1 := time.Date(2025, 1, 1, 0, 0, 10, 0, time.UTC)
	t0 := t1.Add(-time.Minute)
	r.Touch("A", t1)
	r.Touch("A", t0)

	got, ok := r.LastSeen("A")
	require.True(t, ok)
	assert.Equal(t, t0, got, "touch does not enforce ordering")
}

func TestSetAlias(t *testing.T) {
	r := New(ModeDynamic, nil)

	d := r.SetAlias("A", "attic")
	assert.Equal(t, "attic", d.Alias)
	assert.Empty(t, r.Roster(), "naming an unseen device does not register it")

	assert.Equal(t, "attic", r.Resolve("A"))
	r.SetAlias("A", "loft")
	assert.Equal(t, "loft", r.Resolve("A"))
}

func TestReboot(t *testing.T) {
	r := New(ModeStatic, map[string]string{"A": ""})

	assert.False(t, r.RequestReboot("nobody"))
	assert.False(t, r.TakeReboot("A"))

	assert.True(t, r.RequestReboot("A"))
	assert.True(t, r.TakeReboot("A"))
	assert.False(t, r.TakeReboot("A"), "request is consumed once")
}

func TestConcurrentTouchAndRead(t *testing.T) {
	r := New(ModeDynamic, nil)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				r.Touch("A", time.Now())
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				r.Snapshot()
				r.LastSeen("A")
			}
		}()
	}
	wg.Wait()
	_, ok := r.LastSeen("A")
	assert.True(t, ok)
}
