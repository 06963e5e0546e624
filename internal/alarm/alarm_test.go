package alarm

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func sec(n int64) int64 { return n * int64(time.Second) }

func TestNextFireNs(t *testing.T) {
	const offsetMs, periodMs = 10_000, 5_000_000 // 10s offset, 5000s period

	// Before the offset the first firing is the offset itself.
	assert.Equal(t, sec(10), NextFireNs(offsetMs, periodMs, sec(2)))
	assert.Equal(t, sec(10), NextFireNs(offsetMs, periodMs, sec(10)))

	// Past the offset, the next epoch.
	assert.Equal(t, sec(5010), NextFireNs(offsetMs, periodMs, sec(60)))
	assert.Equal(t, sec(10010), NextFireNs(offsetMs, periodMs, sec(5010)))
}

func TestNextFireNsZeroPeriod(t *testing.T) {
	assert.Equal(t, sec(10), NextFireNs(10_000, 0, sec(99)))
}

func TestMonitorAdvanceFiresAndRearms(t *testing.T) {
	m := NewMonitor(testLogger())
	tr := NewTracker(1, 10_000, 5_000_000, sec(2))
	var fired []int64
	tr.Subscribe(func(id int64, at int64) {
		assert.Equal(t, int64(1), id)
		fired = append(fired, at)
	})
	m.Register(tr)

	next, ok := m.NearestFire()
	require.True(t, ok)
	assert.Equal(t, sec(10), next)

	// Nothing due yet.
	assert.Zero(t, m.Advance(sec(9)))
	assert.Empty(t, fired)

	assert.Equal(t, 1, m.Advance(sec(10)))
	require.Equal(t, []int64{sec(10)}, fired)

	next, ok = m.NearestFire()
	require.True(t, ok)
	assert.Equal(t, sec(5010), next)
}

func TestMonitorAdvanceMultipleTrackers(t *testing.T) {
	m := NewMonitor(testLogger())
	var order []int64
	for id, offset := range map[int64]int64{1: 30_000, 2: 20_000} {
		tr := NewTracker(id, offset, 60_000, 0)
		tr.Subscribe(func(id int64, _ int64) { order = append(order, id) })
		m.Register(tr)
	}

	assert.Equal(t, 2, m.Advance(sec(30)))
	require.Len(t, order, 2)
	// Earliest firing dispatches first.
	assert.Equal(t, []int64{2, 1}, order)
}

func TestMonitorUnregister(t *testing.T) {
	m := NewMonitor(testLogger())
	tr := NewTracker(1, 10_000, 60_000, 0)
	m.Register(tr)
	m.Unregister(tr)

	_, ok := m.NearestFire()
	assert.False(t, ok)
	assert.Zero(t, m.Advance(sec(100)))
}

func TestRestoreNextFire(t *testing.T) {
	// A preserved alarm keeps its pending epoch across an update.
	old := NewTracker(1, 10_000, 5_000_000, sec(2))
	renewed := NewTracker(1, 10_000, 5_000_000, sec(60))
	assert.Equal(t, sec(5010), renewed.NextFire())

	renewed.RestoreNextFire(old.NextFire())
	assert.Equal(t, sec(10), renewed.NextFire())
}
