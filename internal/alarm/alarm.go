// Package alarm provides periodic wall-clock alarms: per-config trackers
// with (offset, period) schedules and a monitor that keeps the nearest
// pending firing and dispatches subscriptions.
package alarm

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"
)

// NextFireNs computes the next firing time for the (offset, period)
// schedule: the offset itself while now is at or before it, otherwise
// floor((now-offset)/period + 1)*period + offset, which is strictly after
// now (a now that falls exactly on an epoch yields the following epoch).
func NextFireNs(offsetMs, periodMs, nowNs int64) int64 {
	offset := offsetMs * int64(time.Millisecond)
	period := periodMs * int64(time.Millisecond)
	if period <= 0 {
		return offset
	}
	if nowNs <= offset {
		return offset
	}
	k := (nowNs - offset) / period
	next := offset + (k+1)*period
	return next
}

// Subscription is invoked on each firing, outside the monitor lock.
type Subscription func(alarmID int64, fireTimeNs int64)

// Tracker is one scheduled alarm.
type Tracker struct {
	ID       int64
	OffsetMs int64
	PeriodMs int64

	nextFireNs int64
	subs       []Subscription
	heapIndex  int
}

// NewTracker creates a tracker with its first firing computed from now.
func NewTracker(id, offsetMs, periodMs, nowNs int64) *Tracker {
	return &Tracker{
		ID:         id,
		OffsetMs:   offsetMs,
		PeriodMs:   periodMs,
		nextFireNs: NextFireNs(offsetMs, periodMs, nowNs),
		heapIndex:  -1,
	}
}

// NextFire returns the pending firing time.
func (t *Tracker) NextFire() int64 { return t.nextFireNs }

// RestoreNextFire carries a preserved firing time across a config update;
// the updater calls it only when offset and period are unchanged.
func (t *Tracker) RestoreNextFire(nextFireNs int64) { t.nextFireNs = nextFireNs }

// Subscribe attaches a subscription.
func (t *Tracker) Subscribe(s Subscription) { t.subs = append(t.subs, s) }

type trackerHeap []*Tracker

func (h trackerHeap) Len() int            { return len(h) }
func (h trackerHeap) Less(i, j int) bool  { return h[i].nextFireNs < h[j].nextFireNs }
func (h trackerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].heapIndex = i; h[j].heapIndex = j }
func (h *trackerHeap) Push(x any)         { t := x.(*Tracker); t.heapIndex = len(*h); *h = append(*h, t) }
func (h *trackerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIndex = -1
	*h = old[:n-1]
	return t
}

// Monitor keeps all registered trackers ordered by next firing.
type Monitor struct {
	logger *slog.Logger

	mu       sync.Mutex
	trackers trackerHeap
	wake     chan struct{}
}

// NewMonitor creates an empty monitor.
func NewMonitor(logger *slog.Logger) *Monitor {
	return &Monitor{
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Register adds a tracker and reschedules the monitor.
func (m *Monitor) Register(t *Tracker) {
	m.mu.Lock()
	heap.Push(&m.trackers, t)
	m.mu.Unlock()
	m.poke()
}

// Unregister removes a tracker.
func (m *Monitor) Unregister(t *Tracker) {
	m.mu.Lock()
	if t.heapIndex >= 0 && t.heapIndex < len(m.trackers) && m.trackers[t.heapIndex] == t {
		heap.Remove(&m.trackers, t.heapIndex)
	}
	m.mu.Unlock()
	m.poke()
}

func (m *Monitor) poke() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// SnapshotNextFire reads a tracker's pending epoch under the monitor
// lock, safe against a concurrent Advance.
func (m *Monitor) SnapshotNextFire(t *Tracker) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return t.nextFireNs
}

// NearestFire returns the soonest pending firing, or false when no alarm
// is registered.
func (m *Monitor) NearestFire() (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.trackers) == 0 {
		return 0, false
	}
	return m.trackers[0].nextFireNs, true
}

// Advance fires every alarm due at or before nowNs, invoking their
// subscriptions with no monitor lock held, and re-arms each fired tracker
// at its next epoch. It returns the number of firings dispatched.
func (m *Monitor) Advance(nowNs int64) int {
	type firing struct {
		subs   []Subscription
		id     int64
		timeNs int64
	}
	var due []firing

	m.mu.Lock()
	for len(m.trackers) > 0 && m.trackers[0].nextFireNs <= nowNs {
		t := m.trackers[0]
		due = append(due, firing{subs: t.subs, id: t.ID, timeNs: t.nextFireNs})
		t.nextFireNs = NextFireNs(t.OffsetMs, t.PeriodMs, nowNs+1)
		heap.Fix(&m.trackers, 0)
	}
	m.mu.Unlock()

	for _, f := range due {
		for _, s := range f.subs {
			s(f.id, f.timeNs)
		}
	}
	return len(due)
}

// Run drives Advance from the wall clock until ctx is done. Registration
// changes wake it early so the nearest firing is always honored.
func (m *Monitor) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next, ok := m.NearestFire()
		var wait time.Duration
		if ok {
			wait = time.Duration(next - time.Now().UnixNano())
			if wait < 0 {
				wait = 0
			}
		} else {
			wait = time.Hour
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-timer.C:
			n := m.Advance(time.Now().UnixNano())
			if n > 0 {
				m.logger.Debug("alarm: dispatched firings", "count", n)
			}
		}
	}
}
