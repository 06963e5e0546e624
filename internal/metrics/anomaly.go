package metrics

import (
	"log/slog"

	"github.com/ashita-ai/keiryo/internal/model"
)

// AnomalySubscription is invoked on each declared anomaly, outside the
// engine lock.
type AnomalySubscription func(alertID int64, dim model.DimensionKey, fireTimeNs int64)

// AnomalyTracker watches the trailing bucket sums of one metric per
// dimension and declares an anomaly when the window sum exceeds the
// threshold, suppressed during the refractory period.
type AnomalyTracker struct {
	alert  model.Alert
	logger *slog.Logger

	// ring holds the last numBuckets sums per dimension; slot i is the
	// bucket numbered lastBucketNum-i.
	ring          map[string]*dimWindow
	lastBucketNum int64

	refractoryUntil map[string]int64

	subs []AnomalySubscription

	pending []firedAnomaly
}

type dimWindow struct {
	dim  model.DimensionKey
	sums []int64
}

type firedAnomaly struct {
	dim    model.DimensionKey
	timeNs int64
}

// NewAnomalyTracker creates a tracker for the alert.
func NewAnomalyTracker(alert model.Alert, logger *slog.Logger) *AnomalyTracker {
	if alert.NumBuckets <= 0 {
		alert.NumBuckets = 1
	}
	return &AnomalyTracker{
		alert:           alert,
		logger:          logger,
		ring:            make(map[string]*dimWindow),
		lastBucketNum:   -1,
		refractoryUntil: make(map[string]int64),
	}
}

// Alert returns the alert definition.
func (t *AnomalyTracker) Alert() model.Alert { return t.alert }

// Subscribe attaches a subscription; the engine rebuilds subscriptions on
// every config install.
func (t *AnomalyTracker) Subscribe(s AnomalySubscription) {
	t.subs = append(t.subs, s)
}

// AddPastBucket records one dimension's sum for a sealed bucket and
// detects threshold crossings. Fired anomalies queue until the engine
// drains them lock-free via TakeFired.
func (t *AnomalyTracker) AddPastBucket(dim model.DimensionKey, value int64, bucketNum, eventTimeNs int64) {
	t.advanceTo(bucketNum)
	w, ok := t.ring[dim.Enc()]
	if !ok {
		w = &dimWindow{dim: dim, sums: make([]int64, t.alert.NumBuckets)}
		t.ring[dim.Enc()] = w
	}
	w.sums[0] += value

	var sum int64
	for _, v := range w.sums {
		sum += v
	}
	if float64(sum) <= t.alert.TriggerIfSumGt {
		return
	}
	if until, inRefractory := t.refractoryUntil[dim.Enc()]; inRefractory && eventTimeNs < until {
		return
	}
	t.refractoryUntil[dim.Enc()] = eventTimeNs + t.alert.RefractorySecs*1_000_000_000
	t.pending = append(t.pending, firedAnomaly{dim: dim, timeNs: eventTimeNs})
	t.logger.Debug("anomaly: declared", "alert", t.alert.ID, "dim", dim.String(), "sum", sum)
}

// advanceTo rolls every window forward to the given bucket number,
// shifting in zero sums for skipped buckets.
func (t *AnomalyTracker) advanceTo(bucketNum int64) {
	if t.lastBucketNum < 0 {
		t.lastBucketNum = bucketNum
		return
	}
	steps := bucketNum - t.lastBucketNum
	if steps <= 0 {
		return
	}
	if steps > int64(t.alert.NumBuckets) {
		steps = int64(t.alert.NumBuckets)
	}
	for _, w := range t.ring {
		for s := int64(0); s < steps; s++ {
			copy(w.sums[1:], w.sums[:len(w.sums)-1])
			w.sums[0] = 0
		}
	}
	t.lastBucketNum = bucketNum
}

// TakeFired drains queued firings; the engine invokes subscriptions with
// no locks held.
func (t *AnomalyTracker) TakeFired() []func() {
	if len(t.pending) == 0 {
		return nil
	}
	fired := t.pending
	t.pending = nil
	subs := t.subs
	alertID := t.alert.ID
	var calls []func()
	for _, f := range fired {
		f := f
		for _, s := range subs {
			s := s
			calls = append(calls, func() { s(alertID, f.dim, f.timeNs) })
		}
	}
	return calls
}

// ResetSubscriptions clears subscriptions before a config install rebuilds
// them.
func (t *AnomalyTracker) ResetSubscriptions() { t.subs = nil }
