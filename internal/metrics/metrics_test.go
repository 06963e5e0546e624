package metrics

import (
	"bytes"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/keiryo/internal/model"
	"github.com/ashita-ai/keiryo/internal/report"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func sec(n int64) int64 { return n * int64(time.Second) }
func min(n int64) int64 { return n * int64(time.Minute) }

// simpleEvent builds an event with int64 field 1 = uid and int64 field 2 =
// value, timestamped at elapsed ns.
func simpleEvent(atom int32, elapsedNs, uid, value int64) *model.LogEvent {
	mk := func(pos int32, v int64) model.FieldValue {
		var p model.FieldPath
		p.Pos[0] = pos
		p.Depth = 1
		return model.FieldValue{Field: model.Field{Path: p}, Value: model.LongValue(v)}
	}
	return model.NewEvent(atom, elapsedNs, elapsedNs, 0, []model.FieldValue{mk(1, uid), mk(2, value)})
}

func uidDim() []model.FieldRef { return []model.FieldRef{{Fields: []int32{1}}} }

type fixedWizard struct{ state model.ConditionState }

func (w fixedWizard) Query(int, model.DimensionKey) model.ConditionState { return w.state }

func drain(p Producer, dumpNs int64) report.MetricReport {
	return p.Report(dumpNs, false, report.Flags{}, nil)
}

// Screen-on count: events at 0, 15 and 65 minutes with a 1h bucket land
// 2 in the first bucket and 1 in the second.
func TestCountMetric_HourBuckets(t *testing.T) {
	def := &model.Metric{ID: 1, Kind: model.MetricCount, BucketSizeMs: 3_600_000}
	p := NewCountProducer(def, 0, -1, nil, nil, &Counters{}, testLogger())

	p.OnMatchedLogEvent(0, simpleEvent(29, min(0), 0, 2))
	p.OnMatchedLogEvent(0, simpleEvent(29, min(15), 0, 2))
	p.OnMatchedLogEvent(0, simpleEvent(29, min(65), 0, 2))

	r := drain(p, min(130))
	require.Len(t, r.Buckets, 2)

	b0 := r.Buckets[0]
	assert.Equal(t, int64(0), b0.StartNs)
	assert.Equal(t, min(60), b0.EndNs)
	require.Len(t, b0.Values, 1)
	assert.Equal(t, int64(2), b0.Values[0].Count)

	b1 := r.Buckets[1]
	assert.Equal(t, min(60), b1.StartNs)
	assert.Equal(t, min(120), b1.EndNs)
	assert.Equal(t, int64(1), b1.Values[0].Count)
}

func TestCountMetric_BucketAlignment(t *testing.T) {
	const base = int64(12345)
	def := &model.Metric{ID: 1, Kind: model.MetricCount, BucketSizeMs: 1000}
	p := NewCountProducer(def, base, -1, nil, nil, &Counters{}, testLogger())

	for i := int64(0); i < 10; i++ {
		p.OnMatchedLogEvent(0, simpleEvent(29, base+i*sec(1)/2, 0, 1))
	}
	r := drain(p, base+sec(20))
	require.NotEmpty(t, r.Buckets)
	for _, b := range r.Buckets {
		assert.Zero(t, (b.StartNs-base)%sec(1))
		assert.Equal(t, sec(1), b.EndNs-b.StartNs)
	}
}

func TestCountMetric_ConditionGates(t *testing.T) {
	def := &model.Metric{ID: 1, Kind: model.MetricCount, BucketSizeMs: 60_000}
	p := NewCountProducer(def, 0, 0, nil, nil, &Counters{}, testLogger())

	// Condition starts unknown: no aggregation.
	p.OnMatchedLogEvent(0, simpleEvent(29, sec(1), 0, 1))
	p.OnConditionChanged(model.ConditionTrue, sec(2))
	p.OnMatchedLogEvent(0, simpleEvent(29, sec(3), 0, 1))
	p.OnConditionChanged(model.ConditionFalse, sec(4))
	p.OnMatchedLogEvent(0, simpleEvent(29, sec(5), 0, 1))

	r := drain(p, min(2))
	require.Len(t, r.Buckets, 1)
	assert.Equal(t, int64(1), r.Buckets[0].Values[0].Count)
}

func TestCountMetric_DimensionOverflow(t *testing.T) {
	counters := &Counters{}
	def := &model.Metric{
		ID: 1, Kind: model.MetricCount, BucketSizeMs: 60_000,
		Dimensions: uidDim(), MaxDimensionsPerBucket: 2,
	}
	p := NewCountProducer(def, 0, -1, nil, nil, counters, testLogger())

	for uid := int64(1); uid <= 5; uid++ {
		p.OnMatchedLogEvent(0, simpleEvent(29, sec(1), uid, 1))
	}

	r := drain(p, min(2))
	require.Len(t, r.Buckets, 1)
	// Two real dimensions plus the overflow tombstone.
	require.Len(t, r.Buckets[0].Values, 3)
	assert.Equal(t, int64(3), counters.DimensionOverflows.Load())
	assert.Equal(t, int64(3), r.DroppedDimensions)

	var overflowCount int64
	for _, v := range r.Buckets[0].Values {
		for _, d := range v.Dimension {
			if d.Value.Str == report.OverflowDimension {
				overflowCount = v.Count
			}
		}
	}
	assert.Equal(t, int64(3), overflowCount)
}

func TestCountMetric_ActivationGates(t *testing.T) {
	def := &model.Metric{ID: 1, Kind: model.MetricCount, BucketSizeMs: 60_000}
	p := NewCountProducer(def, 0, -1, nil, nil, &Counters{}, testLogger())
	p.AddActivation(model.EventActivation{MatcherID: 9, TTLSeconds: 10}, 3, -1)

	// Locked until the activation matcher fires.
	p.OnMatchedLogEvent(0, simpleEvent(29, sec(1), 0, 1))
	p.ActivationFired(3, sec(2))
	p.OnMatchedLogEvent(0, simpleEvent(29, sec(3), 0, 1))
	// TTL expired at 12s.
	p.OnMatchedLogEvent(0, simpleEvent(29, sec(20), 0, 1))

	r := drain(p, min(2))
	require.Len(t, r.Buckets, 1)
	assert.Equal(t, int64(1), r.Buckets[0].Values[0].Count)
}

func TestCountMetric_ActivateOnBoot(t *testing.T) {
	def := &model.Metric{ID: 1, Kind: model.MetricCount, BucketSizeMs: 60_000}
	p := NewCountProducer(def, 0, -1, nil, nil, &Counters{}, testLogger())
	p.AddActivation(model.EventActivation{MatcherID: 9, TTLSeconds: 10, Type: model.ActivateOnBoot}, 3, -1)

	p.ActivationFired(3, sec(1))
	// Queued, not yet active.
	p.OnMatchedLogEvent(0, simpleEvent(29, sec(2), 0, 1))
	p.OnBoot(sec(5))
	p.OnMatchedLogEvent(0, simpleEvent(29, sec(6), 0, 1))

	r := drain(p, min(2))
	require.Len(t, r.Buckets, 1)
	assert.Equal(t, int64(1), r.Buckets[0].Values[0].Count)
}

// Wakelock duration with stop-all: uid 10 accrues 2s, uid 11 accrues 3s,
// and the stop-all closes everything.
func TestDurationMetric_StopAll(t *testing.T) {
	def := &model.Metric{
		ID: 2, Kind: model.MetricDuration, BucketSizeMs: 60_000,
		Dimensions: uidDim(), DurationAggregation: model.DurationSum,
	}
	pred := &model.SimplePredicate{CountNesting: true}
	p := NewDurationProducer(def, pred, 0, 1, 2, 0, -1, nil, nil, &Counters{}, testLogger())

	p.OnMatchedLogEvent(0, simpleEvent(10, sec(1), 10, 0)) // acquire uid 10
	p.OnMatchedLogEvent(0, simpleEvent(10, sec(2), 11, 0)) // acquire uid 11
	p.OnMatchedLogEvent(1, simpleEvent(10, sec(3), 10, 0)) // release uid 10
	p.OnMatchedLogEvent(2, simpleEvent(10, sec(5), 0, 0))  // battery none: stop all
	assert.Zero(t, p.OpenIntervals())

	r := drain(p, min(2))
	require.Len(t, r.Buckets, 1)
	require.Len(t, r.Buckets[0].Values, 2)

	byUID := map[int64]int64{}
	for _, v := range r.Buckets[0].Values {
		require.Len(t, v.Dimension, 1)
		byUID[v.Dimension[0].Value.Int] = v.DurationNs
	}
	assert.Equal(t, sec(2), byUID[10])
	assert.Equal(t, sec(3), byUID[11])
}

func TestDurationMetric_NestedCounting(t *testing.T) {
	def := &model.Metric{ID: 2, Kind: model.MetricDuration, BucketSizeMs: 60_000, DurationAggregation: model.DurationSum}
	pred := &model.SimplePredicate{CountNesting: true}
	p := NewDurationProducer(def, pred, 0, 1, 2, 0, -1, nil, nil, &Counters{}, testLogger())

	p.OnMatchedLogEvent(0, simpleEvent(10, sec(1), 0, 0))
	p.OnMatchedLogEvent(0, simpleEvent(10, sec(2), 0, 0))
	p.OnMatchedLogEvent(1, simpleEvent(10, sec(3), 0, 0)) // inner release
	p.OnMatchedLogEvent(1, simpleEvent(10, sec(5), 0, 0)) // outer release closes

	r := drain(p, min(2))
	require.Len(t, r.Buckets, 1)
	assert.Equal(t, sec(4), r.Buckets[0].Values[0].DurationNs)
}

func TestDurationMetric_SplitsAcrossBuckets(t *testing.T) {
	def := &model.Metric{ID: 2, Kind: model.MetricDuration, BucketSizeMs: 1000, DurationAggregation: model.DurationSum}
	pred := &model.SimplePredicate{}
	p := NewDurationProducer(def, pred, 0, 1, 2, 0, -1, nil, nil, &Counters{}, testLogger())

	p.OnMatchedLogEvent(0, simpleEvent(10, sec(0)+500_000_000, 0, 0)) // start at 0.5s
	p.OnMatchedLogEvent(1, simpleEvent(10, sec(2)+500_000_000, 0, 0)) // stop at 2.5s

	r := drain(p, sec(10))
	require.Len(t, r.Buckets, 3)
	assert.Equal(t, int64(500_000_000), r.Buckets[0].Values[0].DurationNs)
	assert.Equal(t, sec(1), r.Buckets[1].Values[0].DurationNs)
	assert.Equal(t, int64(500_000_000), r.Buckets[2].Values[0].DurationNs)
}

func TestDurationMetric_ConditionPausesAccrual(t *testing.T) {
	def := &model.Metric{ID: 2, Kind: model.MetricDuration, BucketSizeMs: 60_000, DurationAggregation: model.DurationSum}
	pred := &model.SimplePredicate{}
	p := NewDurationProducer(def, pred, 0, 1, 2, 0, 0, fixedWizard{model.ConditionTrue}, nil, &Counters{}, testLogger())
	p.condition = model.ConditionTrue

	p.OnMatchedLogEvent(0, simpleEvent(10, sec(1), 0, 0))
	p.OnConditionChanged(model.ConditionFalse, sec(3)) // pause after 2s
	p.OnConditionChanged(model.ConditionTrue, sec(7))  // resume
	p.OnMatchedLogEvent(1, simpleEvent(10, sec(9), 0, 0))

	r := drain(p, min(2))
	require.Len(t, r.Buckets, 1)
	assert.Equal(t, sec(4), r.Buckets[0].Values[0].DurationNs)
}

func TestDurationMetric_MaxSparse(t *testing.T) {
	def := &model.Metric{ID: 2, Kind: model.MetricDuration, BucketSizeMs: 60_000, DurationAggregation: model.DurationMaxSparse}
	pred := &model.SimplePredicate{}
	p := NewDurationProducer(def, pred, 0, 1, 2, 0, -1, nil, nil, &Counters{}, testLogger())

	p.OnMatchedLogEvent(0, simpleEvent(10, sec(1), 0, 0))
	p.OnMatchedLogEvent(1, simpleEvent(10, sec(2), 0, 0)) // 1s
	p.OnMatchedLogEvent(0, simpleEvent(10, sec(5), 0, 0))
	p.OnMatchedLogEvent(1, simpleEvent(10, sec(10), 0, 0)) // 5s

	r := drain(p, min(2))
	require.Len(t, r.Buckets, 1)
	assert.Equal(t, sec(5), r.Buckets[0].Values[0].DurationNs)
}

func TestEventMetric_RecordsVerbatim(t *testing.T) {
	def := &model.Metric{ID: 3, Kind: model.MetricEvent, BucketSizeMs: 60_000}
	p := NewEventProducer(def, 0, -1, nil, &Counters{}, nil, testLogger())

	e1 := simpleEvent(5, sec(1), 1, 11)
	e2 := simpleEvent(5, sec(2), 2, 22)
	p.OnMatchedLogEvent(0, e1)
	p.OnMatchedLogEvent(0, e2)

	r := drain(p, min(2))
	require.Len(t, r.Buckets, 1)
	require.Len(t, r.Buckets[0].Values, 1)
	assert.Equal(t, []*model.LogEvent{e1, e2}, r.Buckets[0].Values[0].Events)
}

func TestEventMetric_Sampling(t *testing.T) {
	counters := &Counters{}
	def := &model.Metric{ID: 3, Kind: model.MetricEvent, BucketSizeMs: 60_000, SamplingRate: 0.5}
	p := NewEventProducer(def, 0, -1, nil, counters, rand.New(rand.NewSource(7)), testLogger())

	const n = 1000
	for i := int64(0); i < n; i++ {
		p.OnMatchedLogEvent(0, simpleEvent(5, sec(1), i, 0))
	}

	r := drain(p, min(2))
	require.Len(t, r.Buckets, 1)
	kept := len(r.Buckets[0].Values[0].Events)
	assert.InDelta(t, n/2, kept, n/5)
	assert.Equal(t, int64(n-kept), counters.EventsDropped.Load())
}

func TestGaugeMetric_FirstNSamples(t *testing.T) {
	def := &model.Metric{
		ID: 4, Kind: model.MetricGauge, BucketSizeMs: 60_000,
		GaugeTrigger: model.GaugeFirstNSamples, MaxGaugeAtomsPerBucket: 2,
		GaugeFields: []model.FieldRef{{Fields: []int32{2}}},
	}
	p := NewGaugeProducer(def, 0, -1, nil, nil, &Counters{}, nil, testLogger())

	for i := int64(1); i <= 5; i++ {
		p.OnMatchedLogEvent(0, simpleEvent(6, sec(i), 0, i*100))
	}

	r := drain(p, min(2))
	require.Len(t, r.Buckets, 1)
	v := r.Buckets[0].Values[0]
	require.Equal(t, int64(2), v.SampleCount)
	assert.Equal(t, int64(100), v.GaugeValues[0][0].Value.Int)
	assert.Equal(t, int64(200), v.GaugeValues[1][0].Value.Int)
}

func TestGaugeMetric_RandomOneSamplePerBucket(t *testing.T) {
	def := &model.Metric{
		ID: 4, Kind: model.MetricGauge, BucketSizeMs: 1000,
		GaugeTrigger: model.GaugeRandomOneSample,
		GaugeFields:  []model.FieldRef{{Fields: []int32{2}}},
	}
	p := NewGaugeProducer(def, 0, -1, nil, nil, &Counters{}, rand.New(rand.NewSource(3)), testLogger())

	// Ten candidates in bucket 0, one in bucket 1.
	for i := int64(0); i < 10; i++ {
		p.OnMatchedLogEvent(0, simpleEvent(6, i*100_000_000, 0, i))
	}
	p.OnMatchedLogEvent(0, simpleEvent(6, sec(1)+1, 0, 99))

	r := drain(p, sec(5))
	require.Len(t, r.Buckets, 2)
	assert.Equal(t, int64(1), r.Buckets[0].Values[0].SampleCount)
	assert.Equal(t, int64(1), r.Buckets[1].Values[0].SampleCount)
	assert.Equal(t, int64(99), r.Buckets[1].Values[0].GaugeValues[0][0].Value.Int)
}

func TestGaugeMetric_ConditionEdgeLatchesPull(t *testing.T) {
	def := &model.Metric{
		ID: 4, Kind: model.MetricGauge, BucketSizeMs: 60_000,
		GaugeTrigger: model.GaugeConditionChangeToTrue, PullAtom: 10042,
	}
	p := NewGaugeProducer(def, 0, 0, fixedWizard{model.ConditionTrue}, nil, &Counters{}, nil, testLogger())

	p.OnConditionChanged(model.ConditionTrue, sec(1))
	assert.True(t, p.TakePendingPull())
	assert.False(t, p.TakePendingPull())

	// Staying true does not re-latch.
	p.OnConditionChanged(model.ConditionTrue, sec(2))
	assert.False(t, p.TakePendingPull())

	p.OnConditionChanged(model.ConditionFalse, sec(3))
	p.OnConditionChanged(model.ConditionTrue, sec(4))
	assert.True(t, p.TakePendingPull())

	// Pulled snapshot atoms become samples.
	p.OnPulledEvents([]*model.LogEvent{simpleEvent(10042, sec(4), 0, 7)}, sec(4))
	r := drain(p, min(2))
	require.Len(t, r.Buckets, 1)
	assert.Equal(t, int64(1), r.Buckets[0].Values[0].SampleCount)
}

func TestValueMetric_Aggregations(t *testing.T) {
	mkProducer := func(agg model.ValueAggregation) *ValueProducer {
		def := &model.Metric{
			ID: 5, Kind: model.MetricValue, BucketSizeMs: 60_000,
			ValueAggregation: agg, ValueField: &model.FieldRef{Fields: []int32{2}},
		}
		return NewValueProducer(def, 0, -1, nil, nil, &Counters{}, testLogger())
	}

	feed := func(p *ValueProducer) {
		for _, v := range []int64{10, 30, 20} {
			p.OnMatchedLogEvent(0, simpleEvent(7, sec(1), 0, v))
		}
	}

	p := mkProducer(model.ValueSum)
	feed(p)
	r := drain(p, min(2))
	v := r.Buckets[0].Values[0]
	assert.Equal(t, float64(60), v.Sum)
	assert.Equal(t, float64(10), v.Min)
	assert.Equal(t, float64(30), v.Max)
	assert.Equal(t, int64(3), v.SampleCount)

	p = mkProducer(model.ValueAvg)
	feed(p)
	r = drain(p, min(2))
	assert.Equal(t, float64(20), r.Buckets[0].Values[0].Sum)
}

func TestValueMetric_DiffMode(t *testing.T) {
	def := &model.Metric{
		ID: 5, Kind: model.MetricValue, BucketSizeMs: 60_000,
		ValueAggregation: model.ValueSum, ValueField: &model.FieldRef{Fields: []int32{2}},
		UseDiff: true,
	}
	p := NewValueProducer(def, 0, -1, nil, nil, &Counters{}, testLogger())

	p.OnMatchedLogEvent(0, simpleEvent(7, sec(1), 0, 100)) // anchor
	p.OnMatchedLogEvent(0, simpleEvent(7, sec(2), 0, 150)) // +50
	p.OnMatchedLogEvent(0, simpleEvent(7, sec(3), 0, 170)) // +20

	r := drain(p, min(2))
	assert.Equal(t, float64(70), r.Buckets[0].Values[0].Sum)
}

func TestValueMetric_DiffResetOnNonMonotonic(t *testing.T) {
	def := &model.Metric{
		ID: 5, Kind: model.MetricValue, BucketSizeMs: 60_000,
		ValueAggregation: model.ValueSum, ValueField: &model.FieldRef{Fields: []int32{2}},
		UseDiff: true,
	}
	p := NewValueProducer(def, 0, -1, nil, nil, &Counters{}, testLogger())

	p.OnMatchedLogEvent(0, simpleEvent(7, sec(1), 0, 100))
	p.OnMatchedLogEvent(0, simpleEvent(7, sec(2), 0, 40)) // reset: emits 0, re-anchors
	p.OnMatchedLogEvent(0, simpleEvent(7, sec(3), 0, 90)) // +50

	r := drain(p, min(2))
	assert.Equal(t, float64(50), r.Buckets[0].Values[0].Sum)
}

func TestValueMetric_SkipZeroDiff(t *testing.T) {
	def := &model.Metric{
		ID: 5, Kind: model.MetricValue, BucketSizeMs: 60_000,
		ValueAggregation: model.ValueSum, ValueField: &model.FieldRef{Fields: []int32{2}},
		UseDiff: true, SkipZeroDiffOutput: true,
	}
	p := NewValueProducer(def, 0, -1, nil, nil, &Counters{}, testLogger())

	p.OnMatchedLogEvent(0, simpleEvent(7, sec(1), 0, 100))
	p.OnMatchedLogEvent(0, simpleEvent(7, sec(2), 0, 100)) // zero delta suppressed

	r := drain(p, min(2))
	assert.Empty(t, r.Buckets)
}

// A failed pull discards the diff anchor: the next successful sample
// re-anchors without emitting, so the gap's growth is never attributed to
// a single interval.
func TestValueMetric_DiffChainBrokenByAbsentSample(t *testing.T) {
	def := &model.Metric{
		ID: 5, Kind: model.MetricValue, BucketSizeMs: 60_000,
		ValueAggregation: model.ValueSum, ValueField: &model.FieldRef{Fields: []int32{2}},
		UseDiff: true, PullAtom: 10042,
	}
	p := NewValueProducer(def, 0, -1, nil, nil, &Counters{}, testLogger())

	p.OnPulledEvents([]*model.LogEvent{simpleEvent(10042, sec(1), 0, 100)}, sec(1))
	p.OnPullFailed() // sample absent
	p.OnPulledEvents([]*model.LogEvent{simpleEvent(10042, sec(3), 0, 500)}, sec(3)) // re-anchor
	p.OnPulledEvents([]*model.LogEvent{simpleEvent(10042, sec(4), 0, 520)}, sec(4)) // +20

	r := drain(p, min(2))
	require.Len(t, r.Buckets, 1)
	assert.Equal(t, float64(20), r.Buckets[0].Values[0].Sum)
}

func TestValueMetric_PullLatchAtBucketBoundary(t *testing.T) {
	def := &model.Metric{
		ID: 5, Kind: model.MetricValue, BucketSizeMs: 1000,
		ValueAggregation: model.ValueSum, ValueField: &model.FieldRef{Fields: []int32{2}},
		PullAtom: 10042,
	}
	p := NewValueProducer(def, 0, -1, nil, nil, &Counters{}, testLogger())

	assert.False(t, p.TakePendingPull())
	p.FlushIfNeeded(sec(2))
	assert.True(t, p.TakePendingPull())
}

func TestKllMetric_SketchPerBucket(t *testing.T) {
	def := &model.Metric{
		ID: 6, Kind: model.MetricKll, BucketSizeMs: 60_000,
		ValueField: &model.FieldRef{Fields: []int32{2}},
	}
	p := NewKllProducer(def, 0, -1, nil, nil, &Counters{}, testLogger())

	for i := int64(0); i < 100; i++ {
		p.OnMatchedLogEvent(0, simpleEvent(8, sec(1), 0, i))
	}

	r := drain(p, min(2))
	require.Len(t, r.Buckets, 1)
	v := r.Buckets[0].Values[0]
	assert.Equal(t, int64(100), v.SampleCount)
	assert.NotEmpty(t, v.KllSketch)
}

func TestAnomalyTracker_FiresAboveThreshold(t *testing.T) {
	tr := NewAnomalyTracker(model.Alert{
		ID: 70, MetricID: 1, NumBuckets: 3, TriggerIfSumGt: 10, RefractorySecs: 60,
	}, testLogger())

	var fired []int64
	tr.Subscribe(func(alertID int64, _ model.DimensionKey, fireNs int64) {
		assert.Equal(t, int64(70), alertID)
		fired = append(fired, fireNs)
	})

	dim := model.EmptyDimensionKey
	tr.AddPastBucket(dim, 4, 0, sec(60))
	tr.AddPastBucket(dim, 4, 1, sec(120))
	for _, call := range tr.TakeFired() {
		call()
	}
	assert.Empty(t, fired)

	tr.AddPastBucket(dim, 4, 2, sec(180)) // window sum 12 > 10
	for _, call := range tr.TakeFired() {
		call()
	}
	require.Len(t, fired, 1)
}

func TestAnomalyTracker_Refractory(t *testing.T) {
	tr := NewAnomalyTracker(model.Alert{
		ID: 70, NumBuckets: 1, TriggerIfSumGt: 5, RefractorySecs: 100,
	}, testLogger())

	count := 0
	tr.Subscribe(func(int64, model.DimensionKey, int64) { count++ })

	dim := model.EmptyDimensionKey
	tr.AddPastBucket(dim, 10, 0, sec(10))
	tr.AddPastBucket(dim, 10, 1, sec(20)) // inside refractory
	tr.AddPastBucket(dim, 10, 2, sec(200))
	for _, call := range tr.TakeFired() {
		call()
	}
	// First and third cross outside refractory; second is suppressed.
	assert.Equal(t, 2, count)
}

func TestAnomalyTracker_WindowSlides(t *testing.T) {
	tr := NewAnomalyTracker(model.Alert{
		ID: 70, NumBuckets: 2, TriggerIfSumGt: 10, RefractorySecs: 1,
	}, testLogger())
	count := 0
	tr.Subscribe(func(int64, model.DimensionKey, int64) { count++ })

	dim := model.EmptyDimensionKey
	tr.AddPastBucket(dim, 8, 0, sec(10))
	// Bucket 5 is far past bucket 0: the window slid, 8 fell out.
	tr.AddPastBucket(dim, 8, 5, sec(50))
	for _, call := range tr.TakeFired() {
		call()
	}
	assert.Zero(t, count)
}

func TestCountMetric_SplitBucketOnAppUpgrade(t *testing.T) {
	def := &model.Metric{ID: 1, Kind: model.MetricCount, BucketSizeMs: 3_600_000}
	p := NewCountProducer(def, 0, -1, nil, nil, &Counters{}, testLogger())

	p.OnMatchedLogEvent(0, simpleEvent(29, min(5), 0, 1))
	p.NotifySplitBucket(min(10))
	p.OnMatchedLogEvent(0, simpleEvent(29, min(15), 0, 1))

	r := drain(p, min(70))
	require.Len(t, r.Buckets, 2)
	assert.True(t, r.Buckets[0].Partial)
	assert.Equal(t, min(10), r.Buckets[0].EndNs)
	assert.Equal(t, min(10), r.Buckets[1].StartNs)
	assert.Equal(t, min(60), r.Buckets[1].EndNs)
}

func TestCountMetric_StateTupleKeying(t *testing.T) {
	def := &model.Metric{
		ID: 1, Kind: model.MetricCount, BucketSizeMs: 60_000,
		SliceByState: []int32{27},
	}
	states := &switchableStates{val: 1}
	p := NewCountProducer(def, 0, -1, nil, states, &Counters{}, testLogger())

	p.OnMatchedLogEvent(0, simpleEvent(29, sec(1), 0, 1))
	states.val = 2
	p.OnMatchedLogEvent(0, simpleEvent(29, sec(2), 0, 1))

	r := drain(p, min(2))
	require.Len(t, r.Buckets, 1)
	require.Len(t, r.Buckets[0].Values, 2)
	seen := map[string]int64{}
	for _, v := range r.Buckets[0].Values {
		seen[v.States.Enc()] = v.Count
	}
	assert.Equal(t, int64(1), seen[model.StateTuple{1}.Enc()])
	assert.Equal(t, int64(1), seen[model.StateTuple{2}.Enc()])
}

type switchableStates struct{ val int32 }

func (s *switchableStates) StateValue(int32, model.DimensionKey) int32 { return s.val }
