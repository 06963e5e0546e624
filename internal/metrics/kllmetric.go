package metrics

import (
	"log/slog"
	"sort"

	"github.com/ashita-ai/keiryo/internal/kll"
	"github.com/ashita-ai/keiryo/internal/model"
	"github.com/ashita-ai/keiryo/internal/report"
)

// KllProducer feeds a numeric field into a KLL sketch per (dimension,
// state-tuple) and serializes each sketch at bucket close.
type KllProducer struct {
	producerBase

	slices   map[string]*kllSlice
	distinct map[string]struct{}
}

type kllSlice struct {
	dim    model.DimensionKey
	states model.StateTuple
	sketch *kll.Sketch
}

// NewKllProducer builds a kll producer.
func NewKllProducer(def *model.Metric, timeBaseNs int64, conditionIndex int, wizard Wizard, states StateQuerier, counters *Counters, logger *slog.Logger) *KllProducer {
	return &KllProducer{
		producerBase: newProducerBase(def, timeBaseNs, conditionIndex, wizard, states, counters, logger),
		slices:       make(map[string]*kllSlice),
		distinct:     make(map[string]struct{}),
	}
}

// OnMatchedLogEvent implements Producer.
func (p *KllProducer) OnMatchedLogEvent(_ int, ev *model.LogEvent) {
	p.FlushIfNeeded(ev.ElapsedNs)
	if !p.activeAt(ev.ElapsedNs) || !p.conditionMetFor(ev) {
		return
	}
	v, ok := p.extract(ev)
	if !ok {
		return
	}
	dim := model.Project(p.def.Dimensions, ev)
	states := p.stateTupleFor(ev)
	key, dim := p.sliceKey(dim, states, p.distinct)
	s, exists := p.slices[key]
	if !exists {
		s = &kllSlice{dim: dim, states: states, sketch: kll.New(kll.DefaultK)}
		p.slices[key] = s
	}
	s.sketch.Update(v)
}

func (p *KllProducer) extract(ev *model.LogEvent) (float64, bool) {
	if p.def.ValueField == nil {
		return 0, false
	}
	for i := range ev.Values {
		if p.def.ValueField.Matches(ev.Values[i].Field.Path) {
			return ev.Values[i].Value.Numeric()
		}
	}
	return 0, false
}

// OnStateChanged implements Producer.
func (p *KllProducer) OnStateChanged(int64, int32, model.DimensionKey, int32, int32) {}

// FlushIfNeeded implements Producer.
func (p *KllProducer) FlushIfNeeded(eventTimeNs int64) {
	for eventTimeNs >= p.bucketEndNs() {
		p.seal(p.bucketEndNs(), false)
		p.currentStart = p.bucketEndNs()
	}
}

// NotifySplitBucket implements Producer.
func (p *KllProducer) NotifySplitBucket(eventTimeNs int64) {
	if eventTimeNs > p.currentStart && eventTimeNs < p.bucketEndNs() {
		p.seal(eventTimeNs, true)
		p.currentStart = eventTimeNs
	}
}

func (p *KllProducer) seal(endNs int64, partial bool) {
	if len(p.slices) == 0 {
		return
	}
	bucket := report.Bucket{StartNs: p.currentStart, EndNs: endNs, Partial: partial}
	keys := make([]string, 0, len(p.slices))
	for k := range p.slices {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s := p.slices[k]
		bucket.Values = append(bucket.Values, report.SliceValue{
			Dimension:   rawDim(s.dim),
			States:      s.states,
			SampleCount: s.sketch.Count(),
			KllSketch:   s.sketch.Serialize(),
		})
	}
	p.sealPast(bucket, nil)
	p.slices = make(map[string]*kllSlice)
	p.distinct = make(map[string]struct{})
}

// Report implements Producer.
func (p *KllProducer) Report(dumpTimeNs int64, includePartial bool, flags report.Flags, pool *report.StringPool) report.MetricReport {
	p.FlushIfNeeded(dumpTimeNs)
	if includePartial && dumpTimeNs > p.currentStart {
		p.seal(dumpTimeNs, true)
		p.currentStart = dumpTimeNs
	}
	r := p.drainReport()
	finalizeDimensions(&r, flags, pool)
	return r
}
