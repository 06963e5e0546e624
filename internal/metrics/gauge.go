package metrics

import (
	"log/slog"
	"math/rand"
	"sort"

	"github.com/ashita-ai/keiryo/internal/model"
	"github.com/ashita-ai/keiryo/internal/report"
)

// GaugeProducer samples event fields at configured trigger instants, per
// (dimension, state-tuple) per bucket.
type GaugeProducer struct {
	producerBase

	trigger   model.GaugeTrigger
	maxAtoms  int
	rng       *rand.Rand
	pullAtom  int32
	needsPull bool

	slices   map[string]*gaugeSlice
	distinct map[string]struct{}
}

type gaugeSlice struct {
	dim    model.DimensionKey
	states model.StateTuple

	samples [][]model.FieldValue
	// candidates counts RANDOM_ONE_SAMPLE candidates seen this bucket;
	// each candidate replaces the held sample with probability 1/n.
	candidates int64
	// sampledEdge marks CONDITION_CHANGE_TO_TRUE slices that already
	// took their post-edge sample.
	sampledEdge bool
}

// NewGaugeProducer builds a gauge producer.
func NewGaugeProducer(def *model.Metric, timeBaseNs int64, conditionIndex int, wizard Wizard, states StateQuerier, counters *Counters, rng *rand.Rand, logger *slog.Logger) *GaugeProducer {
	maxAtoms := def.MaxGaugeAtomsPerBucket
	if maxAtoms <= 0 {
		maxAtoms = 10
	}
	return &GaugeProducer{
		producerBase: newProducerBase(def, timeBaseNs, conditionIndex, wizard, states, counters, logger),
		trigger:      def.GaugeTrigger,
		maxAtoms:     maxAtoms,
		rng:          rng,
		pullAtom:     def.PullAtom,
		slices:       make(map[string]*gaugeSlice),
		distinct:     make(map[string]struct{}),
	}
}

// PullAtom returns the snapshot atom this gauge pulls, or 0 for pushed
// gauges.
func (p *GaugeProducer) PullAtom() int32 { return p.pullAtom }

// TakePendingPull reports and clears the pending-pull latch. The engine
// issues the pull with no lock held and feeds results back through
// OnPulledEvents.
func (p *GaugeProducer) TakePendingPull() bool {
	was := p.needsPull
	p.needsPull = false
	return was
}

// OnPulledEvents records pulled snapshot atoms as synthetic samples.
func (p *GaugeProducer) OnPulledEvents(evs []*model.LogEvent, timestampNs int64) {
	p.FlushIfNeeded(timestampNs)
	for _, ev := range evs {
		p.record(ev, true)
	}
}

// OnMatchedLogEvent implements Producer.
func (p *GaugeProducer) OnMatchedLogEvent(_ int, ev *model.LogEvent) {
	p.FlushIfNeeded(ev.ElapsedNs)
	if !p.activeAt(ev.ElapsedNs) || !p.conditionMetFor(ev) {
		return
	}
	switch p.trigger {
	case model.GaugeRandomOneSample, model.GaugeFirstNSamples:
		p.record(ev, false)
	case model.GaugeConditionChangeToTrue:
		// Pushed gauges sample the first matched event after each
		// False-to-True edge; pull-based ones sample at the edge itself.
		if p.pullAtom == 0 {
			p.recordEdge(ev)
		}
	case model.GaugeAllConditionChanges:
		if p.pullAtom == 0 {
			p.record(ev, false)
		}
	}
}

// recordEdge records one sample per slice per condition edge.
func (p *GaugeProducer) recordEdge(ev *model.LogEvent) {
	dim := model.Project(p.def.Dimensions, ev)
	states := p.stateTupleFor(ev)
	key := dim.Enc() + "\x00" + states.Enc()
	if s, ok := p.slices[key]; ok && s.sampledEdge {
		return
	}
	p.record(ev, false)
	if s, ok := p.slices[key]; ok {
		s.sampledEdge = true
	}
}

func (p *GaugeProducer) record(ev *model.LogEvent, fromPull bool) {
	dim := model.Project(p.def.Dimensions, ev)
	states := p.stateTupleFor(ev)
	key, dim := p.sliceKey(dim, states, p.distinct)
	s, ok := p.slices[key]
	if !ok {
		s = &gaugeSlice{dim: dim, states: states}
		p.slices[key] = s
	}

	fields := p.sampleFields(ev)
	switch {
	case p.trigger == model.GaugeRandomOneSample && !fromPull:
		s.candidates++
		if len(s.samples) == 0 {
			s.samples = [][]model.FieldValue{fields}
		} else if p.rng != nil && p.rng.Int63n(s.candidates) == 0 {
			s.samples[0] = fields
		}
	default:
		if len(s.samples) < p.maxAtoms {
			s.samples = append(s.samples, fields)
		}
	}
}

// sampleFields projects the gauge fields, or keeps the whole value list
// when no projection is configured.
func (p *GaugeProducer) sampleFields(ev *model.LogEvent) []model.FieldValue {
	if len(p.def.GaugeFields) == 0 {
		return ev.Values
	}
	return model.Project(p.def.GaugeFields, ev).Values()
}

// OnConditionChanged latches a pull for edge-triggered gauges.
func (p *GaugeProducer) OnConditionChanged(cond model.ConditionState, eventTimeNs int64) {
	p.FlushIfNeeded(eventTimeNs)
	prev := p.condition
	p.condition = cond

	switch p.trigger {
	case model.GaugeAllConditionChanges:
		if cond == model.ConditionTrue && p.pullAtom != 0 {
			p.needsPull = true
		}
	case model.GaugeConditionChangeToTrue:
		if cond == model.ConditionTrue && prev != model.ConditionTrue {
			if p.pullAtom != 0 {
				p.needsPull = true
			}
			for _, s := range p.slices {
				s.sampledEdge = false
			}
		}
	}
}

// OnStateChanged implements Producer; gauges key samples at record time.
func (p *GaugeProducer) OnStateChanged(int64, int32, model.DimensionKey, int32, int32) {}

// FlushIfNeeded implements Producer.
func (p *GaugeProducer) FlushIfNeeded(eventTimeNs int64) {
	for eventTimeNs >= p.bucketEndNs() {
		p.seal(p.bucketEndNs(), false)
		p.currentStart = p.bucketEndNs()
	}
}

// NotifySplitBucket implements Producer.
func (p *GaugeProducer) NotifySplitBucket(eventTimeNs int64) {
	if eventTimeNs > p.currentStart && eventTimeNs < p.bucketEndNs() {
		p.seal(eventTimeNs, true)
		p.currentStart = eventTimeNs
	}
}

func (p *GaugeProducer) seal(endNs int64, partial bool) {
	if len(p.slices) == 0 {
		return
	}
	bucket := report.Bucket{StartNs: p.currentStart, EndNs: endNs, Partial: partial}
	keys := make([]string, 0, len(p.slices))
	for k, s := range p.slices {
		if len(s.samples) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		s := p.slices[k]
		sv := report.SliceValue{
			Dimension:   rawDim(s.dim),
			States:      s.states,
			SampleCount: int64(len(s.samples)),
		}
		for _, sample := range s.samples {
			sv.GaugeValues = append(sv.GaugeValues, report.FieldValuesToDimFields(sample, false, nil))
		}
		bucket.Values = append(bucket.Values, sv)
	}
	if len(bucket.Values) > 0 {
		p.sealPast(bucket, nil)
	}
	p.slices = make(map[string]*gaugeSlice)
	p.distinct = make(map[string]struct{})
}

// Report implements Producer.
func (p *GaugeProducer) Report(dumpTimeNs int64, includePartial bool, flags report.Flags, pool *report.StringPool) report.MetricReport {
	p.FlushIfNeeded(dumpTimeNs)
	if includePartial && dumpTimeNs > p.currentStart {
		p.seal(dumpTimeNs, true)
		p.currentStart = dumpTimeNs
	}
	r := p.drainReport()
	finalizeDimensions(&r, flags, pool)
	return r
}
