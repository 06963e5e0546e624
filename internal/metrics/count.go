package metrics

import (
	"log/slog"
	"sort"

	"github.com/ashita-ai/keiryo/internal/model"
	"github.com/ashita-ai/keiryo/internal/report"
)

// CountProducer increments a bucketed counter per (dimension, state-tuple)
// on each matched event while the condition holds.
type CountProducer struct {
	producerBase

	current  map[string]*countSlice
	distinct map[string]struct{}
}

type countSlice struct {
	dim    model.DimensionKey
	states model.StateTuple
	count  int64
}

// NewCountProducer builds a count producer.
func NewCountProducer(def *model.Metric, timeBaseNs int64, conditionIndex int, wizard Wizard, states StateQuerier, counters *Counters, logger *slog.Logger) *CountProducer {
	return &CountProducer{
		producerBase: newProducerBase(def, timeBaseNs, conditionIndex, wizard, states, counters, logger),
		current:      make(map[string]*countSlice),
		distinct:     make(map[string]struct{}),
	}
}

// OnMatchedLogEvent implements Producer.
func (p *CountProducer) OnMatchedLogEvent(_ int, ev *model.LogEvent) {
	p.FlushIfNeeded(ev.ElapsedNs)
	if !p.activeAt(ev.ElapsedNs) || !p.conditionMetFor(ev) {
		return
	}
	dim := model.Project(p.def.Dimensions, ev)
	states := p.stateTupleFor(ev)
	key, dim := p.sliceKey(dim, states, p.distinct)
	s, ok := p.current[key]
	if !ok {
		s = &countSlice{dim: dim, states: states}
		p.current[key] = s
	}
	s.count++
}

// OnStateChanged implements Producer. Counts key each increment by the
// state current at that instant, so transitions need no slice surgery.
func (p *CountProducer) OnStateChanged(int64, int32, model.DimensionKey, int32, int32) {}

// FlushIfNeeded implements Producer.
func (p *CountProducer) FlushIfNeeded(eventTimeNs int64) {
	for eventTimeNs >= p.bucketEndNs() {
		p.seal(p.bucketEndNs(), false)
		p.currentStart = p.bucketEndNs()
	}
}

// NotifySplitBucket implements Producer.
func (p *CountProducer) NotifySplitBucket(eventTimeNs int64) {
	if eventTimeNs > p.currentStart && eventTimeNs < p.bucketEndNs() {
		p.seal(eventTimeNs, true)
		p.currentStart = eventTimeNs
	}
}

func (p *CountProducer) seal(endNs int64, partial bool) {
	if len(p.current) == 0 {
		return
	}
	bucket := report.Bucket{StartNs: p.currentStart, EndNs: endNs, Partial: partial}
	feeds := make(map[string]anomalyFeed, len(p.current))
	keys := make([]string, 0, len(p.current))
	for k := range p.current {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s := p.current[k]
		bucket.Values = append(bucket.Values, report.SliceValue{
			Dimension: rawDim(s.dim),
			States:    s.states,
			Count:     s.count,
		})
		feeds[s.dim.Enc()] = anomalyFeed{dim: s.dim, value: feeds[s.dim.Enc()].value + s.count}
	}
	p.sealPast(bucket, feeds)
	p.current = make(map[string]*countSlice)
	p.distinct = make(map[string]struct{})
}

// rawDim defers string hashing to report time by storing literals; the
// report pass re-encodes when hashing is on.
func rawDim(dim model.DimensionKey) []report.DimField {
	return report.DimensionFields(dim, false, nil)
}

// Report implements Producer.
func (p *CountProducer) Report(dumpTimeNs int64, includePartial bool, flags report.Flags, pool *report.StringPool) report.MetricReport {
	p.FlushIfNeeded(dumpTimeNs)
	if includePartial && dumpTimeNs > p.currentStart {
		p.seal(dumpTimeNs, true)
		p.currentStart = dumpTimeNs
	}
	r := p.drainReport()
	finalizeDimensions(&r, flags, pool)
	return r
}

// finalizeDimensions applies string hashing to every emitted dimension
// and gauge field.
func finalizeDimensions(r *report.MetricReport, flags report.Flags, pool *report.StringPool) {
	if !flags.HashStrings || pool == nil {
		return
	}
	for bi := range r.Buckets {
		for vi := range r.Buckets[bi].Values {
			v := &r.Buckets[bi].Values[vi]
			for di := range v.Dimension {
				d := &v.Dimension[di]
				if d.Value.Type == model.TypeString {
					d.StrHash = pool.Hash(d.Value.Str)
					d.Value = model.Value{Type: model.TypeString}
				}
			}
			for gi := range v.GaugeValues {
				for di := range v.GaugeValues[gi] {
					d := &v.GaugeValues[gi][di]
					if d.Value.Type == model.TypeString {
						d.StrHash = pool.Hash(d.Value.Str)
						d.Value = model.Value{Type: model.TypeString}
					}
				}
			}
		}
	}
}
