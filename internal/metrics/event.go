package metrics

import (
	"log/slog"
	"math/rand"

	"github.com/ashita-ai/keiryo/internal/model"
	"github.com/ashita-ai/keiryo/internal/report"
)

// EventProducer records matched events verbatim, optionally sampling a
// fraction of them. Dimensions only bound report size (events are grouped
// per bucket, not aggregated).
type EventProducer struct {
	producerBase

	samplingRate float64
	rng          *rand.Rand

	events []*model.LogEvent
}

// NewEventProducer builds an event producer. rng drives sampling; a nil
// rng disables sampling regardless of the configured rate.
func NewEventProducer(def *model.Metric, timeBaseNs int64, conditionIndex int, wizard Wizard, counters *Counters, rng *rand.Rand, logger *slog.Logger) *EventProducer {
	return &EventProducer{
		producerBase: newProducerBase(def, timeBaseNs, conditionIndex, wizard, nil, counters, logger),
		samplingRate: def.SamplingRate,
		rng:          rng,
	}
}

// OnMatchedLogEvent implements Producer.
func (p *EventProducer) OnMatchedLogEvent(_ int, ev *model.LogEvent) {
	p.FlushIfNeeded(ev.ElapsedNs)
	if !p.activeAt(ev.ElapsedNs) || !p.conditionMetFor(ev) {
		return
	}
	if p.samplingRate > 0 && p.samplingRate < 1 && p.rng != nil {
		if p.rng.Float64() >= p.samplingRate {
			p.counters.EventsDropped.Add(1)
			return
		}
	}
	p.events = append(p.events, ev)
}

// OnStateChanged implements Producer; event metrics do not slice by state.
func (p *EventProducer) OnStateChanged(int64, int32, model.DimensionKey, int32, int32) {}

// FlushIfNeeded implements Producer.
func (p *EventProducer) FlushIfNeeded(eventTimeNs int64) {
	for eventTimeNs >= p.bucketEndNs() {
		p.seal(p.bucketEndNs(), false)
		p.currentStart = p.bucketEndNs()
	}
}

// NotifySplitBucket implements Producer.
func (p *EventProducer) NotifySplitBucket(eventTimeNs int64) {
	if eventTimeNs > p.currentStart && eventTimeNs < p.bucketEndNs() {
		p.seal(eventTimeNs, true)
		p.currentStart = eventTimeNs
	}
}

func (p *EventProducer) seal(endNs int64, partial bool) {
	if len(p.events) == 0 {
		return
	}
	bucket := report.Bucket{
		StartNs: p.currentStart,
		EndNs:   endNs,
		Partial: partial,
		Values:  []report.SliceValue{{Events: p.events}},
	}
	p.sealPast(bucket, nil)
	p.events = nil
}

// Report implements Producer.
func (p *EventProducer) Report(dumpTimeNs int64, includePartial bool, flags report.Flags, pool *report.StringPool) report.MetricReport {
	p.FlushIfNeeded(dumpTimeNs)
	if includePartial && dumpTimeNs > p.currentStart {
		p.seal(dumpTimeNs, true)
		p.currentStart = dumpTimeNs
	}
	r := p.drainReport()
	finalizeDimensions(&r, flags, pool)
	return r
}
