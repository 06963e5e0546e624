package metrics

import (
	"log/slog"
	"sort"

	"github.com/ashita-ai/keiryo/internal/model"
	"github.com/ashita-ai/keiryo/internal/report"
)

// Matcher roles within a duration producer's what-predicate.
const (
	DurationRoleStart = iota
	DurationRoleStop
	DurationRoleStopAll
)

// DurationProducer accrues wall-clock time per dimension while its
// what-predicate holds and its condition is true. Intervals split across
// bucket boundaries; stop-all closes every open interval.
type DurationProducer struct {
	producerBase

	aggregation model.DurationAggregation
	nested      bool

	// Matcher-layer indexes of the start, stop and stop-all matchers; the
	// engine delivers the index of the matcher that accepted the event and
	// OnMatchedLogEvent compares it against these.
	startIndex, stopIndex, stopAllIndex int

	slices   map[string]*durationSlice
	distinct map[string]struct{}
}

type durationSlice struct {
	dim    model.DimensionKey
	states model.StateTuple

	depth         int
	accruing      bool
	accruingSince int64

	sumNs int64
	maxNs int64
}

// NewDurationProducer builds a duration producer. The predicate carries
// the nesting flag; the role indexes identify the start/stop/stop-all
// matchers in the graph.
func NewDurationProducer(def *model.Metric, pred *model.SimplePredicate, startIndex, stopIndex, stopAllIndex int, timeBaseNs int64, conditionIndex int, wizard Wizard, states StateQuerier, counters *Counters, logger *slog.Logger) *DurationProducer {
	return &DurationProducer{
		producerBase: newProducerBase(def, timeBaseNs, conditionIndex, wizard, states, counters, logger),
		aggregation:  def.DurationAggregation,
		nested:       pred.CountNesting,
		startIndex:   startIndex,
		stopIndex:    stopIndex,
		stopAllIndex: stopAllIndex,
		slices:       make(map[string]*durationSlice),
		distinct:     make(map[string]struct{}),
	}
}

// RewireWhat repoints the role matcher indexes after a preserving update.
func (p *DurationProducer) RewireWhat(startIndex, stopIndex, stopAllIndex int) {
	p.startIndex = startIndex
	p.stopIndex = stopIndex
	p.stopAllIndex = stopAllIndex
}

// OnMatchedLogEvent implements Producer.
func (p *DurationProducer) OnMatchedLogEvent(matcherIndex int, ev *model.LogEvent) {
	p.FlushIfNeeded(ev.ElapsedNs)
	ts := ev.ElapsedNs

	if matcherIndex == p.stopAllIndex {
		p.closeAll(ts)
		return
	}

	dim := model.Project(p.def.Dimensions, ev)
	states := p.stateTupleFor(ev)

	switch matcherIndex {
	case p.startIndex:
		if !p.activeAt(ts) {
			return
		}
		origEnc := dim.Enc()
		key, dim := p.sliceKey(dim, states, p.distinct)
		if dim.Enc() != origEnc {
			// Beyond the dimension cap an interval cannot be tracked per
			// key; the time is elided rather than misattributed.
			return
		}
		s, ok := p.slices[key]
		if !ok {
			s = &durationSlice{dim: dim, states: states}
			p.slices[key] = s
		}
		if s.depth == 0 {
			s.depth = 1
			if p.conditionMetFor(ev) {
				s.accruing = true
				s.accruingSince = ts
			}
		} else if p.nested {
			s.depth++
		}

	case p.stopIndex:
		key := dim.Enc() + "\x00" + states.Enc()
		s, ok := p.slices[key]
		if !ok || s.depth == 0 {
			return
		}
		if p.nested {
			s.depth--
		} else {
			s.depth = 0
		}
		if s.depth == 0 {
			p.closeSlice(s, ts)
		}
	}
}

func (p *DurationProducer) closeSlice(s *durationSlice, ts int64) {
	if s.accruing {
		p.accumulate(s, ts-s.accruingSince)
		s.accruing = false
	}
	s.depth = 0
}

func (p *DurationProducer) closeAll(ts int64) {
	for _, s := range p.slices {
		p.closeSlice(s, ts)
	}
}

func (p *DurationProducer) accumulate(s *durationSlice, lengthNs int64) {
	if lengthNs <= 0 {
		return
	}
	s.sumNs += lengthNs
	if lengthNs > s.maxNs {
		s.maxNs = lengthNs
	}
}

// OnConditionChanged pauses accrual at the False edge and resumes open
// intervals at the True edge; the transition timestamps bound the accrued
// time exactly.
func (p *DurationProducer) OnConditionChanged(cond model.ConditionState, eventTimeNs int64) {
	p.FlushIfNeeded(eventTimeNs)
	if cond != model.ConditionTrue {
		for _, s := range p.slices {
			if s.accruing {
				p.accumulate(s, eventTimeNs-s.accruingSince)
				s.accruing = false
			}
		}
	} else {
		for _, s := range p.slices {
			if s.depth > 0 && !s.accruing {
				s.accruing = true
				s.accruingSince = eventTimeNs
			}
		}
	}
	p.condition = cond
}

// OnStateChanged closes the affected slices' accrual under the old state
// so each bucket slice stays a single (dimension, state) pairing.
func (p *DurationProducer) OnStateChanged(eventTimeNs int64, atomID int32, _ model.DimensionKey, _, newState int32) {
	if len(p.def.SliceByState) == 0 {
		return
	}
	stateSlot := -1
	for i, a := range p.def.SliceByState {
		if a == atomID {
			stateSlot = i
			break
		}
	}
	if stateSlot < 0 {
		return
	}
	for key, s := range p.slices {
		if s.depth == 0 || stateSlot >= len(s.states) {
			continue
		}
		// Settle the accrual under the outgoing state tuple, then move
		// the open interval to a slice keyed by the new tuple.
		if s.accruing {
			p.accumulate(s, eventTimeNs-s.accruingSince)
			s.accruingSince = eventTimeNs
		}
		newStates := append(model.StateTuple(nil), s.states...)
		newStates[stateSlot] = newState
		newKey := s.dim.Enc() + "\x00" + newStates.Enc()
		if newKey == key {
			continue
		}
		moved, ok := p.slices[newKey]
		if !ok {
			moved = &durationSlice{dim: s.dim, states: newStates}
			p.slices[newKey] = moved
			p.distinct[newKey] = struct{}{}
		}
		moved.depth = s.depth
		moved.accruing = s.accruing
		moved.accruingSince = s.accruingSince
		s.depth = 0
		s.accruing = false
	}
}

// FlushIfNeeded implements Producer.
func (p *DurationProducer) FlushIfNeeded(eventTimeNs int64) {
	for eventTimeNs >= p.bucketEndNs() {
		p.seal(p.bucketEndNs(), false)
		p.currentStart = p.bucketEndNs()
	}
}

// NotifySplitBucket implements Producer.
func (p *DurationProducer) NotifySplitBucket(eventTimeNs int64) {
	if eventTimeNs > p.currentStart && eventTimeNs < p.bucketEndNs() {
		p.seal(eventTimeNs, true)
		p.currentStart = eventTimeNs
	}
}

func (p *DurationProducer) seal(endNs int64, partial bool) {
	// Split open accruals at the boundary.
	for _, s := range p.slices {
		if s.accruing {
			p.accumulate(s, endNs-s.accruingSince)
			s.accruingSince = endNs
		}
	}

	bucket := report.Bucket{StartNs: p.currentStart, EndNs: endNs, Partial: partial}
	feeds := make(map[string]anomalyFeed)
	keys := make([]string, 0, len(p.slices))
	for k, s := range p.slices {
		if s.sumNs > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		s := p.slices[k]
		value := s.sumNs
		if p.aggregation == model.DurationMaxSparse {
			value = s.maxNs
		}
		bucket.Values = append(bucket.Values, report.SliceValue{
			Dimension:  rawDim(s.dim),
			States:     s.states,
			DurationNs: value,
		})
		feeds[s.dim.Enc()] = anomalyFeed{dim: s.dim, value: feeds[s.dim.Enc()].value + value}
		s.sumNs = 0
		s.maxNs = 0
	}
	if len(bucket.Values) > 0 {
		p.sealPast(bucket, feeds)
	}

	// Idle, fully closed slices are dropped; open ones carry over.
	for k, s := range p.slices {
		if s.depth == 0 && !s.accruing {
			delete(p.slices, k)
		}
	}
	p.distinct = make(map[string]struct{})
	for k := range p.slices {
		p.distinct[k] = struct{}{}
	}
}

// Report implements Producer.
func (p *DurationProducer) Report(dumpTimeNs int64, includePartial bool, flags report.Flags, pool *report.StringPool) report.MetricReport {
	p.FlushIfNeeded(dumpTimeNs)
	if includePartial && dumpTimeNs > p.currentStart {
		p.seal(dumpTimeNs, true)
		p.currentStart = dumpTimeNs
	}
	r := p.drainReport()
	finalizeDimensions(&r, flags, pool)
	return r
}

// OpenIntervals reports how many slices have an open interval, for tests
// and checkpoint snapshots.
func (p *DurationProducer) OpenIntervals() int {
	n := 0
	for _, s := range p.slices {
		if s.depth > 0 {
			n++
		}
	}
	return n
}
