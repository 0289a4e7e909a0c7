package metrics

import coremetrics "github.com/haikara-dev/gridshift/core/metrics"

// MultiSink fans records out to multiple sinks.
type MultiSink struct {
	Sinks []coremetrics.Sink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...coremetrics.Sink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordDecisions forwards the records to all sinks, returning the first
// error encountered.
func (m *MultiSink) RecordDecisions(recs []coremetrics.DecisionRecord) error {
	for _, s := range m.Sinks {
		if err := s.RecordDecisions(recs); err != nil {
			return err
		}
	}
	return nil
}

// RecordPhase forwards phase outcomes to sinks that support them.
func (m *MultiSink) RecordPhase(rec coremetrics.PhaseRecord) error {
	for _, s := range m.Sinks {
		if pr, ok := s.(coremetrics.PhaseRecorder); ok {
			if err := pr.RecordPhase(rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordCycle forwards cycle summaries to sinks that support them.
func (m *MultiSink) RecordCycle(rec coremetrics.CycleRecord) error {
	for _, s := range m.Sinks {
		if cr, ok := s.(coremetrics.CycleRecorder); ok {
			if err := cr.RecordCycle(rec); err != nil {
				return err
			}
		}
	}
	return nil
}
