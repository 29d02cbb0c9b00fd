package metrics

import coremetrics "github.com/voltwise/autopilot/core/metrics"

// MultiSink fans records out to multiple sinks.
type MultiSink struct {
	Sinks []coremetrics.Sink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...coremetrics.Sink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordActions forwards to all sinks, returning the first error.
func (m *MultiSink) RecordActions(records []coremetrics.ActionRecord) error {
	for _, s := range m.Sinks {
		if err := s.RecordActions(records); err != nil {
			return err
		}
	}
	return nil
}

// RecordTick forwards cycle summaries to sinks that accept them.
func (m *MultiSink) RecordTick(rec coremetrics.TickRecord) error {
	for _, s := range m.Sinks {
		if tr, ok := s.(coremetrics.TickRecorder); ok {
			if err := tr.RecordTick(rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordGridEvent forwards grid events to sinks that accept them.
func (m *MultiSink) RecordGridEvent(rec coremetrics.GridEventRecord) error {
	for _, s := range m.Sinks {
		if gr, ok := s.(coremetrics.GridEventRecorder); ok {
			if err := gr.RecordGridEvent(rec); err != nil {
				return err
			}
		}
	}
	return nil
}
