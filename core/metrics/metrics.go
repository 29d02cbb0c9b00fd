// Package metrics defines the observability records emitted by the
// evaluation loop and the sink interfaces that consume them.
package metrics

import (
	"time"

	"github.com/voltwise/autopilot/core/model"
)

// ActionRecord captures one policy decision applied to an appliance.
type ActionRecord struct {
	HomeID       string
	ApplianceID  string
	Action       model.Action
	Guard        string
	Penalty      float64
	Acknowledged bool
	Latency      time.Duration
	Time         time.Time
}

// TickRecord summarizes one evaluation cycle.
type TickRecord struct {
	Homes      int
	Appliances int
	Actions    int
	Failures   int
	Duration   time.Duration
	Time       time.Time
}

// Sink records action outcomes for observability purposes.
type Sink interface {
	RecordActions(records []ActionRecord) error
}

// TickRecorder records evaluation cycle summaries.
type TickRecorder interface {
	RecordTick(rec TickRecord) error
}

// GridEventRecord captures a grid event the engine reacted to.
type GridEventRecord struct {
	DiscomID  string
	EventType string
	Severity  model.Severity
	Time      time.Time
}

// GridEventRecorder records grid events.
type GridEventRecorder interface {
	RecordGridEvent(rec GridEventRecord) error
}

// NopSink implements every recorder with no-op methods.
type NopSink struct{}

func (NopSink) RecordActions([]ActionRecord) error    { return nil }
func (NopSink) RecordTick(TickRecord) error           { return nil }
func (NopSink) RecordGridEvent(GridEventRecord) error { return nil }
