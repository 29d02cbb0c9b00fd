// Package events defines the events published by the evaluation loop.
package events

import (
	"time"

	"github.com/voltwise/autopilot/core/model"
)

// Kind discriminates event payloads on the bus.
type Kind string

const (
	KindTick       Kind = "tick"
	KindAction     Kind = "action"
	KindTransition Kind = "transition"
	KindOverride   Kind = "override"
	KindGridEvent  Kind = "grid_event"
)

// Event is the envelope published on the bus.
type Event struct {
	Kind Kind
	Time time.Time

	Tick       *Tick
	Action     *Action
	Transition *Transition
	Override   *Override
	Grid       *model.GridEvent
}

// Tick marks the completion of one evaluation cycle.
type Tick struct {
	Homes      int
	Appliances int
	Actions    int
	Failures   int
	Duration   time.Duration
}

// Action reports a decision applied to an appliance.
type Action struct {
	HomeID       string
	ApplianceID  string
	Action       model.Action
	Guard        string
	Reason       string
	Acknowledged bool
}

// Transition reports an hour-boundary state change worth notifying
// about: a tariff slot change, a clean/dirty carbon flip or a penalty
// threshold crossing.
type Transition struct {
	HomeID string
	Field  string
	From   string
	To     string
}

// Override reports a user override being set or expiring.
type Override struct {
	ApplianceID string
	Active      bool
	Until       time.Time
}

// NewTick wraps a Tick payload in an envelope.
func NewTick(t Tick) Event {
	return Event{Kind: KindTick, Time: time.Now(), Tick: &t}
}

// NewAction wraps an Action payload in an envelope.
func NewAction(a Action) Event {
	return Event{Kind: KindAction, Time: time.Now(), Action: &a}
}

// NewTransition wraps a Transition payload in an envelope.
func NewTransition(tr Transition) Event {
	return Event{Kind: KindTransition, Time: time.Now(), Transition: &tr}
}

// NewOverride wraps an Override payload in an envelope.
func NewOverride(o Override) Event {
	return Event{Kind: KindOverride, Time: time.Now(), Override: &o}
}

// NewGridEvent wraps a grid event in an envelope.
func NewGridEvent(ev model.GridEvent) Event {
	return Event{Kind: KindGridEvent, Time: time.Now(), Grid: &ev}
}
