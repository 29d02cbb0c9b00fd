// Package device defines the actuation boundary between the decision
// engine and physical appliances.
package device

import (
	"context"
	"errors"
	"time"

	"github.com/voltwise/autopilot/core/model"
)

// ErrAckTimeout is returned when an appliance does not acknowledge a
// command within the configured window.
var ErrAckTimeout = errors.New("device: ack timeout")

// ErrUnknownCommand is returned when an acknowledgment is awaited for a
// command that was never issued.
var ErrUnknownCommand = errors.New("device: unknown command")

// Result reports the outcome of a single actuation attempt.
type Result struct {
	ApplianceID  string
	Action       model.Action
	CommandID    string
	Acknowledged bool
	Err          error
	Latency      time.Duration
}

// OK reports whether the command was delivered and acknowledged.
func (r Result) OK() bool {
	return r.Err == nil && r.Acknowledged
}

// Actuator delivers an action to an appliance and waits for confirmation.
// Implementations must be safe for concurrent use; Apply is expected to
// honor ctx cancellation for the acknowledgment wait.
type Actuator interface {
	Apply(ctx context.Context, appliance model.Appliance, action model.Action) Result
	Close()
}
