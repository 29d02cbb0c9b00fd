// Package policy implements the autopilot decision procedure as an
// ordered chain of guards. The first guard that matches is terminal for
// the tick, which keeps the override precedence auditable and lets each
// guard be tested in isolation.
package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/voltwise/autopilot/core/model"
	"github.com/voltwise/autopilot/core/penalty"
	"github.com/voltwise/autopilot/core/rates"
)

// Input carries everything one evaluation needs. It is assembled per
// device per tick and never mutated by guards.
type Input struct {
	Now            time.Time
	Config         model.DeviceConfig
	Appliance      model.Appliance
	Strategy       model.Strategy
	GridProtection bool
	GridEvents     []model.GridEvent
	Penalty        float64
	Threshold      float64
}

// Decision is the terminal outcome of a chain evaluation.
type Decision struct {
	Action model.Action
	Guard  string
	Reason string
}

// Guard inspects the input and either returns a terminal decision or
// passes to the next guard in the chain.
type Guard interface {
	Name() string
	Evaluate(in Input) (Decision, bool)
}

// Engine evaluates the guard chain in order.
type Engine struct {
	guards []Guard
}

// NewEngine builds the default chain: user override, protected window,
// grid-critical, then strategy. User override outranks everything,
// including emergency grid protection, to preserve user agency.
func NewEngine() *Engine {
	return &Engine{guards: []Guard{
		OverrideGuard{},
		ProtectedWindowGuard{},
		GridCriticalGuard{},
		StrategyGuard{},
	}}
}

// NewEngineWith builds an engine from an explicit guard order.
func NewEngineWith(guards ...Guard) *Engine {
	return &Engine{guards: guards}
}

// Decide runs the chain. The final StrategyGuard always terminates, but
// a custom chain that falls through yields allow.
func (e *Engine) Decide(in Input) Decision {
	for _, g := range e.guards {
		if d, ok := g.Evaluate(in); ok {
			return d
		}
	}
	return Decision{Action: model.ActionAllow, Guard: "none", Reason: "no guard matched"}
}

// OverrideGuard suppresses autopilot while a detected human override is
// in effect. An expired override falls through; the orchestrator clears
// the flag with a conditioned write.
type OverrideGuard struct{}

func (OverrideGuard) Name() string { return "user_override" }

func (g OverrideGuard) Evaluate(in Input) (Decision, bool) {
	if !in.Config.OverrideActive {
		return Decision{}, false
	}
	if !in.Config.OverrideUntil.IsZero() && !in.Now.Before(in.Config.OverrideUntil) {
		return Decision{}, false
	}
	return Decision{
		Action: model.ActionNoop,
		Guard:  g.Name(),
		Reason: "user override active",
	}, true
}

// ProtectedWindowGuard blocks any action while the current time of day
// falls inside the device's declared window, wrap-aware.
type ProtectedWindowGuard struct{}

func (ProtectedWindowGuard) Name() string { return "protected_window" }

func (g ProtectedWindowGuard) Evaluate(in Input) (Decision, bool) {
	w := in.Config.Protected
	if !w.Enabled {
		return Decision{}, false
	}
	start, err1 := parseClock(w.Start)
	end, err2 := parseClock(w.End)
	if err1 != nil || err2 != nil {
		return Decision{}, false
	}
	now := in.Now.Hour()*60 + in.Now.Minute()
	if !inWindow(now, start, end) {
		return Decision{}, false
	}
	return Decision{
		Action: model.ActionNoop,
		Guard:  g.Name(),
		Reason: fmt.Sprintf("protected window %s-%s", w.Start, w.End),
	}, true
}

// GridCriticalGuard forces the device off during an active critical
// grid event when the home opted into grid protection.
type GridCriticalGuard struct{}

func (GridCriticalGuard) Name() string { return "grid_critical" }

func (g GridCriticalGuard) Evaluate(in Input) (Decision, bool) {
	if !in.GridProtection {
		return Decision{}, false
	}
	for _, ev := range in.GridEvents {
		if ev.Severity == model.SeverityCritical && ev.ActiveAt(in.Now) {
			return Decision{
				Action: model.ActionForceOff,
				Guard:  g.Name(),
				Reason: fmt.Sprintf("critical grid event %s", ev.EventType),
			}, true
		}
	}
	return Decision{}, false
}

// ecoCapable lists appliance categories that support eco or limited
// power modes. Other categories fall back to a plain turn-off.
var ecoCapable = map[string]bool{
	"ac":              true,
	"washing_machine": true,
	"refrigerator":    true,
}

// StrategyGuard applies the home strategy: above the penalty threshold
// the device's preferred action fires, otherwise autopilot stands down.
type StrategyGuard struct{}

func (StrategyGuard) Name() string { return "strategy" }

func (g StrategyGuard) Evaluate(in Input) (Decision, bool) {
	threshold := in.Threshold
	if threshold == 0 {
		threshold = penalty.DefaultThreshold
	}
	if in.Penalty <= threshold {
		return Decision{
			Action: model.ActionAllow,
			Guard:  g.Name(),
			Reason: fmt.Sprintf("penalty %.3f within threshold %.2f", in.Penalty, threshold),
		}, true
	}
	action := in.Config.PreferredAction
	if (action == model.ActionEcoMode || action == model.ActionLimitPower) && !ecoCapable[in.Appliance.Category] {
		action = model.ActionTurnOff
	}
	if action == "" {
		action = model.ActionDelayStart
	}
	return Decision{
		Action: action,
		Guard:  g.Name(),
		Reason: fmt.Sprintf("penalty %.3f above threshold %.2f", in.Penalty, threshold),
	}, true
}

// OverrideUntil computes the expiry of a freshly raised override: the
// end of the penalty-eligible window in effect now, i.e. the next hour
// whose penalty drops below the threshold.
func OverrideUntil(now time.Time, timeline []penalty.Entry, threshold float64) time.Time {
	if threshold == 0 {
		threshold = penalty.DefaultThreshold
	}
	for offset := 1; offset <= rates.HoursPerDay; offset++ {
		h := (now.Hour() + offset) % rates.HoursPerDay
		if timeline[h].Penalty < threshold {
			until := time.Date(now.Year(), now.Month(), now.Day(), h, 0, 0, 0, now.Location())
			if !until.After(now) {
				until = until.AddDate(0, 0, 1)
			}
			return until
		}
	}
	// Whole day above threshold: hold the override for 24 hours.
	return now.Add(24 * time.Hour)
}

// parseClock parses "HH:MM" (or "HH:MM:SS") into minutes since midnight.
func parseClock(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return 0, fmt.Errorf("policy: invalid clock %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, err
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("policy: clock out of range %q", s)
	}
	return h*60 + m, nil
}

// inWindow reports whether now (minutes since midnight) falls in
// [start, end), handling windows that wrap midnight.
func inWindow(now, start, end int) bool {
	if start <= end {
		return now >= start && now < end
	}
	return now >= start || now < end
}
