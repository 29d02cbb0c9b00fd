// Package window searches tariff and carbon tables for the best start
// hours to run an appliance of a given duration.
package window

import (
	"sort"

	"github.com/voltwise/autopilot/core/carbon"
	"github.com/voltwise/autopilot/core/model"
	"github.com/voltwise/autopilot/core/penalty"
	"github.com/voltwise/autopilot/core/rates"
	"github.com/voltwise/autopilot/core/tariff"
)

// Option describes a candidate run window starting on the hour.
type Option struct {
	StartHour int     `json:"start_hour"`
	EndHour   int     `json:"end_hour"`
	Penalty   float64 `json:"penalty"`
	Cost      float64 `json:"cost"`
	Carbon    float64 `json:"carbon"`
}

// Optimizer evaluates run windows over one tariff table and carbon
// profile pair. Construct once per plan/region version and reuse.
type Optimizer struct {
	tab      tariff.Table
	prof     carbon.Profile
	strategy model.Strategy
}

// New creates an optimizer for the given tables and strategy.
func New(tab tariff.Table, prof carbon.Profile, strategy model.Strategy) Optimizer {
	return Optimizer{tab: tab, prof: prof, strategy: strategy}
}

// candidates returns the union of slot-boundary hours of both tables,
// sorted ascending. Cost and penalty are piecewise constant between
// boundaries for contiguous runs, so boundary starts are sufficient.
func (o Optimizer) candidates() []int {
	seen := make(map[int]bool)
	for _, h := range o.tab.Curve().Boundaries() {
		seen[h] = true
	}
	for _, h := range o.prof.Curve().Boundaries() {
		seen[h] = true
	}
	hours := make([]int, 0, len(seen))
	for h := range seen {
		hours = append(hours, h)
	}
	sort.Ints(hours)
	return hours
}

// evaluate builds the Option for a start hour.
func (o Optimizer) evaluate(powerW float64, startHour int, durationHours float64) Option {
	avg := 0.0
	whole := int(durationHours)
	for i := 0; i < whole; i++ {
		avg += penalty.Score(startHour+i, o.tab, o.prof, o.strategy)
	}
	if frac := durationHours - float64(whole); frac > 0 {
		avg += frac * penalty.Score(startHour+whole, o.tab, o.prof, o.strategy)
	}
	if durationHours > 0 {
		avg /= durationHours
	}
	return Option{
		StartHour: startHour,
		EndHour:   (startHour + int(durationHours+0.999)) % rates.HoursPerDay,
		Penalty:   avg,
		Cost:      o.tab.Cost(powerW, startHour, 0, durationHours),
		Carbon:    o.prof.Mass(powerW, startHour, 0, durationHours),
	}
}

// Best returns the window with the lowest strategy-weighted penalty for
// a run of durationHours. Ties break toward the earliest start hour.
func (o Optimizer) Best(powerW float64, durationHours float64) Option {
	best := Option{StartHour: -1}
	for _, h := range o.candidates() {
		opt := o.evaluate(powerW, h, durationHours)
		if best.StartHour < 0 || opt.Penalty < best.Penalty {
			best = opt
		}
	}
	return best
}

// Cheapest returns the window with the lowest monetary cost, ignoring
// carbon entirely. Ties break toward the earliest start hour.
func (o Optimizer) Cheapest(powerW float64, durationHours float64) Option {
	best := Option{StartHour: -1}
	for _, h := range o.candidates() {
		opt := o.evaluate(powerW, h, durationHours)
		if best.StartHour < 0 || opt.Cost < best.Cost {
			best = opt
		}
	}
	return best
}

// NextCheaper returns the nearest chronologically-later window strictly
// cheaper than running now, or nil when the next improvement is the
// absolute cheapest window (callers should surface that one instead).
// It serves the minimal-wait contract: "how long until it gets cheaper",
// not "when is it cheapest".
func (o Optimizer) NextCheaper(nowHour int, powerW float64, durationHours float64) *Option {
	nowCost := o.tab.Cost(powerW, nowHour, 0, durationHours)
	cheapest := o.Cheapest(powerW, durationHours)

	for offset := 1; offset < rates.HoursPerDay; offset++ {
		h := (nowHour + offset) % rates.HoursPerDay
		opt := o.evaluate(powerW, h, durationHours)
		if opt.Cost >= nowCost {
			continue
		}
		if opt.Cost == cheapest.Cost {
			return nil
		}
		return &opt
	}
	return nil
}
