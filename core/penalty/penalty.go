// Package penalty scores each hour of the day by blending normalized
// tariff cost and carbon intensity under the home's strategy. The score
// drives every autopilot action decision.
package penalty

import (
	"github.com/voltwise/autopilot/core/carbon"
	"github.com/voltwise/autopilot/core/model"
	"github.com/voltwise/autopilot/core/rates"
	"github.com/voltwise/autopilot/core/tariff"
)

// DefaultThreshold is the score above which autopilot intervenes.
const DefaultThreshold = 0.6

// Weights holds the cost and carbon blend factors for a strategy.
type Weights struct {
	Cost   float64
	Carbon float64
}

// StrategyWeights returns the blend for the given strategy. Unknown
// strategies fall back to balanced.
func StrategyWeights(s model.Strategy) Weights {
	switch s {
	case model.StrategyMaxSavings:
		return Weights{Cost: 1, Carbon: 0}
	case model.StrategyEco:
		return Weights{Cost: 0, Carbon: 1}
	default:
		return Weights{Cost: 0.7, Carbon: 0.3}
	}
}

// Score computes the penalty for one hour in [0, 1]. Each signal is
// normalized against its own 24-hour maximum; a missing table
// contributes zero rather than aborting.
func Score(hour int, tab tariff.Table, prof carbon.Profile, strategy model.Strategy) float64 {
	w := StrategyWeights(strategy)

	normCost := 0.0
	if !tab.Empty() {
		if max := tab.Curve().Max(); max > 0 {
			normCost = tab.Rate(hour) / max
		}
	}
	normCarbon := 0.0
	if !prof.Empty() {
		if max := prof.Curve().Max(); max > 0 {
			normCarbon = prof.Intensity(hour) / max
		}
	}

	score := w.Cost*normCost + w.Carbon*normCarbon
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Entry is one hour of the penalty timeline.
type Entry struct {
	Hour     int     `json:"hour"`
	Penalty  float64 `json:"penalty"`
	Cost     float64 `json:"cost"`
	Carbon   float64 `json:"carbon"`
	SlotType string  `json:"slot_type"`
	Label    string  `json:"label"`
}

// Timeline computes the 24-hour penalty timeline for a home.
func Timeline(tab tariff.Table, prof carbon.Profile, strategy model.Strategy) []Entry {
	entries := make([]Entry, rates.HoursPerDay)
	for h := 0; h < rates.HoursPerDay; h++ {
		p := Score(h, tab, prof, strategy)
		entries[h] = Entry{
			Hour:     h,
			Penalty:  p,
			Cost:     tab.Rate(h),
			Carbon:   prof.Intensity(h),
			SlotType: tab.SlotType(h),
			Label:    Label(p),
		}
	}
	return entries
}

// Label buckets a score into the qualitative bands shown to users.
func Label(score float64) string {
	switch {
	case score < 0.3:
		return "Excellent"
	case score < 0.5:
		return "Good"
	case score < DefaultThreshold:
		return "Fair"
	case score < 0.8:
		return "High"
	default:
		return "Critical"
	}
}
