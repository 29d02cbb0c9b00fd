// Package carbon builds per-region hour-to-intensity profiles and
// derives the clean-window signal from them.
package carbon

import (
	"sort"

	"github.com/voltwise/autopilot/core/model"
	"github.com/voltwise/autopilot/core/rates"
)

// Profile is the per-region hour-to-gCO2/kWh lookup.
type Profile struct {
	region string
	curve  rates.Curve
}

// Empty returns a profile with no configuration. Masses over it are zero
// and no hour is a clean window.
func Empty(region string) Profile {
	return Profile{region: region, curve: rates.New(nil)}
}

// New builds a profile from schedule rows. Inactive rows are skipped;
// when several active rows exist for one hour the newest EffectiveFrom
// wins. Missing hours default to the region's mean of the provided rows
// so a sparse table degrades instead of failing.
func New(region string, slots []model.CarbonSlot) Profile {
	byHour := make(map[int]model.CarbonSlot, rates.HoursPerDay)
	for _, s := range slots {
		if !s.IsActive || s.Hour < 0 || s.Hour > 23 {
			continue
		}
		if cur, ok := byHour[s.Hour]; !ok || s.EffectiveFrom.After(cur.EffectiveFrom) {
			byHour[s.Hour] = s
		}
	}
	if len(byHour) == 0 {
		return Empty(region)
	}
	sum := 0.0
	for _, s := range byHour {
		sum += s.Intensity
	}
	fallback := sum / float64(len(byHour))
	return Profile{
		region: region,
		curve: rates.New(func(h int) float64 {
			if s, ok := byHour[h]; ok {
				return s.Intensity
			}
			return fallback
		}),
	}
}

// Region returns the region code the profile was built for.
func (p Profile) Region() string { return p.region }

// Curve exposes the hour-indexed intensity curve.
func (p Profile) Curve() rates.Curve { return p.curve }

// Intensity returns the gCO2/kWh for the given hour.
func (p Profile) Intensity(hour int) float64 { return p.curve.At(hour) }

// Empty reports whether the profile carries no rows.
func (p Profile) Empty() bool { return p.curve.Empty() }

// Mean returns the 24-hour mean intensity.
func (p Profile) Mean() float64 {
	if p.curve.Empty() {
		return 0
	}
	return p.curve.Mean()
}

// CleanWindow reports whether the hour's intensity is below the daily
// mean, the carbon analogue of off-peak. Derived from the live table.
func (p Profile) CleanWindow(hour int) bool {
	if p.curve.Empty() {
		return false
	}
	return p.curve.At(hour) < p.curve.Mean()
}

// CleanestHours returns the n hours with the lowest intensity, useful
// for suggesting run windows.
func (p Profile) CleanestHours(n int) []int {
	if p.curve.Empty() || n <= 0 {
		return nil
	}
	hours := make([]int, rates.HoursPerDay)
	for h := range hours {
		hours[h] = h
	}
	sort.SliceStable(hours, func(i, j int) bool {
		return p.curve.At(hours[i]) < p.curve.At(hours[j])
	})
	if n > len(hours) {
		n = len(hours)
	}
	return hours[:n]
}

// Mass computes the carbon mass in gCO2 emitted by a powerW appliance
// starting at startHour:startMinute for durationHours, rounded half-up
// to two decimals on the final sum.
func (p Profile) Mass(powerW float64, startHour, startMinute int, durationHours float64) float64 {
	return rates.Round2(p.curve.Amount(powerW, startHour, startMinute, durationHours))
}
