// Package rates provides the hour-indexed lookup curve shared by the
// tariff and carbon tables, and the slot-boundary decomposition used to
// integrate a run over it. Curves are small immutable arrays built once
// per plan or region version and reused, so the calculator and scorer
// allocate nothing under periodic-tick load.
package rates

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// HoursPerDay is the length of every curve.
const HoursPerDay = 24

// Curve maps each hour of the day to a rate (cost per kWh or gCO2/kWh).
type Curve struct {
	values [HoursPerDay]float64
	empty  bool
}

// New builds a curve from a per-hour lookup. A nil lookup yields the
// empty curve, which integrates to zero so a missing table can never
// abort an evaluation tick.
func New(lookup func(hour int) float64) Curve {
	if lookup == nil {
		return Curve{empty: true}
	}
	var c Curve
	for h := 0; h < HoursPerDay; h++ {
		c.values[h] = lookup(h)
	}
	return c
}

// Empty reports whether the curve carries no configuration.
func (c Curve) Empty() bool { return c.empty }

// At returns the rate for hour, wrapping modulo 24.
func (c Curve) At(hour int) float64 {
	return c.values[((hour%HoursPerDay)+HoursPerDay)%HoursPerDay]
}

// Max returns the highest hourly rate.
func (c Curve) Max() float64 {
	m := c.values[0]
	for _, v := range c.values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// Min returns the lowest hourly rate.
func (c Curve) Min() float64 {
	m := c.values[0]
	for _, v := range c.values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// Mean returns the 24-hour mean rate.
func (c Curve) Mean() float64 {
	return stat.Mean(c.values[:], nil)
}

// Boundaries returns the hours at which the rate changes from the
// previous hour, in ascending order. For a flat or empty curve it
// returns [0] so callers always have at least one candidate.
func (c Curve) Boundaries() []int {
	var bs []int
	for h := 0; h < HoursPerDay; h++ {
		if c.values[h] != c.At(h-1) {
			bs = append(bs, h)
		}
	}
	if len(bs) == 0 {
		return []int{0}
	}
	return bs
}

// Amount integrates powerW over a run of durationHours starting at
// startHour:startMinute. The run is decomposed into sub-intervals
// aligned to hour boundaries; the first sub-interval is the fraction
// (60-startMinute)/60 of an hour when startMinute is non-zero. Hours
// wrap modulo 24 for runs crossing midnight. The result is unrounded;
// rounding happens once, on the caller's final sum, never per
// sub-interval.
func (c Curve) Amount(powerW float64, startHour, startMinute int, durationHours float64) float64 {
	if c.empty || durationHours <= 0 || powerW <= 0 {
		return 0
	}
	kw := powerW / 1000.0

	total := 0.0
	hour := startHour
	remaining := durationHours

	// Partial first hour when starting mid-slot.
	if startMinute > 0 {
		frac := float64(60-startMinute) / 60.0
		if frac > remaining {
			frac = remaining
		}
		total += kw * frac * c.At(hour)
		remaining -= frac
		hour++
	}
	for remaining > 0 {
		step := 1.0
		if remaining < 1 {
			step = remaining
		}
		total += kw * step * c.At(hour)
		remaining -= step
		hour++
	}
	return total
}

// roundEps absorbs binary representation error in sums that land an ulp
// below the half-cent boundary, so 10.275 still rounds up to 10.28.
const roundEps = 1e-9

// Round2 rounds v to two decimals, half up.
func Round2(v float64) float64 {
	return math.Floor(v*100+0.5+roundEps) / 100
}
