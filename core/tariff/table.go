// Package tariff builds immutable hour-indexed tariff tables from plan
// slot rows and computes run costs over them.
package tariff

import (
	"errors"
	"fmt"

	"github.com/voltwise/autopilot/core/model"
	"github.com/voltwise/autopilot/core/rates"
)

// ErrInvalidTimeRange indicates the slot rows do not partition the
// 24-hour cycle. Tables are rejected here, at load time, so a malformed
// plan can never surface mid-evaluation.
var ErrInvalidTimeRange = errors.New("tariff: slots must partition the 24-hour cycle")

// Table is the per-plan hour-to-rate lookup.
type Table struct {
	planID    string
	curve     rates.Curve
	slotTypes [rates.HoursPerDay]string
}

// Empty returns a table with no configuration. Costs over it are zero.
func Empty(planID string) Table {
	return Table{planID: planID, curve: rates.New(nil)}
}

// New validates slots and builds the lookup table. Every hour must be
// covered by exactly one slot; slots may wrap midnight.
func New(planID string, slots []model.TariffSlot) (Table, error) {
	if len(slots) == 0 {
		return Empty(planID), nil
	}
	t := Table{planID: planID}
	var hourRate [rates.HoursPerDay]float64
	for h := 0; h < rates.HoursPerDay; h++ {
		covered := 0
		for _, s := range slots {
			if s.StartHour < 0 || s.StartHour > 23 || s.EndHour < 0 || s.EndHour > 23 {
				return Table{}, fmt.Errorf("%w: slot hours out of range [%d,%d)", ErrInvalidTimeRange, s.StartHour, s.EndHour)
			}
			if s.Covers(h) {
				covered++
				hourRate[h] = s.Rate
				t.slotTypes[h] = s.SlotType
			}
		}
		if covered == 0 {
			return Table{}, fmt.Errorf("%w: hour %d uncovered", ErrInvalidTimeRange, h)
		}
		if covered > 1 {
			return Table{}, fmt.Errorf("%w: hour %d covered by %d slots", ErrInvalidTimeRange, h, covered)
		}
	}
	t.curve = rates.New(func(h int) float64 { return hourRate[h] })
	return t, nil
}

// PlanID returns the plan the table was built for.
func (t Table) PlanID() string { return t.planID }

// Curve exposes the hour-indexed rate curve.
func (t Table) Curve() rates.Curve { return t.curve }

// Rate returns the rate for the given hour.
func (t Table) Rate(hour int) float64 { return t.curve.At(hour) }

// SlotType returns the slot type label for the given hour.
func (t Table) SlotType(hour int) string {
	return t.slotTypes[((hour%rates.HoursPerDay)+rates.HoursPerDay)%rates.HoursPerDay]
}

// Empty reports whether the table carries no slots.
func (t Table) Empty() bool { return t.curve.Empty() }

// OffPeak reports whether the hour's rate is below the 24-hour mean.
// This is derived from the live table, never a hardcoded threshold.
func (t Table) OffPeak(hour int) bool {
	if t.curve.Empty() {
		return false
	}
	return t.curve.At(hour) < t.curve.Mean()
}

// Cost computes the cost of running a powerW appliance starting at
// startHour:startMinute for durationHours, rounded half-up to two
// decimals on the final sum only.
func (t Table) Cost(powerW float64, startHour, startMinute int, durationHours float64) float64 {
	return rates.Round2(t.curve.Amount(powerW, startHour, startMinute, durationHours))
}
