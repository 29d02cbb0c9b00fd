// Package model defines the shared domain types: homes, appliances,
// tariff and carbon slots, schedules, grid events and the action
// vocabulary the policy engine emits.
package model

import "time"

// Strategy selects how cost and carbon are weighted when scoring hours.
type Strategy string

const (
	StrategyBalanced   Strategy = "balanced"
	StrategyMaxSavings Strategy = "max_savings"
	StrategyEco        Strategy = "eco"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyBalanced, StrategyMaxSavings, StrategyEco:
		return true
	}
	return false
}

// Action is a command the engine can take on an appliance.
type Action string

const (
	ActionNoop       Action = "noop"
	ActionAllow      Action = "allow"
	ActionTurnOff    Action = "turn_off"
	ActionEcoMode    Action = "eco_mode"
	ActionDelayStart Action = "delay_start"
	ActionLimitPower Action = "limit_power"
	ActionForceOff   Action = "force_off"
	ActionRestoreOn  Action = "restore_on"
)

// Valid reports whether a is one of the user-selectable preferred
// actions. ForceOff and RestoreOn are engine-internal and never
// accepted from configuration.
func (a Action) Valid() bool {
	switch a {
	case ActionTurnOff, ActionEcoMode, ActionDelayStart, ActionLimitPower:
		return true
	}
	return false
}

// Actuates reports whether a changes physical device state and must be
// delivered to the appliance, as opposed to noop and allow which only
// record a decision.
func (a Action) Actuates() bool {
	switch a {
	case ActionTurnOff, ActionEcoMode, ActionDelayStart, ActionLimitPower,
		ActionForceOff, ActionRestoreOn:
		return true
	}
	return false
}

// Severity of a grid event.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// TariffSlot is one contiguous rate band of a tariff plan. EndHour is
// exclusive; a slot may wrap midnight (StartHour > EndHour).
type TariffSlot struct {
	PlanID    string  `json:"plan_id"`
	StartHour int     `json:"start_hour"`
	EndHour   int     `json:"end_hour"`
	Rate      float64 `json:"rate_per_kwh"`
	SlotType  string  `json:"slot_type"`
}

// Covers reports whether the slot applies at the given hour of day.
func (s TariffSlot) Covers(hour int) bool {
	if s.StartHour == s.EndHour {
		return true
	}
	if s.StartHour < s.EndHour {
		return hour >= s.StartHour && hour < s.EndHour
	}
	return hour >= s.StartHour || hour < s.EndHour
}

// CarbonSlot is the grid carbon intensity for one hour in a region.
// Multiple versions may exist per hour; the newest active EffectiveFrom
// wins.
type CarbonSlot struct {
	RegionCode    string    `json:"region_code"`
	Hour          int       `json:"hour"`
	Intensity     float64   `json:"intensity_gco2_kwh"`
	IsActive      bool      `json:"is_active"`
	EffectiveFrom time.Time `json:"effective_from"`
}

// ProtectedWindow is a daily clock interval during which the engine
// never acts on an appliance. Start and End use "HH:MM"; the window may
// wrap midnight.
type ProtectedWindow struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

// DeviceConfig holds the per-appliance automation settings.
type DeviceConfig struct {
	ApplianceID     string          `json:"appliance_id"`
	HomeID          string          `json:"home_id"`
	IsDelegated     bool            `json:"is_delegated"`
	PreferredAction Action          `json:"preferred_action"`
	Protected       ProtectedWindow `json:"protected_window"`
	OverrideActive  bool            `json:"override_active"`
	OverrideUntil   time.Time       `json:"override_until"`
}

// Home is a household enrolled in the autopilot.
type Home struct {
	ID             string   `json:"id"`
	PlanID         string   `json:"plan_id"`
	RegionCode     string   `json:"region_code"`
	DiscomID       string   `json:"discom_id"`
	Strategy       Strategy `json:"strategy"`
	GridProtection bool     `json:"grid_protection"`
	Autopilot      bool     `json:"autopilot"`
}

// Appliance is a controllable load in a home.
type Appliance struct {
	ID       string  `json:"id"`
	HomeID   string  `json:"home_id"`
	Name     string  `json:"name"`
	Category string  `json:"category"`
	Status   string  `json:"status"`
	PowerW   float64 `json:"power_w"`
	PlugID   string  `json:"plug_id"`
}

// On reports whether the appliance is currently drawing power.
func (a Appliance) On() bool {
	return a.Status == "ON" || a.Status == "WARNING"
}

// ScheduleEntry is one run window for an appliance. StartTime and
// EndTime use "HH:MM". At most one entry per appliance is active.
type ScheduleEntry struct {
	ID          string    `json:"id"`
	ApplianceID string    `json:"appliance_id"`
	StartTime   string    `json:"start_time"`
	EndTime     string    `json:"end_time"`
	RepeatType  string    `json:"repeat_type"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// GridEvent is a distribution-company signal such as load shedding or a
// demand-response request. A zero EndTime means open-ended.
type GridEvent struct {
	ID        string    `json:"id"`
	DiscomID  string    `json:"discom_id"`
	EventType string    `json:"event_type"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// ActiveAt reports whether the event is in effect at t.
func (e GridEvent) ActiveAt(t time.Time) bool {
	if t.Before(e.StartTime) {
		return false
	}
	return e.EndTime.IsZero() || t.Before(e.EndTime)
}

// SavedState snapshots an appliance before a forced action so the
// engine can restore it when the condition clears.
type SavedState struct {
	ID          string    `json:"id"`
	ApplianceID string    `json:"appliance_id"`
	HomeID      string    `json:"home_id"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason"`
	SavedAt     time.Time `json:"saved_at"`
	Restored    bool      `json:"restored"`
	RestoredAt  time.Time `json:"restored_at"`
}

// AuditEntry records one engine decision for later inspection.
type AuditEntry struct {
	ID          string    `json:"id"`
	HomeID      string    `json:"home_id"`
	ApplianceID string    `json:"appliance_id"`
	Action      Action    `json:"action"`
	Guard       string    `json:"guard"`
	Reason      string    `json:"reason"`
	Penalty     float64   `json:"penalty"`
	CreatedAt   time.Time `json:"created_at"`
}
