package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/voltwise/autopilot/core/model"
)

// ErrOverrideChanged is returned when a conditioned override write
// loses the race against a concurrent update.
var ErrOverrideChanged = errors.New("store: override changed concurrently")

// UpsertDeviceConfig inserts or replaces the automation settings of an
// appliance.
func (s *Store) UpsertDeviceConfig(ctx context.Context, c model.DeviceConfig) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_config
             (appliance_id, home_id, is_delegated, preferred_action,
              protected_enabled, protected_start, protected_end,
              override_active, override_until)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(appliance_id) DO UPDATE SET
             home_id=excluded.home_id, is_delegated=excluded.is_delegated,
             preferred_action=excluded.preferred_action,
             protected_enabled=excluded.protected_enabled,
             protected_start=excluded.protected_start, protected_end=excluded.protected_end,
             override_active=excluded.override_active, override_until=excluded.override_until`,
		c.ApplianceID, c.HomeID, boolInt(c.IsDelegated), string(c.PreferredAction),
		boolInt(c.Protected.Enabled), c.Protected.Start, c.Protected.End,
		boolInt(c.OverrideActive), unixOrZero(c.OverrideUntil))
	return err
}

// DeviceConfig returns the settings for an appliance.
func (s *Store) DeviceConfig(ctx context.Context, applianceID string) (model.DeviceConfig, error) {
	var c model.DeviceConfig
	var action string
	var delegated, protEnabled, ovActive int
	var ovUntil int64
	err := s.db.QueryRowContext(ctx,
		`SELECT appliance_id, home_id, is_delegated, preferred_action,
                protected_enabled, protected_start, protected_end,
                override_active, override_until
         FROM device_config WHERE appliance_id = ?`, applianceID).
		Scan(&c.ApplianceID, &c.HomeID, &delegated, &action,
			&protEnabled, &c.Protected.Start, &c.Protected.End, &ovActive, &ovUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.IsDelegated = delegated != 0
	c.PreferredAction = model.Action(action)
	c.Protected.Enabled = protEnabled != 0
	c.OverrideActive = ovActive != 0
	if ovUntil > 0 {
		c.OverrideUntil = time.Unix(ovUntil, 0).UTC()
	}
	return c, nil
}

// SetOverride marks a user override on the appliance until the given
// time.
func (s *Store) SetOverride(ctx context.Context, applianceID string, until time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE device_config SET override_active = 1, override_until = ? WHERE appliance_id = ?`,
		until.Unix(), applianceID)
	if err != nil {
		return err
	}
	return oneRow(res)
}

// ClearExpiredOverride clears the override only if it is still the one
// observed to have expired. A user extending the override between the
// read and the write keeps their new override: the condition matches
// zero rows and ErrOverrideChanged is returned.
func (s *Store) ClearExpiredOverride(ctx context.Context, applianceID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE device_config SET override_active = 0, override_until = 0
         WHERE appliance_id = ? AND override_active = 1 AND override_until <= ?`,
		applianceID, now.Unix())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrOverrideChanged
	}
	return nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
