package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/voltwise/autopilot/core/model"
)

// SetSchedule retires any active schedule for the appliance and inserts
// the new one in a single transaction, so no reader ever observes zero
// or two active entries. Implements schedule.Store.
func (s *Store) SetSchedule(ctx context.Context, entry model.ScheduleEntry) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE schedules SET is_active = 0 WHERE appliance_id = ? AND is_active = 1`,
		entry.ApplianceID); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schedules (id, appliance_id, start_time, end_time, repeat_type, is_active, created_at)
         VALUES (?, ?, ?, ?, ?, 1, ?)`,
		entry.ID, entry.ApplianceID, entry.StartTime, entry.EndTime, entry.RepeatType,
		entry.CreatedAt.Unix()); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// Set implements schedule.Store.
func (s *Store) Set(ctx context.Context, entry model.ScheduleEntry) (string, error) {
	return s.SetSchedule(ctx, entry)
}

// Active returns the active schedule for the appliance, or nil.
func (s *Store) Active(ctx context.Context, applianceID string) (*model.ScheduleEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, appliance_id, start_time, end_time, repeat_type, is_active, created_at
         FROM schedules WHERE appliance_id = ? AND is_active = 1`, applianceID)
	e, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// History returns every schedule ever set for the appliance, newest
// first.
func (s *Store) History(ctx context.Context, applianceID string) ([]model.ScheduleEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, appliance_id, start_time, end_time, repeat_type, is_active, created_at
         FROM schedules WHERE appliance_id = ? ORDER BY created_at DESC`, applianceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []model.ScheduleEntry
	for rows.Next() {
		e, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func scanSchedule(row rowScanner) (model.ScheduleEntry, error) {
	var e model.ScheduleEntry
	var active int
	var created int64
	err := row.Scan(&e.ID, &e.ApplianceID, &e.StartTime, &e.EndTime, &e.RepeatType, &active, &created)
	if err != nil {
		return e, err
	}
	e.IsActive = active != 0
	e.CreatedAt = time.Unix(created, 0).UTC()
	return e, nil
}
