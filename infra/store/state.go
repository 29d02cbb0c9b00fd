package store

import (
	"context"
	"time"

	"github.com/voltwise/autopilot/core/model"
)

// SaveState snapshots an appliance before a displacing action. An
// existing unrestored snapshot for the appliance is kept: the first one
// wins so back-to-back actions restore the original state. The insert
// is guarded in one statement so overlapping ticks cannot both win.
func (s *Store) SaveState(ctx context.Context, st model.SavedState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO saved_state (id, appliance_id, home_id, status, reason, saved_at, restored, restored_at)
         SELECT ?, ?, ?, ?, ?, ?, 0, 0
         WHERE NOT EXISTS (SELECT 1 FROM saved_state WHERE appliance_id = ? AND restored = 0)`,
		st.ID, st.ApplianceID, st.HomeID, st.Status, st.Reason, st.SavedAt.Unix(), st.ApplianceID)
	return err
}

// UnrestoredStates returns the pending snapshots for a home.
func (s *Store) UnrestoredStates(ctx context.Context, homeID string) ([]model.SavedState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, appliance_id, home_id, status, reason, saved_at
         FROM saved_state WHERE home_id = ? AND restored = 0 ORDER BY saved_at`, homeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []model.SavedState
	for rows.Next() {
		var st model.SavedState
		var saved int64
		if err := rows.Scan(&st.ID, &st.ApplianceID, &st.HomeID, &st.Status, &st.Reason, &saved); err != nil {
			return nil, err
		}
		st.SavedAt = time.Unix(saved, 0).UTC()
		res = append(res, st)
	}
	return res, rows.Err()
}

// MarkRestored flags a snapshot as applied.
func (s *Store) MarkRestored(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE saved_state SET restored = 1, restored_at = ? WHERE id = ? AND restored = 0`,
		at.Unix(), id)
	if err != nil {
		return err
	}
	return oneRow(res)
}
