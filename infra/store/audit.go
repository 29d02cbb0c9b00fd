package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/voltwise/autopilot/core/model"
)

// AppendAudit writes one decision record to the audit log.
func (s *Store) AppendAudit(ctx context.Context, rec model.AuditEntry) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (ts, appliance_id, record) VALUES (?, ?, ?)`,
		rec.CreatedAt.Unix(), rec.ApplianceID, string(b))
	return err
}

// AuditHistory returns the newest records for an appliance, capped at
// limit. A limit of zero returns everything.
func (s *Store) AuditHistory(ctx context.Context, applianceID string, limit int) ([]model.AuditEntry, error) {
	query := `SELECT record FROM audit_log WHERE appliance_id = ? ORDER BY ts DESC`
	args := []any{applianceID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []model.AuditEntry
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r model.AuditEntry
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		res = append(res, r)
	}
	return res, rows.Err()
}
