package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/voltwise/autopilot/core/model"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// UpsertHome inserts or replaces a home.
func (s *Store) UpsertHome(ctx context.Context, h model.Home) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO homes (id, plan_id, region_code, discom_id, strategy, grid_protection, autopilot)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET
             plan_id=excluded.plan_id, region_code=excluded.region_code,
             discom_id=excluded.discom_id, strategy=excluded.strategy,
             grid_protection=excluded.grid_protection, autopilot=excluded.autopilot`,
		h.ID, h.PlanID, h.RegionCode, h.DiscomID, string(h.Strategy), boolInt(h.GridProtection), boolInt(h.Autopilot))
	return err
}

// Home returns a home by id.
func (s *Store) Home(ctx context.Context, id string) (model.Home, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, plan_id, region_code, discom_id, strategy, grid_protection, autopilot
         FROM homes WHERE id = ?`, id)
	return scanHome(row)
}

// Homes returns every home. When autopilotOnly is set, homes with the
// autopilot disabled are skipped.
func (s *Store) Homes(ctx context.Context, autopilotOnly bool) ([]model.Home, error) {
	q := `SELECT id, plan_id, region_code, discom_id, strategy, grid_protection, autopilot FROM homes`
	if autopilotOnly {
		q += ` WHERE autopilot = 1`
	}
	q += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []model.Home
	for rows.Next() {
		h, err := scanHome(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// SetStrategy updates a home's scoring strategy.
func (s *Store) SetStrategy(ctx context.Context, homeID string, strategy model.Strategy) error {
	if !strategy.Valid() {
		return fmt.Errorf("invalid strategy %q", strategy)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE homes SET strategy = ? WHERE id = ?`, string(strategy), homeID)
	if err != nil {
		return err
	}
	return oneRow(res)
}

// SetGridProtection toggles grid protection for a home.
func (s *Store) SetGridProtection(ctx context.Context, homeID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE homes SET grid_protection = ? WHERE id = ?`, boolInt(enabled), homeID)
	if err != nil {
		return err
	}
	return oneRow(res)
}

// UpsertAppliance inserts or replaces an appliance.
func (s *Store) UpsertAppliance(ctx context.Context, a model.Appliance) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO appliances (id, home_id, name, category, status, power_w, plug_id)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET
             home_id=excluded.home_id, name=excluded.name, category=excluded.category,
             status=excluded.status, power_w=excluded.power_w, plug_id=excluded.plug_id`,
		a.ID, a.HomeID, a.Name, a.Category, a.Status, a.PowerW, a.PlugID)
	return err
}

// SetApplianceStatus updates the reported status of an appliance.
func (s *Store) SetApplianceStatus(ctx context.Context, applianceID, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE appliances SET status = ? WHERE id = ?`, status, applianceID)
	if err != nil {
		return err
	}
	return oneRow(res)
}

// Appliance returns an appliance by id.
func (s *Store) Appliance(ctx context.Context, id string) (model.Appliance, error) {
	var a model.Appliance
	err := s.db.QueryRowContext(ctx,
		`SELECT id, home_id, name, category, status, power_w, plug_id FROM appliances WHERE id = ?`, id).
		Scan(&a.ID, &a.HomeID, &a.Name, &a.Category, &a.Status, &a.PowerW, &a.PlugID)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	return a, err
}

// Appliances returns all appliances belonging to a home.
func (s *Store) Appliances(ctx context.Context, homeID string) ([]model.Appliance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, home_id, name, category, status, power_w, plug_id
         FROM appliances WHERE home_id = ? ORDER BY id`, homeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []model.Appliance
	for rows.Next() {
		var a model.Appliance
		if err := rows.Scan(&a.ID, &a.HomeID, &a.Name, &a.Category, &a.Status, &a.PowerW, &a.PlugID); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHome(row rowScanner) (model.Home, error) {
	var h model.Home
	var strategy string
	var gp, ap int
	err := row.Scan(&h.ID, &h.PlanID, &h.RegionCode, &h.DiscomID, &strategy, &gp, &ap)
	if errors.Is(err, sql.ErrNoRows) {
		return h, ErrNotFound
	}
	if err != nil {
		return h, err
	}
	h.Strategy = model.Strategy(strategy)
	h.GridProtection = gp != 0
	h.Autopilot = ap != 0
	return h, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func oneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
