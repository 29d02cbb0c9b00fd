// Package autopilot exposes the HTTP API: penalty timelines, window
// suggestions, strategy and protection settings, overrides, schedules
// and the decision audit trail.
package autopilot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/voltwise/autopilot/core/carbon"
	"github.com/voltwise/autopilot/core/grid"
	"github.com/voltwise/autopilot/core/model"
	"github.com/voltwise/autopilot/core/penalty"
	"github.com/voltwise/autopilot/core/policy"
	"github.com/voltwise/autopilot/core/schedule"
	"github.com/voltwise/autopilot/core/tariff"
	"github.com/voltwise/autopilot/core/window"
	"github.com/voltwise/autopilot/infra/store"
)

// Store is the persistence surface the API needs.
type Store interface {
	schedule.Store
	Home(ctx context.Context, id string) (model.Home, error)
	SetStrategy(ctx context.Context, homeID string, strategy model.Strategy) error
	SetGridProtection(ctx context.Context, homeID string, enabled bool) error
	Appliance(ctx context.Context, id string) (model.Appliance, error)
	SetOverride(ctx context.Context, applianceID string, until time.Time) error
	AuditHistory(ctx context.Context, applianceID string, limit int) ([]model.AuditEntry, error)
}

// Evaluator is the slice of the engine the API reads from.
type Evaluator interface {
	Timeline(homeID string) ([]penalty.Entry, bool, error)
	Reference(h model.Home) (tariff.Table, carbon.Profile)
	Threshold() float64
}

// Handler serves the autopilot API.
type Handler struct {
	store Store
	eval  Evaluator
	grid  grid.Source
	now   func() time.Time
}

// New builds a Handler. The clock is injectable for tests.
func New(st Store, eval Evaluator, src grid.Source) *Handler {
	return &Handler{store: st, eval: eval, grid: src, now: time.Now}
}

// Mux returns the routing table for the API.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/homes/{id}/timeline", h.timeline)
	mux.HandleFunc("GET /api/homes/{id}/carbon", h.carbonNow)
	mux.HandleFunc("GET /api/appliances/{id}/window", h.bestWindow)
	mux.HandleFunc("PUT /api/homes/{id}/strategy", h.setStrategy)
	mux.HandleFunc("PUT /api/homes/{id}/grid-protection", h.setGridProtection)
	mux.HandleFunc("GET /api/homes/{id}/grid-status", h.gridStatus)
	mux.HandleFunc("POST /api/appliances/{id}/override", h.setOverride)
	mux.HandleFunc("POST /api/appliances/{id}/schedule", h.setSchedule)
	mux.HandleFunc("GET /api/appliances/{id}/schedule", h.getSchedule)
	mux.HandleFunc("GET /api/appliances/{id}/audit", h.auditTrail)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) home(w http.ResponseWriter, r *http.Request) (model.Home, bool) {
	return h.homeByID(w, r, r.PathValue("id"))
}

func (h *Handler) homeByID(w http.ResponseWriter, r *http.Request, id string) (model.Home, bool) {
	home, err := h.store.Home(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "home not found")
		return home, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return home, false
	}
	return home, true
}

func (h *Handler) appliance(w http.ResponseWriter, r *http.Request) (model.Appliance, bool) {
	app, err := h.store.Appliance(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "appliance not found")
		return app, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return app, false
	}
	return app, true
}

type timelineResponse struct {
	HomeID   string          `json:"home_id"`
	Strategy model.Strategy  `json:"strategy"`
	Stale    bool            `json:"stale"`
	Hours    []penalty.Entry `json:"hours"`
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	home, ok := h.home(w, r)
	if !ok {
		return
	}
	hours, stale, err := h.eval.Timeline(home.ID)
	if err != nil {
		// Not evaluated yet: compute from reference data directly.
		tab, prof := h.eval.Reference(home)
		hours = penalty.Timeline(tab, prof, home.Strategy)
	}
	writeJSON(w, http.StatusOK, timelineResponse{
		HomeID: home.ID, Strategy: home.Strategy, Stale: stale, Hours: hours,
	})
}

type carbonResponse struct {
	RegionCode string  `json:"region_code"`
	Hour       int     `json:"hour"`
	Intensity  float64 `json:"intensity_gco2_kwh"`
	DayMean    float64 `json:"day_mean"`
	Clean      bool    `json:"clean_window"`
}

func (h *Handler) carbonNow(w http.ResponseWriter, r *http.Request) {
	home, ok := h.home(w, r)
	if !ok {
		return
	}
	_, prof := h.eval.Reference(home)
	hour := h.now().Hour()
	writeJSON(w, http.StatusOK, carbonResponse{
		RegionCode: prof.Region(),
		Hour:       hour,
		Intensity:  prof.Intensity(hour),
		DayMean:    prof.Mean(),
		Clean:      prof.CleanWindow(hour),
	})
}

type windowResponse struct {
	Best        window.Option  `json:"best"`
	Cheapest    window.Option  `json:"cheapest"`
	NextCheaper *window.Option `json:"next_cheaper,omitempty"`
}

func (h *Handler) bestWindow(w http.ResponseWriter, r *http.Request) {
	app, ok := h.appliance(w, r)
	if !ok {
		return
	}
	if app.PowerW <= 0 {
		writeError(w, http.StatusBadRequest, "appliance has no power rating")
		return
	}
	home, ok := h.homeByID(w, r, app.HomeID)
	if !ok {
		return
	}
	duration, err := strconv.ParseFloat(r.URL.Query().Get("duration_hours"), 64)
	if err != nil || duration <= 0 || duration > 24 {
		writeError(w, http.StatusBadRequest, "duration_hours must be within (0,24]")
		return
	}

	tab, prof := h.eval.Reference(home)
	opt := window.New(tab, prof, home.Strategy)
	writeJSON(w, http.StatusOK, windowResponse{
		Best:        opt.Best(app.PowerW, duration),
		Cheapest:    opt.Cheapest(app.PowerW, duration),
		NextCheaper: opt.NextCheaper(h.now().Hour(), app.PowerW, duration),
	})
}

func (h *Handler) setStrategy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Strategy model.Strategy `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if !body.Strategy.Valid() {
		writeError(w, http.StatusBadRequest, "unknown strategy")
		return
	}
	if err := h.store.SetStrategy(r.Context(), r.PathValue("id"), body.Strategy); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "home not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategy": body.Strategy})
}

func (h *Handler) setGridProtection(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	if err := h.store.SetGridProtection(r.Context(), r.PathValue("id"), *body.Enabled); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "home not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": *body.Enabled})
}

func (h *Handler) gridStatus(w http.ResponseWriter, r *http.Request) {
	home, ok := h.home(w, r)
	if !ok {
		return
	}
	if h.grid == nil {
		writeError(w, http.StatusServiceUnavailable, "no grid source configured")
		return
	}
	st, err := h.grid.Status(r.Context(), home.DiscomID)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// setOverride raises a user override. Its expiry is not client-chosen:
// the override holds until the end of the penalty-eligible window in
// effect right now, read off the home's timeline.
func (h *Handler) setOverride(w http.ResponseWriter, r *http.Request) {
	app, ok := h.appliance(w, r)
	if !ok {
		return
	}
	home, ok := h.homeByID(w, r, app.HomeID)
	if !ok {
		return
	}
	tl, _, err := h.eval.Timeline(home.ID)
	if err != nil {
		tab, prof := h.eval.Reference(home)
		tl = penalty.Timeline(tab, prof, home.Strategy)
	}
	until := policy.OverrideUntil(h.now(), tl, h.eval.Threshold())
	if err := h.store.SetOverride(r.Context(), app.ID, until); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "appliance not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"appliance_id": app.ID, "until": until})
}

func (h *Handler) setSchedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Start  string `json:"start_time"`
		End    string `json:"end_time"`
		Repeat string `json:"repeat_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	id, err := schedule.Set(r.Context(), h.store, r.PathValue("id"), body.Start, body.End, body.Repeat)
	if err != nil {
		if errors.Is(err, schedule.ErrInvalidSchedule) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *Handler) getSchedule(w http.ResponseWriter, r *http.Request) {
	entry, err := h.store.Active(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, "no active schedule")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) auditTrail(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	recs, err := h.store.AuditHistory(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []model.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, recs)
}
