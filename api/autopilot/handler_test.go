package autopilot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltwise/autopilot/core/carbon"
	"github.com/voltwise/autopilot/core/grid"
	"github.com/voltwise/autopilot/core/model"
	"github.com/voltwise/autopilot/core/penalty"
	"github.com/voltwise/autopilot/core/schedule"
	"github.com/voltwise/autopilot/core/tariff"
	"github.com/voltwise/autopilot/infra/store"
)

type fakeStore struct {
	*schedule.MemoryStore
	homes      map[string]model.Home
	appliances map[string]model.Appliance
	overrides  map[string]time.Time
	audits     map[string][]model.AuditEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		MemoryStore: schedule.NewMemoryStore(),
		homes:       map[string]model.Home{},
		appliances:  map[string]model.Appliance{},
		overrides:   map[string]time.Time{},
		audits:      map[string][]model.AuditEntry{},
	}
}

func (f *fakeStore) Home(_ context.Context, id string) (model.Home, error) {
	h, ok := f.homes[id]
	if !ok {
		return h, store.ErrNotFound
	}
	return h, nil
}

func (f *fakeStore) SetStrategy(_ context.Context, id string, s model.Strategy) error {
	h, ok := f.homes[id]
	if !ok {
		return store.ErrNotFound
	}
	h.Strategy = s
	f.homes[id] = h
	return nil
}

func (f *fakeStore) SetGridProtection(_ context.Context, id string, enabled bool) error {
	h, ok := f.homes[id]
	if !ok {
		return store.ErrNotFound
	}
	h.GridProtection = enabled
	f.homes[id] = h
	return nil
}

func (f *fakeStore) Appliance(_ context.Context, id string) (model.Appliance, error) {
	a, ok := f.appliances[id]
	if !ok {
		return a, store.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) SetOverride(_ context.Context, id string, until time.Time) error {
	f.overrides[id] = until
	return nil
}

func (f *fakeStore) AuditHistory(_ context.Context, id string, limit int) ([]model.AuditEntry, error) {
	recs := f.audits[id]
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

type fakeEval struct {
	tab       tariff.Table
	prof      carbon.Profile
	threshold float64
	stale     bool
	err       error
}

func (f *fakeEval) Timeline(homeID string) ([]penalty.Entry, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	return penalty.Timeline(f.tab, f.prof, model.StrategyBalanced), f.stale, nil
}

func (f *fakeEval) Reference(model.Home) (tariff.Table, carbon.Profile) {
	return f.tab, f.prof
}

func (f *fakeEval) Threshold() float64 { return f.threshold }

func testHandler(t *testing.T) (*Handler, *fakeStore) {
	t.Helper()
	tab, err := tariff.New("p1", []model.TariffSlot{
		{StartHour: 0, EndHour: 6, Rate: 4.50, SlotType: "off-peak"},
		{StartHour: 6, EndHour: 18, Rate: 6.31, SlotType: "normal"},
		{StartHour: 18, EndHour: 22, Rate: 9.55, SlotType: "peak"},
		{StartHour: 22, EndHour: 0, Rate: 6.31, SlotType: "normal"},
	})
	require.NoError(t, err)
	var slots []model.CarbonSlot
	for h := 0; h < 24; h++ {
		v := 650.0
		if h >= 10 && h < 16 {
			v = 500
		}
		slots = append(slots, model.CarbonSlot{RegionCode: "IN-GJ", Hour: h, Intensity: v, IsActive: true})
	}
	st := newFakeStore()
	st.homes["h1"] = model.Home{ID: "h1", PlanID: "p1", RegionCode: "IN-GJ",
		DiscomID: "d1", Strategy: model.StrategyBalanced}
	st.appliances["a1"] = model.Appliance{ID: "a1", HomeID: "h1", Category: "geyser",
		Status: "ON", PowerW: 2000}
	st.appliances["a0"] = model.Appliance{ID: "a0", HomeID: "h1", Category: "lamp", Status: "ON"}
	h := New(st, &fakeEval{tab: tab, prof: carbon.New("IN-GJ", slots), threshold: 0.7}, grid.MockSource{})
	h.now = func() time.Time { return time.Date(2026, 3, 10, 19, 0, 0, 0, time.UTC) }
	return h, st
}

func do(h *Handler, method, path, body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	h.Mux().ServeHTTP(rr, req)
	return rr
}

func TestTimelineEndpoint(t *testing.T) {
	h, _ := testHandler(t)
	rr := do(h, "GET", "/api/homes/h1/timeline", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var out timelineResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.Equal(t, "h1", out.HomeID)
	assert.Len(t, out.Hours, 24)
	assert.False(t, out.Stale)
	assert.Equal(t, "peak", out.Hours[19].SlotType)
}

func TestTimelineUnknownHome(t *testing.T) {
	h, _ := testHandler(t)
	rr := do(h, "GET", "/api/homes/nope/timeline", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCarbonNow(t *testing.T) {
	h, _ := testHandler(t)
	rr := do(h, "GET", "/api/homes/h1/carbon", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var out carbonResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.Equal(t, 19, out.Hour)
	assert.Equal(t, 650.0, out.Intensity)
	assert.False(t, out.Clean)
}

func TestBestWindow(t *testing.T) {
	h, _ := testHandler(t)
	// Power is taken from the appliance's own rating, not the request.
	rr := do(h, "GET", "/api/appliances/a1/window?duration_hours=3", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var out windowResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.Equal(t, 0, out.Cheapest.StartHour)
	// At 19:00 the 22:00 normal slot is cheaper than peak but not cheapest.
	require.NotNil(t, out.NextCheaper)
	assert.Equal(t, 22, out.NextCheaper.StartHour)
}

func TestBestWindowValidatesQuery(t *testing.T) {
	h, _ := testHandler(t)
	assert.Equal(t, http.StatusBadRequest, do(h, "GET", "/api/appliances/a1/window?duration_hours=30", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, "GET", "/api/appliances/a1/window", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, "GET", "/api/appliances/a0/window?duration_hours=3", "").Code)
	assert.Equal(t, http.StatusNotFound, do(h, "GET", "/api/appliances/nope/window?duration_hours=3", "").Code)
}

func TestSetStrategy(t *testing.T) {
	h, st := testHandler(t)
	rr := do(h, "PUT", "/api/homes/h1/strategy", `{"strategy":"eco"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, model.StrategyEco, st.homes["h1"].Strategy)

	assert.Equal(t, http.StatusBadRequest, do(h, "PUT", "/api/homes/h1/strategy", `{"strategy":"turbo"}`).Code)
	assert.Equal(t, http.StatusNotFound, do(h, "PUT", "/api/homes/nope/strategy", `{"strategy":"eco"}`).Code)
}

func TestSetGridProtection(t *testing.T) {
	h, st := testHandler(t)
	rr := do(h, "PUT", "/api/homes/h1/grid-protection", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, st.homes["h1"].GridProtection)

	assert.Equal(t, http.StatusBadRequest, do(h, "PUT", "/api/homes/h1/grid-protection", `{}`).Code)
}

func TestSetOverride(t *testing.T) {
	h, st := testHandler(t)
	rr := do(h, "POST", "/api/appliances/a1/override", "")
	require.Equal(t, http.StatusOK, rr.Code)

	// At 19:00 the override holds until the first hour whose penalty is
	// back under the threshold, 00:00 the next day on this plan.
	until := st.overrides["a1"]
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), until)

	assert.Equal(t, http.StatusNotFound, do(h, "POST", "/api/appliances/nope/override", "").Code)
}

func TestScheduleLifecycle(t *testing.T) {
	h, _ := testHandler(t)
	assert.Equal(t, http.StatusNotFound, do(h, "GET", "/api/appliances/a1/schedule", "").Code)

	rr := do(h, "POST", "/api/appliances/a1/schedule", `{"start_time":"13:00","end_time":"15:00","repeat_type":"daily"}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = do(h, "GET", "/api/appliances/a1/schedule", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var entry model.ScheduleEntry
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &entry))
	assert.Equal(t, "13:00", entry.StartTime)
	assert.True(t, entry.IsActive)

	assert.Equal(t, http.StatusBadRequest,
		do(h, "POST", "/api/appliances/a1/schedule", `{"start_time":"25:00","repeat_type":"daily"}`).Code)
}

func TestAuditTrail(t *testing.T) {
	h, st := testHandler(t)
	st.audits["a1"] = []model.AuditEntry{
		{ID: "1", ApplianceID: "a1", Action: model.ActionTurnOff, Guard: "strategy"},
	}
	rr := do(h, "GET", "/api/appliances/a1/audit", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var recs []model.AuditEntry
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, model.ActionTurnOff, recs[0].Action)

	rr = do(h, "GET", "/api/appliances/a2/audit", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "[]\n", rr.Body.String())
}

func TestGridStatus(t *testing.T) {
	h, _ := testHandler(t)
	rr := do(h, "GET", "/api/homes/h1/grid-status", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var st grid.Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.Equal(t, "normal", st.State)
}
