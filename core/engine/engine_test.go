package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltwise/autopilot/core/device"
	"github.com/voltwise/autopilot/core/events"
	"github.com/voltwise/autopilot/core/grid"
	"github.com/voltwise/autopilot/core/model"
	"github.com/voltwise/autopilot/internal/eventbus"
)

type fakeStore struct {
	mu         sync.Mutex
	homes      []model.Home
	appliances map[string][]model.Appliance
	configs    map[string]model.DeviceConfig
	states     map[string]model.SavedState
	audits     []model.AuditEntry
	statuses   map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		appliances: map[string][]model.Appliance{},
		configs:    map[string]model.DeviceConfig{},
		states:     map[string]model.SavedState{},
		statuses:   map[string]string{},
	}
}

func (f *fakeStore) Homes(_ context.Context, autopilotOnly bool) ([]model.Home, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []model.Home
	for _, h := range f.homes {
		if autopilotOnly && !h.Autopilot {
			continue
		}
		res = append(res, h)
	}
	return res, nil
}

func (f *fakeStore) Appliances(_ context.Context, homeID string) ([]model.Appliance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := append([]model.Appliance(nil), f.appliances[homeID]...)
	for i := range res {
		if st, ok := f.statuses[res[i].ID]; ok {
			res[i].Status = st
		}
	}
	return res, nil
}

func (f *fakeStore) SetApplianceStatus(_ context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	return nil
}

func (f *fakeStore) DeviceConfig(_ context.Context, id string) (model.DeviceConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.configs[id]
	if !ok {
		return c, errors.New("not found")
	}
	return c, nil
}

func (f *fakeStore) ClearExpiredOverride(_ context.Context, id string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.configs[id]
	if !c.OverrideActive || c.OverrideUntil.After(now) {
		return errors.New("changed")
	}
	c.OverrideActive = false
	c.OverrideUntil = time.Time{}
	f.configs[id] = c
	return nil
}

func (f *fakeStore) SaveState(_ context.Context, st model.SavedState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.states {
		if s.ApplianceID == st.ApplianceID && !s.Restored {
			return nil
		}
	}
	f.states[st.ID] = st
	return nil
}

func (f *fakeStore) UnrestoredStates(_ context.Context, homeID string) ([]model.SavedState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []model.SavedState
	for _, s := range f.states {
		if s.HomeID == homeID && !s.Restored {
			res = append(res, s)
		}
	}
	return res, nil
}

func (f *fakeStore) MarkRestored(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[id]
	if !ok {
		return errors.New("not found")
	}
	s.Restored = true
	s.RestoredAt = at
	f.states[id] = s
	return nil
}

func (f *fakeStore) AppendAudit(_ context.Context, rec model.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, rec)
	return nil
}

func (f *fakeStore) auditCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audits)
}

func (f *fakeStore) auditEntries() []model.AuditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.AuditEntry(nil), f.audits...)
}

type fakeActuator struct {
	mu      sync.Mutex
	applied []model.Action
	failN   int
}

func (a *fakeActuator) Apply(_ context.Context, app model.Appliance, action model.Action) device.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, action)
	if a.failN > 0 {
		a.failN--
		return device.Result{ApplianceID: app.ID, Action: action, Err: device.ErrAckTimeout}
	}
	return device.Result{ApplianceID: app.ID, Action: action, Acknowledged: true}
}

func (a *fakeActuator) Close() {}

func (a *fakeActuator) actions() []model.Action {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.Action(nil), a.applied...)
}

// flakyGrid errors until err is cleared.
type flakyGrid struct {
	err error
}

func (g *flakyGrid) Status(context.Context, string) (grid.Status, error) {
	if g.err != nil {
		return grid.Status{}, g.err
	}
	return grid.Status{State: "normal"}, nil
}

func (g *flakyGrid) ActiveEvents(context.Context, string) ([]model.GridEvent, error) {
	return nil, g.err
}

func peakSeed() ([]model.TariffSlot, []model.CarbonSlot) {
	tariffs := []model.TariffSlot{
		{PlanID: "p1", StartHour: 0, EndHour: 18, Rate: 5.0, SlotType: "normal"},
		{PlanID: "p1", StartHour: 18, EndHour: 22, Rate: 9.55, SlotType: "peak"},
		{PlanID: "p1", StartHour: 22, EndHour: 0, Rate: 5.0, SlotType: "normal"},
	}
	var carbons []model.CarbonSlot
	for h := 0; h < 24; h++ {
		v := 500.0
		if h >= 18 && h < 22 {
			v = 800
		}
		carbons = append(carbons, model.CarbonSlot{RegionCode: "IN-GJ", Hour: h, Intensity: v, IsActive: true})
	}
	return tariffs, carbons
}

func testEngine(t *testing.T, st *fakeStore, act *fakeActuator, src grid.Source,
	bus *eventbus.Bus[events.Event], now time.Time) *Engine {
	t.Helper()
	e, err := New(st, act, src, nil, bus, nil,
		WithClock(func() time.Time { return now }),
		WithInterval(5*time.Minute))
	require.NoError(t, err)
	tariffs, carbons := peakSeed()
	require.NoError(t, e.LoadReference(tariffs, carbons))
	return e
}

// 19:00 falls in the peak slot with dirty carbon, well above threshold.
var peakTime = time.Date(2026, 3, 10, 19, 0, 0, 0, time.UTC)

func seedHome(st *fakeStore) {
	st.homes = []model.Home{{ID: "h1", PlanID: "p1", RegionCode: "IN-GJ", DiscomID: "d1",
		Strategy: model.StrategyBalanced, GridProtection: true, Autopilot: true}}
	st.appliances["h1"] = []model.Appliance{
		{ID: "a1", HomeID: "h1", Category: "geyser", Status: "ON", PowerW: 2000},
	}
	st.configs["a1"] = model.DeviceConfig{ApplianceID: "a1", HomeID: "h1",
		IsDelegated: true, PreferredAction: model.ActionTurnOff}
}

func TestTickActsOnPeakHour(t *testing.T) {
	st := newFakeStore()
	seedHome(st)
	act := &fakeActuator{}
	e := testEngine(t, st, act, grid.MockSource{}, nil, peakTime)

	e.Tick(context.Background())

	require.Equal(t, []model.Action{model.ActionTurnOff}, act.actions())
	assert.Equal(t, "OFF", st.statuses["a1"])
	assert.Equal(t, 1, st.auditCount())
}

func TestTickSkipsNonDelegated(t *testing.T) {
	st := newFakeStore()
	seedHome(st)
	c := st.configs["a1"]
	c.IsDelegated = false
	st.configs["a1"] = c
	act := &fakeActuator{}
	e := testEngine(t, st, act, grid.MockSource{}, nil, peakTime)

	e.Tick(context.Background())
	assert.Empty(t, act.actions())
}

func TestTickSkipsDisabledAutopilot(t *testing.T) {
	st := newFakeStore()
	seedHome(st)
	st.homes[0].Autopilot = false
	act := &fakeActuator{}
	e := testEngine(t, st, act, grid.MockSource{}, nil, peakTime)

	e.Tick(context.Background())
	assert.Empty(t, act.actions())
}

func TestTickHonorsActiveOverride(t *testing.T) {
	st := newFakeStore()
	seedHome(st)
	c := st.configs["a1"]
	c.OverrideActive = true
	c.OverrideUntil = peakTime.Add(time.Hour)
	st.configs["a1"] = c
	act := &fakeActuator{}
	e := testEngine(t, st, act, grid.MockSource{}, nil, peakTime)

	e.Tick(context.Background())
	assert.Empty(t, act.actions())
}

func TestTickClearsExpiredOverride(t *testing.T) {
	st := newFakeStore()
	seedHome(st)
	c := st.configs["a1"]
	c.OverrideActive = true
	c.OverrideUntil = peakTime.Add(-time.Minute)
	st.configs["a1"] = c
	act := &fakeActuator{}
	e := testEngine(t, st, act, grid.MockSource{}, nil, peakTime)

	e.Tick(context.Background())

	got := st.configs["a1"]
	assert.False(t, got.OverrideActive)
	// An expired override falls through to the strategy in the same tick.
	assert.Equal(t, []model.Action{model.ActionTurnOff}, act.actions())
}

func TestTickForceOffSavesStateAndRestores(t *testing.T) {
	st := newFakeStore()
	seedHome(st)
	src := grid.NewStaticSource()
	src.SetClock(func() time.Time { return peakTime })
	src.Raise(model.GridEvent{ID: "ev1", DiscomID: "d1", EventType: "load_shedding",
		Severity: model.SeverityCritical, StartTime: peakTime.Add(-time.Minute),
		EndTime: peakTime.Add(time.Hour)})
	act := &fakeActuator{}
	e := testEngine(t, st, act, src, nil, peakTime)

	e.Tick(context.Background())
	require.Equal(t, []model.Action{model.ActionForceOff}, act.actions())
	assert.Equal(t, "OFF", st.statuses["a1"])

	pending, err := st.UnrestoredStates(context.Background(), "h1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ON", pending[0].Status)
	assert.Equal(t, "grid_critical", pending[0].Reason)

	src.Clear()
	e.Tick(context.Background())
	acts := act.actions()
	require.Len(t, acts, 2)
	assert.Equal(t, model.ActionRestoreOn, acts[1])
	assert.Equal(t, "ON", st.statuses["a1"])

	pending, err = st.UnrestoredStates(context.Background(), "h1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestActuationFailureRetriedNextTick(t *testing.T) {
	st := newFakeStore()
	seedHome(st)
	act := &fakeActuator{failN: 1}
	e := testEngine(t, st, act, grid.MockSource{}, nil, peakTime)

	e.Tick(context.Background())
	require.Equal(t, []model.Action{model.ActionTurnOff}, act.actions())
	// Status untouched on failure, so the appliance is still ON.
	assert.Empty(t, st.statuses["a1"])

	e.Tick(context.Background())
	assert.Equal(t, []model.Action{model.ActionTurnOff, model.ActionTurnOff}, act.actions())
	assert.Equal(t, "OFF", st.statuses["a1"])

	// Applying the same decision twice leaves the same device state and
	// exactly two discrete audit entries.
	entries := st.auditEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, entries[0].Action, entries[1].Action)
	assert.NotEqual(t, entries[0].ID, entries[1].ID)
}

func TestStrategyActionRestoredAfterPenaltyWindow(t *testing.T) {
	st := newFakeStore()
	seedHome(st)
	act := &fakeActuator{}
	now := peakTime
	e, err := New(st, act, grid.MockSource{}, nil, nil, nil,
		WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	tariffs, carbons := peakSeed()
	require.NoError(t, e.LoadReference(tariffs, carbons))

	e.Tick(context.Background())
	require.Equal(t, []model.Action{model.ActionTurnOff}, act.actions())
	assert.Equal(t, "OFF", st.statuses["a1"])

	pending, err := st.UnrestoredStates(context.Background(), "h1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ON", pending[0].Status)
	assert.Equal(t, "strategy", pending[0].Reason)

	// Still inside the peak window: the snapshot stays pending.
	now = now.Add(2 * time.Hour)
	e.Tick(context.Background())
	require.Equal(t, []model.Action{model.ActionTurnOff}, act.actions())

	// Past the window the penalty drops and the baseline comes back.
	now = time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	e.Tick(context.Background())
	acts := act.actions()
	require.Len(t, acts, 2)
	assert.Equal(t, model.ActionRestoreOn, acts[1])
	assert.Equal(t, "ON", st.statuses["a1"])

	pending, err = st.UnrestoredStates(context.Background(), "h1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRestoreSkippedWhileGridReadFails(t *testing.T) {
	st := newFakeStore()
	seedHome(st)
	st.states["s1"] = model.SavedState{ID: "s1", ApplianceID: "a1", HomeID: "h1",
		Status: "ON", Reason: "grid_critical", SavedAt: peakTime}
	st.statuses["a1"] = "OFF"
	act := &fakeActuator{}
	src := &flakyGrid{err: errors.New("upstream down")}
	offPeak := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	e := testEngine(t, st, act, src, nil, offPeak)

	// While the event feed is down a critical event may still be in
	// effect, so the snapshot stays pending.
	e.Tick(context.Background())
	assert.Empty(t, act.actions())

	src.err = nil
	e.Tick(context.Background())
	assert.Equal(t, []model.Action{model.ActionRestoreOn}, act.actions())
	assert.Equal(t, "ON", st.statuses["a1"])
}

func TestGridEventPublishedOnce(t *testing.T) {
	st := newFakeStore()
	seedHome(st)
	bus := eventbus.New[events.Event]()
	_, ch := bus.Subscribe()
	src := grid.NewStaticSource()
	src.SetClock(func() time.Time { return peakTime })
	src.Raise(model.GridEvent{ID: "ev1", DiscomID: "d1", EventType: "load_shedding",
		Severity: model.SeverityCritical, StartTime: peakTime.Add(-time.Minute),
		EndTime: peakTime.Add(time.Hour)})
	act := &fakeActuator{}
	e := testEngine(t, st, act, src, bus, peakTime)

	e.Tick(context.Background())
	e.Tick(context.Background())

	var published int
	for {
		select {
		case ev := <-ch:
			if ev.Kind == events.KindGridEvent {
				published++
				assert.Equal(t, "ev1", ev.Grid.ID)
			}
		default:
			assert.Equal(t, 1, published, "a known event publishes once")
			return
		}
	}
}

func TestTimelineCachedAndStale(t *testing.T) {
	st := newFakeStore()
	seedHome(st)
	act := &fakeActuator{}
	now := peakTime
	e, err := New(st, act, grid.MockSource{}, nil, nil, nil,
		WithClock(func() time.Time { return now }),
		WithInterval(5*time.Minute))
	require.NoError(t, err)
	tariffs, carbons := peakSeed()
	require.NoError(t, e.LoadReference(tariffs, carbons))

	_, _, err = e.Timeline("h1")
	assert.Error(t, err)

	e.Tick(context.Background())
	tl, stale, err := e.Timeline("h1")
	require.NoError(t, err)
	assert.Len(t, tl, 24)
	assert.False(t, stale)

	now = now.Add(time.Hour)
	_, stale, err = e.Timeline("h1")
	require.NoError(t, err)
	assert.True(t, stale)
}

func TestTransitionEventsPublished(t *testing.T) {
	st := newFakeStore()
	seedHome(st)
	act := &fakeActuator{}
	bus := eventbus.New[events.Event]()
	_, ch := bus.Subscribe()

	now := time.Date(2026, 3, 10, 17, 0, 0, 0, time.UTC)
	e, err := New(st, act, grid.MockSource{}, nil, bus, nil,
		WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	tariffs, carbons := peakSeed()
	require.NoError(t, e.LoadReference(tariffs, carbons))

	e.Tick(context.Background())
	now = time.Date(2026, 3, 10, 19, 0, 0, 0, time.UTC)
	e.Tick(context.Background())

	fields := map[string]bool{}
	for {
		select {
		case ev := <-ch:
			if ev.Kind == events.KindTransition {
				fields[ev.Transition.Field] = true
			}
		default:
			assert.True(t, fields["slot_type"], "expected slot_type transition")
			assert.True(t, fields["clean_window"], "expected clean_window transition")
			assert.True(t, fields["above_threshold"], "expected above_threshold transition")
			return
		}
	}
}

func TestTickDegradesOnMissingTables(t *testing.T) {
	st := newFakeStore()
	seedHome(st)
	st.homes[0].PlanID = "unknown"
	st.homes[0].RegionCode = "unknown"
	act := &fakeActuator{}
	e := testEngine(t, st, act, grid.MockSource{}, nil, peakTime)

	// Zero penalty everywhere: nothing to act on, and no panic.
	e.Tick(context.Background())
	assert.Empty(t, act.actions())
}
