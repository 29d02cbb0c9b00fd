// Package engine runs the periodic evaluation cycle: score the current
// hour for every enrolled home, walk each delegated appliance through
// the guard chain and actuate the resulting decisions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voltwise/autopilot/core/carbon"
	"github.com/voltwise/autopilot/core/device"
	"github.com/voltwise/autopilot/core/events"
	"github.com/voltwise/autopilot/core/grid"
	"github.com/voltwise/autopilot/core/logger"
	coremetrics "github.com/voltwise/autopilot/core/metrics"
	"github.com/voltwise/autopilot/core/model"
	"github.com/voltwise/autopilot/core/penalty"
	"github.com/voltwise/autopilot/core/policy"
	"github.com/voltwise/autopilot/core/tariff"
	"github.com/voltwise/autopilot/internal/eventbus"
)

// Store is the persistence surface the engine needs per tick.
type Store interface {
	Homes(ctx context.Context, autopilotOnly bool) ([]model.Home, error)
	Appliances(ctx context.Context, homeID string) ([]model.Appliance, error)
	SetApplianceStatus(ctx context.Context, applianceID, status string) error
	DeviceConfig(ctx context.Context, applianceID string) (model.DeviceConfig, error)
	ClearExpiredOverride(ctx context.Context, applianceID string, now time.Time) error
	SaveState(ctx context.Context, st model.SavedState) error
	UnrestoredStates(ctx context.Context, homeID string) ([]model.SavedState, error)
	MarkRestored(ctx context.Context, id string, at time.Time) error
	AppendAudit(ctx context.Context, rec model.AuditEntry) error
}

// homeState tracks what the previous tick saw for transition detection
// and the last usable timeline for degraded reads.
type homeState struct {
	slotType       string
	clean          bool
	aboveThreshold bool
	seen           bool

	timeline   []penalty.Entry
	timelineAt time.Time

	gridSeen map[string]bool
}

// Engine evaluates every home on a fixed period.
type Engine struct {
	store    Store
	actuator device.Actuator
	grid     grid.Source
	sink     coremetrics.Sink
	bus      *eventbus.Bus[events.Event]
	policy   *policy.Engine
	log      logger.Logger

	threshold  float64
	ackTimeout time.Duration
	interval   time.Duration
	now        func() time.Time

	mu      sync.Mutex
	tariffs map[string]tariff.Table
	carbons map[string]carbon.Profile
	homes   map[string]*homeState
}

// Option mutates an Engine during construction.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithInterval sets the tick period.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) { e.interval = d }
}

// WithThreshold sets the penalty threshold above which the engine acts.
func WithThreshold(t float64) Option {
	return func(e *Engine) { e.threshold = t }
}

// WithAckTimeout bounds each actuation round trip.
func WithAckTimeout(d time.Duration) Option {
	return func(e *Engine) { e.ackTimeout = d }
}

// New assembles an engine. A nil sink falls back to NopSink and a nil
// bus disables event publication.
func New(store Store, actuator device.Actuator, src grid.Source, sink coremetrics.Sink,
	bus *eventbus.Bus[events.Event], log logger.Logger, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("engine: store is required")
	}
	if actuator == nil {
		return nil, errors.New("engine: actuator is required")
	}
	if sink == nil {
		sink = coremetrics.NopSink{}
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	e := &Engine{
		store:      store,
		actuator:   actuator,
		grid:       src,
		sink:       sink,
		bus:        bus,
		policy:     policy.NewEngine(),
		log:        log,
		threshold:  penalty.DefaultThreshold,
		ackTimeout: 5 * time.Second,
		interval:   5 * time.Minute,
		now:        time.Now,
		tariffs:    make(map[string]tariff.Table),
		carbons:    make(map[string]carbon.Profile),
		homes:      make(map[string]*homeState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// LoadReference rebuilds the cached tariff tables and carbon profiles.
// Curves are immutable; every tick reuses them until the next call.
func (e *Engine) LoadReference(tariffs []model.TariffSlot, carbons []model.CarbonSlot) error {
	byPlan := make(map[string][]model.TariffSlot)
	for _, s := range tariffs {
		byPlan[s.PlanID] = append(byPlan[s.PlanID], s)
	}
	byRegion := make(map[string][]model.CarbonSlot)
	for _, s := range carbons {
		byRegion[s.RegionCode] = append(byRegion[s.RegionCode], s)
	}

	tabs := make(map[string]tariff.Table, len(byPlan))
	for plan, slots := range byPlan {
		tab, err := tariff.New(plan, slots)
		if err != nil {
			return fmt.Errorf("plan %s: %w", plan, err)
		}
		tabs[plan] = tab
	}
	profs := make(map[string]carbon.Profile, len(byRegion))
	for region, slots := range byRegion {
		profs[region] = carbon.New(region, slots)
	}

	e.mu.Lock()
	e.tariffs = tabs
	e.carbons = profs
	e.mu.Unlock()
	return nil
}

// Run ticks the engine until the context is canceled. The first cycle
// fires immediately.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	e.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one evaluation cycle over every autopilot-enabled home.
// Individual failures are logged and skipped, never fatal for the
// cycle.
func (e *Engine) Tick(ctx context.Context) {
	started := e.now()
	homes, err := e.store.Homes(ctx, true)
	if err != nil {
		e.log.Errorf("list homes: %v", err)
		return
	}

	var appliances, actions, failures int
	for _, h := range homes {
		a, n, f := e.evaluateHome(ctx, h, started)
		appliances += a
		actions += n
		failures += f
	}

	rec := coremetrics.TickRecord{
		Homes:      len(homes),
		Appliances: appliances,
		Actions:    actions,
		Failures:   failures,
		Duration:   e.now().Sub(started),
		Time:       started,
	}
	if tr, ok := e.sink.(coremetrics.TickRecorder); ok {
		if err := tr.RecordTick(rec); err != nil {
			e.log.Errorf("record tick: %v", err)
		}
	}
	e.publish(events.NewTick(events.Tick{
		Homes: rec.Homes, Appliances: rec.Appliances,
		Actions: rec.Actions, Failures: rec.Failures, Duration: rec.Duration,
	}))
}

func (e *Engine) evaluateHome(ctx context.Context, h model.Home, now time.Time) (appliances, actions, failures int) {
	tab, prof := e.reference(h)
	timeline := penalty.Timeline(tab, prof, h.Strategy)
	e.trackHome(h, now, tab, prof, timeline)

	gridOK := true
	var gridEvents []model.GridEvent
	if e.grid != nil {
		evs, err := e.grid.ActiveEvents(ctx, h.DiscomID)
		if err != nil {
			gridOK = false
			e.log.Errorf("grid events for %s: %v", h.DiscomID, err)
		} else {
			gridEvents = evs
			e.trackGridEvents(h, evs, now)
		}
	}

	list, err := e.store.Appliances(ctx, h.ID)
	if err != nil {
		e.log.Errorf("appliances for home %s: %v", h.ID, err)
		return 0, 0, 0
	}
	appliances = len(list)

	score := penalty.Score(now.Hour(), tab, prof, h.Strategy)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	update := func(applied bool, failed bool) {
		mu.Lock()
		defer mu.Unlock()
		if applied {
			actions++
		}
		if failed {
			failures++
		}
	}

	recs := make([]coremetrics.ActionRecord, 0, len(list))
	record := func(r coremetrics.ActionRecord) {
		mu.Lock()
		recs = append(recs, r)
		mu.Unlock()
	}

	for _, app := range list {
		wg.Add(1)
		go func(app model.Appliance) {
			defer wg.Done()
			applied, failed := e.evaluateAppliance(ctx, h, app, score, gridEvents, gridOK, now, record)
			update(applied, failed)
		}(app)
	}
	wg.Wait()

	if len(recs) > 0 {
		if err := e.sink.RecordActions(recs); err != nil {
			e.log.Errorf("record actions: %v", err)
		}
	}
	return appliances, actions, failures
}

// evaluateAppliance walks one appliance through the guard chain and
// applies the outcome. Returns whether an action was applied and
// whether it failed.
func (e *Engine) evaluateAppliance(ctx context.Context, h model.Home, app model.Appliance,
	score float64, gridEvents []model.GridEvent, gridOK bool, now time.Time,
	record func(coremetrics.ActionRecord)) (bool, bool) {

	cfg, err := e.store.DeviceConfig(ctx, app.ID)
	if err != nil {
		e.log.Debugf("no device config for %s: %v", app.ID, err)
		return false, false
	}
	if !cfg.IsDelegated {
		return false, false
	}

	if cfg.OverrideActive && !cfg.OverrideUntil.IsZero() && !now.Before(cfg.OverrideUntil) {
		if err := e.store.ClearExpiredOverride(ctx, app.ID, now); err != nil {
			// A concurrent extension wins; re-read next tick.
			e.log.Debugf("override for %s not cleared: %v", app.ID, err)
			return false, false
		}
		cfg.OverrideActive = false
		cfg.OverrideUntil = time.Time{}
		e.publish(events.NewOverride(events.Override{ApplianceID: app.ID, Active: false}))
	}

	if restored, failed := e.maybeRestore(ctx, h, app, cfg, score, gridEvents, gridOK, now); restored || failed {
		return restored, failed
	}

	in := policy.Input{
		Now:            now,
		Config:         cfg,
		Appliance:      app,
		Strategy:       h.Strategy,
		GridProtection: h.GridProtection,
		GridEvents:     gridEvents,
		Penalty:        score,
		Threshold:      e.threshold,
	}
	d := e.policy.Decide(in)

	if !d.Action.Actuates() {
		return false, false
	}
	if !app.On() && d.Action != model.ActionRestoreOn {
		return false, false
	}

	// Snapshot the baseline before the first displacing action, tagged
	// with the guard that fired, so the restore path can bring the
	// appliance back once that guard's condition clears.
	st := model.SavedState{
		ID:          uuid.NewString(),
		ApplianceID: app.ID,
		HomeID:      h.ID,
		Status:      app.Status,
		Reason:      d.Guard,
		SavedAt:     now,
	}
	if err := e.store.SaveState(ctx, st); err != nil {
		e.log.Errorf("save state for %s: %v", app.ID, err)
		return false, true
	}

	res := e.apply(ctx, app, d.Action)
	e.audit(ctx, h, app, d, score, now)
	record(coremetrics.ActionRecord{
		HomeID:       h.ID,
		ApplianceID:  app.ID,
		Action:       d.Action,
		Guard:        d.Guard,
		Penalty:      score,
		Acknowledged: res.Acknowledged,
		Latency:      res.Latency,
		Time:         now,
	})
	e.publish(events.NewAction(events.Action{
		HomeID: h.ID, ApplianceID: app.ID, Action: d.Action,
		Guard: d.Guard, Reason: d.Reason, Acknowledged: res.Acknowledged,
	}))

	if !res.OK() {
		// State is untouched; the next tick re-evaluates and retries.
		e.log.Warnf("actuation %s on %s failed: %v", d.Action, app.ID, res.Err)
		return false, true
	}
	if err := e.store.SetApplianceStatus(ctx, app.ID, statusAfter(d.Action)); err != nil {
		e.log.Errorf("set status for %s: %v", app.ID, err)
	}
	return true, false
}

// maybeRestore returns a displaced appliance to its saved baseline once
// the condition that displaced it has cleared: a grid snapshot waits
// for the critical event to end, a strategy snapshot for the penalty
// to drop back under the threshold. Skipped while the grid read failed
// for this tick, so a still-active critical event can never be
// restored over, and while a user override holds the device.
func (e *Engine) maybeRestore(ctx context.Context, h model.Home, app model.Appliance,
	cfg model.DeviceConfig, score float64, gridEvents []model.GridEvent,
	gridOK bool, now time.Time) (bool, bool) {
	if !gridOK || cfg.OverrideActive {
		return false, false
	}
	for _, ev := range gridEvents {
		if ev.Severity == model.SeverityCritical && ev.ActiveAt(now) {
			return false, false
		}
	}
	states, err := e.store.UnrestoredStates(ctx, h.ID)
	if err != nil {
		e.log.Errorf("unrestored states for %s: %v", h.ID, err)
		return false, false
	}
	gridGuard := policy.GridCriticalGuard{}.Name()
	for _, st := range states {
		if st.ApplianceID != app.ID {
			continue
		}
		if st.Reason != gridGuard && score > e.threshold {
			// Strategy snapshot, still inside the penalty window.
			return false, false
		}
		res := e.apply(ctx, app, model.ActionRestoreOn)
		if !res.OK() {
			e.log.Warnf("restore of %s failed: %v", app.ID, res.Err)
			return false, true
		}
		if err := e.store.MarkRestored(ctx, st.ID, now); err != nil {
			e.log.Errorf("mark restored %s: %v", st.ID, err)
		}
		if err := e.store.SetApplianceStatus(ctx, app.ID, st.Status); err != nil {
			e.log.Errorf("set status for %s: %v", app.ID, err)
		}
		reason := "penalty window cleared, restoring " + st.Status
		if st.Reason == gridGuard {
			reason = "grid event cleared, restoring " + st.Status
		}
		e.audit(ctx, h, app, policy.Decision{
			Action: model.ActionRestoreOn, Guard: "restore", Reason: reason,
		}, score, now)
		e.publish(events.NewAction(events.Action{
			HomeID: h.ID, ApplianceID: app.ID, Action: model.ActionRestoreOn,
			Guard: "restore", Acknowledged: true,
		}))
		return true, false
	}
	return false, false
}

func (e *Engine) apply(ctx context.Context, app model.Appliance, action model.Action) device.Result {
	actx, cancel := context.WithTimeout(ctx, e.ackTimeout)
	defer cancel()
	return e.actuator.Apply(actx, app, action)
}

func (e *Engine) audit(ctx context.Context, h model.Home, app model.Appliance,
	d policy.Decision, score float64, now time.Time) {
	rec := model.AuditEntry{
		ID:          uuid.NewString(),
		HomeID:      h.ID,
		ApplianceID: app.ID,
		Action:      d.Action,
		Guard:       d.Guard,
		Reason:      d.Reason,
		Penalty:     score,
		CreatedAt:   now,
	}
	if err := e.store.AppendAudit(ctx, rec); err != nil {
		e.log.Errorf("audit for %s: %v", app.ID, err)
	}
}

// trackHome publishes transition events on hour-boundary changes and
// refreshes the cached timeline.
func (e *Engine) trackHome(h model.Home, now time.Time, tab tariff.Table, prof carbon.Profile, tl []penalty.Entry) {
	hour := now.Hour()
	cur := homeState{
		slotType:       tab.SlotType(hour),
		clean:          prof.CleanWindow(hour),
		aboveThreshold: penalty.Score(hour, tab, prof, h.Strategy) > e.threshold,
		seen:           true,
	}

	e.mu.Lock()
	prev, ok := e.homes[h.ID]
	if !ok {
		prev = &homeState{}
		e.homes[h.ID] = prev
	}
	if !tab.Empty() || !prof.Empty() {
		prev.timeline = tl
		prev.timelineAt = now
	}
	var transitions []events.Transition
	if prev.seen {
		if prev.slotType != cur.slotType {
			transitions = append(transitions, events.Transition{
				HomeID: h.ID, Field: "slot_type", From: prev.slotType, To: cur.slotType})
		}
		if prev.clean != cur.clean {
			transitions = append(transitions, events.Transition{
				HomeID: h.ID, Field: "clean_window",
				From: strconv.FormatBool(prev.clean), To: strconv.FormatBool(cur.clean)})
		}
		if prev.aboveThreshold != cur.aboveThreshold {
			transitions = append(transitions, events.Transition{
				HomeID: h.ID, Field: "above_threshold",
				From: strconv.FormatBool(prev.aboveThreshold), To: strconv.FormatBool(cur.aboveThreshold)})
		}
	}
	prev.slotType = cur.slotType
	prev.clean = cur.clean
	prev.aboveThreshold = cur.aboveThreshold
	prev.seen = true
	e.mu.Unlock()

	for _, tr := range transitions {
		e.publish(events.NewTransition(tr))
	}
}

// trackGridEvents publishes events the home has not seen before and
// forwards them to the sink.
func (e *Engine) trackGridEvents(h model.Home, evs []model.GridEvent, now time.Time) {
	e.mu.Lock()
	st, ok := e.homes[h.ID]
	if !ok {
		st = &homeState{}
		e.homes[h.ID] = st
	}
	var fresh []model.GridEvent
	seen := make(map[string]bool, len(evs))
	for _, ev := range evs {
		seen[ev.ID] = true
		if !st.gridSeen[ev.ID] {
			fresh = append(fresh, ev)
		}
	}
	st.gridSeen = seen
	e.mu.Unlock()

	for _, ev := range fresh {
		e.publish(events.NewGridEvent(ev))
		if gr, ok := e.sink.(coremetrics.GridEventRecorder); ok {
			rec := coremetrics.GridEventRecord{
				DiscomID: ev.DiscomID, EventType: ev.EventType,
				Severity: ev.Severity, Time: now,
			}
			if err := gr.RecordGridEvent(rec); err != nil {
				e.log.Errorf("record grid event: %v", err)
			}
		}
	}
}

// Timeline returns the last computed 24-hour penalty timeline for the
// home and whether it is stale, i.e. older than two tick intervals.
func (e *Engine) Timeline(homeID string) ([]penalty.Entry, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.homes[homeID]
	if !ok || st.timelineAt.IsZero() {
		return nil, false, fmt.Errorf("no timeline for home %s", homeID)
	}
	stale := e.now().Sub(st.timelineAt) > 2*e.interval
	return st.timeline, stale, nil
}

// Threshold returns the penalty score above which the engine acts.
func (e *Engine) Threshold() float64 { return e.threshold }

// Reference returns the cached tariff table and carbon profile for the
// home, degrading to empty ones when unconfigured.
func (e *Engine) Reference(h model.Home) (tariff.Table, carbon.Profile) {
	return e.reference(h)
}

func (e *Engine) reference(h model.Home) (tariff.Table, carbon.Profile) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tab, ok := e.tariffs[h.PlanID]
	if !ok {
		tab = tariff.Empty(h.PlanID)
	}
	prof, ok := e.carbons[h.RegionCode]
	if !ok {
		prof = carbon.Empty(h.RegionCode)
	}
	return tab, prof
}

func (e *Engine) publish(ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

func statusAfter(a model.Action) string {
	switch a {
	case model.ActionTurnOff, model.ActionForceOff:
		return "OFF"
	case model.ActionEcoMode, model.ActionLimitPower:
		return "ECO"
	default:
		return "ON"
	}
}
