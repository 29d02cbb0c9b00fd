// Package grid defines the grid-status data source consumed by the
// policy engine. Real-time telemetry is out of scope; the production
// wiring uses the mock source until a grid operator feed exists, and
// the interface is the seam where one plugs in.
package grid

import (
	"context"
	"sync"
	"time"

	"github.com/voltwise/autopilot/core/model"
)

// Status is a snapshot of grid health for one grid operator.
type Status struct {
	State       string  `json:"status"` // "normal" | "stressed" | "critical"
	FrequencyHz float64 `json:"frequency_hz"`
	VoltageV    float64 `json:"voltage_v"`
	Message     string  `json:"message,omitempty"`
}

// Source provides grid status and active events per grid operator.
type Source interface {
	Status(ctx context.Context, discomID string) (Status, error)
	ActiveEvents(ctx context.Context, discomID string) ([]model.GridEvent, error)
}

// MockSource always reports a healthy grid with no events.
type MockSource struct{}

func (MockSource) Status(_ context.Context, _ string) (Status, error) {
	return Status{State: "normal", FrequencyHz: 50.02, VoltageV: 230.5}, nil
}

func (MockSource) ActiveEvents(_ context.Context, _ string) ([]model.GridEvent, error) {
	return nil, nil
}

// StaticSource serves a fixed event list, filtered to those in effect
// at query time. Expired events are dropped on read, mirroring the
// ephemeral nature of operator events. Useful for tests and drills.
type StaticSource struct {
	mu     sync.RWMutex
	events []model.GridEvent
	now    func() time.Time
}

// NewStaticSource creates a source over the given events.
func NewStaticSource(events ...model.GridEvent) *StaticSource {
	return &StaticSource{events: events, now: time.Now}
}

// SetClock overrides the time source, for tests.
func (s *StaticSource) SetClock(now func() time.Time) { s.now = now }

// Raise adds an event.
func (s *StaticSource) Raise(ev model.GridEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

// Clear removes all events.
func (s *StaticSource) Clear() {
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
}

func (s *StaticSource) Status(ctx context.Context, discomID string) (Status, error) {
	events, err := s.ActiveEvents(ctx, discomID)
	if err != nil {
		return Status{}, err
	}
	st := Status{State: "normal", FrequencyHz: 50.0, VoltageV: 230.0}
	for _, ev := range events {
		switch ev.Severity {
		case model.SeverityCritical:
			st.State = "critical"
			st.Message = ev.EventType
			return st, nil
		case model.SeverityWarning:
			st.State = "stressed"
			st.Message = ev.EventType
		}
	}
	return st, nil
}

func (s *StaticSource) ActiveEvents(_ context.Context, discomID string) ([]model.GridEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	var active []model.GridEvent
	for _, ev := range s.events {
		if ev.DiscomID != "" && discomID != "" && ev.DiscomID != discomID {
			continue
		}
		if ev.ActiveAt(now) {
			active = append(active, ev)
		}
	}
	return active, nil
}
