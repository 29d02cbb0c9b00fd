// Package schedule enforces the one-active-schedule-per-appliance
// invariant. The Store implementations must retire the previous active
// entry and insert the new one as a single atomic unit.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voltwise/autopilot/core/model"
)

// Repeat types accepted on a schedule.
const (
	RepeatOnce     = "once"
	RepeatDaily    = "daily"
	RepeatWeekdays = "weekdays"
	RepeatWeekends = "weekends"
)

// ErrInvalidSchedule rejects malformed schedule requests.
var ErrInvalidSchedule = errors.New("schedule: invalid schedule")

// Store persists schedule entries. Set must atomically retire any prior
// active entry for the appliance and insert the new one; no observer
// may ever see zero or two active entries, even across a crash.
type Store interface {
	Set(ctx context.Context, entry model.ScheduleEntry) (string, error)
	Active(ctx context.Context, applianceID string) (*model.ScheduleEntry, error)
	History(ctx context.Context, applianceID string) ([]model.ScheduleEntry, error)
}

// Validate checks times and repeat type before anything touches the store.
func Validate(start, end, repeat string) error {
	if err := validClock(start); err != nil {
		return fmt.Errorf("%w: start %q", ErrInvalidSchedule, start)
	}
	if end != "" {
		if err := validClock(end); err != nil {
			return fmt.Errorf("%w: end %q", ErrInvalidSchedule, end)
		}
	}
	switch repeat {
	case RepeatOnce, RepeatDaily, RepeatWeekdays, RepeatWeekends:
		return nil
	default:
		return fmt.Errorf("%w: repeat %q", ErrInvalidSchedule, repeat)
	}
}

// Set validates and stores a new active schedule for the appliance,
// returning the new entry's ID.
func Set(ctx context.Context, store Store, applianceID, start, end, repeat string) (string, error) {
	if applianceID == "" {
		return "", fmt.Errorf("%w: empty appliance id", ErrInvalidSchedule)
	}
	if err := Validate(start, end, repeat); err != nil {
		return "", err
	}
	return store.Set(ctx, model.ScheduleEntry{
		ID:          uuid.NewString(),
		ApplianceID: applianceID,
		StartTime:   start,
		EndTime:     end,
		RepeatType:  repeat,
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
	})
}

func validClock(s string) error {
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return fmt.Errorf("want HH:MM")
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return err
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return fmt.Errorf("out of range")
	}
	return nil
}

// MemoryStore keeps schedules in process memory, for tests and tools
// that run without the sqlite store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string][]model.ScheduleEntry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string][]model.ScheduleEntry{}}
}

func (s *MemoryStore) Set(_ context.Context, entry model.ScheduleEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.entries[entry.ApplianceID]
	for i := range rows {
		rows[i].IsActive = false
	}
	entry.IsActive = true
	s.entries[entry.ApplianceID] = append(rows, entry)
	return entry.ID, nil
}

func (s *MemoryStore) Active(_ context.Context, applianceID string) (*model.ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries[applianceID] {
		if e.IsActive {
			cp := e
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) History(_ context.Context, applianceID string) ([]model.ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ScheduleEntry(nil), s.entries[applianceID]...), nil
}
