package schedule

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("06:30", "08:00", RepeatDaily))
	assert.NoError(t, Validate("22:00", "", RepeatOnce))
	assert.ErrorIs(t, Validate("25:00", "", RepeatOnce), ErrInvalidSchedule)
	assert.ErrorIs(t, Validate("06:30", "99:99", RepeatOnce), ErrInvalidSchedule)
	assert.ErrorIs(t, Validate("06:30", "", "fortnightly"), ErrInvalidSchedule)
}

func TestSetAlwaysExactlyOneActive(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	sequences := [][3]string{
		{"06:00", "07:00", RepeatDaily},
		{"22:00", "", RepeatOnce},
		{"13:00", "15:00", RepeatWeekends},
		{"05:30", "06:30", RepeatWeekdays},
	}
	var lastID string
	for _, seq := range sequences {
		id, err := Set(ctx, store, "a1", seq[0], seq[1], seq[2])
		require.NoError(t, err)
		lastID = id

		active, err := store.Active(ctx, "a1")
		require.NoError(t, err)
		require.NotNil(t, active, "there must never be zero active entries")
		assert.Equal(t, id, active.ID)

		history, err := store.History(ctx, "a1")
		require.NoError(t, err)
		count := 0
		for _, e := range history {
			if e.IsActive {
				count++
			}
		}
		assert.Equal(t, 1, count, "there must never be two active entries")
	}

	history, _ := store.History(ctx, "a1")
	assert.Len(t, history, len(sequences))
	active, _ := store.Active(ctx, "a1")
	assert.Equal(t, lastID, active.ID)
}

func TestSetRejectsInvalid(t *testing.T) {
	store := NewMemoryStore()
	_, err := Set(context.Background(), store, "", "06:00", "", RepeatOnce)
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	_, err = Set(context.Background(), store, "a1", "6", "", RepeatOnce)
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestSchedulesIndependentPerAppliance(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, err := Set(ctx, store, "a1", "06:00", "", RepeatOnce)
	require.NoError(t, err)
	_, err = Set(ctx, store, "a2", "09:00", "", RepeatDaily)
	require.NoError(t, err)

	a1, _ := store.Active(ctx, "a1")
	a2, _ := store.Active(ctx, "a2")
	require.NotNil(t, a1)
	require.NotNil(t, a2)
	assert.Equal(t, "06:00", a1.StartTime)
	assert.Equal(t, "09:00", a2.StartTime)
}
