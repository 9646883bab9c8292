package availability

import (
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcal/internal/model"
)

// 2024-03-01 is a Friday.
func at(day, hour, minute int) time.Time {
	return time.Date(2024, 3, day, hour, minute, 0, 0, time.UTC)
}

func busy(start time.Time, minutes int) *model.BusyInterval {
	return &model.BusyInterval{
		UID:      start.Format(time.RFC3339),
		ClientID: "c1",
		AgentID:  "a1",
		Start:    start,
		End:      start.Add(time.Duration(minutes) * time.Minute),
	}
}

type span struct{ start, end time.Time }

func spans(slots []model.SlotCandidate) []span {
	out := make([]span, len(slots))
	for i, s := range slots {
		out[i] = span{s.Start, s.End}
	}
	return out
}

func officeHours(t *testing.T, days ...time.Weekday) *WorkingHours {
	t.Helper()
	wh, err := NewWorkingHours(9*60, 17*60, days...)
	require.NoError(t, err)
	return wh
}

func TestFindSlots_GapBetweenIntervals(t *testing.T) {
	got := FindSlots([]*model.BusyInterval{
		busy(at(1, 9, 0), 60),
		busy(at(1, 11, 0), 60),
	}, at(1, 9, 0), 30, 2, nil)

	assert.Equal(t, []span{
		{at(1, 10, 0), at(1, 10, 30)},
		{at(1, 10, 30), at(1, 11, 0)},
	}, spans(got))
	assert.Equal(t, 30, got[0].DurationMinutes)
}

func TestFindSlots_EmptyTimeline(t *testing.T) {
	got := FindSlots(nil, at(1, 9, 0), 30, 3, nil)
	assert.Equal(t, []span{
		{at(1, 9, 0), at(1, 9, 30)},
		{at(1, 9, 30), at(1, 10, 0)},
		{at(1, 10, 0), at(1, 10, 30)},
	}, spans(got))
}

func TestFindSlots_AcrossSeveralGaps(t *testing.T) {
	events := []*model.BusyInterval{
		busy(at(1, 9, 0), 60),
		busy(at(1, 11, 0), 60),
		busy(at(1, 12, 30), 30),
	}

	tests := []struct {
		name  string
		start time.Time
		want  []span
	}{
		{
			name:  "from first event",
			start: at(1, 9, 0),
			want: []span{
				{at(1, 10, 0), at(1, 10, 30)},
				{at(1, 10, 30), at(1, 11, 0)},
				{at(1, 12, 0), at(1, 12, 30)},
			},
		},
		{
			name:  "before first event",
			start: at(1, 8, 0),
			want: []span{
				{at(1, 8, 0), at(1, 8, 30)},
				{at(1, 8, 30), at(1, 9, 0)},
				{at(1, 10, 0), at(1, 10, 30)},
			},
		},
		{
			name:  "inside an event",
			start: at(1, 11, 15),
			want: []span{
				{at(1, 12, 0), at(1, 12, 30)},
				{at(1, 13, 0), at(1, 13, 30)},
				{at(1, 13, 30), at(1, 14, 0)},
			},
		},
		{
			name:  "after all events",
			start: at(1, 14, 0),
			want: []span{
				{at(1, 14, 0), at(1, 14, 30)},
				{at(1, 14, 30), at(1, 15, 0)},
				{at(1, 15, 0), at(1, 15, 30)},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, spans(FindSlots(events, tt.start, 30, 3, nil)))
		})
	}
}

func TestFindSlots_RespectsLimit(t *testing.T) {
	got := FindSlots([]*model.BusyInterval{busy(at(1, 11, 0), 120)}, at(1, 9, 0), 30, 3, nil)
	require.Len(t, got, 3)
	assert.Equal(t, at(1, 9, 0), got[0].Start)
	assert.Equal(t, at(1, 10, 0), got[2].Start)
}

func TestFindSlots_GapTooSmall(t *testing.T) {
	got := FindSlots([]*model.BusyInterval{
		busy(at(1, 9, 0), 60),
		busy(at(1, 10, 20), 40),
	}, at(1, 9, 0), 30, 1, nil)
	assert.Equal(t, []span{{at(1, 11, 0), at(1, 11, 30)}}, spans(got))
}

func TestFindSlots_NestedAndOverlappingIntervals(t *testing.T) {
	got := FindSlots([]*model.BusyInterval{
		busy(at(1, 9, 0), 180),  // 09:00-12:00
		busy(at(1, 9, 30), 30),  // nested
		busy(at(1, 11, 30), 60), // overlaps the tail
	}, at(1, 9, 0), 60, 1, nil)
	assert.Equal(t, []span{{at(1, 12, 30), at(1, 13, 30)}}, spans(got))
}

func TestFindSlots_DegenerateInput(t *testing.T) {
	assert.Empty(t, FindSlots(nil, at(1, 9, 0), 0, 3, nil))
	assert.Empty(t, FindSlots(nil, at(1, 9, 0), 30, 0, nil))
	assert.NotNil(t, FindSlots(nil, at(1, 9, 0), 30, 0, nil))
}

func TestFindSlots_WorkingHoursRollsToNextDay(t *testing.T) {
	got := FindSlots(nil, at(1, 16, 45), 30, 1, officeHours(t))
	assert.Equal(t, []span{{at(2, 9, 0), at(2, 9, 30)}}, spans(got))
}

func TestFindSlots_WorkingHoursBeforeStart(t *testing.T) {
	got := FindSlots(nil, at(1, 6, 0), 60, 2, officeHours(t))
	assert.Equal(t, []span{
		{at(1, 9, 0), at(1, 10, 0)},
		{at(1, 10, 0), at(1, 11, 0)},
	}, spans(got))
}

func TestFindSlots_WorkingHoursNeverCrossDayEnd(t *testing.T) {
	got := FindSlots([]*model.BusyInterval{
		busy(at(1, 9, 0), 7*60), // 09:00-16:00
	}, at(1, 9, 0), 45, 3, officeHours(t))
	assert.Equal(t, []span{
		{at(1, 16, 0), at(1, 16, 45)},
		{at(2, 9, 0), at(2, 9, 45)},
		{at(2, 9, 45), at(2, 10, 30)},
	}, spans(got))
}

func TestFindSlots_WorkingHoursInsideGap(t *testing.T) {
	// The overnight gap between two busy days only yields slots inside the
	// next morning's window.
	got := FindSlots([]*model.BusyInterval{
		busy(at(1, 9, 0), 8*60),  // Fri 09:00-17:00
		busy(at(2, 10, 0), 7*60), // Sat 10:00-17:00
	}, at(1, 9, 0), 30, 3, officeHours(t))
	assert.Equal(t, []span{
		{at(2, 9, 0), at(2, 9, 30)},
		{at(2, 9, 30), at(2, 10, 0)},
		{at(3, 9, 0), at(3, 9, 30)},
	}, spans(got))
}

func TestFindSlots_WorkingDaysSkipWeekend(t *testing.T) {
	wh := officeHours(t, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday)
	got := FindSlots(nil, at(1, 16, 45), 30, 1, wh)
	assert.Equal(t, []span{{at(4, 9, 0), at(4, 9, 30)}}, spans(got))

	got = FindSlots(nil, at(2, 12, 0), 30, 1, wh)
	assert.Equal(t, []span{{at(4, 9, 0), at(4, 9, 30)}}, spans(got))
}

func TestFindSlots_DurationLongerThanWorkingDay(t *testing.T) {
	assert.Empty(t, FindSlots(nil, at(1, 9, 0), 9*60, 3, officeHours(t)))
}

func TestFindSlots_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		var events []*model.BusyInterval
		cursor := at(1, 0, 0)
		n := rng.Intn(12)
		for i := 0; i < n; i++ {
			cursor = cursor.Add(time.Duration(rng.Intn(180)) * time.Minute)
			events = append(events, busy(cursor, 15+rng.Intn(120)))
		}
		sort.Slice(events, func(i, j int) bool {
			if events[i].Start.Equal(events[j].Start) {
				return events[i].End.Before(events[j].End)
			}
			return events[i].Start.Before(events[j].Start)
		})

		start := at(1, 0, 0).Add(time.Duration(rng.Intn(600)) * time.Minute)
		duration := 15 + rng.Intn(90)
		limit := 1 + rng.Intn(6)
		var wh *WorkingHours
		if round%2 == 1 {
			wh = officeHours(t)
		}

		got := FindSlots(events, start, duration, limit, wh)
		require.Len(t, got, limit, "unbounded tail always fills the limit")
		for i, c := range got {
			assert.Equal(t, time.Duration(duration)*time.Minute, c.End.Sub(c.Start))
			assert.False(t, c.Start.Before(start))
			if i > 0 {
				assert.False(t, c.Start.Before(got[i-1].End))
			}
			for _, e := range events {
				assert.False(t, e.Overlaps(c.Start, c.End), "slot %v overlaps %s", c, e.UID)
			}
			if wh != nil {
				assert.True(t, wh.Contains(c.Start, c.End.Sub(c.Start)))
			}
		}
	}
}
