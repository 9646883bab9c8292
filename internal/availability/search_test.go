package availability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcal/internal/model"
	"agentcal/internal/store"
)

// fakeReader mimics store.DB's overlap query over an in-memory list.
type fakeReader struct {
	intervals []*model.BusyInterval
	err       error
	windows   [][2]time.Time
}

func (f *fakeReader) QueryOverlapping(_ context.Context, clientID, agentID string, windowStart, windowEnd time.Time) ([]*model.BusyInterval, error) {
	f.windows = append(f.windows, [2]time.Time{windowStart, windowEnd})
	if f.err != nil {
		return nil, f.err
	}
	out := make([]*model.BusyInterval, 0)
	for _, iv := range f.intervals {
		if iv.ClientID == clientID && iv.AgentID == agentID && iv.Overlaps(windowStart, windowEnd) {
			out = append(out, iv)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].End.Before(out[j].End)
		}
		return out[i].Start.Before(out[j].Start)
	})
	if len(out) > store.QueryLimit {
		out = out[:store.QueryLimit]
	}
	return out, nil
}

func query(start, end time.Time, duration, limit int) Query {
	return Query{
		ClientID:        "c1",
		AgentID:         "a1",
		Start:           start,
		End:             end,
		DurationMinutes: duration,
		Limit:           limit,
	}
}

func TestSearch_EmptyCalendar(t *testing.T) {
	s := NewSearcher(&fakeReader{}, 24*time.Hour, 3)
	got, err := s.Search(context.Background(), query(at(1, 9, 0), at(2, 9, 0), 30, 3))
	require.NoError(t, err)
	assert.Equal(t, []span{
		{at(1, 9, 0), at(1, 9, 30)},
		{at(1, 9, 30), at(1, 10, 0)},
		{at(1, 10, 0), at(1, 10, 30)},
	}, spans(got))
}

func TestSearch_EscalatesIntoLaterWindows(t *testing.T) {
	r := &fakeReader{intervals: []*model.BusyInterval{busy(at(1, 9, 0), 180)}}

	s := NewSearcher(r, time.Hour, 3)
	got, err := s.Search(context.Background(), query(at(1, 9, 0), at(1, 10, 0), 30, 3))
	require.NoError(t, err)
	assert.Equal(t, []span{
		{at(1, 12, 0), at(1, 12, 30)},
		{at(1, 12, 30), at(1, 13, 0)},
	}, spans(got), "cap exhausted returns what was found")
	assert.Equal(t, [][2]time.Time{
		{at(1, 9, 0), at(1, 10, 0)},
		{at(1, 10, 0), at(1, 11, 0)},
		{at(1, 11, 0), at(1, 12, 0)},
		{at(1, 12, 0), at(1, 13, 0)},
	}, r.windows)

	r.windows = nil
	s = NewSearcher(r, time.Hour, 4)
	got, err = s.Search(context.Background(), query(at(1, 9, 0), at(1, 10, 0), 30, 3))
	require.NoError(t, err)
	assert.Equal(t, []span{
		{at(1, 12, 0), at(1, 12, 30)},
		{at(1, 12, 30), at(1, 13, 0)},
		{at(1, 13, 0), at(1, 13, 30)},
	}, spans(got))
	assert.Len(t, r.windows, 5)
}

func TestSearch_NoEscalationWhenFilled(t *testing.T) {
	r := &fakeReader{}
	s := NewSearcher(r, time.Hour, 3)
	_, err := s.Search(context.Background(), query(at(1, 9, 0), at(1, 12, 0), 30, 2))
	require.NoError(t, err)
	assert.Len(t, r.windows, 1)
}

func TestSearch_ZeroSlotsIsNotAnError(t *testing.T) {
	r := &fakeReader{intervals: []*model.BusyInterval{busy(at(1, 0, 0), 48*60)}}
	s := NewSearcher(r, time.Hour, 1)
	got, err := s.Search(context.Background(), query(at(1, 9, 0), at(1, 10, 0), 30, 3))
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestSearch_StoreErrorPropagates(t *testing.T) {
	s := NewSearcher(&fakeReader{err: errors.New("connection refused")}, time.Hour, 3)
	got, err := s.Search(context.Background(), query(at(1, 9, 0), at(1, 10, 0), 30, 3))
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Nil(t, got)
}

func TestSearch_PagesPastQueryLimit(t *testing.T) {
	var ivs []*model.BusyInterval
	for i := 0; i < store.QueryLimit; i++ {
		iv := busy(at(1, 0, 0).Add(time.Duration(i)*time.Minute), 1)
		iv.UID = fmt.Sprintf("u%03d", i)
		ivs = append(ivs, iv)
	}
	// Hidden behind the cap on the first query.
	ivs = append(ivs, busy(at(1, 1, 40), 80))
	r := &fakeReader{intervals: ivs}

	s := NewSearcher(r, 4*time.Hour, 0)
	got, err := s.Search(context.Background(), query(at(1, 0, 0), at(1, 4, 0), 30, 1))
	require.NoError(t, err)
	assert.Equal(t, []span{{at(1, 3, 0), at(1, 3, 30)}}, spans(got))
	assert.Equal(t, [][2]time.Time{
		{at(1, 0, 0), at(1, 4, 0)},
		{at(1, 1, 39), at(1, 4, 0)},
	}, r.windows)
}

func TestSearch_QueryLimitRowsCoveringStart(t *testing.T) {
	var ivs []*model.BusyInterval
	for i := 0; i < store.QueryLimit; i++ {
		start := at(1, 8, 0).Add(time.Duration(i) * 30 * time.Second)
		ivs = append(ivs, &model.BusyInterval{
			UID:      fmt.Sprintf("u%03d", i),
			ClientID: "c1",
			AgentID:  "a1",
			Start:    start,
			End:      at(1, 10, 0),
		})
	}
	r := &fakeReader{intervals: ivs}

	q := query(at(1, 9, 0), at(2, 9, 0), 30, 3)
	got, err := NewSearcher(r, 24*time.Hour, 3).Search(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []span{
		{at(1, 10, 0), at(1, 10, 30)},
		{at(1, 10, 30), at(1, 11, 0)},
		{at(1, 11, 0), at(1, 11, 30)},
	}, spans(got))
	for _, w := range r.windows {
		assert.False(t, w[0].Before(q.Start), "window %v starts before the query", w)
	}
}

func TestSearch_WorkingHours(t *testing.T) {
	q := query(at(1, 16, 45), at(2, 16, 45), 30, 1)
	q.WorkingHours = officeHours(t)
	got, err := NewSearcher(&fakeReader{}, 24*time.Hour, 3).Search(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []span{{at(2, 9, 0), at(2, 9, 30)}}, spans(got))
}

func TestSearch_InvalidQuery(t *testing.T) {
	s := NewSearcher(&fakeReader{}, time.Hour, 3)
	tests := map[string]Query{
		"zero duration": query(at(1, 9, 0), at(1, 10, 0), 0, 3),
		"zero limit":    query(at(1, 9, 0), at(1, 10, 0), 30, 0),
		"empty window":  query(at(1, 9, 0), at(1, 9, 0), 30, 3),
		"missing agent": {ClientID: "c1", Start: at(1, 9, 0), End: at(1, 10, 0), DurationMinutes: 30, Limit: 1},
	}
	for name, q := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := s.Search(context.Background(), q)
			assert.ErrorIs(t, err, ErrInvalidQuery)
		})
	}
}

func TestCheck(t *testing.T) {
	r := &fakeReader{intervals: []*model.BusyInterval{busy(at(1, 10, 0), 60)}}
	s := NewSearcher(r, time.Hour, 3)
	ctx := context.Background()

	res, err := s.Check(ctx, "c1", "a1", at(1, 9, 0), 60, nil)
	require.NoError(t, err)
	assert.True(t, res.Available)
	require.NotNil(t, res.Slot)
	assert.Equal(t, at(1, 10, 0), res.Slot.End)

	res, err = s.Check(ctx, "c1", "a1", at(1, 9, 30), 60, nil)
	require.NoError(t, err)
	assert.False(t, res.Available)
	assert.Equal(t, ReasonConflict, res.Reason)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, at(1, 10, 0), res.Conflicts[0].Start)

	res, err = s.Check(ctx, "c1", "a1", at(1, 16, 30), 60, officeHours(t))
	require.NoError(t, err)
	assert.False(t, res.Available)
	assert.Equal(t, ReasonOutsideWorkingHrs, res.Reason)

	_, err = s.Check(ctx, "c1", "a1", at(1, 9, 0), 0, nil)
	assert.ErrorIs(t, err, ErrInvalidQuery)

	r.err = errors.New("down")
	_, err = s.Check(ctx, "c1", "a1", at(1, 9, 0), 30, nil)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestWorkingHours(t *testing.T) {
	_, err := NewWorkingHours(17*60, 9*60)
	assert.Error(t, err)
	_, err = NewWorkingHours(0, 25*60)
	assert.Error(t, err)

	wh := officeHours(t)
	assert.Equal(t, at(1, 9, 0), wh.Align(at(1, 7, 0)))
	assert.Equal(t, at(1, 12, 0), wh.Align(at(1, 12, 0)))
	assert.Equal(t, at(2, 9, 0), wh.Align(at(1, 17, 0)))
	assert.Equal(t, at(2, 9, 0), wh.NextStart(at(1, 9, 0)))
	assert.True(t, wh.Contains(at(1, 16, 0), time.Hour))
	assert.False(t, wh.Contains(at(1, 16, 30), time.Hour))

	allDay, err := NewWorkingHours(0, 24*60)
	require.NoError(t, err)
	assert.Equal(t, at(1, 23, 59), allDay.Align(at(1, 23, 59)))
}
