// Package availability finds free slots for an agent by scanning the gaps
// between its busy intervals, optionally restricted to daily working hours.
package availability

import (
	"time"

	"agentcal/internal/model"
)

// FindSlots returns up to limit candidates of durationMinutes each, starting
// no earlier than searchStart and overlapping none of busy. busy must be
// sorted ascending by start, ties by end. The timeline after the last busy
// interval is treated as free. wh may be nil.
func FindSlots(busy []*model.BusyInterval, searchStart time.Time, durationMinutes, limit int, wh *WorkingHours) []model.SlotCandidate {
	out := make([]model.SlotCandidate, 0)
	if durationMinutes <= 0 || limit <= 0 {
		return out
	}
	d := time.Duration(durationMinutes) * time.Minute
	if wh != nil && d > wh.Length() {
		// No single working window can hold the slot.
		return out
	}

	f := &finder{
		d:       d,
		minutes: durationMinutes,
		limit:   limit,
		wh:      wh,
		out:     out,
	}

	frontier := searchStart.UTC()
	if wh != nil {
		frontier = wh.Align(frontier)
	}

	for _, iv := range busy {
		if f.full() {
			break
		}
		if !iv.End.After(frontier) {
			continue
		}
		if !iv.Start.After(frontier) {
			frontier = iv.End
			continue
		}
		frontier = f.fill(frontier, iv.Start, false)
		if iv.End.After(frontier) {
			frontier = iv.End
		}
	}
	if !f.full() {
		f.fill(frontier, time.Time{}, true)
	}
	return f.out
}

type finder struct {
	d       time.Duration
	minutes int
	limit   int
	wh      *WorkingHours
	out     []model.SlotCandidate
}

func (f *finder) full() bool {
	return len(f.out) >= f.limit
}

// fill emits back-to-back candidates from frontier until gapEnd (or the
// limit when open is set) and returns the advanced frontier.
func (f *finder) fill(frontier, gapEnd time.Time, open bool) time.Time {
	for !f.full() {
		if f.wh != nil {
			frontier = f.wh.Align(frontier)
			if frontier.Add(f.d).After(f.wh.dayEnd(frontier)) {
				frontier = f.wh.NextStart(frontier)
				continue
			}
		}
		end := frontier.Add(f.d)
		if !open && end.After(gapEnd) {
			break
		}
		f.out = append(f.out, model.SlotCandidate{
			Start:           frontier,
			End:             end,
			DurationMinutes: f.minutes,
		})
		frontier = end
	}
	return frontier
}
