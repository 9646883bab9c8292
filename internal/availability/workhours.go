package availability

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"
)

// WorkingHours is a daily UTC window [Start, End) expressed as offsets from
// midnight. Days optionally restricts the weekdays that have a window; empty
// means every day.
type WorkingHours struct {
	Start time.Duration
	End   time.Duration
	Days  []time.Weekday
}

// NewWorkingHours builds a WorkingHours from minutes after midnight.
func NewWorkingHours(startMinute, endMinute int, days ...time.Weekday) (*WorkingHours, error) {
	wh := &WorkingHours{
		Start: time.Duration(startMinute) * time.Minute,
		End:   time.Duration(endMinute) * time.Minute,
		Days:  days,
	}
	if err := wh.validate(); err != nil {
		return nil, err
	}
	return wh, nil
}

func (w *WorkingHours) validate() error {
	if w.Start < 0 || w.End > 24*time.Hour {
		return errors.New("working hours must lie within one day")
	}
	if w.End <= w.Start {
		return errors.New("working hours end must be after start")
	}
	return nil
}

// Length is the duration of one daily window.
func (w *WorkingHours) Length() time.Duration {
	return w.End - w.Start
}

func midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (w *WorkingHours) allowed(d time.Weekday) bool {
	if len(w.Days) == 0 {
		return true
	}
	for _, wd := range w.Days {
		if wd == d {
			return true
		}
	}
	return false
}

// dayEnd returns the end of the window on t's calendar day.
func (w *WorkingHours) dayEnd(t time.Time) time.Time {
	return midnight(t).Add(w.End)
}

// Contains reports whether [start, start+d) lies inside a single day's window.
func (w *WorkingHours) Contains(start time.Time, d time.Duration) bool {
	start = start.UTC()
	if !w.allowed(start.Weekday()) {
		return false
	}
	day := midnight(start)
	return !start.Before(day.Add(w.Start)) && !start.Add(d).After(day.Add(w.End))
}

// Align returns t if it falls inside a working window; otherwise the start of
// the next window (same day when t is before the day's start, a later day
// when t is at or after the day's end or the day is not a working day).
func (w *WorkingHours) Align(t time.Time) time.Time {
	t = t.UTC()
	if w.allowed(t.Weekday()) {
		dayStart := midnight(t).Add(w.Start)
		if t.Before(dayStart) {
			return dayStart
		}
		if t.Before(w.dayEnd(t)) {
			return t
		}
	}
	return w.NextStart(t)
}

var rruleWeekdays = [...]rrule.Weekday{
	time.Sunday:    rrule.SU,
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
}

// NextStart returns the first window start strictly after t.
func (w *WorkingHours) NextStart(t time.Time) time.Time {
	t = t.UTC()
	anchor := midnight(t).Add(w.Start)
	if len(w.Days) == 0 {
		if anchor.After(t) {
			return anchor
		}
		return anchor.AddDate(0, 0, 1)
	}

	byDay := make([]rrule.Weekday, 0, len(w.Days))
	for _, d := range w.Days {
		byDay = append(byDay, rruleWeekdays[d])
	}
	r, err := rrule.NewRRule(rrule.ROption{
		Freq:      rrule.DAILY,
		Dtstart:   anchor,
		Byweekday: byDay,
	})
	if err != nil {
		// Unreachable with a valid weekday set; fall back to every day.
		return anchor.AddDate(0, 0, 1)
	}
	return r.After(t, false).UTC()
}
