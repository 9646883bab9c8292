package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
)

var (
	// ErrMalformed reports a payload that is not a decodable calendar, or an
	// event whose values cannot be interpreted.
	ErrMalformed = errors.New("malformed calendar feed")
	// ErrMissingField reports a VEVENT lacking a property the merge requires.
	ErrMissingField = errors.New("missing required field")
)

// Event is the normalized representation of a VEVENT used by the merge.
// Start and End are UTC.
type Event struct {
	UID         string
	Start       time.Time
	End         time.Time
	Summary     string
	Description string
}

// FieldError describes a per-event decode failure. It matches ErrMalformed
// or ErrMissingField through errors.Is.
type FieldError struct {
	UID   string
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	if e.UID == "" {
		return fmt.Sprintf("vevent %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("vevent %q %s: %v", e.UID, e.Field, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// Decode parses a single ICS payload into events.
//
//   - Any event missing UID, DTSTART or DTEND fails the whole decode with
//     ErrMissingField; feeds are merged all-or-nothing.
//   - Values carrying a TZID are converted to UTC; floating values and
//     all-day DATE values are read as UTC.
//   - RRULE/EXDATE are ignored; each VEVENT is one busy interval.
func Decode(body []byte) ([]Event, error) {
	body = bytes.TrimPrefix(body, []byte("\xef\xbb\xbf"))
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	if !bytes.HasPrefix(bytes.TrimSpace(body), []byte("BEGIN:VCALENDAR")) {
		return nil, fmt.Errorf("%w: missing BEGIN:VCALENDAR", ErrMalformed)
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	vevents := cal.Events()
	events := make([]Event, 0, len(vevents))
	for _, ve := range vevents {
		ev, err := decodeVEvent(ve)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func decodeVEvent(ve *ical.VEvent) (Event, error) {
	var out Event

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || strings.TrimSpace(uidProp.Value) == "" {
		return out, &FieldError{Field: "UID", Err: ErrMissingField}
	}
	out.UID = strings.TrimSpace(uidProp.Value)

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}

	startProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if startProp == nil {
		return out, &FieldError{UID: out.UID, Field: "DTSTART", Err: ErrMissingField}
	}
	endProp := ve.GetProperty(ical.ComponentPropertyDtEnd)
	if endProp == nil {
		return out, &FieldError{UID: out.UID, Field: "DTEND", Err: ErrMissingField}
	}

	start, err := propTime(startProp, func() (time.Time, error) { return ve.GetStartAt() })
	if err != nil {
		return out, &FieldError{UID: out.UID, Field: "DTSTART", Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	end, err := propTime(endProp, func() (time.Time, error) { return ve.GetEndAt() })
	if err != nil {
		return out, &FieldError{UID: out.UID, Field: "DTEND", Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	if !end.After(start) {
		return out, &FieldError{UID: out.UID, Field: "DTEND", Err: fmt.Errorf("%w: end %s not after start %s",
			ErrMalformed, end.Format(time.RFC3339), start.Format(time.RFC3339))}
	}

	out.Start = start
	out.End = end
	return out, nil
}

// propTime interprets a DTSTART/DTEND property as a UTC instant. When a TZID
// names a zone the runtime does not know (e.g. a Windows zone name defined by
// an inline VTIMEZONE), the library's own resolution is used instead.
func propTime(p *ical.IANAProperty, libraryValue func() (time.Time, error)) (time.Time, error) {
	loc := time.UTC
	if tzs, ok := p.ICalParameters[string(ical.ParameterTzid)]; ok && len(tzs) > 0 && tzs[0] != "" {
		l, err := time.LoadLocation(tzs[0])
		if err != nil {
			t, lerr := libraryValue()
			if lerr != nil {
				return time.Time{}, fmt.Errorf("unknown TZID %q: %v", tzs[0], lerr)
			}
			return t.UTC(), nil
		}
		loc = l
	}
	return parseICSTime(p.Value, loc)
}

// parseICSTime parses a basic ICS date/date-time string. Values without a
// "Z" suffix are read in loc.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}

	// Local date-time, e.g., 20250101T090000
	if strings.Contains(v, "T") {
		t, err := time.ParseInLocation("20060102T150405", v, loc)
		if err != nil {
			return time.Time{}, err
		}
		return t.UTC(), nil
	}

	// Date-only (all-day), e.g., 20250101. Always midnight UTC.
	return time.ParseInLocation("20060102", v, time.UTC)
}
