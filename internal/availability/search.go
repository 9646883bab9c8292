package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	appLog "agentcal/internal/log"
	"agentcal/internal/model"
	"agentcal/internal/store"
)

var (
	// ErrStoreUnavailable wraps any failure to read busy intervals. An empty
	// result is never returned in its place.
	ErrStoreUnavailable = errors.New("busy interval store unavailable")
	// ErrInvalidQuery reports a malformed search or check request.
	ErrInvalidQuery = errors.New("invalid availability query")
)

// Query describes one slot search over [Start, End).
type Query struct {
	ClientID string
	AgentID  string

	Start time.Time
	End   time.Time

	DurationMinutes int
	Limit           int
	WorkingHours    *WorkingHours
}

func (q *Query) validate() error {
	switch {
	case q.ClientID == "" || q.AgentID == "":
		return fmt.Errorf("%w: client and agent are required", ErrInvalidQuery)
	case q.DurationMinutes <= 0:
		return fmt.Errorf("%w: duration must be positive", ErrInvalidQuery)
	case q.Limit <= 0:
		return fmt.Errorf("%w: limit must be positive", ErrInvalidQuery)
	case !q.End.After(q.Start):
		return fmt.Errorf("%w: end must be after start", ErrInvalidQuery)
	}
	return nil
}

// Searcher runs slot searches against a store, escalating into later
// windows when the requested window has too few free slots.
type Searcher struct {
	reader store.Reader

	span           time.Duration
	maxEscalations int
}

// NewSearcher returns a Searcher that escalates up to maxEscalations times,
// each time over a further window of length span.
func NewSearcher(r store.Reader, span time.Duration, maxEscalations int) *Searcher {
	if span <= 0 {
		span = 24 * time.Hour
	}
	if maxEscalations < 0 {
		maxEscalations = 0
	}
	return &Searcher{reader: r, span: span, maxEscalations: maxEscalations}
}

// Search returns up to q.Limit ascending candidates. Fewer (or zero) is a
// valid result once the escalation cap is reached.
func (s *Searcher) Search(ctx context.Context, q Query) ([]model.SlotCandidate, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	out := make([]model.SlotCandidate, 0, q.Limit)
	windowStart, windowEnd := q.Start.UTC(), q.End.UTC()

	for attempt := 0; attempt <= s.maxEscalations; attempt++ {
		if attempt > 0 {
			windowStart, windowEnd = windowEnd, windowEnd.Add(s.span)
			appLog.Debug("slot search escalated",
				"client_id", q.ClientID,
				"agent_id", q.AgentID,
				"attempt", attempt,
				"window_start", windowStart,
				"remaining", q.Limit-len(out),
			)
		}

		if err := s.searchWindow(ctx, q, windowStart, windowEnd, &out); err != nil {
			return nil, err
		}
		if len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// searchWindow appends candidates lying inside [windowStart, windowEnd) to
// out. A query that hits store.QueryLimit leaves later intervals unknown, so
// the window is read in pages, each trusted only up to the start of its last
// row.
func (s *Searcher) searchWindow(ctx context.Context, q Query, windowStart, windowEnd time.Time, out *[]model.SlotCandidate) error {
	from := windowStart
	for from.Before(windowEnd) && len(*out) < q.Limit {
		busy, err := s.reader.QueryOverlapping(ctx, q.ClientID, q.AgentID, from, windowEnd)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}

		known := windowEnd
		if len(busy) >= store.QueryLimit {
			last := busy[len(busy)-1].Start
			if !last.After(from) {
				// Every row covers from, so their union is busy up to the
				// latest end.
				from = latestEnd(busy)
				continue
			}
			if last.Before(known) {
				known = last
			}
		}

		for _, c := range FindSlots(busy, from, q.DurationMinutes, q.Limit-len(*out), q.WorkingHours) {
			if c.End.After(known) {
				break
			}
			*out = append(*out, c)
		}
		if !known.Before(windowEnd) {
			return nil
		}
		appLog.Debug("slot search paged past query limit",
			"client_id", q.ClientID,
			"agent_id", q.AgentID,
			"from", known,
		)
		from = known
	}
	return nil
}

func latestEnd(busy []*model.BusyInterval) time.Time {
	end := busy[0].End
	for _, iv := range busy[1:] {
		if iv.End.After(end) {
			end = iv.End
		}
	}
	return end
}

// Check is the verdict for one requested slot.
type Check struct {
	Available bool                  `json:"available"`
	Reason    string                `json:"reason,omitempty"`
	Slot      *model.SlotCandidate  `json:"slot,omitempty"`
	Conflicts []*model.BusyInterval `json:"conflicts,omitempty"`
}

const (
	ReasonConflict          = "time slot conflicts with existing appointments"
	ReasonOutsideWorkingHrs = "requested time is outside working hours"
)

// Check reports whether [start, start+durationMinutes) is free for the agent
// and, when it is not, which stored intervals it collides with.
func (s *Searcher) Check(ctx context.Context, clientID, agentID string, start time.Time, durationMinutes int, wh *WorkingHours) (*Check, error) {
	if clientID == "" || agentID == "" {
		return nil, fmt.Errorf("%w: client and agent are required", ErrInvalidQuery)
	}
	if durationMinutes <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", ErrInvalidQuery)
	}
	start = start.UTC()
	d := time.Duration(durationMinutes) * time.Minute
	end := start.Add(d)

	conflicts, err := s.reader.QueryOverlapping(ctx, clientID, agentID, start, end)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if len(conflicts) > 0 {
		return &Check{Available: false, Reason: ReasonConflict, Conflicts: conflicts}, nil
	}
	if wh != nil && !wh.Contains(start, d) {
		return &Check{Available: false, Reason: ReasonOutsideWorkingHrs}, nil
	}
	return &Check{
		Available: true,
		Slot:      &model.SlotCandidate{Start: start, End: end, DurationMinutes: durationMinutes},
	}, nil
}
