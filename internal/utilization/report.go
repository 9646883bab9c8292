// Package utilization reports how much of an agent's daily capacity is
// already committed.
package utilization

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	appLog "agentcal/internal/log"
	"agentcal/internal/model"
	"agentcal/internal/store"
)

const window = 24 * time.Hour

var (
	ErrStoreUnavailable = errors.New("busy interval store unavailable")
	ErrInvalidQuery     = errors.New("invalid utilization query")
)

// Reporter computes UtilizationRecords against a fixed capacity. Capacity is
// configured on its own and does not follow working hours.
type Reporter struct {
	reader   store.PageReader
	capacity int
}

func NewReporter(r store.PageReader, capacityMinutes int) *Reporter {
	return &Reporter{reader: r, capacity: capacityMinutes}
}

// Report returns one record per consecutive 24-hour window from windowStart.
func (r *Reporter) Report(ctx context.Context, clientID, agentID string, windowStart time.Time, days int) ([]model.UtilizationRecord, error) {
	if clientID == "" || agentID == "" {
		return nil, fmt.Errorf("%w: client and agent are required", ErrInvalidQuery)
	}
	if days <= 0 {
		return nil, fmt.Errorf("%w: days must be positive", ErrInvalidQuery)
	}

	out := make([]model.UtilizationRecord, 0, days)
	start := windowStart.UTC()
	for i := 0; i < days; i++ {
		end := start.Add(window)
		busy, err := r.busyWithin(ctx, clientID, agentID, start, end)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		minutes := int(busy / time.Minute)
		out = append(out, model.UtilizationRecord{
			WindowStart:     start,
			WindowEnd:       end,
			BusyMinutes:     minutes,
			CapacityMinutes: r.capacity,
			Percentage:      percentage(minutes, r.capacity),
		})
		start = end
	}
	return out, nil
}

// busyWithin sums the clipped overlap of every interval with [start, end),
// paging past store.QueryLimit by (start, end, uid) cursor.
func (r *Reporter) busyWithin(ctx context.Context, clientID, agentID string, start, end time.Time) (time.Duration, error) {
	var total time.Duration
	page, err := r.reader.QueryOverlapping(ctx, clientID, agentID, start, end)
	for pages := 1; ; pages++ {
		if err != nil {
			return 0, err
		}
		for _, iv := range page {
			total += overlap(iv, start, end)
		}
		if len(page) < store.QueryLimit {
			if pages > 1 {
				appLog.Debug("utilization paged past query limit",
					"client_id", clientID,
					"agent_id", agentID,
					"window_start", start,
					"pages", pages,
				)
			}
			return total, nil
		}
		after := store.CursorOf(page[len(page)-1])
		page, err = r.reader.QueryOverlappingAfter(ctx, clientID, agentID, start, end, after)
	}
}

func overlap(iv *model.BusyInterval, start, end time.Time) time.Duration {
	lo, hi := iv.Start, iv.End
	if lo.Before(start) {
		lo = start
	}
	if hi.After(end) {
		hi = end
	}
	if !hi.After(lo) {
		return 0
	}
	return hi.Sub(lo)
}

func percentage(busy, capacity int) int {
	if capacity <= 0 {
		return 0
	}
	return int(math.Round(float64(busy) / float64(capacity) * 100))
}
