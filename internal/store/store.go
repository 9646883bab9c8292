// Package store persists busy intervals keyed by their external calendar UID.
//
// Readers query by overlap for one (client, agent); writers go through WithTx
// so that a whole feed merge becomes visible at once or not at all.
package store

import (
	"context"
	"errors"
	"time"

	"agentcal/internal/model"
)

// QueryLimit caps the number of intervals returned by QueryOverlapping.
const QueryLimit = 100

// ErrUnknownDriver is returned by Open for unsupported backends.
var ErrUnknownDriver = errors.New("unknown store driver")

// Reader is the read side of the store used by the query path.
type Reader interface {
	// QueryOverlapping returns intervals of one agent with
	// start < windowEnd AND end > windowStart, ordered by start, end and
	// uid ascending, at most QueryLimit rows.
	QueryOverlapping(ctx context.Context, clientID, agentID string, windowStart, windowEnd time.Time) ([]*model.BusyInterval, error)
}

// Cursor is a position in the (start, end, uid) order used by every
// overlap query.
type Cursor struct {
	Start time.Time
	End   time.Time
	UID   string
}

// CursorOf returns the position of iv.
func CursorOf(iv *model.BusyInterval) Cursor {
	return Cursor{Start: iv.Start, End: iv.End, UID: iv.UID}
}

// PageReader reads overlapping intervals in pages of at most QueryLimit rows.
type PageReader interface {
	Reader
	// QueryOverlappingAfter is QueryOverlapping restricted to rows ordered
	// strictly after the cursor.
	QueryOverlappingAfter(ctx context.Context, clientID, agentID string, windowStart, windowEnd time.Time, after Cursor) ([]*model.BusyInterval, error)
}

// Tx is the write side of the store, valid only inside WithTx.
type Tx interface {
	// Get returns the interval stored under uid, or nil if there is none.
	Get(ctx context.Context, uid string) (*model.BusyInterval, error)
	// Upsert inserts the interval or overwrites the row with the same UID.
	Upsert(ctx context.Context, interval *model.BusyInterval) error
	// DeleteNotIn removes every interval of the agent whose UID is not in
	// keep and returns the number of rows removed.
	DeleteNotIn(ctx context.Context, clientID, agentID string, keep []string) (int64, error)
}

// Store is the full busy-interval store.
type Store interface {
	Reader
	// WithTx runs fn in a transaction. It commits when fn returns nil and
	// rolls back otherwise.
	WithTx(ctx context.Context, fn func(Tx) error) error
	Close() error
}
