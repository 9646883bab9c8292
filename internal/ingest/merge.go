// Package ingest reconciles an external calendar feed into the busy-interval
// store: new UIDs are inserted, known UIDs overwritten, and UIDs absent from
// the feed deleted, all in one transaction.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"agentcal/internal/ics"
	appLog "agentcal/internal/log"
	"agentcal/internal/model"
	"agentcal/internal/store"
)

// Kind classifies ingestion failures.
type Kind int

const (
	KindMalformed Kind = iota + 1
	KindMissingField
	KindStoreWriteFailed
)

func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindMissingField:
		return "missing_field"
	case KindStoreWriteFailed:
		return "store_write_failed"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching against an *IngestError.
var (
	ErrMalformed        = errors.New("malformed feed")
	ErrMissingField     = errors.New("missing field")
	ErrStoreWriteFailed = errors.New("store write failed")
)

// IngestError is returned by Merge. No store change is visible when it is.
type IngestError struct {
	Kind     Kind
	ClientID string
	AgentID  string
	Err      error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingest %s/%s: %s: %v", e.ClientID, e.AgentID, e.Kind, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrMalformed) and friends match by kind.
func (e *IngestError) Is(target error) bool {
	switch target {
	case ErrMalformed:
		return e.Kind == KindMalformed
	case ErrMissingField:
		return e.Kind == KindMissingField
	case ErrStoreWriteFailed:
		return e.Kind == KindStoreWriteFailed
	}
	return false
}

// Result counts what a merge changed.
type Result struct {
	EventsFound int
	Inserted    int
	Updated     int
	Unchanged   int
	Deleted     int64
	Duration    time.Duration
}

// Merger applies feeds to a store. Merges for the same (client, agent) are
// serialized; merges for different agents run in parallel.
type Merger struct {
	store store.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMerger creates a Merger writing to s.
func NewMerger(s store.Store) *Merger {
	return &Merger{
		store: s,
		locks: make(map[string]*sync.Mutex),
	}
}

func (m *Merger) agentLock(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// Merge decodes raw and reconciles the agent's stored intervals with it.
// Duplicate UIDs within one feed collapse to the last occurrence.
func (m *Merger) Merge(ctx context.Context, clientID, agentID string, raw []byte) (*Result, error) {
	began := time.Now()

	events, err := ics.Decode(raw)
	if err != nil {
		kind := KindMalformed
		if errors.Is(err, ics.ErrMissingField) {
			kind = KindMissingField
		}
		return nil, &IngestError{Kind: kind, ClientID: clientID, AgentID: agentID, Err: err}
	}

	lock := m.agentLock(model.AgentKey(clientID, agentID))
	lock.Lock()
	defer lock.Unlock()

	res := &Result{EventsFound: len(events)}
	uids := make([]string, 0, len(events))
	for _, ev := range events {
		uids = append(uids, ev.UID)
	}

	err = m.store.WithTx(ctx, func(tx store.Tx) error {
		deleted, err := tx.DeleteNotIn(ctx, clientID, agentID, uids)
		if err != nil {
			return err
		}
		res.Deleted = deleted

		for _, ev := range events {
			next := &model.BusyInterval{
				UID:         ev.UID,
				ClientID:    clientID,
				AgentID:     agentID,
				Start:       ev.Start.UTC().Truncate(time.Second),
				End:         ev.End.UTC().Truncate(time.Second),
				Summary:     ev.Summary,
				Description: ev.Description,
			}
			existing, err := tx.Get(ctx, ev.UID)
			if err != nil {
				return err
			}
			switch {
			case existing == nil:
				res.Inserted++
			case existing.SameContent(next):
				res.Unchanged++
				continue
			default:
				res.Updated++
			}
			if err := tx.Upsert(ctx, next); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, &IngestError{Kind: KindStoreWriteFailed, ClientID: clientID, AgentID: agentID, Err: err}
	}

	res.Duration = time.Since(began)
	appLog.Info("merge completed",
		"client_id", clientID,
		"agent_id", agentID,
		"events", res.EventsFound,
		"inserted", res.Inserted,
		"updated", res.Updated,
		"unchanged", res.Unchanged,
		"deleted", res.Deleted,
	)
	return res, nil
}
