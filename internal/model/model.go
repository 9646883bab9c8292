package model

import "time"

// BusyInterval is a committed time range for one agent, keyed by the
// external calendar UID. Start/End are always UTC and End is after Start.
type BusyInterval struct {
	UID      string `json:"uid"`
	ClientID string `json:"client_id"`
	AgentID  string `json:"agent_id"`

	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	Summary     string `json:"summary"`
	Description string `json:"description"`
}

// Overlaps reports whether the interval intersects [start, end).
func (b *BusyInterval) Overlaps(start, end time.Time) bool {
	return b.Start.Before(end) && b.End.After(start)
}

// SameContent reports whether two intervals carry identical mutable fields.
func (b *BusyInterval) SameContent(o *BusyInterval) bool {
	return b.ClientID == o.ClientID &&
		b.AgentID == o.AgentID &&
		b.Start.Equal(o.Start) &&
		b.End.Equal(o.End) &&
		b.Summary == o.Summary &&
		b.Description == o.Description
}

// SlotCandidate is a proposed free interval. It is never persisted.
type SlotCandidate struct {
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	DurationMinutes int       `json:"duration_minutes"`
}

// UtilizationRecord summarizes busy time within one 24-hour window.
type UtilizationRecord struct {
	WindowStart     time.Time `json:"window_start"`
	WindowEnd       time.Time `json:"window_end"`
	BusyMinutes     int       `json:"busy_minutes"`
	CapacityMinutes int       `json:"capacity_minutes"`
	Percentage      int       `json:"percentage"`
}

// SyncTarget binds an agent to the calendar feed that mirrors its commitments.
// LastSync is owned by the sync scheduler; the zero value means never synced.
type SyncTarget struct {
	ClientID  string
	AgentID   string
	SourceURI string

	LastSync time.Time
}

// Key returns the (client, agent) identity used for per-agent serialization.
func (t *SyncTarget) Key() string {
	return AgentKey(t.ClientID, t.AgentID)
}

// AgentKey joins a client and agent ID into a single map key.
func AgentKey(clientID, agentID string) string {
	return clientID + "/" + agentID
}
