// Package run owns the paired-run session record and the coordination
// operations over it: invites, acceptance, completion, snapshots.
package run

import (
	"time"
)

// Status enumerates session lifecycle values as persisted.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Resolved reports whether the session can no longer change state.
func (s Status) Resolved() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ParticipantStats is one side's recorded end-of-run result set. All
// fields are null until that participant's completion call (or the
// reaper's backfill) lands.
type ParticipantStats struct {
	DistanceM    *float64 `json:"distance_m,omitempty"`
	DurationS    *float64 `json:"duration_s,omitempty"`
	PaceSecPerKm *float64 `json:"pace_s_per_km,omitempty"`
	HeartRate    *float64 `json:"heart_rate,omitempty"`
}

// Recorded reports whether this side's stats have been written.
func (p ParticipantStats) Recorded() bool { return p.DistanceM != nil }

// Session is the invite/session record, the single shared mutable
// resource in the system. Both participants' end-of-run writers are
// serialized on its row.
type Session struct {
	ID           string           `json:"id"`
	ParticipantA string           `json:"participant_a"`
	ParticipantB string           `json:"participant_b"`
	Status       Status           `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	EndedAt      *time.Time       `json:"ended_at,omitempty"`
	StatsA       ParticipantStats `json:"stats_a"`
	StatsB       ParticipantStats `json:"stats_b"`
	WinnerID     *string          `json:"winner_id,omitempty"`
}

// Includes reports whether participantID is one of the two runners.
func (s Session) Includes(participantID string) bool {
	return participantID == s.ParticipantA || participantID == s.ParticipantB
}

// PartnerOf returns the other runner, or "" for a non-participant.
func (s Session) PartnerOf(participantID string) string {
	switch participantID {
	case s.ParticipantA:
		return s.ParticipantB
	case s.ParticipantB:
		return s.ParticipantA
	}
	return ""
}

// StatsFor returns the recorded stats for participantID.
func (s Session) StatsFor(participantID string) ParticipantStats {
	if participantID == s.ParticipantB {
		return s.StatsB
	}
	return s.StatsA
}
