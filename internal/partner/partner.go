// Package partner keeps the locally displayed view of the remote runner.
package partner

import (
	"sync"
	"time"

	"github.com/dmihaylov4/WRKT-sub002/internal/protocol"
)

// Stats is the partner view as of a given instant. Between snapshot
// arrivals distance and duration advance at the last known pace, capped
// so a silent link freezes the view instead of drifting indefinitely.
type Stats struct {
	RunID         string
	ParticipantID string
	DistanceM     float64
	DurationS     float64
	PaceSecPerKm  *float64
	HeartRate     *float64
	Paused        bool
	Sequence      uint64
}

// Tracker folds inbound partner snapshots into a Stats view. Snapshots
// whose sequence does not exceed the last accepted one are discarded,
// live and catch-up alike.
type Tracker struct {
	maxAhead time.Duration

	mu       sync.Mutex
	last     protocol.Snapshot
	received time.Time
	have     bool
}

// NewTracker builds a tracker that extrapolates at most maxExtrapolation
// past the last arrival.
func NewTracker(maxExtrapolation time.Duration) *Tracker {
	return &Tracker{maxAhead: maxExtrapolation}
}

// Apply admits snap when its sequence exceeds the last accepted one and
// reports whether the view changed.
func (t *Tracker) Apply(snap protocol.Snapshot, receivedAt time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.have && snap.Sequence <= t.last.Sequence {
		return false
	}
	t.last = snap
	t.received = receivedAt
	t.have = true
	return true
}

// Stats returns the interpolated partner view at now. The second return
// is false until a first snapshot has been applied.
func (t *Tracker) Stats(now time.Time) (Stats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.have {
		return Stats{}, false
	}
	s := Stats{
		RunID:         t.last.RunID,
		ParticipantID: t.last.ParticipantID,
		DistanceM:     t.last.DistanceM,
		DurationS:     t.last.DurationS,
		PaceSecPerKm:  t.last.PaceSecPerKm,
		HeartRate:     t.last.HeartRate,
		Paused:        t.last.Paused,
		Sequence:      t.last.Sequence,
	}
	if s.Paused {
		return s, true
	}
	ahead := now.Sub(t.received)
	if ahead <= 0 {
		return s, true
	}
	if ahead > t.maxAhead {
		ahead = t.maxAhead
	}
	sec := ahead.Seconds()
	s.DurationS += sec
	if p := s.PaceSecPerKm; p != nil && *p > 0 {
		s.DistanceM += sec * 1000 / *p
	}
	return s, true
}

// Reset drops the view at run end so the next run starts a fresh
// sequence window.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.last = protocol.Snapshot{}
	t.received = time.Time{}
	t.have = false
	t.mu.Unlock()
}
