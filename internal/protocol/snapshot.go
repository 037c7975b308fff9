package protocol

import (
	"encoding/json"
	"time"
)

// Snapshot is a single sequence-numbered telemetry reading from one
// participant. Lat/Lng ride the wire for live display only and are never
// written to durable storage.
type Snapshot struct {
	RunID         string
	ParticipantID string
	DistanceM     float64
	DurationS     float64
	Sequence      uint64
	ClientAt      time.Time
	ServerAt      time.Time // stamped by the service on receipt, not encoded
	PaceSecPerKm  *float64
	HeartRate     *float64
	Calories      *float64
	Paused        bool
	Lat           *float64
	Lng           *float64
}

// snapshotWire is the compact single-letter-key representation that bounds
// message size on the live channel.
type snapshotWire struct {
	R string   `json:"r"`
	U string   `json:"u"`
	D float64  `json:"d"`
	T float64  `json:"t"`
	S uint64   `json:"s"`
	C int64    `json:"c"`
	P *float64 `json:"p,omitempty"`
	H *float64 `json:"h,omitempty"`
	K *float64 `json:"k,omitempty"`
	F bool     `json:"f,omitempty"`
	X *float64 `json:"x,omitempty"`
	Y *float64 `json:"y,omitempty"`
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	w := snapshotWire{
		R: s.RunID,
		U: s.ParticipantID,
		D: s.DistanceM,
		T: s.DurationS,
		S: s.Sequence,
		P: s.PaceSecPerKm,
		H: s.HeartRate,
		K: s.Calories,
		F: s.Paused,
		X: s.Lat,
		Y: s.Lng,
	}
	if !s.ClientAt.IsZero() {
		w.C = s.ClientAt.UnixMilli()
	}
	return json.Marshal(w)
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var w snapshotWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	s.RunID = w.R
	s.ParticipantID = w.U
	s.DistanceM = w.D
	s.DurationS = w.T
	s.Sequence = w.S
	s.PaceSecPerKm = w.P
	s.HeartRate = w.H
	s.Calories = w.K
	s.Paused = w.F
	s.Lat = w.X
	s.Lng = w.Y
	if w.C != 0 {
		s.ClientAt = time.UnixMilli(w.C)
	} else {
		s.ClientAt = time.Time{}
	}
	return nil
}

// Final derives end-of-run stats from the snapshot, for server-side backfill
// of a participant who never reported their own finish.
func (s Snapshot) Final() FinalStats {
	return FinalStats{
		DistanceM:    s.DistanceM,
		DurationS:    s.DurationS,
		PaceSecPerKm: s.PaceSecPerKm,
		HeartRate:    s.HeartRate,
	}
}
