// Package protocol defines the wire messages exchanged between the wearable,
// the relay bridge, and the coordination service. Every frame is an Envelope;
// payloads are decoded exactly once at the boundary into a Message union.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindSnapshot         Kind = "snapshot"
	KindHeartbeat        Kind = "heartbeat"
	KindRunStarted       Kind = "run_started"
	KindRunConfirmed     Kind = "run_confirmed"
	KindRunEnded         Kind = "run_ended"
	KindPartnerFinished  Kind = "partner_finished"
	KindPause            Kind = "pause"
	KindResume           Kind = "resume"
	KindSessionCancelled Kind = "session_cancelled"
)

// Guaranteed reports whether messages of this kind must survive peer
// unavailability (queued, eventually delivered) rather than best-effort.
func (k Kind) Guaranteed() bool {
	switch k {
	case KindRunStarted, KindRunConfirmed, KindRunEnded, KindPartnerFinished, KindSessionCancelled:
		return true
	}
	return false
}

// Protected reports whether messages of this kind are exempt from
// drop-oldest eviction in bounded best-effort queues.
func (k Kind) Protected() bool {
	switch k {
	case KindRunStarted, KindRunEnded, KindPause, KindResume:
		return true
	}
	return false
}

// Envelope is the outer frame. ID is the dedup identity: a message relayed
// over both the instant and the guaranteed path carries the same ID.
type Envelope struct {
	Kind  Kind            `json:"k"`
	RunID string          `json:"r"`
	ID    string          `json:"i"`
	Body  json.RawMessage `json:"b,omitempty"`
}

// Heartbeat keeps the partner's liveness view alive while snapshots are not
// flowing (paused) and carries the paused flag that overrides age-based
// connection health.
type Heartbeat struct {
	ParticipantID string `json:"u"`
	Paused        bool   `json:"f,omitempty"`
	SentAtMS      int64  `json:"c"`
}

func (h Heartbeat) SentAt() time.Time {
	return time.UnixMilli(h.SentAtMS)
}

type RunStarted struct {
	RunID        string   `json:"run_id"`
	PartnerID    string   `json:"partner_id"`
	PartnerName  string   `json:"partner_name"`
	PartnerMaxHR *float64 `json:"partner_max_hr,omitempty"`
}

type RunConfirmed struct {
	RunID            string    `json:"run_id"`
	ParticipantID    string    `json:"participant_id"`
	CoordinatedStart time.Time `json:"coordinated_start"`
}

// FinalStats is one participant's end-of-run result set.
type FinalStats struct {
	DistanceM    float64  `json:"distance_m"`
	DurationS    float64  `json:"duration_s"`
	PaceSecPerKm *float64 `json:"pace_s_per_km,omitempty"`
	HeartRate    *float64 `json:"heart_rate,omitempty"`
}

type RunEnded struct {
	RunID         string     `json:"run_id"`
	ParticipantID string     `json:"participant_id"`
	Final         FinalStats `json:"final"`
}

type PartnerFinished struct {
	RunID        string   `json:"run_id"`
	DistanceM    float64  `json:"distance_m"`
	PaceSecPerKm *float64 `json:"pace_s_per_km,omitempty"`
}

type PauseState struct {
	RunID         string `json:"run_id"`
	ParticipantID string `json:"participant_id"`
}

type SessionCancelled struct {
	RunID string `json:"run_id"`
}

// Message is the decoded union: Kind selects which payload pointer is set.
type Message struct {
	Kind  Kind
	ID    string
	RunID string

	Snapshot        *Snapshot
	Heartbeat       *Heartbeat
	RunStarted      *RunStarted
	RunConfirmed    *RunConfirmed
	RunEnded        *RunEnded
	PartnerFinished *PartnerFinished
	Pause           *PauseState
	Resume          *PauseState
	Cancelled       *SessionCancelled
}

func SnapshotMessage(s Snapshot) Message {
	return Message{Kind: KindSnapshot, ID: uuid.NewString(), RunID: s.RunID, Snapshot: &s}
}

func HeartbeatMessage(runID string, hb Heartbeat) Message {
	return Message{Kind: KindHeartbeat, ID: uuid.NewString(), RunID: runID, Heartbeat: &hb}
}

func RunStartedMessage(rs RunStarted) Message {
	return Message{Kind: KindRunStarted, ID: uuid.NewString(), RunID: rs.RunID, RunStarted: &rs}
}

func RunConfirmedMessage(rc RunConfirmed) Message {
	return Message{Kind: KindRunConfirmed, ID: uuid.NewString(), RunID: rc.RunID, RunConfirmed: &rc}
}

func RunEndedMessage(re RunEnded) Message {
	return Message{Kind: KindRunEnded, ID: uuid.NewString(), RunID: re.RunID, RunEnded: &re}
}

func PartnerFinishedMessage(pf PartnerFinished) Message {
	return Message{Kind: KindPartnerFinished, ID: uuid.NewString(), RunID: pf.RunID, PartnerFinished: &pf}
}

func PauseMessage(ps PauseState) Message {
	return Message{Kind: KindPause, ID: uuid.NewString(), RunID: ps.RunID, Pause: &ps}
}

func ResumeMessage(ps PauseState) Message {
	return Message{Kind: KindResume, ID: uuid.NewString(), RunID: ps.RunID, Resume: &ps}
}

func SessionCancelledMessage(sc SessionCancelled) Message {
	return Message{Kind: KindSessionCancelled, ID: uuid.NewString(), RunID: sc.RunID, Cancelled: &sc}
}

// Encode frames the message as an envelope.
func (m Message) Encode() ([]byte, error) {
	var body any
	switch m.Kind {
	case KindSnapshot:
		body = m.Snapshot
	case KindHeartbeat:
		body = m.Heartbeat
	case KindRunStarted:
		body = m.RunStarted
	case KindRunConfirmed:
		body = m.RunConfirmed
	case KindRunEnded:
		body = m.RunEnded
	case KindPartnerFinished:
		body = m.PartnerFinished
	case KindPause:
		body = m.Pause
	case KindResume:
		body = m.Resume
	case KindSessionCancelled:
		body = m.Cancelled
	default:
		return nil, fmt.Errorf("encode: unknown kind %q", m.Kind)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", m.Kind, err)
	}
	return json.Marshal(Envelope{Kind: m.Kind, RunID: m.RunID, ID: m.ID, Body: raw})
}

// Decode parses an envelope and its payload in one pass. Unknown kinds and
// missing bodies are errors: the boundary rejects what it cannot type.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	if len(env.Body) == 0 {
		return Message{}, fmt.Errorf("decode %s: empty body", env.Kind)
	}

	msg := Message{Kind: env.Kind, ID: env.ID, RunID: env.RunID}
	var err error
	switch env.Kind {
	case KindSnapshot:
		msg.Snapshot = &Snapshot{}
		err = json.Unmarshal(env.Body, msg.Snapshot)
	case KindHeartbeat:
		msg.Heartbeat = &Heartbeat{}
		err = json.Unmarshal(env.Body, msg.Heartbeat)
	case KindRunStarted:
		msg.RunStarted = &RunStarted{}
		err = json.Unmarshal(env.Body, msg.RunStarted)
	case KindRunConfirmed:
		msg.RunConfirmed = &RunConfirmed{}
		err = json.Unmarshal(env.Body, msg.RunConfirmed)
	case KindRunEnded:
		msg.RunEnded = &RunEnded{}
		err = json.Unmarshal(env.Body, msg.RunEnded)
	case KindPartnerFinished:
		msg.PartnerFinished = &PartnerFinished{}
		err = json.Unmarshal(env.Body, msg.PartnerFinished)
	case KindPause:
		msg.Pause = &PauseState{}
		err = json.Unmarshal(env.Body, msg.Pause)
	case KindResume:
		msg.Resume = &PauseState{}
		err = json.Unmarshal(env.Body, msg.Resume)
	case KindSessionCancelled:
		msg.Cancelled = &SessionCancelled{}
		err = json.Unmarshal(env.Body, msg.Cancelled)
	default:
		return Message{}, fmt.Errorf("decode: unknown kind %q", env.Kind)
	}
	if err != nil {
		return Message{}, fmt.Errorf("decode %s body: %w", env.Kind, err)
	}
	return msg, nil
}
