package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func f64(v float64) *float64 { return &v }

func TestSnapshotRoundTrip(t *testing.T) {
	at := time.UnixMilli(time.Now().UnixMilli())
	src := Snapshot{
		RunID:         "run-1",
		ParticipantID: "user-a",
		DistanceM:     1234.5,
		DurationS:     600,
		Sequence:      42,
		ClientAt:      at,
		PaceSecPerKm:  f64(290.5),
		HeartRate:     f64(151),
		Calories:      f64(88),
		Paused:        true,
		Lat:           f64(42.6977),
		Lng:           f64(23.3219),
	}

	data, err := json.Marshal(src)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Snapshot
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.RunID != src.RunID || got.ParticipantID != src.ParticipantID {
		t.Fatalf("identity fields lost: %+v", got)
	}
	if got.DistanceM != src.DistanceM || got.DurationS != src.DurationS || got.Sequence != src.Sequence {
		t.Fatalf("telemetry fields lost: %+v", got)
	}
	if !got.ClientAt.Equal(src.ClientAt) {
		t.Fatalf("client timestamp lost: %v != %v", got.ClientAt, src.ClientAt)
	}
	if got.PaceSecPerKm == nil || *got.PaceSecPerKm != *src.PaceSecPerKm {
		t.Fatalf("pace lost")
	}
	if got.HeartRate == nil || *got.HeartRate != *src.HeartRate {
		t.Fatalf("heart rate lost")
	}
	if got.Calories == nil || *got.Calories != *src.Calories {
		t.Fatalf("calories lost")
	}
	if !got.Paused {
		t.Fatalf("paused flag lost")
	}
	if got.Lat == nil || *got.Lat != *src.Lat || got.Lng == nil || *got.Lng != *src.Lng {
		t.Fatalf("position lost")
	}
}

func TestSnapshotCompactKeys(t *testing.T) {
	data, err := json.Marshal(Snapshot{RunID: "r1", ParticipantID: "u1", Sequence: 1})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(data)
	for _, key := range []string{`"r"`, `"u"`, `"d"`, `"t"`, `"s"`} {
		if !strings.Contains(s, key) {
			t.Fatalf("missing compact key %s in %s", key, s)
		}
	}
	if strings.Contains(s, "run_id") || strings.Contains(s, "participant") {
		t.Fatalf("verbose keys leaked onto the wire: %s", s)
	}
	// nil optionals stay off the wire entirely
	for _, key := range []string{`"p"`, `"h"`, `"k"`, `"x"`, `"y"`} {
		if strings.Contains(s, key+":") {
			t.Fatalf("nil optional %s encoded: %s", key, s)
		}
	}
}

func TestSnapshotNilOptionals(t *testing.T) {
	src := Snapshot{RunID: "r1", ParticipantID: "u1", DistanceM: 10, Sequence: 3}
	data, _ := json.Marshal(src)
	var got Snapshot
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.PaceSecPerKm != nil || got.HeartRate != nil || got.Calories != nil {
		t.Fatalf("expected nil optionals, got %+v", got)
	}
	if !got.ClientAt.IsZero() {
		t.Fatalf("expected zero client time")
	}
}

func TestMessageEncodeDecodeAllKinds(t *testing.T) {
	msgs := []Message{
		SnapshotMessage(Snapshot{RunID: "r1", ParticipantID: "u1", DistanceM: 5, Sequence: 1}),
		HeartbeatMessage("r1", Heartbeat{ParticipantID: "u1", Paused: true, SentAtMS: 1700000000000}),
		RunStartedMessage(RunStarted{RunID: "r1", PartnerID: "u2", PartnerName: "Ava", PartnerMaxHR: f64(192)}),
		RunConfirmedMessage(RunConfirmed{RunID: "r1", ParticipantID: "u1", CoordinatedStart: time.Now().UTC().Truncate(time.Millisecond)}),
		RunEndedMessage(RunEnded{RunID: "r1", ParticipantID: "u1", Final: FinalStats{DistanceM: 1200, DurationS: 600}}),
		PartnerFinishedMessage(PartnerFinished{RunID: "r1", DistanceM: 800, PaceSecPerKm: f64(310)}),
		PauseMessage(PauseState{RunID: "r1", ParticipantID: "u1"}),
		ResumeMessage(PauseState{RunID: "r1", ParticipantID: "u1"}),
		SessionCancelledMessage(SessionCancelled{RunID: "r1"}),
	}

	for _, m := range msgs {
		data, err := m.Encode()
		if err != nil {
			t.Fatalf("encode %s: %v", m.Kind, err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("decode %s: %v", m.Kind, err)
		}
		if got.Kind != m.Kind {
			t.Fatalf("kind mismatch: %s != %s", got.Kind, m.Kind)
		}
		if got.ID != m.ID {
			t.Fatalf("message id lost for %s", m.Kind)
		}
		if got.RunID != "r1" {
			t.Fatalf("run id lost for %s", m.Kind)
		}
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	if _, err := Decode([]byte(`{"k":"mystery","r":"r1","i":"x","b":{}}`)); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestDecodeRejectsEmptyBody(t *testing.T) {
	if _, err := Decode([]byte(`{"k":"snapshot","r":"r1","i":"x"}`)); err == nil {
		t.Fatalf("expected error for missing body")
	}
}

func TestKindClasses(t *testing.T) {
	for _, k := range []Kind{KindRunStarted, KindRunConfirmed, KindRunEnded, KindPartnerFinished, KindSessionCancelled} {
		if !k.Guaranteed() {
			t.Fatalf("%s should be guaranteed class", k)
		}
	}
	for _, k := range []Kind{KindSnapshot, KindHeartbeat} {
		if k.Guaranteed() {
			t.Fatalf("%s should be best-effort", k)
		}
	}
	for _, k := range []Kind{KindRunStarted, KindRunEnded, KindPause, KindResume} {
		if !k.Protected() {
			t.Fatalf("%s should be eviction-protected", k)
		}
	}
	if KindSnapshot.Protected() {
		t.Fatalf("snapshots are evictable")
	}
}

func TestSeqGateMonotonicity(t *testing.T) {
	gate := NewSeqGate()
	key := GateKey("r1", "u1")

	if !gate.Admit(key, 1) {
		t.Fatalf("first sequence rejected")
	}
	if !gate.Admit(key, 5) {
		t.Fatalf("forward jump rejected")
	}
	// s1.seq < s2.seq, s2 processed first: s1 must be discarded
	if gate.Admit(key, 3) {
		t.Fatalf("stale sequence admitted")
	}
	if gate.Admit(key, 5) {
		t.Fatalf("duplicate sequence admitted")
	}
	if gate.Last(key) != 5 {
		t.Fatalf("last sequence wrong: %d", gate.Last(key))
	}

	// independent streams do not interfere
	other := GateKey("r1", "u2")
	if !gate.Admit(other, 1) {
		t.Fatalf("separate participant stream blocked")
	}

	gate.Reset(key)
	if !gate.Admit(key, 1) {
		t.Fatalf("reset should clear the stream")
	}
}
