package devicelink

import (
	"errors"
	"testing"
	"time"

	"github.com/dmihaylov4/WRKT-sub002/internal/protocol"
)

func recvOne(t *testing.T, e *Endpoint) protocol.Message {
	t.Helper()
	select {
	case msg := <-e.Receive():
		return msg
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("timeout waiting for message")
		return protocol.Message{}
	}
}

func TestInstantDeliversWhileReachable(t *testing.T) {
	pair := NewPair()
	msg := protocol.HeartbeatMessage("r1", protocol.Heartbeat{ParticipantID: "u1"})

	if err := pair.A.SendInstant(msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := recvOne(t, pair.B)
	if got.ID != msg.ID {
		t.Fatalf("wrong message delivered")
	}
}

func TestInstantFailsWhileUnreachable(t *testing.T) {
	pair := NewPair()
	pair.SetReachable(false)

	err := pair.A.SendInstant(protocol.HeartbeatMessage("r1", protocol.Heartbeat{ParticipantID: "u1"}))
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}

	select {
	case <-pair.B.Receive():
		t.Fatalf("nothing should arrive")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestGuaranteedSurvivesUnreachability(t *testing.T) {
	pair := NewPair()
	pair.SetReachable(false)

	first := protocol.RunEndedMessage(protocol.RunEnded{RunID: "r1", ParticipantID: "u1"})
	second := protocol.SessionCancelledMessage(protocol.SessionCancelled{RunID: "r1"})
	pair.A.SendGuaranteed(first)
	pair.A.SendGuaranteed(second)

	pair.SetReachable(true)

	if got := recvOne(t, pair.B); got.ID != first.ID {
		t.Fatalf("guaranteed delivery out of order")
	}
	if got := recvOne(t, pair.B); got.ID != second.ID {
		t.Fatalf("second guaranteed message lost")
	}
}

func TestGuaranteedImmediateWhenReachable(t *testing.T) {
	pair := NewPair()
	msg := protocol.RunStartedMessage(protocol.RunStarted{RunID: "r1", PartnerID: "u2", PartnerName: "Ava"})
	pair.A.SendGuaranteed(msg)
	if got := recvOne(t, pair.B); got.ID != msg.ID {
		t.Fatalf("expected immediate delivery")
	}
}

func TestReachabilityNotifications(t *testing.T) {
	pair := NewPair()
	pair.SetReachable(false)

	select {
	case v := <-pair.A.ReachabilityChanges():
		if v {
			t.Fatalf("expected false notification")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("no notification")
	}

	// no-op transition does not notify
	pair.SetReachable(false)
	select {
	case <-pair.A.ReachabilityChanges():
		t.Fatalf("duplicate notification for unchanged state")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	pair := NewPair()
	pair.B.Close()
	err := pair.A.SendInstant(protocol.HeartbeatMessage("r1", protocol.Heartbeat{ParticipantID: "u1"}))
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable after close, got %v", err)
	}
	pair.B.Close() // idempotent
}
