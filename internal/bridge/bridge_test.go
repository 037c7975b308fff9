package bridge

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dmihaylov4/WRKT-sub002/internal/devicelink"
	"github.com/dmihaylov4/WRKT-sub002/internal/protocol"
	"github.com/dmihaylov4/WRKT-sub002/internal/reconnect"
	"github.com/dmihaylov4/WRKT-sub002/internal/run"
)

type fakeChannel struct {
	mu     sync.Mutex
	in     chan protocol.Message
	wrote  []protocol.Message
	closed bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{in: make(chan protocol.Message, 32)}
}

func (f *fakeChannel) Read() (protocol.Message, error) {
	msg, ok := <-f.in
	if !ok {
		return protocol.Message{}, io.EOF
	}
	return msg, nil
}

func (f *fakeChannel) Write(msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("channel closed")
	}
	f.wrote = append(f.wrote, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.in)
	}
	return nil
}

func (f *fakeChannel) inject(msg protocol.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.in <- msg
	}
}

func (f *fakeChannel) written() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Message, len(f.wrote))
	copy(out, f.wrote)
	return out
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeService struct {
	mu          sync.Mutex
	session     run.Session
	snapshot    *protocol.Snapshot
	acceptErr   error
	completeErr error
	accepts     []string
	declines    []string
	completes   []protocol.FinalStats
	channels    []*fakeChannel
}

func (s *fakeService) Accept(_ context.Context, runID string) (run.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepts = append(s.accepts, runID)
	if s.acceptErr != nil {
		return run.Session{}, s.acceptErr
	}
	return s.session, nil
}

func (s *fakeService) Decline(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.declines = append(s.declines, runID)
	return nil
}

func (s *fakeService) Complete(_ context.Context, runID string, final protocol.FinalStats) (run.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completes = append(s.completes, final)
	if s.completeErr != nil {
		return run.Session{}, s.completeErr
	}
	return s.session, nil
}

func (s *fakeService) FetchLatestSnapshot(_ context.Context, runID, participantID string) (protocol.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return protocol.Snapshot{}, run.ErrNotFound
	}
	return *s.snapshot, nil
}

func (s *fakeService) DialRun(_ context.Context, runID string) (RunChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := newFakeChannel()
	s.channels = append(s.channels, ch)
	return ch, nil
}

func (s *fakeService) setCompleteErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completeErr = err
}

func (s *fakeService) acceptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accepts)
}

func (s *fakeService) declineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.declines)
}

func (s *fakeService) completed() []protocol.FinalStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.FinalStats, len(s.completes))
	copy(out, s.completes)
	return out
}

func (s *fakeService) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

func (s *fakeService) channel(t *testing.T, i int) *fakeChannel {
	t.Helper()
	waitFor(t, "channel dial", func() bool { return s.dialCount() > i })
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[i]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func recvKind(t *testing.T, ep *devicelink.Endpoint, kind protocol.Kind) protocol.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-ep.Receive():
			if msg.Kind == kind {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s on wearable side", kind)
		}
	}
}

func newTestBridge(t *testing.T) (*Bridge, *devicelink.Endpoint, *fakeService) {
	t.Helper()
	outbox, err := OpenOutbox(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	t.Cleanup(func() { outbox.Close() })

	pair := devicelink.NewPair()
	svc := &fakeService{session: run.Session{
		ID:           "run-1",
		ParticipantA: "p-a",
		ParticipantB: "p-b",
		Status:       run.StatusActive,
	}}
	b := New(Config{
		ParticipantID: "p-a",
		QueueCapacity: 8,
		Backoff:       reconnect.Manager{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond},
	}, pair.B, svc, outbox, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Run(ctx)
	return b, pair.A, svc
}

func TestUplinkRunEndedCompletesRun(t *testing.T) {
	b, wear, svc := newTestBridge(t)

	wear.SendGuaranteed(protocol.RunEndedMessage(protocol.RunEnded{
		RunID:         "run-1",
		ParticipantID: "p-a",
		Final:         protocol.FinalStats{DistanceM: 1200, DurationS: 540},
	}))

	waitFor(t, "complete call", func() bool { return len(svc.completed()) == 1 })
	got := svc.completed()[0]
	if got.DistanceM != 1200 || got.DurationS != 540 {
		t.Fatalf("completed with %+v, want distance 1200 duration 540", got)
	}
	waitFor(t, "outbox empty", func() bool { return b.outbox.Depth() == 0 })
}

func TestDualPathUplinkDeliversOnce(t *testing.T) {
	_, wear, svc := newTestBridge(t)

	msg := protocol.RunEndedMessage(protocol.RunEnded{
		RunID:         "run-1",
		ParticipantID: "p-a",
		Final:         protocol.FinalStats{DistanceM: 800},
	})
	wear.SendGuaranteed(msg)
	if err := wear.SendInstant(msg); err != nil {
		t.Fatalf("instant copy: %v", err)
	}

	waitFor(t, "complete call", func() bool { return len(svc.completed()) >= 1 })
	time.Sleep(50 * time.Millisecond)
	if n := len(svc.completed()); n != 1 {
		t.Fatalf("complete called %d times for one dual-path message, want 1", n)
	}
}

func TestConfirmAcceptsJoinsAndCatchesUp(t *testing.T) {
	b, wear, svc := newTestBridge(t)
	svc.snapshot = &protocol.Snapshot{RunID: "run-1", ParticipantID: "p-b", DistanceM: 640, Sequence: 9}

	wear.SendGuaranteed(protocol.RunConfirmedMessage(protocol.RunConfirmed{
		RunID:            "run-1",
		ParticipantID:    "p-a",
		CoordinatedStart: time.Now().Add(3 * time.Second),
	}))

	waitFor(t, "accept call", func() bool { return svc.acceptCount() == 1 })
	waitFor(t, "run joined", func() bool { return b.RunID() == "run-1" })

	msg := recvKind(t, wear, protocol.KindSnapshot)
	if msg.Snapshot.ParticipantID != "p-b" || msg.Snapshot.DistanceM != 640 {
		t.Fatalf("catch-up snapshot = %+v, want partner p-b at 640m", msg.Snapshot)
	}
}

func TestDeclineUplinkMapsToDecline(t *testing.T) {
	b, wear, svc := newTestBridge(t)

	wear.SendGuaranteed(protocol.SessionCancelledMessage(protocol.SessionCancelled{RunID: "run-9"}))

	waitFor(t, "decline call", func() bool { return svc.declineCount() == 1 })
	if b.RunID() != "" {
		t.Fatalf("decline must not join a run, joined %q", b.RunID())
	}
}

func TestLiveSnapshotsPublishWhileAttached(t *testing.T) {
	b, wear, svc := newTestBridge(t)
	b.JoinRun("run-1", "p-b")
	ch := svc.channel(t, 0)
	waitFor(t, "channel attached", func() bool { return b.Attached() })

	for seq := uint64(1); seq <= 3; seq++ {
		if err := wear.SendInstant(protocol.SnapshotMessage(protocol.Snapshot{
			RunID: "run-1", ParticipantID: "p-a", Sequence: seq,
		})); err != nil {
			t.Fatalf("send snapshot %d: %v", seq, err)
		}
	}

	waitFor(t, "snapshots published", func() bool { return len(ch.written()) == 3 })
	for i, msg := range ch.written() {
		if msg.Kind != protocol.KindSnapshot || msg.Snapshot.Sequence != uint64(i+1) {
			t.Fatalf("published %d = %s seq %d, want snapshot seq %d", i, msg.Kind, msg.Snapshot.Sequence, i+1)
		}
	}
}

func TestOfflineQueueFlushesOnAttach(t *testing.T) {
	b, wear, svc := newTestBridge(t)

	for seq := uint64(1); seq <= 2; seq++ {
		if err := wear.SendInstant(protocol.SnapshotMessage(protocol.Snapshot{
			RunID: "run-1", ParticipantID: "p-a", Sequence: seq,
		})); err != nil {
			t.Fatalf("send snapshot %d: %v", seq, err)
		}
	}
	waitFor(t, "snapshots queued", func() bool { return b.queue.Len() == 2 })

	b.JoinRun("run-1", "p-b")
	ch := svc.channel(t, 0)

	waitFor(t, "queue flushed", func() bool { return len(ch.written()) == 2 })
	got := ch.written()
	if got[0].Snapshot.Sequence != 1 || got[1].Snapshot.Sequence != 2 {
		t.Fatalf("flush order = %d,%d, want 1,2", got[0].Snapshot.Sequence, got[1].Snapshot.Sequence)
	}
}

func TestDownlinkControlDualDeliveryWithDedup(t *testing.T) {
	b, wear, svc := newTestBridge(t)
	b.JoinRun("run-1", "p-b")
	ch := svc.channel(t, 0)

	msg := protocol.PartnerFinishedMessage(protocol.PartnerFinished{RunID: "run-1", DistanceM: 800})
	ch.inject(msg)

	first := recvKind(t, wear, protocol.KindPartnerFinished)
	second := recvKind(t, wear, protocol.KindPartnerFinished)
	if first.ID != msg.ID || second.ID != msg.ID {
		t.Fatal("both delivery paths must carry the original message id")
	}

	ch.inject(msg)
	select {
	case extra := <-wear.Receive():
		t.Fatalf("redelivered %s after dedup, want silence", extra.Kind)
	case <-time.After(80 * time.Millisecond):
	}
}

func TestDownlinkDropsOwnEcho(t *testing.T) {
	b, wear, svc := newTestBridge(t)
	b.JoinRun("run-1", "p-b")
	ch := svc.channel(t, 0)

	ch.inject(protocol.SnapshotMessage(protocol.Snapshot{RunID: "run-1", ParticipantID: "p-a", Sequence: 4}))
	select {
	case msg := <-wear.Receive():
		t.Fatalf("own echo %s reached the wearable", msg.Kind)
	case <-time.After(80 * time.Millisecond):
	}

	ch.inject(protocol.SnapshotMessage(protocol.Snapshot{RunID: "run-1", ParticipantID: "p-b", Sequence: 5}))
	msg := recvKind(t, wear, protocol.KindSnapshot)
	if msg.Snapshot.ParticipantID != "p-b" {
		t.Fatalf("delivered snapshot from %s, want p-b", msg.Snapshot.ParticipantID)
	}
}

func TestSessionCancelledClosesSubscription(t *testing.T) {
	b, wear, svc := newTestBridge(t)
	b.JoinRun("run-1", "p-b")
	ch := svc.channel(t, 0)

	ch.inject(protocol.SessionCancelledMessage(protocol.SessionCancelled{RunID: "run-1"}))

	recvKind(t, wear, protocol.KindSessionCancelled)
	waitFor(t, "subscription left", func() bool { return b.RunID() == "" })
	waitFor(t, "channel closed", func() bool { return ch.isClosed() })
}

func TestReconnectRedialsAndReplaysSnapshot(t *testing.T) {
	b, wear, svc := newTestBridge(t)
	svc.snapshot = &protocol.Snapshot{RunID: "run-1", ParticipantID: "p-b", DistanceM: 500, Sequence: 7}
	b.JoinRun("run-1", "p-b")

	first := svc.channel(t, 0)
	recvKind(t, wear, protocol.KindSnapshot)

	first.Close()

	svc.channel(t, 1)
	msg := recvKind(t, wear, protocol.KindSnapshot)
	if msg.Snapshot.Sequence != 7 {
		t.Fatalf("replayed snapshot seq = %d, want 7", msg.Snapshot.Sequence)
	}
	if b.RunID() != "run-1" {
		t.Fatal("subscription must survive a channel drop")
	}
}

func TestRetriableFailureKeepsMessageForNextDrain(t *testing.T) {
	b, wear, svc := newTestBridge(t)
	svc.setCompleteErr(errors.New("connection refused"))

	wear.SendGuaranteed(protocol.RunEndedMessage(protocol.RunEnded{
		RunID:         "run-1",
		ParticipantID: "p-a",
		Final:         protocol.FinalStats{DistanceM: 1000},
	}))

	waitFor(t, "first attempt", func() bool { return len(svc.completed()) == 1 })
	if b.outbox.Depth() != 1 {
		t.Fatalf("outbox depth after retriable failure = %d, want 1", b.outbox.Depth())
	}

	svc.setCompleteErr(nil)
	b.JoinRun("run-1", "p-b")

	waitFor(t, "retry succeeded", func() bool { return b.outbox.Depth() == 0 })
	if n := len(svc.completed()); n != 2 {
		t.Fatalf("complete attempts = %d, want 2", n)
	}
}

func TestAlreadyResolvedConsumesMessage(t *testing.T) {
	b, wear, svc := newTestBridge(t)
	svc.setCompleteErr(run.ErrAlreadyResolved)

	wear.SendGuaranteed(protocol.RunEndedMessage(protocol.RunEnded{
		RunID:         "run-1",
		ParticipantID: "p-a",
		Final:         protocol.FinalStats{DistanceM: 1000},
	}))

	waitFor(t, "complete attempt", func() bool { return len(svc.completed()) == 1 })
	waitFor(t, "outbox empty", func() bool { return b.outbox.Depth() == 0 })
}
