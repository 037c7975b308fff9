// Package bridge is the phone-side relay between the wearable link and the
// coordination service. Guaranteed-class uplinks ride a durable outbox and
// become idempotent service calls; live telemetry rides the run websocket
// with a bounded offline queue; inbound channel traffic is deduplicated and
// self-echoes are dropped before anything reaches the wearable.
package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dmihaylov4/WRKT-sub002/internal/devicelink"
	"github.com/dmihaylov4/WRKT-sub002/internal/metrics"
	"github.com/dmihaylov4/WRKT-sub002/internal/protocol"
	"github.com/dmihaylov4/WRKT-sub002/internal/reconnect"
	"github.com/dmihaylov4/WRKT-sub002/internal/run"
)

type Config struct {
	ParticipantID string
	QueueCapacity int
	Backoff       reconnect.Manager
}

type Bridge struct {
	cfg    Config
	link   devicelink.Link
	client ServiceClient
	outbox *Outbox
	queue  *Queue
	log    zerolog.Logger

	// drainMu serializes outbox drains; a drain triggered by an uplink
	// and one triggered by a channel attach must not interleave.
	drainMu sync.Mutex

	mu        sync.Mutex
	baseCtx   context.Context
	conn      RunChannel
	runID     string
	partnerID string
	leave     context.CancelFunc
}

func New(cfg Config, link devicelink.Link, client ServiceClient, outbox *Outbox, log zerolog.Logger) *Bridge {
	return &Bridge{
		cfg:    cfg,
		link:   link,
		client: client,
		outbox: outbox,
		queue:  NewQueue(cfg.QueueCapacity),
		log:    log.With().Str("component", "bridge").Logger(),
	}
}

// Run pumps wearable uplink traffic until ctx is cancelled or the link
// closes. It must be running before JoinRun is called.
func (b *Bridge) Run(ctx context.Context) error {
	b.mu.Lock()
	b.baseCtx = ctx
	b.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-b.link.Receive():
			if !ok {
				return nil
			}
			b.uplink(ctx, msg)
		}
	}
}

func (b *Bridge) uplink(ctx context.Context, msg protocol.Message) {
	if msg.Kind.Guaranteed() {
		if b.outbox.Seen(msg.RunID, msg.Kind, msg.ID) {
			return
		}
		if err := b.outbox.Enqueue(msg); err != nil {
			b.log.Error().Err(err).Str("kind", string(msg.Kind)).Msg("outbox enqueue failed")
			return
		}
		if _, err := b.drainOutbox(ctx); err != nil {
			b.log.Warn().Err(err).Msg("outbox drain interrupted, will retry on reconnect")
		}
		return
	}

	if b.publish(msg) {
		return
	}
	if !b.queue.Offer(msg) {
		b.log.Debug().Str("kind", string(msg.Kind)).Msg("offline queue full, message dropped")
	}
}

// publish writes msg to the attached run channel. False means not attached
// or the write failed; the caller decides whether to queue.
func (b *Bridge) publish(msg protocol.Message) bool {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return false
	}
	return conn.Write(msg) == nil
}

func (b *Bridge) drainOutbox(ctx context.Context) (int, error) {
	b.drainMu.Lock()
	defer b.drainMu.Unlock()
	n, err := b.outbox.Drain(func(msg protocol.Message) error {
		return b.deliver(ctx, msg)
	})
	metrics.OutboxDepth.Set(float64(b.outbox.Depth()))
	return n, err
}

// deliver turns one guaranteed-class message into its service call. Mapped
// service errors are permanent outcomes and consume the message; anything
// else (network, 5xx) is retriable and halts the drain.
func (b *Bridge) deliver(ctx context.Context, msg protocol.Message) error {
	var err error
	switch msg.Kind {
	case protocol.KindRunConfirmed:
		var sess run.Session
		sess, err = b.client.Accept(ctx, msg.RunID)
		if err == nil {
			b.JoinRun(sess.ID, sess.PartnerOf(b.cfg.ParticipantID))
		}
	case protocol.KindRunEnded:
		if msg.RunEnded != nil {
			_, err = b.client.Complete(ctx, msg.RunID, msg.RunEnded.Final)
		}
	case protocol.KindSessionCancelled:
		err = b.client.Decline(ctx, msg.RunID)
	}

	if err != nil {
		if run.ErrorCode(err) == "" {
			return err
		}
		if !errors.Is(err, run.ErrAlreadyResolved) {
			b.log.Warn().Err(err).Str("kind", string(msg.Kind)).Str("run_id", msg.RunID).Msg("service rejected uplink")
		}
	}

	b.publish(msg)
	if msg.Kind == protocol.KindRunEnded && msg.RunEnded != nil && msg.RunEnded.ParticipantID == b.cfg.ParticipantID {
		b.LeaveRun()
	}
	return nil
}

// Downlink routes one service-side message toward the wearable. It is fed
// by the run channel read loop and by coordinator fallback synthesis.
func (b *Bridge) Downlink(msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindSnapshot, protocol.KindHeartbeat, protocol.KindPause, protocol.KindResume:
		if participantOf(msg) == b.cfg.ParticipantID {
			return
		}
		if err := b.link.SendInstant(msg); err != nil {
			b.log.Debug().Str("kind", string(msg.Kind)).Msg("wearable unreachable, live message dropped")
		}
		return
	}

	if b.outbox.Seen(msg.RunID, msg.Kind, msg.ID) {
		return
	}
	b.link.SendGuaranteed(msg)
	_ = b.link.SendInstant(msg)

	switch msg.Kind {
	case protocol.KindSessionCancelled:
		b.LeaveRun()
	case protocol.KindRunEnded:
		if msg.RunEnded != nil && msg.RunEnded.ParticipantID == b.cfg.ParticipantID {
			b.LeaveRun()
		}
	}
}

// JoinRun subscribes the bridge to runID's live channel and keeps the
// subscription alive across drops. Joining the current run is a no-op;
// joining a different run replaces the previous subscription.
func (b *Bridge) JoinRun(runID, partnerID string) {
	b.mu.Lock()
	if b.runID == runID {
		b.mu.Unlock()
		return
	}
	if b.leave != nil {
		b.leave()
	}
	base := b.baseCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	b.runID = runID
	b.partnerID = partnerID
	b.leave = cancel
	b.mu.Unlock()

	go b.maintain(ctx, runID, partnerID)
}

// LeaveRun drops the current live channel subscription, if any.
func (b *Bridge) LeaveRun() {
	b.mu.Lock()
	leave := b.leave
	b.mu.Unlock()
	if leave != nil {
		leave()
	}
}

// RunID reports the currently joined run, or "".
func (b *Bridge) RunID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runID
}

// Attached reports whether a live channel is currently connected.
func (b *Bridge) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

func (b *Bridge) maintain(ctx context.Context, runID, partnerID string) {
	defer b.forget(runID)

	for ctx.Err() == nil {
		var ch RunChannel
		err := b.cfg.Backoff.Run(ctx, func(dctx context.Context) error {
			var derr error
			ch, derr = b.client.DialRun(dctx, runID)
			return derr
		})
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				b.log.Error().Err(err).Str("run_id", runID).Msg("live channel unrecoverable")
			}
			return
		}

		b.attach(ch)
		b.catchUp(ctx, runID, partnerID)
		if _, err := b.drainOutbox(ctx); err == nil {
			b.flushQueue()
		}
		b.readLoop(ctx, ch)
		b.detach(ch)
	}
}

func (b *Bridge) attach(ch RunChannel) {
	b.mu.Lock()
	b.conn = ch
	b.mu.Unlock()
}

func (b *Bridge) detach(ch RunChannel) {
	_ = ch.Close()
	b.mu.Lock()
	if b.conn == ch {
		b.conn = nil
	}
	b.mu.Unlock()
}

func (b *Bridge) forget(runID string) {
	b.mu.Lock()
	if b.runID == runID {
		b.runID = ""
		b.partnerID = ""
		b.leave = nil
	}
	b.mu.Unlock()
}

// catchUp replays the partner's newest durable snapshot so the wearable's
// view recovers immediately after a gap. Stale fetches are discarded by the
// wearable's own sequence gate.
func (b *Bridge) catchUp(ctx context.Context, runID, partnerID string) {
	if partnerID == "" {
		return
	}
	snap, err := b.client.FetchLatestSnapshot(ctx, runID, partnerID)
	if err != nil {
		if !errors.Is(err, run.ErrNotFound) {
			b.log.Warn().Err(err).Str("run_id", runID).Msg("catch-up fetch failed")
		}
		return
	}
	b.Downlink(protocol.SnapshotMessage(snap))
}

// flushQueue replays queued best-effort traffic in order. A failed write
// puts the remainder back for the next attach.
func (b *Bridge) flushQueue() {
	msgs := b.queue.PopAll()
	for i, msg := range msgs {
		if !b.publish(msg) {
			b.queue.Requeue(msgs[i:])
			return
		}
	}
}

func (b *Bridge) readLoop(ctx context.Context, ch RunChannel) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = ch.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		msg, err := ch.Read()
		if err != nil {
			return
		}
		b.Downlink(msg)
	}
}

func participantOf(msg protocol.Message) string {
	switch msg.Kind {
	case protocol.KindSnapshot:
		if msg.Snapshot != nil {
			return msg.Snapshot.ParticipantID
		}
	case protocol.KindHeartbeat:
		if msg.Heartbeat != nil {
			return msg.Heartbeat.ParticipantID
		}
	case protocol.KindPause:
		if msg.Pause != nil {
			return msg.Pause.ParticipantID
		}
	case protocol.KindResume:
		if msg.Resume != nil {
			return msg.Resume.ParticipantID
		}
	case protocol.KindRunConfirmed:
		if msg.RunConfirmed != nil {
			return msg.RunConfirmed.ParticipantID
		}
	case protocol.KindRunEnded:
		if msg.RunEnded != nil {
			return msg.RunEnded.ParticipantID
		}
	}
	return ""
}
