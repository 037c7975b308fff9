// Package invite is the phone-side session coordinator. It watches the
// participant's session feed (with a polling fallback for feed gaps),
// reconciles what the service knows against what the wearable has been
// told, and synthesizes the control messages the wearable missed:
// run_started for fresh invites, the start/confirm pair for the inviter,
// partner_finished when the other side's results land, and the terminal
// message for sessions resolved while the device was unreachable.
package invite

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dmihaylov4/WRKT-sub002/internal/bridge"
	"github.com/dmihaylov4/WRKT-sub002/internal/profile"
	"github.com/dmihaylov4/WRKT-sub002/internal/protocol"
	"github.com/dmihaylov4/WRKT-sub002/internal/reconnect"
	"github.com/dmihaylov4/WRKT-sub002/internal/run"
)

// Service is the slice of the coordination service the coordinator polls.
type Service interface {
	CreateInvite(ctx context.Context, inviteeID string) (run.Session, error)
	Pending(ctx context.Context) ([]run.Session, error)
	Active(ctx context.Context) (run.Session, error)
	Get(ctx context.Context, runID string) (run.Session, error)
	DialFeed(ctx context.Context, participantID string) (bridge.SessionFeed, error)
}

// Relay is the bridge surface the coordinator drives.
type Relay interface {
	Downlink(msg protocol.Message)
	JoinRun(runID, partnerID string)
	RunID() string
}

type Config struct {
	ParticipantID    string
	PollInterval     time.Duration
	CountdownSeconds int
	Backoff          reconnect.Manager
}

// progress records which control messages have already been synthesized
// for one run, so reconciliation passes stay idempotent. The wearable's
// state gates catch redeliveries after a coordinator restart.
type progress struct {
	started   bool
	confirmed bool
	finished  bool
	resolved  bool
}

type Coordinator struct {
	cfg      Config
	svc      Service
	relay    Relay
	profiles profile.Lookup
	log      zerolog.Logger

	// handleMu serializes session handling; the feed and the fallback
	// poll may deliver the same session concurrently.
	handleMu sync.Mutex

	mu         sync.Mutex
	baseCtx    context.Context
	cancelFeed context.CancelFunc
	runs       map[string]*progress
}

func New(cfg Config, svc Service, relay Relay, profiles profile.Lookup, log zerolog.Logger) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	return &Coordinator{
		cfg:      cfg,
		svc:      svc,
		relay:    relay,
		profiles: profiles,
		log:      log.With().Str("component", "coordinator").Logger(),
		runs:     make(map[string]*progress),
	}
}

// Run reconciles on a fixed cadence until ctx is cancelled. The feed is
// started in the foreground state; the poll keeps running either way and
// covers whatever the feed misses.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	c.baseCtx = ctx
	c.mu.Unlock()

	c.Foreground()
	defer c.Background()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.reconcile(ctx)
		}
	}
}

// Foreground opens a session feed subscription, replacing any previous
// one, and kicks an immediate reconciliation to catch up.
func (c *Coordinator) Foreground() {
	c.mu.Lock()
	if c.cancelFeed != nil {
		c.cancelFeed()
	}
	base := c.baseCtx
	if base == nil {
		base = context.Background()
	}
	fctx, cancel := context.WithCancel(base)
	c.cancelFeed = cancel
	c.mu.Unlock()

	go c.feedLoop(fctx)
}

// Background tears the feed down; the fallback poll remains the only
// source of session changes until the next Foreground.
func (c *Coordinator) Background() {
	c.mu.Lock()
	if c.cancelFeed != nil {
		c.cancelFeed()
		c.cancelFeed = nil
	}
	c.mu.Unlock()
}

// Invite asks the service to create a pending session with inviteeID.
func (c *Coordinator) Invite(ctx context.Context, inviteeID string) (run.Session, error) {
	return c.svc.CreateInvite(ctx, inviteeID)
}

func (c *Coordinator) feedLoop(ctx context.Context) {
	for ctx.Err() == nil {
		var feed bridge.SessionFeed
		err := c.cfg.Backoff.Run(ctx, func(dctx context.Context) error {
			var derr error
			feed, derr = c.svc.DialFeed(dctx, c.cfg.ParticipantID)
			return derr
		})
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.log.Error().Err(err).Msg("session feed unrecoverable")
			}
			return
		}

		// Catch up on anything that changed while the feed was down.
		c.reconcile(ctx)
		c.readFeed(ctx, feed)
	}
}

func (c *Coordinator) readFeed(ctx context.Context, feed bridge.SessionFeed) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = feed.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		s, err := feed.Next()
		if err != nil {
			return
		}
		c.handleSession(ctx, s)
	}
}

// reconcile pulls the service's view and replays whatever the wearable
// is missing. Resolved sessions stop showing up under pending/active, so
// a joined run that disappeared is fetched directly to learn its outcome.
func (c *Coordinator) reconcile(ctx context.Context) {
	pending, err := c.svc.Pending(ctx)
	if err != nil {
		c.log.Debug().Err(err).Msg("pending poll failed")
	}
	for _, s := range pending {
		c.handleSession(ctx, s)
	}

	active, err := c.svc.Active(ctx)
	switch {
	case err == nil:
		c.handleSession(ctx, active)
	case errors.Is(err, run.ErrNotFound):
		if id := c.relay.RunID(); id != "" {
			if s, gerr := c.svc.Get(ctx, id); gerr == nil {
				c.handleSession(ctx, s)
			}
		}
	default:
		c.log.Debug().Err(err).Msg("active poll failed")
	}
}

func (c *Coordinator) handleSession(ctx context.Context, s run.Session) {
	me := c.cfg.ParticipantID
	if !s.Includes(me) {
		return
	}
	c.handleMu.Lock()
	defer c.handleMu.Unlock()
	st := c.track(s.ID)
	partner := s.PartnerOf(me)

	switch s.Status {
	case run.StatusPending:
		// Only the invitee's wearable is told at invite time; the
		// inviter's joins when the session goes active.
		if s.ParticipantB == me && !st.started {
			st.started = true
			c.relay.Downlink(c.runStarted(ctx, s.ID, partner))
		}

	case run.StatusActive:
		if !st.started {
			st.started = true
			c.relay.Downlink(c.runStarted(ctx, s.ID, partner))
		}
		if !st.confirmed {
			st.confirmed = true
			c.relay.Downlink(protocol.RunConfirmedMessage(protocol.RunConfirmed{
				RunID:            s.ID,
				ParticipantID:    s.ParticipantB,
				CoordinatedStart: c.coordinatedStart(s),
			}))
		}
		if stats := s.StatsFor(partner); stats.Recorded() && !st.finished {
			st.finished = true
			pf := protocol.PartnerFinished{RunID: s.ID, DistanceM: *stats.DistanceM, PaceSecPerKm: stats.PaceSecPerKm}
			c.relay.Downlink(protocol.PartnerFinishedMessage(pf))
		}
		c.relay.JoinRun(s.ID, partner)

	case run.StatusCompleted:
		if !st.resolved {
			st.resolved = true
			c.relay.Downlink(protocol.RunEndedMessage(protocol.RunEnded{
				RunID:         s.ID,
				ParticipantID: me,
				Final:         finalFrom(s.StatsFor(me)),
			}))
			c.forget(s.ID)
		}

	case run.StatusCancelled:
		if !st.resolved {
			st.resolved = true
			c.relay.Downlink(protocol.SessionCancelledMessage(protocol.SessionCancelled{RunID: s.ID}))
			c.forget(s.ID)
		}
	}
}

// coordinatedStart derives the shared countdown target from the moment
// the invite was accepted. The confirming wearable computed the same
// target locally, to within uplink latency.
func (c *Coordinator) coordinatedStart(s run.Session) time.Time {
	base := time.Now()
	if s.StartedAt != nil {
		base = *s.StartedAt
	}
	return base.Add(time.Duration(c.cfg.CountdownSeconds) * time.Second)
}

func (c *Coordinator) runStarted(ctx context.Context, runID, partnerID string) protocol.Message {
	rs := protocol.RunStarted{RunID: runID, PartnerID: partnerID, PartnerName: partnerID}
	if c.profiles != nil {
		if p, err := c.profiles.Lookup(ctx, partnerID); err == nil {
			rs.PartnerName = p.DisplayName
			rs.PartnerMaxHR = p.MaxHeartRate
		}
	}
	return protocol.RunStartedMessage(rs)
}

func finalFrom(stats run.ParticipantStats) protocol.FinalStats {
	var f protocol.FinalStats
	if stats.DistanceM != nil {
		f.DistanceM = *stats.DistanceM
	}
	if stats.DurationS != nil {
		f.DurationS = *stats.DurationS
	}
	f.PaceSecPerKm = stats.PaceSecPerKm
	f.HeartRate = stats.HeartRate
	return f
}

func (c *Coordinator) track(runID string) *progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.runs[runID]
	if !ok {
		st = &progress{}
		c.runs[runID] = st
	}
	return st
}

func (c *Coordinator) forget(runID string) {
	c.mu.Lock()
	delete(c.runs, runID)
	c.mu.Unlock()
}
