package run

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/dmihaylov4/WRKT-sub002/internal/db"
	"github.com/dmihaylov4/WRKT-sub002/internal/events"
	"github.com/dmihaylov4/WRKT-sub002/internal/metrics"
	"github.com/dmihaylov4/WRKT-sub002/internal/profile"
	"github.com/dmihaylov4/WRKT-sub002/internal/protocol"
	"github.com/dmihaylov4/WRKT-sub002/internal/push"
)

// ChannelTopic is the hub topic carrying live relay frames for one run.
func ChannelTopic(runID string) string { return "run:" + runID }

// FeedTopic is the hub topic carrying session lifecycle records for one
// participant.
func FeedTopic(participantID string) string { return "participant:" + participantID }

// Broadcaster fans a payload out to every subscriber of a topic.
type Broadcaster interface {
	Broadcast(topic string, payload []byte)
}

// Options carries the service tunables and optional collaborators.
type Options struct {
	InviteTTL       time.Duration
	ClockSkewBudget time.Duration
	Notifier        push.Notifier
	Profiles        profile.Lookup
	Log             zerolog.Logger
}

type Service struct {
	db       db.Querier
	hub      Broadcaster
	broker   *events.Broker
	flusher  *Flusher
	gate     *protocol.SeqGate
	notifier push.Notifier
	profiles profile.Lookup
	ttl      time.Duration
	skew     time.Duration
	log      zerolog.Logger
	now      func() time.Time
}

func NewService(q db.Querier, hub Broadcaster, broker *events.Broker, flusher *Flusher, opts Options) *Service {
	notifier := opts.Notifier
	if notifier == nil {
		notifier = push.Noop{}
	}
	return &Service{
		db:       q,
		hub:      hub,
		broker:   broker,
		flusher:  flusher,
		gate:     protocol.NewSeqGate(),
		notifier: notifier,
		profiles: opts.Profiles,
		ttl:      opts.InviteTTL,
		skew:     opts.ClockSkewBudget,
		log:      opts.Log,
		now:      time.Now,
	}
}

const sessionColumns = `id, participant_a, participant_b, status, created_at, started_at, ended_at,
		distance_a, duration_a, pace_a, heart_rate_a,
		distance_b, duration_b, pace_b, heart_rate_b,
		winner_id`

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.ParticipantA, &s.ParticipantB, &s.Status, &s.CreatedAt, &s.StartedAt, &s.EndedAt,
		&s.StatsA.DistanceM, &s.StatsA.DurationS, &s.StatsA.PaceSecPerKm, &s.StatsA.HeartRate,
		&s.StatsB.DistanceM, &s.StatsB.DurationS, &s.StatsB.PaceSecPerKm, &s.StatsB.HeartRate,
		&s.WinnerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return s, err
}

// CreateInvite opens a pending session from inviterID to inviteeID. A
// participant with an unresolved session on either side cannot be paired
// again until it resolves.
func (s *Service) CreateInvite(ctx context.Context, inviterID, inviteeID string) (Session, error) {
	if inviteeID == "" || inviteeID == inviterID {
		return Session{}, errors.New("invitee must be another participant")
	}

	var busy int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM run_sessions
		WHERE status IN ('pending','active')
		  AND (participant_a = ANY($1) OR participant_b = ANY($1))
	`, []string{inviterID, inviteeID}).Scan(&busy)
	if err != nil {
		return Session{}, err
	}
	if busy > 0 {
		return Session{}, ErrAlreadyActive
	}

	sess := Session{
		ID:           uuid.NewString(),
		ParticipantA: inviterID,
		ParticipantB: inviteeID,
		Status:       StatusPending,
		CreatedAt:    s.now(),
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO run_sessions (id, participant_a, participant_b, status, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, sess.ID, sess.ParticipantA, sess.ParticipantB, string(sess.Status), sess.CreatedAt)
	if err != nil {
		return Session{}, err
	}

	s.broadcastSession(sess)
	s.notifyInvitee(ctx, sess)
	return sess, nil
}

// Accept moves a pending invite to active; only the invitee may accept.
// An invite past its TTL is cancelled on the spot instead.
func (s *Service) Accept(ctx context.Context, callerID, runID string) (Session, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Session{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	sess, err := lockSession(ctx, tx, runID)
	if err != nil {
		return Session{}, err
	}
	if sess.ParticipantB != callerID {
		return Session{}, ErrNotFound
	}
	if sess.Status != StatusPending {
		return Session{}, ErrAlreadyResolved
	}

	now := s.now()
	if s.ttl > 0 && now.Sub(sess.CreatedAt) > s.ttl {
		if _, err := tx.Exec(ctx, `UPDATE run_sessions SET status='cancelled', ended_at=$2 WHERE id=$1`, runID, now); err != nil {
			return Session{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Session{}, err
		}
		committed = true
		sess.Status = StatusCancelled
		sess.EndedAt = &now
		metrics.InviteOutcomes.WithLabelValues("expired").Inc()
		s.broadcastSession(sess)
		return Session{}, ErrAlreadyResolved
	}

	// The create-time busy check is not serialized; racing invites can
	// both pass it. Re-check under the row lock before activating.
	var busy int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM run_sessions
		WHERE status='active' AND id <> $2
		  AND (participant_a = ANY($1) OR participant_b = ANY($1))
	`, []string{sess.ParticipantA, sess.ParticipantB}, runID).Scan(&busy)
	if err != nil {
		return Session{}, err
	}
	if busy > 0 {
		return Session{}, ErrAlreadyActive
	}

	if _, err := tx.Exec(ctx, `UPDATE run_sessions SET status='active', started_at=$2 WHERE id=$1`, runID, now); err != nil {
		return Session{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Session{}, err
	}
	committed = true

	sess.Status = StatusActive
	sess.StartedAt = &now
	metrics.InviteOutcomes.WithLabelValues("accepted").Inc()
	s.broadcastSession(sess)
	return sess, nil
}

// Decline cancels a pending invite. Either side may do it: the invitee
// declining, or the inviter withdrawing.
func (s *Service) Decline(ctx context.Context, callerID, runID string) (Session, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Session{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	sess, err := lockSession(ctx, tx, runID)
	if err != nil {
		return Session{}, err
	}
	if !sess.Includes(callerID) {
		return Session{}, ErrNotFound
	}
	if sess.Status != StatusPending {
		return Session{}, ErrAlreadyResolved
	}

	now := s.now()
	if _, err := tx.Exec(ctx, `UPDATE run_sessions SET status='cancelled', ended_at=$2 WHERE id=$1`, runID, now); err != nil {
		return Session{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Session{}, err
	}
	committed = true

	sess.Status = StatusCancelled
	sess.EndedAt = &now
	metrics.InviteOutcomes.WithLabelValues("declined").Inc()
	s.broadcastSession(sess)
	return sess, nil
}

const (
	updateStatsA = `UPDATE run_sessions SET distance_a=$2, duration_a=$3, pace_a=$4, heart_rate_a=$5 WHERE id=$1`
	updateStatsB = `UPDATE run_sessions SET distance_b=$2, duration_b=$3, pace_b=$4, heart_rate_b=$5 WHERE id=$1`
)

// Complete records callerID's end-of-run stats. The first completion per
// side wins; the session finalizes once both sides are recorded, with the
// longer distance taking the win and ties taking none. Concurrent
// completers serialize on the session row.
func (s *Service) Complete(ctx context.Context, callerID, runID string, final protocol.FinalStats) (Session, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Session{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	sess, err := lockSession(ctx, tx, runID)
	if err != nil {
		return Session{}, err
	}
	if !sess.Includes(callerID) {
		return Session{}, ErrNotFound
	}
	switch sess.Status {
	case StatusCompleted, StatusCancelled:
		return Session{}, ErrAlreadyResolved
	case StatusPending:
		return Session{}, ErrNotFound
	}

	if mine := sess.StatsFor(callerID); !mine.Recorded() {
		distance, duration := final.DistanceM, final.DurationS
		stats := ParticipantStats{
			DistanceM:    &distance,
			DurationS:    &duration,
			PaceSecPerKm: final.PaceSecPerKm,
			HeartRate:    final.HeartRate,
		}
		query := updateStatsA
		if callerID == sess.ParticipantB {
			query = updateStatsB
		}
		if _, err := tx.Exec(ctx, query, runID, distance, duration, final.PaceSecPerKm, final.HeartRate); err != nil {
			return Session{}, err
		}
		if callerID == sess.ParticipantA {
			sess.StatsA = stats
		} else {
			sess.StatsB = stats
		}
	}

	finalized := sess.StatsA.Recorded() && sess.StatsB.Recorded()
	if finalized {
		now := s.now()
		winner := winnerOf(sess)
		if _, err := tx.Exec(ctx, `UPDATE run_sessions SET status='completed', ended_at=$2, winner_id=$3 WHERE id=$1`, runID, now, winner); err != nil {
			return Session{}, err
		}
		sess.Status = StatusCompleted
		sess.EndedAt = &now
		sess.WinnerID = winner
	}

	if err := tx.Commit(ctx); err != nil {
		return Session{}, err
	}
	committed = true

	if finalized {
		metrics.RunsCompleted.Inc()
		s.publishCompleted(sess)
		s.ResetGate(runID, sess.ParticipantA)
		s.ResetGate(runID, sess.ParticipantB)
	}
	s.broadcastSession(sess)
	return sess, nil
}

// Get returns one session visible to callerID.
func (s *Service) Get(ctx context.Context, callerID, runID string) (Session, error) {
	sess, err := scanSession(s.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM run_sessions WHERE id=$1`, runID))
	if err != nil {
		return Session{}, err
	}
	if !sess.Includes(callerID) {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

// Pending lists callerID's unresolved invites, both sent and received.
func (s *Service) Pending(ctx context.Context, callerID string) ([]Session, error) {
	return s.list(ctx, `
		SELECT `+sessionColumns+` FROM run_sessions
		WHERE status='pending' AND (participant_a=$1 OR participant_b=$1)
		ORDER BY created_at
	`, callerID)
}

// Active returns callerID's live session, or ErrNotFound.
func (s *Service) Active(ctx context.Context, callerID string) (Session, error) {
	return scanSession(s.db.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM run_sessions
		WHERE status='active' AND (participant_a=$1 OR participant_b=$1)
		ORDER BY started_at DESC
		LIMIT 1
	`, callerID))
}

// History lists callerID's resolved sessions, newest first.
func (s *Service) History(ctx context.Context, callerID string) ([]Session, error) {
	return s.list(ctx, `
		SELECT `+sessionColumns+` FROM run_sessions
		WHERE status IN ('completed','cancelled') AND (participant_a=$1 OR participant_b=$1)
		ORDER BY created_at DESC
		LIMIT 50
	`, callerID)
}

func (s *Service) list(ctx context.Context, query string, args ...any) ([]Session, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// rowQuerier is satisfied by both db.Querier and pgx.Tx, so single-row
// reads can run inside or outside a transaction.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// FetchLatestSnapshot returns the newest durable snapshot one participant
// produced in a run.
func (s *Service) FetchLatestSnapshot(ctx context.Context, runID, participantID string) (protocol.Snapshot, error) {
	return fetchLatestSnapshot(ctx, s.db, runID, participantID)
}

func fetchLatestSnapshot(ctx context.Context, q rowQuerier, runID, participantID string) (protocol.Snapshot, error) {
	row := q.QueryRow(ctx, `
		SELECT run_id, participant_id, distance_m, duration_s, pace_s_per_km, heart_rate, calories, paused, sequence, client_at, server_at
		FROM run_snapshots
		WHERE run_id=$1 AND participant_id=$2
	`, runID, participantID)

	var snap protocol.Snapshot
	err := row.Scan(&snap.RunID, &snap.ParticipantID, &snap.DistanceM, &snap.DurationS,
		&snap.PaceSecPerKm, &snap.HeartRate, &snap.Calories, &snap.Paused, &snap.Sequence,
		&snap.ClientAt, &snap.ServerAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return protocol.Snapshot{}, ErrNotFound
	}
	return snap, err
}

// PublishSnapshot stamps, sequence-gates, fans out, and schedules durable
// capture of one inbound telemetry frame. The frame keeps its original
// message id so dedup works end to end. It reports whether the snapshot
// was accepted.
func (s *Service) PublishSnapshot(msg protocol.Message) bool {
	if msg.Snapshot == nil {
		return false
	}
	snap := *msg.Snapshot
	now := s.now()
	snap.ServerAt = now
	// A device clock outside the skew budget is pulled to the nearest
	// window edge, preserving near-budget orderings.
	switch {
	case snap.ClientAt.IsZero():
		snap.ClientAt = now
	case snap.ClientAt.Before(now.Add(-s.skew)):
		snap.ClientAt = now.Add(-s.skew)
	case snap.ClientAt.After(now.Add(s.skew)):
		snap.ClientAt = now.Add(s.skew)
	}

	if !s.gate.Admit(protocol.GateKey(snap.RunID, snap.ParticipantID), snap.Sequence) {
		metrics.SnapshotsDiscarded.Inc()
		return false
	}
	metrics.SnapshotsPublished.Inc()

	if s.flusher != nil {
		s.flusher.Note(snap)
	}
	if s.hub != nil {
		msg.Snapshot = &snap
		if raw, err := msg.Encode(); err == nil {
			s.hub.Broadcast(ChannelTopic(snap.RunID), raw)
		}
	}
	return true
}

// RouteReady publishes the fact that callerID's post-run route render is
// available.
func (s *Service) RouteReady(ctx context.Context, callerID, runID, routeURL string) error {
	if routeURL == "" {
		return errors.New("route_url required")
	}
	sess, err := s.Get(ctx, callerID, runID)
	if err != nil {
		return err
	}
	if s.broker != nil {
		s.broker.Publish(events.NewRouteReady(events.RouteReady{
			RunID:         sess.ID,
			ParticipantID: callerID,
			RouteURL:      routeURL,
		}))
	}
	return nil
}

// ResetGate forgets a run's sequence state once it resolves.
func (s *Service) ResetGate(runID, participantID string) {
	s.gate.Reset(protocol.GateKey(runID, participantID))
}

func lockSession(ctx context.Context, tx pgx.Tx, runID string) (Session, error) {
	return scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM run_sessions WHERE id=$1 FOR UPDATE`, runID))
}

// winnerOf picks the greater distance; ties have no winner.
func winnerOf(s Session) *string {
	if !s.StatsA.Recorded() || !s.StatsB.Recorded() {
		return nil
	}
	a, b := *s.StatsA.DistanceM, *s.StatsB.DistanceM
	switch {
	case a > b:
		return &s.ParticipantA
	case b > a:
		return &s.ParticipantB
	}
	return nil
}

func (s *Service) broadcastSession(sess Session) {
	if s.hub == nil {
		return
	}
	payload, err := json.Marshal(sess)
	if err != nil {
		return
	}
	s.hub.Broadcast(FeedTopic(sess.ParticipantA), payload)
	s.hub.Broadcast(FeedTopic(sess.ParticipantB), payload)
}

func (s *Service) publishCompleted(sess Session) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(events.NewRunCompleted(events.RunCompleted{
		RunID:        sess.ID,
		ParticipantA: sess.ParticipantA,
		ParticipantB: sess.ParticipantB,
		WinnerID:     sess.WinnerID,
		ADistanceM:   sess.StatsA.DistanceM,
		BDistanceM:   sess.StatsB.DistanceM,
	}))
}

func (s *Service) notifyInvitee(ctx context.Context, sess Session) {
	name := sess.ParticipantA
	if s.profiles != nil {
		if p, err := s.profiles.Lookup(ctx, sess.ParticipantA); err == nil && p.DisplayName != "" {
			name = p.DisplayName
		}
	}
	err := s.notifier.Notify(ctx, push.Notification{
		ParticipantID: sess.ParticipantB,
		Title:         "Paired run invite",
		Body:          name + " invited you to a paired run. Confirm on your watch.",
		Priority:      push.PriorityHigh,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("run_id", sess.ID).Msg("invite push failed")
	}
}
