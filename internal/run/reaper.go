package run

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/dmihaylov4/WRKT-sub002/internal/metrics"
	"github.com/dmihaylov4/WRKT-sub002/internal/protocol"
)

// Reaper resolves sessions their participants walked away from: pending
// invites past the TTL are cancelled, and active sessions with no fresh
// telemetry for a whole abandonment window are finalized from their last
// durable snapshots.
type Reaper struct {
	svc      *Service
	interval time.Duration
	window   time.Duration
	log      zerolog.Logger
}

// NewReaper builds a reaper over svc. window is how long an active session
// may stay silent before it is finalized in absentia.
func NewReaper(svc *Service, interval, window time.Duration, log zerolog.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &Reaper{
		svc:      svc,
		interval: interval,
		window:   window,
		log:      log.With().Str("component", "reaper").Logger(),
	}
}

// Run sweeps on the configured cadence until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			expired, reclaimed := r.Sweep(ctx)
			if expired > 0 || reclaimed > 0 {
				r.log.Info().Int("expired", expired).Int("reclaimed", reclaimed).Msg("sweep resolved sessions")
			}
		}
	}
}

// Sweep runs one pass and reports how many invites expired and how many
// abandoned sessions were finalized.
func (r *Reaper) Sweep(ctx context.Context) (int, int) {
	expired := r.expireInvites(ctx)
	reclaimed := r.reclaimAbandoned(ctx)
	return expired, reclaimed
}

func (r *Reaper) expireInvites(ctx context.Context) int {
	if r.svc.ttl <= 0 {
		return 0
	}
	now := r.svc.now()
	rows, err := r.svc.db.Query(ctx, `
		UPDATE run_sessions SET status='cancelled', ended_at=$2
		WHERE status='pending' AND created_at < $1
		RETURNING `+sessionColumns, now.Add(-r.svc.ttl), now)
	if err != nil {
		r.log.Error().Err(err).Msg("invite expiry failed")
		return 0
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			r.log.Error().Err(err).Msg("invite expiry scan failed")
			return count
		}
		metrics.InviteOutcomes.WithLabelValues("expired").Inc()
		r.svc.broadcastSession(sess)
		count++
	}
	if err := rows.Err(); err != nil {
		r.log.Error().Err(err).Msg("invite expiry failed")
	}
	return count
}

func (r *Reaper) reclaimAbandoned(ctx context.Context) int {
	cutoff := r.svc.now().Add(-r.window)
	rows, err := r.svc.db.Query(ctx, `
		SELECT id FROM run_sessions
		WHERE status='active' AND started_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM run_snapshots
			WHERE run_snapshots.run_id = run_sessions.id AND run_snapshots.server_at > $1
		  )
	`, cutoff)
	if err != nil {
		r.log.Error().Err(err).Msg("abandoned scan failed")
		return 0
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			r.log.Error().Err(err).Msg("abandoned scan failed")
			return 0
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		r.log.Error().Err(err).Msg("abandoned scan failed")
		return 0
	}

	count := 0
	for _, id := range ids {
		done, err := r.finalizeAbandoned(ctx, id, cutoff)
		if err != nil {
			r.log.Warn().Err(err).Str("run_id", id).Msg("abandoned finalize failed")
			continue
		}
		if done {
			count++
		}
	}
	return count
}

// finalizeAbandoned completes one silent session under its row lock,
// backfilling each unrecorded side from its last durable snapshot and zeros
// when none exists. The silence check reruns inside the transaction so a
// session that came back to life is left alone.
func (r *Reaper) finalizeAbandoned(ctx context.Context, runID string, cutoff time.Time) (bool, error) {
	tx, err := r.svc.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	sess, err := lockSession(ctx, tx, runID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if sess.Status != StatusActive {
		return false, nil
	}
	var fresh bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM run_snapshots WHERE run_id=$1 AND server_at > $2)`, runID, cutoff).Scan(&fresh); err != nil {
		return false, err
	}
	if fresh {
		return false, nil
	}

	for _, pid := range []string{sess.ParticipantA, sess.ParticipantB} {
		if sess.StatsFor(pid).Recorded() {
			continue
		}
		var final protocol.FinalStats
		snap, err := fetchLatestSnapshot(ctx, tx, runID, pid)
		switch {
		case err == nil:
			final = snap.Final()
		case errors.Is(err, ErrNotFound):
			// never reported: zero stats
		default:
			return false, err
		}
		distance, duration := final.DistanceM, final.DurationS
		stats := ParticipantStats{
			DistanceM:    &distance,
			DurationS:    &duration,
			PaceSecPerKm: final.PaceSecPerKm,
			HeartRate:    final.HeartRate,
		}
		query := updateStatsA
		if pid == sess.ParticipantB {
			query = updateStatsB
		}
		if _, err := tx.Exec(ctx, query, runID, distance, duration, final.PaceSecPerKm, final.HeartRate); err != nil {
			return false, err
		}
		if pid == sess.ParticipantA {
			sess.StatsA = stats
		} else {
			sess.StatsB = stats
		}
	}

	now := r.svc.now()
	winner := winnerOf(sess)
	if _, err := tx.Exec(ctx, `UPDATE run_sessions SET status='completed', ended_at=$2, winner_id=$3 WHERE id=$1`, runID, now, winner); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	committed = true

	sess.Status = StatusCompleted
	sess.EndedAt = &now
	sess.WinnerID = winner

	metrics.RunsCompleted.Inc()
	r.svc.publishCompleted(sess)
	r.svc.ResetGate(runID, sess.ParticipantA)
	r.svc.ResetGate(runID, sess.ParticipantB)
	r.svc.broadcastSession(sess)
	r.log.Info().Str("run_id", runID).Msg("abandoned session finalized")
	return true, nil
}
