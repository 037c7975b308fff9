package run

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dmihaylov4/WRKT-sub002/internal/db"
	"github.com/dmihaylov4/WRKT-sub002/internal/metrics"
	"github.com/dmihaylov4/WRKT-sub002/internal/protocol"
)

const upsertSnapshot = `
	INSERT INTO run_snapshots (run_id, participant_id, distance_m, duration_s, pace_s_per_km, heart_rate, calories, paused, sequence, client_at, server_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (run_id, participant_id) DO UPDATE SET
		distance_m = EXCLUDED.distance_m,
		duration_s = EXCLUDED.duration_s,
		pace_s_per_km = EXCLUDED.pace_s_per_km,
		heart_rate = EXCLUDED.heart_rate,
		calories = EXCLUDED.calories,
		paused = EXCLUDED.paused,
		sequence = EXCLUDED.sequence,
		client_at = EXCLUDED.client_at,
		server_at = EXCLUDED.server_at
	WHERE run_snapshots.sequence < EXCLUDED.sequence`

// Flusher holds the newest snapshot per live stream and upserts the batch
// on a coarse cadence, so durable storage sees one row per participant per
// interval no matter how fast frames arrive.
type Flusher struct {
	db       db.Querier
	interval time.Duration
	log      zerolog.Logger

	mu    sync.Mutex
	dirty map[string]protocol.Snapshot
}

func NewFlusher(q db.Querier, interval time.Duration, log zerolog.Logger) *Flusher {
	if interval <= 0 {
		interval = 20 * time.Second
	}
	return &Flusher{
		db:       q,
		interval: interval,
		log:      log.With().Str("component", "snapshot_flusher").Logger(),
		dirty:    make(map[string]protocol.Snapshot),
	}
}

// Note marks snap as the pending durable write for its stream, unless a
// newer sequence is already waiting.
func (f *Flusher) Note(snap protocol.Snapshot) {
	key := protocol.GateKey(snap.RunID, snap.ParticipantID)
	f.mu.Lock()
	if held, ok := f.dirty[key]; !ok || snap.Sequence > held.Sequence {
		f.dirty[key] = snap
	}
	f.mu.Unlock()
}

// Run flushes on the configured cadence until ctx is cancelled, then makes
// one last pass so shutdown loses nothing.
func (f *Flusher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			f.Flush(flushCtx)
			cancel()
			return ctx.Err()
		case <-ticker.C:
			f.Flush(ctx)
		}
	}
}

// Flush writes every pending snapshot and reports how many rows went out.
// A failed write goes back in the pending set for the next pass.
func (f *Flusher) Flush(ctx context.Context) int {
	f.mu.Lock()
	batch := f.dirty
	f.dirty = make(map[string]protocol.Snapshot, len(batch))
	f.mu.Unlock()

	written := 0
	for _, snap := range batch {
		_, err := f.db.Exec(ctx, upsertSnapshot,
			snap.RunID, snap.ParticipantID, snap.DistanceM, snap.DurationS,
			snap.PaceSecPerKm, snap.HeartRate, snap.Calories, snap.Paused,
			snap.Sequence, snap.ClientAt, snap.ServerAt)
		if err != nil {
			f.log.Warn().Err(err).
				Str("run_id", snap.RunID).
				Str("participant_id", snap.ParticipantID).
				Msg("snapshot flush failed")
			f.Note(snap)
			continue
		}
		written++
		metrics.SnapshotFlushes.Inc()
	}
	return written
}
