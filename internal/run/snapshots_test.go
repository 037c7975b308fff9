package run

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/rs/zerolog"

	"github.com/dmihaylov4/WRKT-sub002/internal/protocol"
)

func testSnapshot(seq uint64, distance float64) protocol.Snapshot {
	return protocol.Snapshot{
		RunID:         "run-1",
		ParticipantID: "runner-a",
		DistanceM:     distance,
		DurationS:     60,
		Sequence:      seq,
		ClientAt:      time.Now(),
		ServerAt:      time.Now(),
	}
}

func TestFlusherNoteKeepsNewest(t *testing.T) {
	f := NewFlusher(nil, time.Second, zerolog.Nop())

	f.Note(testSnapshot(3, 30))
	f.Note(testSnapshot(2, 20))
	if len(f.dirty) != 1 {
		t.Fatalf("expected one pending stream, got %d", len(f.dirty))
	}
	held := f.dirty[protocol.GateKey("run-1", "runner-a")]
	if held.Sequence != 3 {
		t.Fatalf("older snapshot displaced newer: seq %d", held.Sequence)
	}

	f.Note(testSnapshot(5, 50))
	if f.dirty[protocol.GateKey("run-1", "runner-a")].Sequence != 5 {
		t.Fatalf("newer snapshot did not replace held one")
	}
}

func TestFlusherFlush(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	f := NewFlusher(mock, time.Second, zerolog.Nop())
	snap := testSnapshot(7, 700)
	f.Note(snap)

	mock.ExpectExec(`INSERT INTO run_snapshots`).
		WithArgs(snap.RunID, snap.ParticipantID, snap.DistanceM, snap.DurationS,
			snap.PaceSecPerKm, snap.HeartRate, snap.Calories, snap.Paused,
			snap.Sequence, snap.ClientAt, snap.ServerAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if n := f.Flush(context.Background()); n != 1 {
		t.Fatalf("expected 1 row written, got %d", n)
	}
	if len(f.dirty) != 0 {
		t.Fatalf("flushed snapshot still pending")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFlusherFailedWriteRequeues(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	f := NewFlusher(mock, time.Second, zerolog.Nop())
	f.Note(testSnapshot(4, 400))

	mock.ExpectExec(`INSERT INTO run_snapshots`).
		WillReturnError(errors.New("connection reset"))

	if n := f.Flush(context.Background()); n != 0 {
		t.Fatalf("failed write counted as flushed: %d", n)
	}
	if len(f.dirty) != 1 {
		t.Fatalf("failed write not requeued")
	}

	mock.ExpectExec(`INSERT INTO run_snapshots`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if n := f.Flush(context.Background()); n != 1 {
		t.Fatalf("retry did not flush: %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
