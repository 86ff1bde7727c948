package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jonboulle/clockwork"

	"github.com/rickgao/tradesync/internal/mode"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeDB records statements instead of talking to PostgreSQL.
type fakeDB struct {
	mu      sync.Mutex
	execs   []string
	batches [][]*pgx.QueuedQuery
	execErr error
	sendErr error
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), f.execErr
}

func (f *fakeDB) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, b.QueuedQueries)
	return &fakeResults{err: f.sendErr}
}

func (f *fakeDB) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// lastBatchReasons returns the reason argument of each row in the last batch.
func (f *fakeDB) lastBatchReasons() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return nil
	}
	var reasons []string
	for _, q := range f.batches[len(f.batches)-1] {
		reasons = append(reasons, q.Arguments[3].(string))
	}
	return reasons
}

func (f *fakeDB) queued() []*pgx.QueuedQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []*pgx.QueuedQuery
	for _, b := range f.batches {
		all = append(all, b...)
	}
	return all
}

type fakeResults struct {
	err error
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("INSERT 0 1"), r.err
}
func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("not supported") }
func (r *fakeResults) QueryRow() pgx.Row        { return nil }
func (r *fakeResults) Close() error             { return nil }

func transition(from, to mode.State, reason string, id uuid.UUID) mode.Transition {
	return mode.Transition{
		From:      from,
		To:        to,
		Reason:    reason,
		PendingID: id,
		At:        time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
	}
}

func TestJournal_EnsureSchema(t *testing.T) {
	db := &fakeDB{}
	j := NewJournal(db, Config{InstanceID: "desk-1"}, WithLogger(discard))

	if err := j.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	if len(db.execs) != 1 || db.execs[0] != Schema {
		t.Errorf("execs = %v, want the schema statement", db.execs)
	}

	db.execErr = errors.New("permission denied")
	if err := j.EnsureSchema(context.Background()); err == nil {
		t.Error("EnsureSchema() expected error")
	}
}

func TestJournal_FlushesFullBatch(t *testing.T) {
	db := &fakeDB{}
	j := NewJournal(db, Config{InstanceID: "desk-1", BatchSize: 2}, WithLogger(discard))
	ctx := context.Background()
	id := uuid.New()

	j.RecordTransition(ctx, transition(mode.StatePaper, mode.StateLivePendingConfirmation, "live requested", id))
	if got := len(db.queued()); got != 0 {
		t.Fatalf("queued = %d before batch is full, want 0", got)
	}
	j.RecordTransition(ctx, transition(mode.StateLivePendingConfirmation, mode.StateLiveConfirmed, "live confirmed", id))

	queued := db.queued()
	if len(queued) != 2 {
		t.Fatalf("queued = %d, want 2", len(queued))
	}

	args := queued[1].Arguments
	if args[0] != "desk-1" || args[1] != "live_pending_confirmation" || args[2] != "live_confirmed" || args[3] != "live confirmed" {
		t.Errorf("arguments = %v", args)
	}
	if got, ok := args[4].(*uuid.UUID); !ok || got == nil || *got != id {
		t.Errorf("pending_id = %v, want %v", args[4], id)
	}

	stats := j.Stats()
	if stats.Inserts != 2 || stats.Flushes != 1 {
		t.Errorf("stats = %+v, want 2 inserts in 1 flush", stats)
	}
}

func TestJournal_NilPendingID(t *testing.T) {
	db := &fakeDB{}
	j := NewJournal(db, Config{BatchSize: 1}, WithLogger(discard))

	j.RecordTransition(context.Background(), transition(mode.StateLiveConfirmed, mode.StatePaper, "paper requested", uuid.Nil))

	queued := db.queued()
	if len(queued) != 1 {
		t.Fatalf("queued = %d, want 1", len(queued))
	}
	if got := queued[0].Arguments[4].(*uuid.UUID); got != nil {
		t.Errorf("pending_id = %v, want NULL", got)
	}
}

func TestJournal_InsertError(t *testing.T) {
	db := &fakeDB{sendErr: errors.New("connection refused")}
	j := NewJournal(db, Config{BatchSize: 1}, WithLogger(discard))

	if err := j.RecordTransition(context.Background(), transition(mode.StatePaper, mode.StateLivePendingConfirmation, "live requested", uuid.New())); err != nil {
		t.Errorf("RecordTransition() = %v, want nil", err)
	}
	if stats := j.Stats(); stats.Errors != 1 || stats.Inserts != 0 || stats.Dropped != 0 {
		t.Errorf("stats = %+v, want 1 error", stats)
	}

	// The failed row is still queued and goes out once the database is back.
	db.setSendErr(nil)
	if err := j.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if got := db.lastBatchReasons(); len(got) != 1 || got[0] != "live requested" {
		t.Errorf("retried batch = %v, want [live requested]", got)
	}
	if stats := j.Stats(); stats.Inserts != 1 || stats.Dropped != 0 {
		t.Errorf("stats after retry = %+v, want 1 insert", stats)
	}
}

func TestJournal_RequeueBoundedByBatchSize(t *testing.T) {
	db := &fakeDB{sendErr: errors.New("connection refused")}
	j := NewJournal(db, Config{BatchSize: 2}, WithLogger(discard))
	ctx := context.Background()
	id := uuid.New()

	j.RecordTransition(ctx, transition(mode.StatePaper, mode.StateLivePendingConfirmation, "first", id))
	j.RecordTransition(ctx, transition(mode.StateLivePendingConfirmation, mode.StatePaper, "second", id))
	j.RecordTransition(ctx, transition(mode.StatePaper, mode.StateLivePendingConfirmation, "third", id))

	stats := j.Stats()
	if stats.Errors != 2 || stats.Dropped != 1 {
		t.Fatalf("stats = %+v, want 2 errors and 1 dropped", stats)
	}

	db.setSendErr(nil)
	if err := j.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	got := db.lastBatchReasons()
	if len(got) != 2 || got[0] != "second" || got[1] != "third" {
		t.Errorf("written batch = %v, want [second third]", got)
	}
}

func TestJournal_StopCountsUnwrittenRows(t *testing.T) {
	db := &fakeDB{sendErr: errors.New("connection refused")}
	j := NewJournal(db, Config{BatchSize: 10}, WithLogger(discard))

	j.RecordTransition(context.Background(), transition(mode.StatePaper, mode.StateLivePendingConfirmation, "live requested", uuid.New()))
	if err := j.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if stats := j.Stats(); stats.Errors != 1 || stats.Dropped != 1 {
		t.Errorf("stats = %+v, want 1 error and 1 dropped", stats)
	}
}

func TestJournal_PeriodicFlushAndStop(t *testing.T) {
	db := &fakeDB{}
	clock := clockwork.NewFakeClock()
	j := NewJournal(db, Config{BatchSize: 100, FlushInterval: time.Second},
		WithLogger(discard), WithClock(clock))

	if err := j.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	j.RecordTransition(context.Background(), transition(mode.StatePaper, mode.StateLivePendingConfirmation, "live requested", uuid.New()))

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(waitCtx, 1); err != nil {
		t.Fatalf("waiting for ticker: %v", err)
	}
	clock.Advance(time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for len(db.queued()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := len(db.queued()); got != 1 {
		t.Fatalf("queued after tick = %d, want 1", got)
	}

	// Anything recorded after the last tick is written on Stop.
	j.RecordTransition(context.Background(), transition(mode.StateLivePendingConfirmation, mode.StatePaper, "confirmation cancelled", uuid.New()))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := j.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if got := len(db.queued()); got != 2 {
		t.Errorf("queued after Stop = %d, want 2", got)
	}
}

func TestJournal_ImplementsRecorder(t *testing.T) {
	var _ mode.Recorder = NewJournal(&fakeDB{}, DefaultConfig())
}
