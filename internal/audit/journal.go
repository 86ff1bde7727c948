package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jonboulle/clockwork"

	"github.com/rickgao/tradesync/internal/mode"
)

// Schema creates the journal table.
const Schema = `
CREATE TABLE IF NOT EXISTS mode_transitions (
	id          BIGSERIAL PRIMARY KEY,
	instance_id TEXT        NOT NULL,
	from_state  TEXT        NOT NULL,
	to_state    TEXT        NOT NULL,
	reason      TEXT        NOT NULL,
	pending_id  UUID,
	at          TIMESTAMPTZ NOT NULL
)`

const insertSQL = `
	INSERT INTO mode_transitions (instance_id, from_state, to_state, reason, pending_id, at)
	VALUES ($1, $2, $3, $4, $5, $6)
`

// DB is the subset of *pgxpool.Pool the journal uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Config holds journal settings.
type Config struct {
	InstanceID    string
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: time.Second,
	}
}

// Stats are journal counters.
type Stats struct {
	Inserts int64
	Flushes int64
	Errors  int64
	Dropped int64 // rows discarded to keep a failing queue within BatchSize
}

type row struct {
	From      string
	To        string
	Reason    string
	PendingID *uuid.UUID
	At        time.Time
}

// Journal batches transitions and writes them to the mode_transitions table.
// It implements mode.Recorder.
type Journal struct {
	cfg    Config
	db     DB
	logger *slog.Logger
	clock  clockwork.Clock

	mu      sync.Mutex
	batch   []row
	metrics Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Journal.
type Option func(*Journal)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(j *Journal) {
		j.logger = logger
	}
}

// WithClock sets the clock driving periodic flushes.
func WithClock(c clockwork.Clock) Option {
	return func(j *Journal) {
		j.clock = c
	}
}

// NewJournal creates a Journal writing to db.
func NewJournal(db DB, cfg Config, opts ...Option) *Journal {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}

	j := &Journal{
		cfg:    cfg,
		db:     db,
		logger: slog.Default(),
		clock:  clockwork.NewRealClock(),
		batch:  make([]row, 0, cfg.BatchSize),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// EnsureSchema creates the journal table if it does not exist.
func (j *Journal) EnsureSchema(ctx context.Context) error {
	if _, err := j.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create mode_transitions: %w", err)
	}
	return nil
}

// Start begins periodic flushing.
func (j *Journal) Start(ctx context.Context) error {
	j.ctx, j.cancel = context.WithCancel(ctx)

	ticker := j.clock.NewTicker(j.cfg.FlushInterval)
	j.wg.Add(1)
	go j.flushLoop(ticker)

	j.logger.Info("audit journal started",
		"batch_size", j.cfg.BatchSize,
		"flush_interval", j.cfg.FlushInterval,
	)
	return nil
}

// Stop halts periodic flushing and writes whatever is queued.
func (j *Journal) Stop(ctx context.Context) error {
	j.logger.Info("stopping audit journal")

	if j.cancel != nil {
		j.cancel()
	}

	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		j.logger.Warn("audit journal stop timed out")
	}

	// Final flush
	j.flush(context.WithoutCancel(ctx))

	j.mu.Lock()
	if lost := len(j.batch); lost > 0 {
		j.metrics.Dropped += int64(lost)
		j.batch = j.batch[:0]
		j.logger.Error("audit journal stopped with unwritten transitions", "count", lost)
	}
	j.mu.Unlock()
	return nil
}

// Stats returns current counters.
func (j *Journal) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.metrics
}

// RecordTransition queues tr. A full batch is flushed immediately.
func (j *Journal) RecordTransition(ctx context.Context, tr mode.Transition) error {
	r := row{
		From:   tr.From.String(),
		To:     tr.To.String(),
		Reason: tr.Reason,
		At:     tr.At,
	}
	if tr.PendingID != uuid.Nil {
		id := tr.PendingID
		r.PendingID = &id
	}

	j.mu.Lock()
	j.batch = append(j.batch, r)
	shouldFlush := len(j.batch) >= j.cfg.BatchSize
	j.mu.Unlock()

	if shouldFlush {
		j.flush(context.WithoutCancel(ctx))
	}
	return nil
}

func (j *Journal) flushLoop(ticker clockwork.Ticker) {
	defer j.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-j.ctx.Done():
			return
		case <-ticker.Chan():
			j.flush(j.ctx)
		}
	}
}

func (j *Journal) flush(ctx context.Context) {
	j.mu.Lock()
	if len(j.batch) == 0 {
		j.mu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := j.batch
	j.batch = make([]row, 0, j.cfg.BatchSize)
	j.mu.Unlock()

	start := time.Now()
	err := j.batchInsert(ctx, batch)

	j.mu.Lock()
	if err != nil {
		j.metrics.Errors++
		j.requeueLocked(batch)
	} else {
		j.metrics.Inserts += int64(len(batch))
		j.metrics.Flushes++
	}
	j.mu.Unlock()

	if err != nil {
		j.logger.Error("audit batch insert failed, requeued", "error", err, "count", len(batch))
		return
	}
	j.logger.Debug("flushed mode transitions",
		"count", len(batch),
		"duration", time.Since(start),
	)
}

// requeueLocked puts a failed batch back ahead of newer rows. The queue keeps
// at most BatchSize rows; the oldest go first.
func (j *Journal) requeueLocked(failed []row) {
	queue := append(failed, j.batch...)
	if over := len(queue) - j.cfg.BatchSize; over > 0 {
		j.metrics.Dropped += int64(over)
		j.logger.Warn("audit queue full, dropping oldest transitions", "count", over)
		queue = queue[over:]
	}
	j.batch = queue
}

func (j *Journal) batchInsert(ctx context.Context, rows []row) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertSQL, j.cfg.InstanceID, r.From, r.To, r.Reason, r.PendingID, r.At)
	}

	results := j.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}
