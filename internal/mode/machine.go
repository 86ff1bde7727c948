package mode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/rickgao/tradesync/internal/metrics"
	"github.com/rickgao/tradesync/internal/resilience"
)

// Machine is the trading-mode state machine. The zero state is StatePaper.
type Machine struct {
	backend  Backend
	mw       *resilience.Middleware
	logger   *slog.Logger
	metrics  *metrics.Metrics
	recorder Recorder
	prompter Prompter
	clock    clockwork.Clock

	mu       sync.Mutex
	state    State
	pending  *Pending
	watchers map[int]chan State
	nextW    int

	confirms singleflight.Group
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Machine) {
		m.metrics = mt
	}
}

// WithRecorder journals every transition.
func WithRecorder(r Recorder) Option {
	return func(m *Machine) {
		m.recorder = r
	}
}

// WithPrompter sets the confirmation callback.
func WithPrompter(p Prompter) Option {
	return func(m *Machine) {
		m.prompter = p
	}
}

// WithClock sets the clock used for timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(m *Machine) {
		m.clock = c
	}
}

// NewMachine creates a Machine in StatePaper. Backend calls go through mw.
func NewMachine(backend Backend, mw *resilience.Middleware, opts ...Option) *Machine {
	m := &Machine{
		backend:  backend,
		mw:       mw,
		logger:   slog.Default(),
		clock:    clockwork.NewRealClock(),
		watchers: make(map[int]chan State),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.metrics.SetMode(m.state.String(), StateNames)
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Mode returns the effective trading mode.
func (m *Machine) Mode() Mode {
	return m.State().Mode()
}

// Pending returns the open confirmation, or nil.
func (m *Machine) Pending() *Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// Watch returns a channel carrying the latest state after each change, and a
// function to stop watching. The current state is delivered immediately.
func (m *Machine) Watch() (<-chan State, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan State, 1)
	ch <- m.state
	id := m.nextW
	m.nextW++
	m.watchers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.watchers[id]; ok {
				delete(m.watchers, id)
				close(ch)
			}
		})
	}
}

// RequestSwitch asks for target. Paper applies immediately; from
// LiveConfirmed the backend is told, and a failure to tell it is returned
// while the local state stays Paper. Live opens a pending confirmation,
// or returns the already open one, and calls the Prompter.
// A nil Pending with nil error means no confirmation is needed.
func (m *Machine) RequestSwitch(ctx context.Context, target Mode) (*Pending, error) {
	switch target {
	case Live:
		return m.requestLive(ctx)
	case Paper:
		return nil, m.downgrade(ctx)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, target)
	}
}

func (m *Machine) requestLive(ctx context.Context) (*Pending, error) {
	m.mu.Lock()
	switch m.state {
	case StateLiveConfirmed:
		m.mu.Unlock()
		return nil, nil
	case StateLivePendingConfirmation:
		p := m.pending
		m.mu.Unlock()
		return p, nil
	}

	p := &Pending{
		ID:          uuid.New(),
		Target:      Live,
		RequestedAt: m.clock.Now(),
	}
	m.pending = p
	tr := m.transitionLocked(StateLivePendingConfirmation, "live requested", p.ID)
	m.mu.Unlock()

	m.record(ctx, tr)
	m.logger.Info("live mode requested, awaiting confirmation", "pending_id", p.ID)

	if m.prompter != nil {
		m.prompter(p)
	}
	return p, nil
}

func (m *Machine) downgrade(ctx context.Context) error {
	m.mu.Lock()
	from := m.state
	switch from {
	case StatePaper:
		m.mu.Unlock()
		return nil
	case StateLivePendingConfirmation:
		p := m.abandonLocked(abandonedByDowngrade)
		tr := m.transitionLocked(StatePaper, "paper requested", p.ID)
		m.mu.Unlock()
		m.record(ctx, tr)
		return nil
	}

	tr := m.transitionLocked(StatePaper, "paper requested", uuid.Nil)
	m.mu.Unlock()
	m.record(ctx, tr)

	if err := m.switchBackend(ctx, Paper); err != nil {
		m.logger.Warn("backend not told about paper mode", "error", err)
		return fmt.Errorf("switch to paper: %w", err)
	}
	return nil
}

// Confirm completes the open confirmation by switching the backend to live.
// Concurrent calls share one backend call. On failure the confirmation stays
// open and the error carries its resilience.Category.
func (m *Machine) Confirm(ctx context.Context) error {
	m.mu.Lock()
	p := m.pending
	m.mu.Unlock()

	if p == nil {
		return ErrNoPendingConfirmation
	}

	_, err, shared := m.confirms.Do(p.ID.String(), func() (any, error) {
		return nil, m.confirm(ctx, p)
	})
	if shared {
		m.logger.Debug("confirm coalesced", "pending_id", p.ID)
	}
	return err
}

func (m *Machine) confirm(ctx context.Context, p *Pending) error {
	m.mu.Lock()
	open := m.pending == p
	m.mu.Unlock()
	if !open {
		return ErrConfirmationSuperseded
	}

	err := m.switchBackend(ctx, Live)

	m.mu.Lock()
	if m.pending != p {
		// Cancelled, downgraded or logged out while the call was in flight.
		reason := p.abandoned
		m.mu.Unlock()

		if err != nil {
			return fmt.Errorf("confirm live mode: %w", err)
		}
		if reason != abandonedByLogout {
			m.logger.Warn("confirmation abandoned during backend switch, reverting to paper", "pending_id", p.ID)
			if cerr := m.switchBackend(context.WithoutCancel(ctx), Paper); cerr != nil {
				m.logger.Error("failed to revert backend to paper", "pending_id", p.ID, "error", cerr)
			}
		}
		return ErrConfirmationSuperseded
	}

	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("live confirmation failed",
			"pending_id", p.ID,
			"category", resilience.CategoryOf(err),
			"error", err,
		)
		return fmt.Errorf("confirm live mode: %w", err)
	}

	m.pending = nil
	tr := m.transitionLocked(StateLiveConfirmed, "live confirmed", p.ID)
	m.mu.Unlock()

	m.record(ctx, tr)
	m.logger.Info("live mode confirmed", "pending_id", p.ID)
	return nil
}

// Cancel drops the open confirmation and returns to Paper without a backend
// call.
func (m *Machine) Cancel(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateLivePendingConfirmation {
		m.mu.Unlock()
		return ErrNoPendingConfirmation
	}
	p := m.abandonLocked(abandonedByCancel)
	tr := m.transitionLocked(StatePaper, "confirmation cancelled", p.ID)
	m.mu.Unlock()

	m.record(ctx, tr)
	m.logger.Info("live confirmation cancelled", "pending_id", p.ID)
	return nil
}

// Reset returns to Paper without a backend call. Used on forced logout.
func (m *Machine) Reset(reason error) {
	m.mu.Lock()
	if m.state == StatePaper {
		m.mu.Unlock()
		return
	}
	id := uuid.Nil
	if m.pending != nil {
		id = m.abandonLocked(abandonedByLogout).ID
	}
	tr := m.transitionLocked(StatePaper, "session terminated", id)
	m.mu.Unlock()

	m.record(context.Background(), tr)
	m.logger.Warn("trading mode reset to paper", "reason", reason)
}

func (m *Machine) switchBackend(ctx context.Context, target Mode) error {
	return m.mw.Call(ctx, func(ctx context.Context) error {
		return m.backend.SwitchMode(ctx, string(target))
	}, resilience.WithName("switch mode "+string(target)))
}

func (m *Machine) abandonLocked(why abandonment) *Pending {
	p := m.pending
	p.abandoned = why
	m.pending = nil
	return p
}

func (m *Machine) transitionLocked(to State, reason string, pendingID uuid.UUID) Transition {
	tr := Transition{
		From:      m.state,
		To:        to,
		Reason:    reason,
		PendingID: pendingID,
		At:        m.clock.Now(),
	}
	m.state = to
	m.metrics.ObserveModeTransition(tr.From.String(), to.String(), StateNames)

	for _, ch := range m.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- to
	}
	return tr
}

func (m *Machine) record(ctx context.Context, tr Transition) {
	m.logger.Debug("mode transition", "from", tr.From, "to", tr.To, "reason", tr.Reason)
	if m.recorder == nil {
		return
	}
	if err := m.recorder.RecordTransition(ctx, tr); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn("failed to record mode transition", "error", err)
	}
}
