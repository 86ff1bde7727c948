// Package session coordinates forced session termination.
//
// An authentication failure can be observed by many in-flight calls at once.
// Terminator turns all of them into a single logout per episode: the first
// caller runs the host's logout primitive and notifies listeners, concurrent
// callers wait for that logout to finish, and later callers are ignored until
// Restore re-arms the terminator after a fresh login.
package session

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/rickgao/tradesync/internal/metrics"
)

// LogoutFunc is the host's session-termination primitive.
type LogoutFunc func(ctx context.Context, reason error) error

// Termination describes one forced logout.
type Termination struct {
	Episode uint64
	Reason  error
}

// Listener reacts to a forced logout (tear down subscriptions, reset mode).
type Listener func(Termination)

// Terminator fires the forced-logout side effect at most once per episode.
type Terminator struct {
	logout  LogoutFunc
	logger  *slog.Logger
	metrics *metrics.Metrics

	group singleflight.Group

	mu         sync.Mutex
	episode    uint64
	terminated bool
	nextID     int
	listeners  map[int]Listener
}

// NewTerminator creates a Terminator. A nil logout only notifies listeners.
func NewTerminator(logout LogoutFunc, logger *slog.Logger, m *metrics.Metrics) *Terminator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Terminator{
		logout:    logout,
		logger:    logger,
		metrics:   m,
		listeners: make(map[int]Listener),
	}
}

// OnTerminate registers l and returns a function that unregisters it.
func (t *Terminator) OnTerminate(l Listener) (remove func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = l
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// ForceLogout terminates the session unless this episode already did.
// It reports whether this call performed the logout. Callers that arrive while
// the logout is running block until it completes.
func (t *Terminator) ForceLogout(ctx context.Context, reason error) bool {
	t.mu.Lock()
	if t.terminated {
		t.mu.Unlock()
		return false
	}
	key := strconv.FormatUint(t.episode, 10)
	t.mu.Unlock()

	performed := false
	t.group.Do(key, func() (any, error) {
		t.mu.Lock()
		if t.terminated {
			t.mu.Unlock()
			return nil, nil
		}
		term := Termination{Episode: t.episode, Reason: reason}
		listeners := make([]Listener, 0, len(t.listeners))
		for id := 0; id < t.nextID; id++ {
			if l, ok := t.listeners[id]; ok {
				listeners = append(listeners, l)
			}
		}
		t.mu.Unlock()

		performed = true
		t.terminate(ctx, term, listeners)

		// Set only once listeners have run so late callers join the flight
		// and wait instead of racing ahead of the teardown.
		t.mu.Lock()
		t.terminated = true
		t.mu.Unlock()
		return nil, nil
	})

	return performed
}

func (t *Terminator) terminate(ctx context.Context, term Termination, listeners []Listener) {
	t.logger.Warn("forcing session logout",
		"episode", term.Episode,
		"reason", term.Reason,
	)
	t.metrics.IncForcedLogout()

	if t.logout != nil {
		if err := t.logout(ctx, term.Reason); err != nil {
			t.logger.Error("logout primitive failed", "error", err)
		}
	}

	for _, l := range listeners {
		l(term)
	}
}

// Terminated reports whether the current episode has ended in a logout.
func (t *Terminator) Terminated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminated
}

// Restore starts a new episode after the user has logged in again.
func (t *Terminator) Restore() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.terminated {
		return
	}
	t.terminated = false
	t.episode++
	t.logger.Info("session restored", "episode", t.episode)
}
