package mode

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Errors
var (
	ErrUnknownMode            = errors.New("unknown trading mode")
	ErrNoPendingConfirmation  = errors.New("no pending live confirmation")
	ErrConfirmationSuperseded = errors.New("live confirmation superseded")
)

// Mode is the trading context of the session.
type Mode string

const (
	Paper Mode = "paper"
	Live  Mode = "live"
)

// ParseMode parses "paper" or "live".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case Paper, Live:
		return Mode(s), nil
	}
	return "", ErrUnknownMode
}

// State is the machine state.
type State int

const (
	StatePaper State = iota
	StateLivePendingConfirmation
	StateLiveConfirmed
)

var stateNames = [...]string{
	StatePaper:                   "paper",
	StateLivePendingConfirmation: "live_pending_confirmation",
	StateLiveConfirmed:           "live_confirmed",
}

// StateNames lists every state label, for exclusive gauges.
var StateNames = stateNames[:]

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Mode returns the effective trading mode. A pending confirmation is still
// paper.
func (s State) Mode() Mode {
	if s == StateLiveConfirmed {
		return Live
	}
	return Paper
}

// abandonment records why a pending confirmation was dropped.
type abandonment int

const (
	notAbandoned abandonment = iota
	abandonedByCancel
	abandonedByDowngrade
	abandonedByLogout
)

// Pending is an open request to go live. Concurrent requests share it.
type Pending struct {
	ID          uuid.UUID
	Target      Mode
	RequestedAt time.Time

	abandoned abandonment // guarded by Machine.mu
}

// Transition is one state change, as journaled by a Recorder.
type Transition struct {
	From      State
	To        State
	Reason    string
	PendingID uuid.UUID // zero when no confirmation was involved
	At        time.Time
}

// Backend switches the session's mode on the server; *api.Client implements it.
type Backend interface {
	SwitchMode(ctx context.Context, mode string) error
}

// Prompter is called when a confirmation opens so the UI can ask the user.
type Prompter func(p *Pending)

// Recorder journals transitions.
type Recorder interface {
	RecordTransition(ctx context.Context, t Transition) error
}
