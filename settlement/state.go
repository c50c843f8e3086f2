package settlement

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/worldcoins-backend/interfaces"
	"github.com/ruteri/worldcoins-backend/metrics"
)

// State is a step of the settlement state machine.
type State int

const (
	StateReceived State = iota
	StateVerifying
	StateVerified
	StateRejectedProof
	StateGuardChecking
	StateGuardPassed
	StateRejectedEntitlement
	StateSubmitting
	StateSubmitted
	StateConfirming
	StateConfirmed
	StateTimedOut
	StateReverted
)

var stateNames = map[State]string{
	StateReceived:            "Received",
	StateVerifying:           "Verifying",
	StateVerified:            "Verified",
	StateRejectedProof:       "RejectedProof",
	StateGuardChecking:       "GuardChecking",
	StateGuardPassed:         "GuardPassed",
	StateRejectedEntitlement: "RejectedEntitlement",
	StateSubmitting:          "Submitting",
	StateSubmitted:           "Submitted",
	StateConfirming:          "Confirming",
	StateConfirmed:           "Confirmed",
	StateTimedOut:            "TimedOut",
	StateReverted:            "Reverted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// rank orders states along the linear flow. Alternatives reached from the
// same state share a rank.
func (s State) rank() int {
	switch s {
	case StateReceived:
		return 0
	case StateVerifying:
		return 1
	case StateVerified, StateRejectedProof:
		return 2
	case StateGuardChecking:
		return 3
	case StateGuardPassed, StateRejectedEntitlement:
		return 4
	case StateSubmitting:
		return 5
	case StateSubmitted:
		return 6
	case StateConfirming:
		return 7
	case StateConfirmed, StateTimedOut, StateReverted:
		return 8
	default:
		return -1
	}
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	switch s {
	case StateRejectedProof, StateRejectedEntitlement, StateConfirmed, StateTimedOut, StateReverted:
		return true
	}
	return false
}

// run is the state of one Settle call.
type run struct {
	id      string
	kind    interfaces.ActionKind
	state   State
	history []string
	started time.Time
	entered time.Time
	log     *slog.Logger
	nowFn   func() time.Time
}

func newRun(id string, kind interfaces.ActionKind, log *slog.Logger, nowFn func() time.Time) *run {
	now := nowFn()
	return &run{
		id:      id,
		kind:    kind,
		state:   StateReceived,
		history: []string{StateReceived.String()},
		started: now,
		entered: now,
		log:     log.With(slog.String("settlementId", id), slog.String("kind", string(kind))),
		nowFn:   nowFn,
	}
}

// advance moves the run to next. Moving backwards, sideways or out of a
// terminal state is a programming error and panics.
func (r *run) advance(next State) {
	if r.state.Terminal() || next.rank() <= r.state.rank() {
		panic(fmt.Sprintf("settlement %s: illegal transition %s -> %s", r.id, r.state, next))
	}

	now := r.nowFn()
	metrics.ObserveStage(string(r.kind), r.state.String(), now.Sub(r.entered))
	r.log.Debug("Settlement transition",
		slog.String("from", r.state.String()),
		slog.String("to", next.String()))

	r.state = next
	r.entered = now
	r.history = append(r.history, next.String())
}
