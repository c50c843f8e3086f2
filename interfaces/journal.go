package interfaces

import (
	"context"
	"errors"
)

var (
	// ErrEntryNotFound is returned when a journal has no entry for the requested id.
	ErrEntryNotFound = errors.New("journal entry not found")

	// ErrJournalUnavailable is returned when a journal backend is not accessible.
	ErrJournalUnavailable = errors.New("journal backend unavailable")

	// ErrInvalidJournalURI is returned when a journal location URI is malformed or unsupported.
	ErrInvalidJournalURI = errors.New("invalid journal location URI")
)

// JournalEntry is an audited settlement: the terminal result plus the
// request-side data needed for manual reconciliation.
type JournalEntry struct {
	Result   SettlementResult `json:"result"`
	ActionID string           `json:"actionId"`
	Signal   string           `json:"signal,omitempty"`
	// States is the ordered list of state machine states the request passed through.
	States []string `json:"states"`
}

// Journal records terminal settlement results for audit and reconciliation.
// Recording is keyed by the settlement id and overwrites earlier entries
// with the same id (reconciliation updates an entry in place).
type Journal interface {
	Record(ctx context.Context, entry *JournalEntry) error
	Lookup(ctx context.Context, id string) (*JournalEntry, error)

	// Available checks if the backend is accessible.
	Available(ctx context.Context) bool

	// Name returns a unique identifier for this journal backend.
	Name() string

	// LocationURI returns the URI that identifies this journal backend.
	LocationURI() string
}
