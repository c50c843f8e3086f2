package journal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ruteri/worldcoins-backend/interfaces"
)

// MultiJournal records to every available backend. Lookups read every
// available backend and return the most recently finished copy, so a
// reconciliation that reached only some backends still wins.
type MultiJournal struct {
	journals []interfaces.Journal
	log      *slog.Logger
}

func NewMultiJournal(journals []interfaces.Journal, logger *slog.Logger) *MultiJournal {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiJournal{
		journals: journals,
		log:      logger,
	}
}

// Record succeeds if at least one backend stored the entry.
func (m *MultiJournal) Record(ctx context.Context, entry *interfaces.JournalEntry) error {
	start := time.Now()
	var errs []error
	stored := 0

	for _, j := range m.journals {
		if !j.Available(ctx) {
			m.log.Debug("Journal unavailable", slog.String("journal", j.Name()))
			errs = append(errs, fmt.Errorf("%s: %w", j.Name(), interfaces.ErrJournalUnavailable))
			continue
		}

		if err := j.Record(ctx, entry); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", j.Name(), err))
			m.log.Warn("Failed to record settlement",
				slog.String("journal", j.Name()),
				slog.String("settlementId", entry.Result.ID),
				"err", err)
			continue
		}
		stored++
	}

	if stored == 0 {
		return fmt.Errorf("all journals failed to record %s: %w", entry.Result.ID, errors.Join(errs...))
	}

	m.log.Debug("Recorded settlement",
		slog.String("settlementId", entry.Result.ID),
		slog.Int("journals", stored),
		slog.Int("failed", len(errs)),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func (m *MultiJournal) Lookup(ctx context.Context, id string) (*interfaces.JournalEntry, error) {
	var errs []error
	var latest *interfaces.JournalEntry
	for _, j := range m.journals {
		if !j.Available(ctx) {
			continue
		}

		entry, err := j.Lookup(ctx, id)
		if err != nil {
			if !errors.Is(err, interfaces.ErrEntryNotFound) {
				errs = append(errs, fmt.Errorf("%s: %w", j.Name(), err))
			}
			continue
		}
		if latest == nil || entry.Result.FinishedAt.After(latest.Result.FinishedAt) {
			latest = entry
		}
	}

	if latest != nil {
		if len(errs) > 0 {
			m.log.Warn("Some journals failed during lookup",
				slog.String("settlementId", id),
				"err", errors.Join(errs...))
		}
		return latest, nil
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("failed to look up %s: %w", id, errors.Join(errs...))
	}
	return nil, interfaces.ErrEntryNotFound
}

// Available returns true if any backend is available.
func (m *MultiJournal) Available(ctx context.Context) bool {
	for _, j := range m.journals {
		if j.Available(ctx) {
			return true
		}
	}
	return false
}

// ErrorKindLister is implemented by journals that can list settlements by
// error kind.
type ErrorKindLister interface {
	ListByErrorKind(ctx context.Context, kind interfaces.ErrorKind, limit int) ([]string, error)
}

// ListByErrorKind merges the ids listed by every available backend that
// supports listing, without duplicates and up to limit. It returns
// interfaces.ErrJournalUnavailable when no such backend is available.
func (m *MultiJournal) ListByErrorKind(ctx context.Context, kind interfaces.ErrorKind, limit int) ([]string, error) {
	var errs []error
	seen := make(map[string]bool)
	ids := []string{}
	listed := 0

	for _, j := range m.journals {
		lister, ok := j.(ErrorKindLister)
		if !ok || !j.Available(ctx) {
			continue
		}
		found, err := lister.ListByErrorKind(ctx, kind, limit)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", j.Name(), err))
			continue
		}
		listed++
		for _, id := range found {
			if !seen[id] && len(ids) < limit {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}

	if listed == 0 {
		errs = append(errs, interfaces.ErrJournalUnavailable)
		return nil, fmt.Errorf("no journal can list settlements: %w", errors.Join(errs...))
	}
	return ids, nil
}

// Close closes every backend that holds resources.
func (m *MultiJournal) Close() error {
	var errs []error
	for _, j := range m.journals {
		if c, ok := j.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", j.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

func (m *MultiJournal) Name() string {
	return "multi-journal"
}

func (m *MultiJournal) LocationURI() string {
	return "multi://"
}
