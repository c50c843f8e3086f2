package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ruteri/worldcoins-backend/interfaces"
)

// SQLiteJournal stores settlements in a SQLite table, queryable by outcome.
type SQLiteJournal struct {
	db          *sql.DB
	path        string
	log         *slog.Logger
	locationURI string
}

// NewSQLiteJournal opens (or creates) the database at path and migrates it.
func NewSQLiteJournal(path string, log *slog.Logger) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// A single connection serialises writers.
	db.SetMaxOpenConns(1)

	j := &SQLiteJournal{
		db:          db,
		path:        path,
		log:         log,
		locationURI: fmt.Sprintf("sqlite://%s", path),
	}
	if err := j.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate sqlite journal: %w", err)
	}
	return j, nil
}

func (j *SQLiteJournal) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS settlements (
		settlement_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		principal TEXT NOT NULL,
		outcome TEXT NOT NULL,
		error_kind TEXT NOT NULL DEFAULT '',
		tx_hash TEXT NOT NULL DEFAULT '',
		finished_at DATETIME,
		entry JSON NOT NULL
	);
	CREATE INDEX IF NOT EXISTS settlements_error_kind ON settlements (error_kind);`
	_, err := j.db.ExecContext(ctx, query)
	return err
}

func (j *SQLiteJournal) Record(ctx context.Context, entry *interfaces.JournalEntry) error {
	if err := validateID(entry.Result.ID); err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode journal entry: %w", err)
	}

	txHash := ""
	if entry.Result.TxHash != nil {
		txHash = entry.Result.TxHash.Hex()
	}

	query := `INSERT INTO settlements (
		settlement_id, kind, principal, outcome, error_kind, tx_hash, finished_at, entry
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(settlement_id) DO UPDATE SET
		outcome = excluded.outcome,
		error_kind = excluded.error_kind,
		tx_hash = excluded.tx_hash,
		finished_at = excluded.finished_at,
		entry = excluded.entry`

	_, err = j.db.ExecContext(ctx, query,
		entry.Result.ID,
		string(entry.Result.Kind),
		entry.Result.Principal.Hex(),
		string(entry.Result.Outcome),
		string(entry.Result.ErrorKind),
		txHash,
		entry.Result.FinishedAt.UTC().Format(time.RFC3339Nano),
		string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to insert settlement: %w", err)
	}
	return nil
}

func (j *SQLiteJournal) Lookup(ctx context.Context, id string) (*interfaces.JournalEntry, error) {
	var data string
	err := j.db.QueryRowContext(ctx, `SELECT entry FROM settlements WHERE settlement_id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query settlement: %w", err)
	}

	var entry interfaces.JournalEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("failed to decode journal entry %s: %w", id, err)
	}
	return &entry, nil
}

// ListByErrorKind returns the ids of settlements that ended with kind, most
// recent first. Operators use it to find Ambiguous settlements to reconcile.
func (j *SQLiteJournal) ListByErrorKind(ctx context.Context, kind interfaces.ErrorKind, limit int) ([]string, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT settlement_id FROM settlements WHERE error_kind = ? ORDER BY finished_at DESC LIMIT ?`,
		string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list settlements: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (j *SQLiteJournal) Available(ctx context.Context) bool {
	if err := j.db.PingContext(ctx); err != nil {
		j.log.Debug("SQLite journal unavailable", "err", err)
		return false
	}
	return true
}

func (j *SQLiteJournal) Name() string {
	return "sqlite-journal"
}

func (j *SQLiteJournal) LocationURI() string {
	return j.locationURI
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
