package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ruteri/worldcoins-backend/interfaces"
)

// FileJournal stores one JSON document per settlement in a local directory.
type FileJournal struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileJournal creates a journal rooted at baseDir, creating it if needed.
func NewFileJournal(baseDir string, log *slog.Logger) (*FileJournal, error) {
	entriesDir := filepath.Join(baseDir, "settlements")
	if err := os.MkdirAll(entriesDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	return &FileJournal{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Record writes entry atomically, replacing any earlier entry with the same id.
func (j *FileJournal) Record(ctx context.Context, entry *interfaces.JournalEntry) error {
	path, err := j.entryPath(entry.Result.ID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode journal entry: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".entry-*")
	if err != nil {
		return fmt.Errorf("failed to create journal file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write journal file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write journal file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write journal file: %w", err)
	}

	j.log.Debug("Recorded settlement in file journal",
		slog.String("path", path),
		slog.String("settlementId", entry.Result.ID))
	return nil
}

func (j *FileJournal) Lookup(ctx context.Context, id string) (*interfaces.JournalEntry, error) {
	path, err := j.entryPath(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, interfaces.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read journal file: %w", err)
	}

	var entry interfaces.JournalEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode journal entry %s: %w", id, err)
	}
	return &entry, nil
}

// Available checks that the journal directory exists.
func (j *FileJournal) Available(ctx context.Context) bool {
	if _, err := os.Stat(j.baseDir); err != nil {
		j.log.Debug("File journal unavailable", "err", err)
		return false
	}
	return true
}

func (j *FileJournal) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(j.baseDir))
}

func (j *FileJournal) LocationURI() string {
	return j.locationURI
}

func (j *FileJournal) entryPath(id string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	return filepath.Join(j.baseDir, "settlements", id+".json"), nil
}

// validateID rejects ids that could escape a backend's namespace.
func validateID(id string) error {
	if id == "" {
		return errors.New("settlement id is required")
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid settlement id %q", id)
	}
	return nil
}
