package journal

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/ruteri/worldcoins-backend/interfaces"
)

// Factory creates journals from location URIs.
type Factory struct {
	log *slog.Logger
}

func NewFactory(logger *slog.Logger) *Factory {
	return &Factory{log: logger}
}

// JournalFor creates a journal from a location URI.
//
// Supported schemes:
//   - file:///absolute/path or file://./relative/path
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-west-2&endpoint=minio:9000
//   - sqlite:///absolute/path/journal.db
func (f *Factory) JournalFor(locationURI string) (interfaces.Journal, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed location URI", interfaces.ErrInvalidJournalURI)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return f.createFileJournal(u)
	case "s3":
		return f.createS3Journal(u)
	case "sqlite":
		return f.createSQLiteJournal(u)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", interfaces.ErrInvalidJournalURI, u.Scheme)
	}
}

// CreateMultiJournal creates a journal fanning out to every valid URI.
// Invalid URIs are logged and skipped; at least one must be valid.
func (f *Factory) CreateMultiJournal(locationURIs []string) (interfaces.Journal, error) {
	journals := make([]interfaces.Journal, 0, len(locationURIs))

	for _, uri := range locationURIs {
		j, err := f.JournalFor(uri)
		if err != nil {
			f.log.Warn("Failed to create journal",
				"err", err,
				slog.String("locationURI", redactURI(uri)))
			continue
		}
		journals = append(journals, j)
	}

	if len(journals) == 0 {
		return nil, fmt.Errorf("no valid journals created")
	}
	if len(journals) == 1 {
		return journals[0], nil
	}

	return NewMultiJournal(journals, f.log), nil
}

func (f *Factory) createFileJournal(u *url.URL) (interfaces.Journal, error) {
	path := localPath(u)
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in %s", interfaces.ErrInvalidJournalURI, u.Redacted())
	}
	return NewFileJournal(path, f.log)
}

func (f *Factory) createSQLiteJournal(u *url.URL) (interfaces.Journal, error) {
	path := localPath(u)
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in %s", interfaces.ErrInvalidJournalURI, u.Redacted())
	}
	return NewSQLiteJournal(path, f.log)
}

func (f *Factory) createS3Journal(u *url.URL) (interfaces.Journal, error) {
	bucketName := u.Host
	if bucketName == "" {
		return nil, fmt.Errorf("%w: missing bucket in %s", interfaces.ErrInvalidJournalURI, u.Redacted())
	}
	prefix := strings.TrimPrefix(u.Path, "/")

	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "us-east-1"
	}
	endpoint := query.Get("endpoint")

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	return NewS3Journal(bucketName, prefix, region, endpoint, accessKey, secretKey, f.log)
}

// localPath joins host and path so that both file:///abs and file://./rel work.
func localPath(u *url.URL) string {
	if u.Host == "" {
		return u.Path
	}
	return u.Host + "/" + strings.TrimPrefix(u.Path, "/")
}

// redactURI hides the password of a journal URI for logging.
func redactURI(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	return u.Redacted()
}
