package journal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/worldcoins-backend/interfaces"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEntry(id string, kind interfaces.ErrorKind) *interfaces.JournalEntry {
	hash := common.HexToHash("0xabcdef")
	outcome := interfaces.OutcomeConfirmed
	if kind != interfaces.KindNone {
		outcome = interfaces.OutcomeFailed
	}
	return &interfaces.JournalEntry{
		Result: interfaces.SettlementResult{
			ID:         id,
			Kind:       interfaces.ClaimToken,
			Principal:  common.HexToAddress("0x1111111111111111111111111111111111111111"),
			Outcome:    outcome,
			ErrorKind:  kind,
			TxHash:     &hash,
			Claim:      &interfaces.ClaimParams{Token: common.HexToAddress("0x2222222222222222222222222222222222222222")},
			FinalState: "Confirming",
			StartedAt:  time.Unix(1700000000, 0).UTC(),
			FinishedAt: time.Unix(1700000042, 0).UTC(),
		},
		ActionID: "claim",
		States:   []string{"Received", "Validated", "Verifying", "GuardChecking", "Submitting", "Submitted", "Confirming"},
	}
}

func TestFileJournal_RecordLookup(t *testing.T) {
	ctx := context.Background()
	j, err := NewFileJournal(t.TempDir(), testLogger())
	require.NoError(t, err)
	assert.True(t, j.Available(ctx))

	_, err = j.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrEntryNotFound)

	entry := testEntry("s-1", interfaces.KindAmbiguous)
	require.NoError(t, j.Record(ctx, entry))

	got, err := j.Lookup(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, entry.Result.ErrorKind, got.Result.ErrorKind)
	assert.Equal(t, *entry.Result.TxHash, *got.Result.TxHash)
	assert.Equal(t, entry.States, got.States)

	// Reconciliation overwrites in place.
	entry.Result.Outcome = interfaces.OutcomeConfirmed
	entry.Result.ErrorKind = interfaces.KindNone
	require.NoError(t, j.Record(ctx, entry))
	got, err = j.Lookup(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, interfaces.OutcomeConfirmed, got.Result.Outcome)
}

func TestFileJournal_RejectsUnsafeIDs(t *testing.T) {
	j, err := NewFileJournal(t.TempDir(), testLogger())
	require.NoError(t, err)

	for _, id := range []string{"", "../escape", "a/b", `a\b`} {
		assert.Error(t, j.Record(context.Background(), testEntry(id, interfaces.KindNone)), id)
	}
}

func TestSQLiteJournal(t *testing.T) {
	ctx := context.Background()
	j, err := NewSQLiteJournal(filepath.Join(t.TempDir(), "journal.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	assert.True(t, j.Available(ctx))

	_, err = j.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrEntryNotFound)

	require.NoError(t, j.Record(ctx, testEntry("s-1", interfaces.KindAmbiguous)))
	require.NoError(t, j.Record(ctx, testEntry("s-2", interfaces.KindNone)))
	require.NoError(t, j.Record(ctx, testEntry("s-3", interfaces.KindAmbiguous)))

	ids, err := j.ListByErrorKind(ctx, interfaces.KindAmbiguous, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s-1", "s-3"}, ids)

	resolved := testEntry("s-1", interfaces.KindNone)
	require.NoError(t, j.Record(ctx, resolved))

	ids, err = j.ListByErrorKind(ctx, interfaces.KindAmbiguous, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"s-3"}, ids)

	got, err := j.Lookup(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, interfaces.OutcomeConfirmed, got.Result.Outcome)
}

// fakeS3 is an in-memory s3iface.S3API covering the calls the journal makes.
type fakeS3 struct {
	s3iface.S3API
	mu      sync.Mutex
	objects map[string][]byte
	down    bool
}

func (f *fakeS3) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.StringValue(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "not found", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadBucketWithContext(_ aws.Context, _ *s3.HeadBucketInput, _ ...request.Option) (*s3.HeadBucketOutput, error) {
	if f.down {
		return nil, errors.New("connection refused")
	}
	return &s3.HeadBucketOutput{}, nil
}

func TestS3Journal(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: map[string][]byte{}}
	j := newS3Journal(fake, "bucket", "/prod/", "s3://bucket/prod", testLogger())

	assert.True(t, j.Available(ctx))
	assert.Equal(t, "s3-bucket", j.Name())

	_, err := j.Lookup(ctx, "s-1")
	assert.ErrorIs(t, err, interfaces.ErrEntryNotFound)

	require.NoError(t, j.Record(ctx, testEntry("s-1", interfaces.KindReverted)))
	assert.Contains(t, fake.objects, "prod/settlements/s-1.json")

	got, err := j.Lookup(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, interfaces.KindReverted, got.Result.ErrorKind)

	fake.down = true
	assert.False(t, j.Available(ctx))
}

func mockJournal(name string, available bool) *MockJournal {
	m := new(MockJournal)
	m.On("Name").Return(name).Maybe()
	m.On("Available", mock.Anything).Return(available).Maybe()
	return m
}

func TestMultiJournal_Record(t *testing.T) {
	entry := testEntry("s-1", interfaces.KindNone)

	tests := []struct {
		name      string
		available []bool
		failures  []error
		wantErr   bool
	}{
		{name: "all succeed", available: []bool{true, true}, failures: []error{nil, nil}},
		{name: "one fails", available: []bool{true, true}, failures: []error{errors.New("disk full"), nil}},
		{name: "one unavailable", available: []bool{false, true}, failures: []error{nil, nil}},
		{name: "all fail", available: []bool{true, true}, failures: []error{errors.New("a"), errors.New("b")}, wantErr: true},
		{name: "none available", available: []bool{false, false}, failures: []error{nil, nil}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var journals []interfaces.Journal
			var mocks []*MockJournal
			for i, avail := range tt.available {
				m := mockJournal(string(rune('a'+i)), avail)
				if avail {
					m.On("Record", mock.Anything, entry).Return(tt.failures[i])
				}
				journals = append(journals, m)
				mocks = append(mocks, m)
			}

			err := NewMultiJournal(journals, testLogger()).Record(context.Background(), entry)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			for _, m := range mocks {
				m.AssertExpectations(t)
			}
		})
	}
}

func TestMultiJournal_Lookup(t *testing.T) {
	ctx := context.Background()
	entry := testEntry("s-1", interfaces.KindNone)

	first := mockJournal("first", true)
	first.On("Lookup", mock.Anything, "s-1").Return(nil, interfaces.ErrEntryNotFound)
	second := mockJournal("second", true)
	second.On("Lookup", mock.Anything, "s-1").Return(entry, nil)

	got, err := NewMultiJournal([]interfaces.Journal{first, second}, testLogger()).Lookup(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, entry, got)

	missing := mockJournal("missing", true)
	missing.On("Lookup", mock.Anything, "s-2").Return(nil, interfaces.ErrEntryNotFound)
	_, err = NewMultiJournal([]interfaces.Journal{missing}, testLogger()).Lookup(ctx, "s-2")
	assert.ErrorIs(t, err, interfaces.ErrEntryNotFound)

	broken := mockJournal("broken", true)
	broken.On("Lookup", mock.Anything, "s-3").Return(nil, errors.New("io error"))
	_, err = NewMultiJournal([]interfaces.Journal{broken}, testLogger()).Lookup(ctx, "s-3")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, interfaces.ErrEntryNotFound)
}

func TestFactory(t *testing.T) {
	f := NewFactory(testLogger())
	dir := t.TempDir()

	j, err := f.JournalFor("file://" + dir)
	require.NoError(t, err)
	assert.IsType(t, &FileJournal{}, j)

	sqliteJournal, err := f.JournalFor("sqlite://" + filepath.Join(dir, "j.db"))
	require.NoError(t, err)
	require.IsType(t, &SQLiteJournal{}, sqliteJournal)
	t.Cleanup(func() { _ = sqliteJournal.(*SQLiteJournal).Close() })

	j, err = f.JournalFor("s3://key:secret@bucket/prefix?region=eu-west-1&endpoint=http://localhost:9000")
	require.NoError(t, err)
	assert.Equal(t, "s3-bucket", j.Name())

	_, err = f.JournalFor("ipfs://localhost")
	assert.ErrorIs(t, err, interfaces.ErrInvalidJournalURI)

	multi, err := f.CreateMultiJournal([]string{"ipfs://nope", "file://" + dir, "sqlite://" + filepath.Join(dir, "k.db")})
	require.NoError(t, err)
	require.IsType(t, &MultiJournal{}, multi)
	t.Cleanup(func() { _ = multi.(*MultiJournal).Close() })

	single, err := f.CreateMultiJournal([]string{"file://" + dir})
	require.NoError(t, err)
	assert.IsType(t, &FileJournal{}, single)

	_, err = f.CreateMultiJournal([]string{"bogus://x"})
	assert.Error(t, err)
}

func TestFactory_RedactsCredentialsInLogs(t *testing.T) {
	var buf bytes.Buffer
	f := NewFactory(slog.New(slog.NewTextHandler(&buf, nil)))

	_, err := f.CreateMultiJournal([]string{"s3://key:topsecret@/prefix", "file://" + t.TempDir()})
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "Failed to create journal")
	assert.NotContains(t, buf.String(), "topsecret")
	assert.Contains(t, buf.String(), "key:xxxxx@")
}

func TestMultiJournal_LookupPrefersLatest(t *testing.T) {
	ctx := context.Background()

	stale := testEntry("s-1", interfaces.KindAmbiguous)
	resolved := testEntry("s-1", interfaces.KindNone)
	resolved.Result.FinishedAt = stale.Result.FinishedAt.Add(time.Minute)

	first := mockJournal("first", true)
	first.On("Lookup", mock.Anything, "s-1").Return(stale, nil)
	second := mockJournal("second", true)
	second.On("Lookup", mock.Anything, "s-1").Return(resolved, nil)
	broken := mockJournal("broken", true)
	broken.On("Lookup", mock.Anything, "s-1").Return(nil, errors.New("io error"))

	got, err := NewMultiJournal([]interfaces.Journal{first, broken, second}, testLogger()).Lookup(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, interfaces.OutcomeConfirmed, got.Result.Outcome)
	assert.Equal(t, resolved.Result.FinishedAt, got.Result.FinishedAt)

	got, err = NewMultiJournal([]interfaces.Journal{second, first}, testLogger()).Lookup(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, interfaces.OutcomeConfirmed, got.Result.Outcome)
}

func TestMultiJournal_CloseClosesBackends(t *testing.T) {
	dir := t.TempDir()
	db, err := NewSQLiteJournal(filepath.Join(dir, "c.db"), testLogger())
	require.NoError(t, err)
	file, err := NewFileJournal(dir, testLogger())
	require.NoError(t, err)

	multi := NewMultiJournal([]interfaces.Journal{file, db}, testLogger())
	require.NoError(t, multi.Close())
	assert.False(t, db.Available(context.Background()))
}

func TestMultiJournal_ListByErrorKind(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := NewSQLiteJournal(filepath.Join(dir, "a.db"), testLogger())
	require.NoError(t, err)
	second, err := NewSQLiteJournal(filepath.Join(dir, "b.db"), testLogger())
	require.NoError(t, err)
	file, err := NewFileJournal(dir, testLogger())
	require.NoError(t, err)

	multi := NewMultiJournal([]interfaces.Journal{file, first, second}, testLogger())
	t.Cleanup(func() { _ = multi.Close() })

	require.NoError(t, multi.Record(ctx, testEntry("s-1", interfaces.KindAmbiguous)))
	require.NoError(t, second.Record(ctx, testEntry("s-2", interfaces.KindAmbiguous)))
	require.NoError(t, multi.Record(ctx, testEntry("s-3", interfaces.KindNone)))

	ids, err := multi.ListByErrorKind(ctx, interfaces.KindAmbiguous, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s-1", "s-2"}, ids)

	ids, err = multi.ListByErrorKind(ctx, interfaces.KindAmbiguous, 1)
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	_, err = NewMultiJournal([]interfaces.Journal{file}, testLogger()).ListByErrorKind(ctx, interfaces.KindAmbiguous, 10)
	assert.ErrorIs(t, err, interfaces.ErrJournalUnavailable)
}
