package journal

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/ruteri/worldcoins-backend/interfaces"
)

// MockJournal is a testify mock of interfaces.Journal.
type MockJournal struct {
	mock.Mock
}

func (m *MockJournal) Record(ctx context.Context, entry *interfaces.JournalEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockJournal) Lookup(ctx context.Context, id string) (*interfaces.JournalEntry, error) {
	args := m.Called(ctx, id)
	if e := args.Get(0); e != nil {
		return e.(*interfaces.JournalEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockJournal) Available(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

func (m *MockJournal) Name() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockJournal) LocationURI() string {
	args := m.Called()
	return args.String(0)
}
