package verifier

import (
	"context"

	"github.com/ruteri/worldcoins-backend/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockVerifier mocks the ProofVerifier interface
type MockVerifier struct {
	mock.Mock
}

// Verify mocks the Verify method
func (m *MockVerifier) Verify(ctx context.Context, proof interfaces.Proof, appID, actionID, signal string) (*interfaces.VerificationRecord, error) {
	args := m.Called(ctx, proof, appID, actionID, signal)
	record, _ := args.Get(0).(*interfaces.VerificationRecord)
	return record, args.Error(1)
}
