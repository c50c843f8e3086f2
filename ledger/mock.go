package ledger

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/worldcoins-backend/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockLedger mocks the interfaces.Ledger interface
type MockLedger struct {
	mock.Mock
}

// IsValidToken mocks the IsValidToken method
func (m *MockLedger) IsValidToken(ctx context.Context, token common.Address) (bool, error) {
	args := m.Called(ctx, token)
	return args.Bool(0), args.Error(1)
}

// HasUserClaimed mocks the HasUserClaimed method
func (m *MockLedger) HasUserClaimed(ctx context.Context, user, token common.Address) (bool, error) {
	args := m.Called(ctx, user, token)
	return args.Bool(0), args.Error(1)
}

// HasCreatedToken mocks the HasCreatedToken method
func (m *MockLedger) HasCreatedToken(ctx context.Context, user common.Address) (bool, error) {
	args := m.Called(ctx, user)
	return args.Bool(0), args.Error(1)
}

// GetTokenByCreator mocks the GetTokenByCreator method
func (m *MockLedger) GetTokenByCreator(ctx context.Context, creator common.Address) (common.Address, error) {
	args := m.Called(ctx, creator)
	return args.Get(0).(common.Address), args.Error(1)
}

// GetAllTokens mocks the GetAllTokens method
func (m *MockLedger) GetAllTokens(ctx context.Context) ([]common.Address, error) {
	args := m.Called(ctx)
	tokens, _ := args.Get(0).([]common.Address)
	return tokens, args.Error(1)
}

// GetTokenDetails mocks the GetTokenDetails method
func (m *MockLedger) GetTokenDetails(ctx context.Context, token common.Address) (*interfaces.TokenDetails, error) {
	args := m.Called(ctx, token)
	details, _ := args.Get(0).(*interfaces.TokenDetails)
	return details, args.Error(1)
}

// GetClaimStats mocks the GetClaimStats method
func (m *MockLedger) GetClaimStats(ctx context.Context, token common.Address) (*interfaces.ClaimStats, error) {
	args := m.Called(ctx, token)
	stats, _ := args.Get(0).(*interfaces.ClaimStats)
	return stats, args.Error(1)
}

// TokenBalance mocks the TokenBalance method
func (m *MockLedger) TokenBalance(ctx context.Context, token, user common.Address) (*big.Int, error) {
	args := m.Called(ctx, token, user)
	balance, _ := args.Get(0).(*big.Int)
	return balance, args.Error(1)
}

// Submit mocks the Submit method
func (m *MockLedger) Submit(ctx context.Context, method string, callArgs ...any) (*interfaces.TxHandle, error) {
	args := m.Called(ctx, method, callArgs)
	tx, _ := args.Get(0).(*interfaces.TxHandle)
	return tx, args.Error(1)
}

// AwaitConfirmation mocks the AwaitConfirmation method
func (m *MockLedger) AwaitConfirmation(ctx context.Context, tx *interfaces.TxHandle, timeout time.Duration) (*interfaces.Receipt, error) {
	args := m.Called(ctx, tx, timeout)
	receipt, _ := args.Get(0).(*interfaces.Receipt)
	return receipt, args.Error(1)
}

// TransactionReceipt mocks the TransactionReceipt method
func (m *MockLedger) TransactionReceipt(ctx context.Context, hash common.Hash) (*interfaces.Receipt, error) {
	args := m.Called(ctx, hash)
	receipt, _ := args.Get(0).(*interfaces.Receipt)
	return receipt, args.Error(1)
}

// ConfirmedNonce mocks the ConfirmedNonce method
func (m *MockLedger) ConfirmedNonce(ctx context.Context, account common.Address) (uint64, error) {
	args := m.Called(ctx, account)
	nonce, _ := args.Get(0).(uint64)
	return nonce, args.Error(1)
}
