package interfaces

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Factory contract methods that change state.
const (
	MethodCreateToken = "createToken"
	MethodClaimTokens = "claimTokens"
)

// Distribution policy of the factory, in whole token units. The backend
// reports these but never enforces them; the contract does.
const (
	TokenSupplyUnits      = 1_000_000
	CreatorAllotmentUnits = 5_000
	ClaimAmountUnits      = 50
)

// TokenDetails mirrors the factory's getTokenDetails return tuple.
type TokenDetails struct {
	Name        string
	Symbol      string
	TotalSupply *big.Int
	MaxSupply   *big.Int
	ClaimAmount *big.Int
	Creator     common.Address
	Description string
}

// ClaimStats mirrors the factory's getClaimStats return tuple.
type ClaimStats struct {
	Claimers        *big.Int
	TotalClaimed    *big.Int
	AvailableSupply *big.Int
}

// TxHandle identifies a transaction accepted by the network.
type TxHandle struct {
	Hash common.Hash
	// From is the signing account; Nonce is its nonce in that account.
	From   common.Address
	Nonce  uint64
	Method string
	// Data is the ABI-encoded calldata, kept to replay a reverted call.
	Data []byte
	// Submitted is when the ledger accepted the transaction.
	Submitted time.Time
}

// Receipt is a finalized transaction inclusion.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	BlockHash   common.Hash
	GasUsed     uint64
	Status      uint64
}

// EntitlementReader exposes the uniqueness predicates of the factory.
// Every call is a fresh read; implementations must not cache.
type EntitlementReader interface {
	IsValidToken(ctx context.Context, token common.Address) (bool, error)
	HasUserClaimed(ctx context.Context, user, token common.Address) (bool, error)
	HasCreatedToken(ctx context.Context, user common.Address) (bool, error)
}

// TokenCatalog exposes the descriptive read functions of the factory and tokens.
type TokenCatalog interface {
	GetTokenByCreator(ctx context.Context, creator common.Address) (common.Address, error)
	GetAllTokens(ctx context.Context) ([]common.Address, error)
	GetTokenDetails(ctx context.Context, token common.Address) (*TokenDetails, error)
	GetClaimStats(ctx context.Context, token common.Address) (*ClaimStats, error)
	TokenBalance(ctx context.Context, token, user common.Address) (*big.Int, error)
}

// LedgerWriter submits state-changing calls and waits for their finality.
//
// Submit has an irreversible external effect once it returns a handle.
// Callers must not resubmit after an ambiguous AwaitConfirmation failure
// without first re-reading entitlement state.
type LedgerWriter interface {
	Submit(ctx context.Context, method string, args ...any) (*TxHandle, error)
	AwaitConfirmation(ctx context.Context, tx *TxHandle, timeout time.Duration) (*Receipt, error)
	// TransactionReceipt returns the receipt of an already included transaction
	// or ErrReceiptNotFound.
	TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error)
	// ConfirmedNonce returns the number of transactions from account included
	// in the latest block.
	ConfirmedNonce(ctx context.Context, account common.Address) (uint64, error)
}

// Ledger is the full typed view of the factory contract.
type Ledger interface {
	EntitlementReader
	TokenCatalog
	LedgerWriter
}

type principalKey struct{}

// ContextWithPrincipal tags ctx with the user on whose behalf a write is made.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal set by ContextWithPrincipal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
