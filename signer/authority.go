// Package signer holds the single operator key allowed to submit ledger
// transactions on behalf of verified users.
package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// NonceSource reports the next nonce the network expects for an account.
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// TransactFunc builds, signs and sends one transaction with the provided options.
type TransactFunc func(opts *bind.TransactOpts) (*types.Transaction, error)

// Authority serialises all writes made with the operator key. Only one
// submission is in flight at a time and nonces are allocated locally, so
// concurrent settlements never race for the same account sequence number.
type Authority struct {
	mu      sync.Mutex
	auth    *bind.TransactOpts
	nonces  NonceSource
	log     *slog.Logger
	next    uint64
	inSync  bool
	chainID *big.Int
}

// NewAuthority creates a signing authority for key on chainID. The nonce
// source is consulted on first use and after every failed submission.
func NewAuthority(key *ecdsa.PrivateKey, chainID *big.Int, nonces NonceSource, log *slog.Logger) (*Authority, error) {
	if key == nil {
		return nil, errors.New("operator key is required")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("chain id must be positive")
	}

	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("could not create transactor: %w", err)
	}

	return &Authority{
		auth:    auth,
		nonces:  nonces,
		log:     log,
		chainID: new(big.Int).Set(chainID),
	}, nil
}

// Address returns the operator account.
func (a *Authority) Address() common.Address {
	return a.auth.From
}

// ChainID returns the chain the authority signs for.
func (a *Authority) ChainID() *big.Int {
	return new(big.Int).Set(a.chainID)
}

// Transact runs fn with transaction options carrying the next nonce. If fn
// fails, the local nonce is discarded and re-read from the network before the
// next submission, since the failure may or may not have consumed it. A
// transaction fn signed before failing is returned along with the error.
func (a *Authority) Transact(ctx context.Context, fn TransactFunc) (*types.Transaction, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.inSync {
		nonce, err := a.nonces.PendingNonceAt(ctx, a.auth.From)
		if err != nil {
			return nil, fmt.Errorf("could not fetch pending nonce: %w", err)
		}
		a.next = nonce
		a.inSync = true
	}

	opts := *a.auth
	opts.Context = ctx
	opts.Nonce = new(big.Int).SetUint64(a.next)

	tx, err := fn(&opts)
	if err != nil {
		a.inSync = false
		a.log.Debug("Submission failed, nonce will be resynchronised", "nonce", a.next, "err", err)
		return tx, err
	}

	a.log.Debug("Transaction signed and sent",
		slog.String("txHash", tx.Hash().Hex()),
		slog.Uint64("nonce", tx.Nonce()))

	a.next = tx.Nonce() + 1
	return tx, nil
}

// AddressFromKey is a convenience for logging the operator account.
func AddressFromKey(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}
