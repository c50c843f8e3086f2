// Package ledger provides a typed client for the WorldCoins token factory
// contract: fresh entitlement reads, catalog reads and signed writes.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/ruteri/worldcoins-backend/interfaces"
	"github.com/ruteri/worldcoins-backend/signer"
)

// Backend is the subset of an Ethereum client the factory client needs.
// *ethclient.Client and simulated.Client both satisfy it.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
}

// Config holds the factory client's operating parameters.
type Config struct {
	// Address of the deployed factory contract.
	Address common.Address
	// Confirmations is the number of blocks (inclusion block counted) a
	// transaction must be buried under before it is reported as confirmed.
	Confirmations uint64
	// PollInterval between receipt lookups while awaiting confirmation.
	PollInterval time.Duration
	// GasLimit for writes. Zero means estimate.
	GasLimit uint64
}

const (
	DefaultConfirmations = 1
	DefaultPollInterval  = 2 * time.Second
)

// FactoryClient implements interfaces.Ledger for a factory contract deployed
// on an EVM chain.
type FactoryClient struct {
	backend  Backend
	contract *bind.BoundContract
	address  common.Address
	signer   *signer.Authority
	cfg      Config
	log      *slog.Logger
}

// NewFactoryClient creates a client for the factory at cfg.Address. Writes
// are rejected with interfaces.ErrNoTransactOpts until SetSigner is called.
func NewFactoryClient(backend Backend, cfg Config, log *slog.Logger) (*FactoryClient, error) {
	if cfg.Address == (common.Address{}) {
		return nil, &interfaces.ConfigError{Param: "factory address"}
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = DefaultConfirmations
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	return &FactoryClient{
		backend:  backend,
		contract: bind.NewBoundContract(cfg.Address, factoryABI, backend, backend, backend),
		address:  cfg.Address,
		cfg:      cfg,
		log:      log,
	}, nil
}

// SetSigner sets the signing authority required for functions that modify state.
func (c *FactoryClient) SetSigner(authority *signer.Authority) {
	c.signer = authority
}

// Address returns the factory contract address.
func (c *FactoryClient) Address() common.Address {
	return c.address
}

// HasSigner reports whether writes can be made.
func (c *FactoryClient) HasSigner() bool {
	return c.signer != nil
}

// call packs and executes a read against target and unpacks the result into out.
// Reverts and malformed results are reported as interfaces.ErrDecode, anything
// else as interfaces.ErrRPCUnavailable.
func (c *FactoryClient) call(ctx context.Context, contractABI *abi.ABI, target common.Address, out any, method string, args ...any) error {
	input, err := contractABI.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("could not pack %s call: %w", method, err)
	}

	output, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &target, Data: input}, nil)
	if err != nil {
		if reason, ok := revertReason(err); ok {
			return fmt.Errorf("%w: %s reverted: %s", interfaces.ErrDecode, method, reason)
		}
		return fmt.Errorf("%w: %s: %v", interfaces.ErrRPCUnavailable, method, err)
	}
	if len(output) == 0 {
		return fmt.Errorf("%w: %s returned no data from %s", interfaces.ErrDecode, method, target.Hex())
	}

	if err := contractABI.UnpackIntoInterface(out, method, output); err != nil {
		return fmt.Errorf("%w: %s: %v", interfaces.ErrDecode, method, err)
	}
	return nil
}

func (c *FactoryClient) IsValidToken(ctx context.Context, token common.Address) (bool, error) {
	var valid bool
	err := c.call(ctx, &factoryABI, c.address, &valid, "isValidToken", token)
	return valid, err
}

func (c *FactoryClient) HasUserClaimed(ctx context.Context, user, token common.Address) (bool, error) {
	var claimed bool
	err := c.call(ctx, &factoryABI, c.address, &claimed, "hasUserClaimed", user, token)
	return claimed, err
}

func (c *FactoryClient) HasCreatedToken(ctx context.Context, user common.Address) (bool, error) {
	var created bool
	err := c.call(ctx, &factoryABI, c.address, &created, "hasCreatedToken", user)
	return created, err
}

// GetTokenByCreator returns the token created by creator, or the zero address.
func (c *FactoryClient) GetTokenByCreator(ctx context.Context, creator common.Address) (common.Address, error) {
	var token common.Address
	err := c.call(ctx, &factoryABI, c.address, &token, "getTokenByCreator", creator)
	return token, err
}

func (c *FactoryClient) GetAllTokens(ctx context.Context) ([]common.Address, error) {
	var tokens []common.Address
	if err := c.call(ctx, &factoryABI, c.address, &tokens, "getAllTokens"); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (c *FactoryClient) GetTokenDetails(ctx context.Context, token common.Address) (*interfaces.TokenDetails, error) {
	var details interfaces.TokenDetails
	if err := c.call(ctx, &factoryABI, c.address, &details, "getTokenDetails", token); err != nil {
		return nil, err
	}
	return &details, nil
}

func (c *FactoryClient) GetClaimStats(ctx context.Context, token common.Address) (*interfaces.ClaimStats, error) {
	var stats interfaces.ClaimStats
	if err := c.call(ctx, &factoryABI, c.address, &stats, "getClaimStats", token); err != nil {
		return nil, err
	}
	return &stats, nil
}

// TokenBalance reads the ERC-20 balance of user on token.
func (c *FactoryClient) TokenBalance(ctx context.Context, token, user common.Address) (*big.Int, error) {
	balance := new(big.Int)
	if err := c.call(ctx, &tokenABI, token, &balance, "balanceOf", user); err != nil {
		return nil, err
	}
	return balance, nil
}

// Submit signs and sends a state-changing factory call. It returns as soon as
// the network has accepted the transaction.
//
// The transaction is signed before it is broadcast. If the node answers the
// broadcast with a JSON-RPC error the write is reported as
// interfaces.ErrSubmissionFailed. Any other broadcast failure may have
// reached the network and is reported as *interfaces.UncertainSubmissionError
// carrying the signed transaction's handle.
func (c *FactoryClient) Submit(ctx context.Context, method string, args ...any) (*interfaces.TxHandle, error) {
	if c.signer == nil {
		return nil, interfaces.ErrNoTransactOpts
	}
	if method != interfaces.MethodCreateToken && method != interfaces.MethodClaimTokens {
		return nil, fmt.Errorf("%w: unsupported method %q", interfaces.ErrSubmissionFailed, method)
	}

	data, err := factoryABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: could not pack %s: %v", interfaces.ErrSubmissionFailed, method, err)
	}

	tx, err := c.signer.Transact(ctx, func(opts *bind.TransactOpts) (*types.Transaction, error) {
		opts.GasLimit = c.cfg.GasLimit
		opts.NoSend = true
		signed, err := c.contract.RawTransact(opts, data)
		if err != nil {
			return nil, err
		}
		return signed, c.backend.SendTransaction(opts.Context, signed)
	})

	attrs := []any{slog.String("method", method)}
	if principal, ok := interfaces.PrincipalFromContext(ctx); ok {
		attrs = append(attrs, slog.String("principal", principal.Hex()))
	}

	if err != nil {
		if tx == nil || sendRejected(err) {
			return nil, fmt.Errorf("%w: %s: %v", interfaces.ErrSubmissionFailed, method, err)
		}
		handle := c.handle(tx, method, data)
		c.log.Warn("Transaction broadcast outcome unknown", append(attrs,
			slog.String("txHash", handle.Hash.Hex()),
			slog.Uint64("nonce", handle.Nonce),
			"err", err)...)
		return nil, &interfaces.UncertainSubmissionError{Handle: handle, Err: err}
	}

	handle := c.handle(tx, method, data)
	c.log.Info("Transaction submitted", append(attrs,
		slog.String("txHash", handle.Hash.Hex()),
		slog.Uint64("nonce", handle.Nonce))...)
	return handle, nil
}

func (c *FactoryClient) handle(tx *types.Transaction, method string, data []byte) *interfaces.TxHandle {
	return &interfaces.TxHandle{
		Hash:      tx.Hash(),
		From:      c.signer.Address(),
		Nonce:     tx.Nonce(),
		Method:    method,
		Data:      data,
		Submitted: time.Now(),
	}
}

// sendRejected reports whether err is the node refusing a transaction, such
// as nonce too low or insufficient funds, rather than the request failing in
// transit.
func sendRejected(err error) bool {
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr)
}

// AwaitConfirmation polls for the receipt of tx until it is buried under the
// configured number of confirmations, the timeout elapses or ctx ends.
// A reverted transaction yields *interfaces.RevertError.
func (c *FactoryClient) AwaitConfirmation(ctx context.Context, tx *interfaces.TxHandle, timeout time.Duration) (*interfaces.Receipt, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, tx.Hash)
		switch {
		case err == nil:
			confirmed, err := c.isBuried(ctx, receipt)
			if err != nil {
				c.log.Debug("Could not read chain head", "txHash", tx.Hash.Hex(), "err", err)
			}
			if confirmed {
				if receipt.Status != types.ReceiptStatusSuccessful {
					return nil, &interfaces.RevertError{
						TxHash: tx.Hash.Hex(),
						Reason: c.replayRevert(ctx, tx, receipt),
					}
				}
				return toReceipt(receipt), nil
			}
		case errors.Is(err, ethereum.NotFound):
		default:
			if ctx.Err() == nil {
				c.log.Debug("Receipt lookup failed", "txHash", tx.Hash.Hex(), "err", err)
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", interfaces.ErrConfirmationTimeout, tx.Hash.Hex())
		case <-ticker.C:
		}
	}
}

// TransactionReceipt returns the receipt of hash without waiting.
func (c *FactoryClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*interfaces.Receipt, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, interfaces.ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrRPCUnavailable, err)
	}
	return toReceipt(receipt), nil
}

// ConfirmedNonce returns the nonce of account at the latest block.
func (c *FactoryClient) ConfirmedNonce(ctx context.Context, account common.Address) (uint64, error) {
	nonce, err := c.backend.NonceAt(ctx, account, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", interfaces.ErrRPCUnavailable, err)
	}
	return nonce, nil
}

func (c *FactoryClient) isBuried(ctx context.Context, receipt *types.Receipt) (bool, error) {
	if receipt.BlockNumber == nil {
		return false, nil
	}
	if c.cfg.Confirmations <= 1 {
		return true, nil
	}
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return false, err
	}
	included := receipt.BlockNumber.Uint64()
	return head >= included && head-included+1 >= c.cfg.Confirmations, nil
}

// replayRevert re-executes a reverted call against the state preceding its
// block to recover the revert reason. An empty string means none was found.
func (c *FactoryClient) replayRevert(ctx context.Context, tx *interfaces.TxHandle, receipt *types.Receipt) string {
	if len(tx.Data) == 0 || receipt.BlockNumber == nil || receipt.BlockNumber.Sign() == 0 {
		return ""
	}

	msg := ethereum.CallMsg{To: &c.address, Data: tx.Data}
	if c.signer != nil {
		msg.From = c.signer.Address()
	}
	parent := new(big.Int).Sub(receipt.BlockNumber, big.NewInt(1))

	_, err := c.backend.CallContract(ctx, msg, parent)
	if err == nil {
		return ""
	}
	reason, _ := revertReason(err)
	return reason
}

// revertReason extracts the decoded revert reason from an execution error.
func revertReason(err error) (string, bool) {
	if !strings.Contains(err.Error(), "revert") {
		return "", false
	}

	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return strings.TrimSpace(strings.TrimPrefix(err.Error(), "execution reverted:")), true
	}

	var data []byte
	switch v := dataErr.ErrorData().(type) {
	case string:
		decoded, decodeErr := hexutil.Decode(v)
		if decodeErr != nil {
			return v, true
		}
		data = decoded
	case []byte:
		data = v
	}

	if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
		return reason, true
	}
	return "execution reverted", true
}

func toReceipt(r *types.Receipt) *interfaces.Receipt {
	receipt := &interfaces.Receipt{
		TxHash:    r.TxHash,
		BlockHash: r.BlockHash,
		GasUsed:   r.GasUsed,
		Status:    r.Status,
	}
	if r.BlockNumber != nil {
		receipt.BlockNumber = r.BlockNumber.Uint64()
	}
	return receipt
}
