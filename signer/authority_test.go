package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testChainID = big.NewInt(1337)

func setupTestChain(t *testing.T) (*simulated.Backend, *ecdsa.PrivateKey) {
	privateKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	balance := new(big.Int)
	balance.SetString("10000000000000000000", 10) // 10 ETH

	backend := simulated.NewBackend(map[common.Address]types.Account{
		crypto.PubkeyToAddress(privateKey.PublicKey): {Balance: balance},
	}, simulated.WithBlockGasLimit(8000000))
	t.Cleanup(func() { backend.Close() })

	return backend, privateKey
}

// sendTransfer returns a TransactFunc moving 1 wei to a fixed address.
func sendTransfer(client simulated.Client) TransactFunc {
	to := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	return func(opts *bind.TransactOpts) (*types.Transaction, error) {
		gasPrice, err := client.SuggestGasPrice(opts.Context)
		if err != nil {
			return nil, err
		}
		tx := types.NewTx(&types.LegacyTx{
			Nonce:    opts.Nonce.Uint64(),
			To:       &to,
			Value:    big.NewInt(1),
			Gas:      21000,
			GasPrice: gasPrice,
		})
		signed, err := opts.Signer(opts.From, tx)
		if err != nil {
			return nil, err
		}
		return signed, client.SendTransaction(opts.Context, signed)
	}
}

func TestAuthority_ConcurrentSubmissionsGetSequentialNonces(t *testing.T) {
	backend, key := setupTestChain(t)
	client := backend.Client()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	authority, err := NewAuthority(key, testChainID, client, logger)
	require.NoError(t, err)

	const submissions = 8
	var wg sync.WaitGroup
	txs := make([]*types.Transaction, submissions)
	errs := make([]error, submissions)
	for i := 0; i < submissions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			txs[i], errs[i] = authority.Transact(context.Background(), sendTransfer(client))
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for i := range txs {
		require.NoError(t, errs[i])
		assert.False(t, seen[txs[i].Nonce()], "nonce %d allocated twice", txs[i].Nonce())
		seen[txs[i].Nonce()] = true
	}
	for n := uint64(0); n < submissions; n++ {
		assert.True(t, seen[n], "nonce %d never allocated", n)
	}

	backend.Commit()
	for _, tx := range txs {
		receipt, err := client.TransactionReceipt(context.Background(), tx.Hash())
		require.NoError(t, err)
		assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
	}
}

func TestAuthority_ResyncsNonceAfterFailure(t *testing.T) {
	backend, key := setupTestChain(t)
	client := backend.Client()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	authority, err := NewAuthority(key, testChainID, client, logger)
	require.NoError(t, err)

	tx, err := authority.Transact(context.Background(), sendTransfer(client))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), tx.Nonce())

	_, err = authority.Transact(context.Background(), func(opts *bind.TransactOpts) (*types.Transaction, error) {
		assert.Equal(t, uint64(1), opts.Nonce.Uint64())
		return nil, errors.New("insufficient funds")
	})
	require.Error(t, err)

	tx, err = authority.Transact(context.Background(), sendTransfer(client))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), tx.Nonce(), "nonce should be re-read from the pending pool")
}

func TestAuthority_ReturnsSignedTransactionOnSendError(t *testing.T) {
	backend, key := setupTestChain(t)
	client := backend.Client()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	authority, err := NewAuthority(key, testChainID, client, logger)
	require.NoError(t, err)

	send := sendTransfer(client)
	tx, err := authority.Transact(context.Background(), func(opts *bind.TransactOpts) (*types.Transaction, error) {
		signed, err := send(opts)
		require.NoError(t, err)
		return signed, context.DeadlineExceeded
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, tx)
	assert.Equal(t, uint64(0), tx.Nonce())

	next, err := authority.Transact(context.Background(), sendTransfer(client))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next.Nonce(), "the sent transaction holds nonce 0 in the pending pool")
}

func TestNewAuthority_Validation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	_, err = NewAuthority(nil, testChainID, nil, logger)
	assert.Error(t, err)

	_, err = NewAuthority(key, big.NewInt(0), nil, logger)
	assert.Error(t, err)

	authority, err := NewAuthority(key, testChainID, nil, logger)
	require.NoError(t, err)
	assert.Equal(t, AddressFromKey(key), authority.Address())
	assert.Equal(t, int64(1337), authority.ChainID().Int64())
}

func TestParsePrivateKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hexKey := common.Bytes2Hex(crypto.FromECDSA(key))

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "with prefix", input: "0x" + hexKey},
		{name: "without prefix", input: hexKey},
		{name: "surrounding whitespace", input: "  " + hexKey + "\n"},
		{name: "empty", input: "", wantErr: true},
		{name: "too short", input: hexKey[:60], wantErr: true},
		{name: "not hex", input: "zz" + hexKey[2:], wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := ParsePrivateKey(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, AddressFromKey(key), AddressFromKey(parsed))
		})
	}
}
