package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/worldcoins-backend/interfaces"
)

// Units converts whole token units to base units (18 decimals).
func Units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

type inMemoryToken struct {
	details  interfaces.TokenDetails
	claimed  map[common.Address]bool
	balances map[common.Address]*big.Int
	claimers int64
	total    *big.Int
}

// InMemoryOperator is the account InMemoryLedger signs writes with.
var InMemoryOperator = common.HexToAddress("0x00000000000000000000000000000000000f00d0")

type pendingTx struct {
	handle      *interfaces.TxHandle
	beneficiary common.Address
	args        []any
}

// InMemoryLedger is a stateful in-memory factory implementing interfaces.Ledger
// for tests. Writes take effect when AwaitConfirmation is called, under a single
// lock, so the factory rules are enforced the way the chain would enforce them.
// Writes are credited to the principal carried by the submit context.
type InMemoryLedger struct {
	mutex    sync.RWMutex
	address  common.Address
	tokens   []common.Address
	byToken  map[common.Address]*inMemoryToken
	creators map[common.Address]common.Address
	pending  map[common.Hash]*pendingTx
	receipts map[common.Hash]*interfaces.Receipt
	block    uint64
	nonce    uint64
	// confirmed is the operator nonce at the latest block.
	confirmed uint64

	allowTransacting bool
	readErr          error
	submitErr        error
	broadcastErr     error
	confirmErr       error
	landOnFailure    bool
	confirmDelay     time.Duration
	submissions      int
}

// NewInMemoryLedger creates an empty factory. The ledger starts read-only;
// call SetTransactOpts to enable writes.
func NewInMemoryLedger() *InMemoryLedger {
	return &InMemoryLedger{
		address:  common.HexToAddress("0x00000000000000000000000000000000000fac70"),
		byToken:  make(map[common.Address]*inMemoryToken),
		creators: make(map[common.Address]common.Address),
		pending:  make(map[common.Hash]*pendingTx),
		receipts: make(map[common.Hash]*interfaces.Receipt),
	}
}

// SetTransactOpts enables write operations.
func (m *InMemoryLedger) SetTransactOpts() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.allowTransacting = true
}

// HasSigner reports whether writes are enabled.
func (m *InMemoryLedger) HasSigner() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.allowTransacting
}

// Address returns the factory address.
func (m *InMemoryLedger) Address() common.Address {
	return m.address
}

// FailReads makes every read return err. Pass nil to clear.
func (m *InMemoryLedger) FailReads(err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.readErr = err
}

// FailSubmit makes every Submit return err wrapped in ErrSubmissionFailed.
func (m *InMemoryLedger) FailSubmit(err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.submitErr = err
}

// FailBroadcast makes every Submit queue the write but report err as an
// unacknowledged broadcast. Pass nil to clear.
func (m *InMemoryLedger) FailBroadcast(err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.broadcastErr = err
}

// MinePending applies every queued write, as a block including them would.
func (m *InMemoryLedger) MinePending() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, p := range m.pending {
		_, _ = m.execute(p)
	}
}

// DropPending discards every queued write, as a mempool eviction would.
func (m *InMemoryLedger) DropPending() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	clear(m.pending)
}

// FailConfirm makes AwaitConfirmation return err. When land is true the
// write is still applied, as when a confirmation wait gives up on a
// transaction that later lands.
func (m *InMemoryLedger) FailConfirm(err error, land bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.confirmErr = err
	m.landOnFailure = land
}

// SetConfirmDelay delays every AwaitConfirmation by d.
func (m *InMemoryLedger) SetConfirmDelay(d time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.confirmDelay = d
}

// Submissions returns the number of writes accepted so far.
func (m *InMemoryLedger) Submissions() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.submissions
}

// SeedToken creates a token for creator directly, bypassing Submit.
func (m *InMemoryLedger) SeedToken(creator common.Address, params interfaces.CreateParams) common.Address {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	token, _ := m.createToken(creator, params)
	return token
}

// MarkClaimed records user as having claimed token directly, bypassing Submit.
func (m *InMemoryLedger) MarkClaimed(user, token common.Address) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.claimTokens(user, token)
}

func (m *InMemoryLedger) IsValidToken(_ context.Context, token common.Address) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.readErr != nil {
		return false, m.readErr
	}
	_, ok := m.byToken[token]
	return ok, nil
}

func (m *InMemoryLedger) HasUserClaimed(_ context.Context, user, token common.Address) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.readErr != nil {
		return false, m.readErr
	}
	t, ok := m.byToken[token]
	return ok && t.claimed[user], nil
}

func (m *InMemoryLedger) HasCreatedToken(_ context.Context, user common.Address) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.readErr != nil {
		return false, m.readErr
	}
	_, ok := m.creators[user]
	return ok, nil
}

func (m *InMemoryLedger) GetTokenByCreator(_ context.Context, creator common.Address) (common.Address, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.readErr != nil {
		return common.Address{}, m.readErr
	}
	return m.creators[creator], nil
}

func (m *InMemoryLedger) GetAllTokens(_ context.Context) ([]common.Address, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	return append([]common.Address(nil), m.tokens...), nil
}

func (m *InMemoryLedger) GetTokenDetails(_ context.Context, token common.Address) (*interfaces.TokenDetails, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	t, ok := m.byToken[token]
	if !ok {
		return nil, fmt.Errorf("%w: getTokenDetails reverted: invalid token", interfaces.ErrDecode)
	}
	details := t.details
	details.TotalSupply = new(big.Int).Set(t.details.TotalSupply)
	return &details, nil
}

func (m *InMemoryLedger) GetClaimStats(_ context.Context, token common.Address) (*interfaces.ClaimStats, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	t, ok := m.byToken[token]
	if !ok {
		return nil, fmt.Errorf("%w: getClaimStats reverted: invalid token", interfaces.ErrDecode)
	}
	return &interfaces.ClaimStats{
		Claimers:        big.NewInt(t.claimers),
		TotalClaimed:    new(big.Int).Set(t.total),
		AvailableSupply: new(big.Int).Sub(t.details.MaxSupply, t.details.TotalSupply),
	}, nil
}

func (m *InMemoryLedger) TokenBalance(_ context.Context, token, user common.Address) (*big.Int, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	t, ok := m.byToken[token]
	if !ok {
		return nil, fmt.Errorf("%w: balanceOf returned no data from %s", interfaces.ErrDecode, token.Hex())
	}
	if balance, ok := t.balances[user]; ok {
		return new(big.Int).Set(balance), nil
	}
	return new(big.Int), nil
}

func (m *InMemoryLedger) Submit(ctx context.Context, method string, args ...any) (*interfaces.TxHandle, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.allowTransacting {
		return nil, interfaces.ErrNoTransactOpts
	}
	if m.submitErr != nil {
		return nil, fmt.Errorf("%w: %s: %v", interfaces.ErrSubmissionFailed, method, m.submitErr)
	}
	beneficiary, ok := interfaces.PrincipalFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("%w: %s: no principal in context", interfaces.ErrSubmissionFailed, method)
	}
	if err := checkArgs(method, args); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrSubmissionFailed, err)
	}

	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], m.nonce)
	handle := &interfaces.TxHandle{
		Hash:      crypto.Keccak256Hash(m.address.Bytes(), seed[:], []byte(method)),
		From:      InMemoryOperator,
		Nonce:     m.nonce,
		Method:    method,
		Submitted: time.Now(),
	}
	m.nonce++
	m.submissions++
	m.pending[handle.Hash] = &pendingTx{handle: handle, beneficiary: beneficiary, args: args}

	if m.broadcastErr != nil {
		return nil, &interfaces.UncertainSubmissionError{Handle: handle, Err: m.broadcastErr}
	}
	return handle, nil
}

func (m *InMemoryLedger) AwaitConfirmation(ctx context.Context, tx *interfaces.TxHandle, timeout time.Duration) (*interfaces.Receipt, error) {
	m.mutex.RLock()
	delay := m.confirmDelay
	m.mutex.RUnlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", interfaces.ErrConfirmationTimeout, tx.Hash.Hex())
		case <-timer.C:
		}
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if receipt, ok := m.receipts[tx.Hash]; ok {
		return receipt, nil
	}
	p, ok := m.pending[tx.Hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrConfirmationTimeout, tx.Hash.Hex())
	}

	if m.confirmErr != nil {
		if m.landOnFailure {
			m.execute(p)
		}
		return nil, m.confirmErr
	}

	receipt, err := m.execute(p)
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (m *InMemoryLedger) TransactionReceipt(_ context.Context, hash common.Hash) (*interfaces.Receipt, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	receipt, ok := m.receipts[hash]
	if !ok {
		return nil, interfaces.ErrReceiptNotFound
	}
	return receipt, nil
}

// ConfirmedNonce returns the operator nonce at the latest block. Other
// accounts never send.
func (m *InMemoryLedger) ConfirmedNonce(_ context.Context, account common.Address) (uint64, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.readErr != nil {
		return 0, m.readErr
	}
	if account != InMemoryOperator {
		return 0, nil
	}
	return m.confirmed, nil
}

// execute applies a pending write and mines it into a new block.
func (m *InMemoryLedger) execute(p *pendingTx) (*interfaces.Receipt, error) {
	delete(m.pending, p.handle.Hash)
	m.block++
	m.confirmed = max(m.confirmed, p.handle.Nonce+1)

	var err error
	switch p.handle.Method {
	case interfaces.MethodCreateToken:
		_, err = m.createToken(p.beneficiary, toCreateParams(p.args[0]))
	case interfaces.MethodClaimTokens:
		err = m.claimTokens(p.beneficiary, p.args[0].(common.Address))
	}

	receipt := &interfaces.Receipt{
		TxHash:      p.handle.Hash,
		BlockNumber: m.block,
		BlockHash:   crypto.Keccak256Hash(p.handle.Hash.Bytes(), big.NewInt(int64(m.block)).Bytes()),
		GasUsed:     21000,
		Status:      1,
	}
	if err != nil {
		receipt.Status = 0
		m.receipts[p.handle.Hash] = receipt
		return nil, &interfaces.RevertError{TxHash: p.handle.Hash.Hex(), Reason: err.Error()}
	}
	m.receipts[p.handle.Hash] = receipt
	return receipt, nil
}

func (m *InMemoryLedger) createToken(creator common.Address, params interfaces.CreateParams) (common.Address, error) {
	if _, ok := m.creators[creator]; ok {
		return common.Address{}, errors.New("User has already created a token")
	}
	if params.Name == "" || params.Symbol == "" {
		return common.Address{}, errors.New("Name and symbol required")
	}

	token := crypto.CreateAddress(m.address, uint64(len(m.tokens)))
	t := &inMemoryToken{
		details: interfaces.TokenDetails{
			Name:        params.Name,
			Symbol:      params.Symbol,
			TotalSupply: Units(interfaces.CreatorAllotmentUnits),
			MaxSupply:   Units(interfaces.TokenSupplyUnits),
			ClaimAmount: Units(interfaces.ClaimAmountUnits),
			Creator:     creator,
			Description: params.Description,
		},
		claimed:  make(map[common.Address]bool),
		balances: map[common.Address]*big.Int{creator: Units(interfaces.CreatorAllotmentUnits)},
		total:    new(big.Int),
	}
	m.tokens = append(m.tokens, token)
	m.byToken[token] = t
	m.creators[creator] = token
	return token, nil
}

func (m *InMemoryLedger) claimTokens(user, token common.Address) error {
	t, ok := m.byToken[token]
	if !ok {
		return errors.New("Invalid token")
	}
	if t.claimed[user] {
		return errors.New("Already claimed")
	}
	amount := t.details.ClaimAmount
	if new(big.Int).Add(t.details.TotalSupply, amount).Cmp(t.details.MaxSupply) > 0 {
		return errors.New("Insufficient supply")
	}

	t.claimed[user] = true
	t.claimers++
	t.total.Add(t.total, amount)
	t.details.TotalSupply = new(big.Int).Add(t.details.TotalSupply, amount)
	balance, ok := t.balances[user]
	if !ok {
		balance = new(big.Int)
	}
	t.balances[user] = new(big.Int).Add(balance, amount)
	return nil
}

func checkArgs(method string, args []any) error {
	if len(args) != 1 {
		return fmt.Errorf("%s: expected 1 argument, got %d", method, len(args))
	}
	switch method {
	case interfaces.MethodCreateToken:
		switch args[0].(type) {
		case interfaces.CreateParams, *interfaces.CreateParams:
			return nil
		}
	case interfaces.MethodClaimTokens:
		if _, ok := args[0].(common.Address); ok {
			return nil
		}
	default:
		return fmt.Errorf("unsupported method %q", method)
	}
	return fmt.Errorf("%s: unexpected argument type %T", method, args[0])
}

func toCreateParams(arg any) interfaces.CreateParams {
	if p, ok := arg.(*interfaces.CreateParams); ok {
		return *p
	}
	return arg.(interfaces.CreateParams)
}
