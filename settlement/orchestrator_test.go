package settlement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/worldcoins-backend/guard"
	"github.com/ruteri/worldcoins-backend/interfaces"
	"github.com/ruteri/worldcoins-backend/journal"
	"github.com/ruteri/worldcoins-backend/ledger"
	"github.com/ruteri/worldcoins-backend/verifier"
)

const testAppID = "app_staging_0123456789abcdef"

var (
	alice   = common.HexToAddress("0xa11ce00000000000000000000000000000000001")
	bob     = common.HexToAddress("0xb0b0000000000000000000000000000000000002")
	creator = common.HexToAddress("0xc4ea700000000000000000000000000000000003")

	validProof = interfaces.Proof{
		Proof:             "0xproof",
		MerkleRoot:        "0xroot",
		NullifierHash:     "0xnullifier",
		VerificationLevel: "orb",
	}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func verified() *interfaces.VerificationRecord {
	return &interfaces.VerificationRecord{Success: true, Nullifier: validProof.NullifierHash}
}

type harness struct {
	verifier *verifier.MockVerifier
	ledger   *ledger.InMemoryLedger
	journal  *journal.FileJournal
	orch     *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	v := new(verifier.MockVerifier)
	l := ledger.NewInMemoryLedger()
	l.SetTransactOpts()
	j, err := journal.NewFileJournal(t.TempDir(), testLogger())
	require.NoError(t, err)

	cfg := Config{AppID: testAppID, ConfirmationTimeout: time.Second}
	g := guard.NewGuard(l, nil, cfg.Budget(), testLogger())
	return &harness{
		verifier: v,
		ledger:   l,
		journal:  j,
		orch:     NewOrchestrator(cfg, v, l, g, j, testLogger()),
	}
}

func createRequest(p common.Address, params interfaces.CreateParams) *interfaces.ActionRequest {
	return interfaces.NewCreateRequest(p, validProof, "create-token", "", params)
}

func claimRequest(p, token common.Address) *interfaces.ActionRequest {
	return interfaces.NewClaimRequest(p, validProof, "claim-token", p.Hex(), token)
}

func TestSettle_CreateThenAlreadyCreated(t *testing.T) {
	h := newHarness(t)
	h.verifier.On("Verify", mock.Anything, validProof, testAppID, "create-token", "").Return(verified(), nil)
	ctx := context.Background()

	res := h.orch.Settle(ctx, createRequest(alice, interfaces.CreateParams{Name: "Foo", Symbol: "FOO"}))
	require.Equal(t, interfaces.OutcomeConfirmed, res.Outcome, res.Message)
	require.NotNil(t, res.TxHash)
	assert.NotZero(t, res.BlockNumber)
	assert.Equal(t, "Confirmed", res.FinalState)
	assert.Equal(t, "FOO", res.Create.Symbol)
	assert.True(t, res.Verification.Success)

	created, err := h.ledger.HasCreatedToken(ctx, alice)
	require.NoError(t, err)
	assert.True(t, created)

	res = h.orch.Settle(ctx, createRequest(alice, interfaces.CreateParams{Name: "Bar", Symbol: "BAR"}))
	assert.Equal(t, interfaces.OutcomeRejected, res.Outcome)
	assert.Equal(t, interfaces.KindEntitlementViolation, res.ErrorKind)
	assert.Equal(t, string(interfaces.ReasonAlreadyCreated), res.Reason)
	assert.Equal(t, "RejectedEntitlement", res.FinalState)

	assert.Equal(t, 1, h.ledger.Submissions())
	h.verifier.AssertNumberOfCalls(t, "Verify", 2)
}

func TestSettle_ClaimThenAlreadyClaimed(t *testing.T) {
	h := newHarness(t)
	h.verifier.On("Verify", mock.Anything, validProof, testAppID, "claim-token", bob.Hex()).Return(verified(), nil)
	ctx := context.Background()
	token := h.ledger.SeedToken(creator, interfaces.CreateParams{Name: "Coin", Symbol: "CN"})

	res := h.orch.Settle(ctx, claimRequest(bob, token))
	require.Equal(t, interfaces.OutcomeConfirmed, res.Outcome, res.Message)
	assert.Equal(t, uint64(50), res.ClaimAmount)
	assert.Equal(t, token, res.Claim.Token)

	balance, err := h.ledger.TokenBalance(ctx, token, bob)
	require.NoError(t, err)
	assert.Equal(t, ledger.Units(interfaces.ClaimAmountUnits), balance)

	// A replay with a fresh proof never transfers twice.
	res = h.orch.Settle(ctx, claimRequest(bob, token))
	assert.Equal(t, interfaces.OutcomeRejected, res.Outcome)
	assert.Equal(t, string(interfaces.ReasonAlreadyClaimed), res.Reason)
	assert.Zero(t, res.ClaimAmount)
	assert.Equal(t, 1, h.ledger.Submissions())
}

func TestSettle_ClaimInvalidToken(t *testing.T) {
	h := newHarness(t)
	h.verifier.On("Verify", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(verified(), nil)

	res := h.orch.Settle(context.Background(), claimRequest(bob, common.HexToAddress("0xdead")))
	assert.Equal(t, interfaces.OutcomeRejected, res.Outcome)
	assert.Equal(t, interfaces.KindEntitlementViolation, res.ErrorKind)
	assert.Equal(t, string(interfaces.ReasonInvalidToken), res.Reason)
	assert.Equal(t, 0, h.ledger.Submissions())
}

func TestSettle_VerifierUnreachable(t *testing.T) {
	v := new(verifier.MockVerifier)
	v.On("Verify", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("%w: dial tcp: connection refused", interfaces.ErrVerifierUnreachable))
	l := new(ledger.MockLedger)
	orch := NewOrchestrator(Config{AppID: testAppID}, v, l, guard.NewGuard(l, nil, 0, testLogger()), nil, testLogger())

	res := orch.Settle(context.Background(), claimRequest(bob, common.HexToAddress("0xbeef")))
	assert.Equal(t, interfaces.OutcomeFailed, res.Outcome)
	assert.Equal(t, interfaces.KindInfrastructureUnavailable, res.ErrorKind)
	assert.True(t, res.ErrorKind.Retryable())
	assert.Equal(t, "Verifying", res.FinalState)

	l.AssertNotCalled(t, "IsValidToken", mock.Anything, mock.Anything)
	l.AssertNotCalled(t, "HasUserClaimed", mock.Anything, mock.Anything, mock.Anything)
	l.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything, mock.Anything)
}

func TestSettle_ProofInvalid(t *testing.T) {
	h := newHarness(t)
	h.verifier.On("Verify", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&interfaces.VerificationRecord{Success: false, Code: "invalid_proof", Detail: "The provided proof is invalid."}, nil)

	res := h.orch.Settle(context.Background(), createRequest(alice, interfaces.CreateParams{Name: "Foo", Symbol: "FOO"}))
	assert.Equal(t, interfaces.OutcomeRejected, res.Outcome)
	assert.Equal(t, interfaces.KindProofInvalid, res.ErrorKind)
	assert.Equal(t, "The provided proof is invalid.", res.Message)
	require.NotNil(t, res.Verification)
	assert.Equal(t, "invalid_proof", res.Verification.Code)
	assert.Equal(t, "RejectedProof", res.FinalState)
	assert.Equal(t, 0, h.ledger.Submissions())
}

func TestSettle_BadRequestMakesNoCalls(t *testing.T) {
	v := new(verifier.MockVerifier)
	l := new(ledger.MockLedger)
	orch := NewOrchestrator(Config{AppID: testAppID}, v, l, guard.NewGuard(l, nil, 0, testLogger()), nil, testLogger())

	tests := []struct {
		name string
		req  *interfaces.ActionRequest
	}{
		{"nil request", nil},
		{"missing principal", createRequest(common.Address{}, interfaces.CreateParams{Name: "Foo", Symbol: "FOO"})},
		{"missing symbol", createRequest(alice, interfaces.CreateParams{Name: "Foo"})},
		{"missing token", claimRequest(alice, common.Address{})},
		{"missing proof", interfaces.NewClaimRequest(alice, interfaces.Proof{}, "claim", "", common.HexToAddress("0xbeef"))},
		{"unknown kind", &interfaces.ActionRequest{Kind: "burn", Principal: alice}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := orch.Settle(context.Background(), tt.req)
			assert.Equal(t, interfaces.OutcomeRejected, res.Outcome)
			assert.Equal(t, interfaces.KindBadRequest, res.ErrorKind)
			assert.Equal(t, "Received", res.FinalState)
		})
	}

	v.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, l.Calls)
}

func TestSettle_Configuration(t *testing.T) {
	t.Run("missing app id", func(t *testing.T) {
		h := newHarness(t)
		h.orch.cfg.AppID = ""

		res := h.orch.Settle(context.Background(), createRequest(alice, interfaces.CreateParams{Name: "Foo", Symbol: "FOO"}))
		assert.Equal(t, interfaces.OutcomeFailed, res.Outcome)
		assert.Equal(t, interfaces.KindConfiguration, res.ErrorKind)
		assert.Contains(t, res.Message, "app id")
		h.verifier.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("missing signer", func(t *testing.T) {
		v := new(verifier.MockVerifier)
		l := ledger.NewInMemoryLedger()
		orch := NewOrchestrator(Config{AppID: testAppID}, v, l, guard.NewGuard(l, nil, 0, testLogger()), nil, testLogger())

		res := orch.Settle(context.Background(), createRequest(alice, interfaces.CreateParams{Name: "Foo", Symbol: "FOO"}))
		assert.Equal(t, interfaces.KindConfiguration, res.ErrorKind)
		assert.Contains(t, res.Message, "signing key")
		v.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestSettle_SubmissionFailed(t *testing.T) {
	h := newHarness(t)
	h.verifier.On("Verify", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(verified(), nil)
	h.ledger.FailSubmit(errors.New("nonce too low"))

	res := h.orch.Settle(context.Background(), createRequest(alice, interfaces.CreateParams{Name: "Foo", Symbol: "FOO"}))
	assert.Equal(t, interfaces.OutcomeFailed, res.Outcome)
	assert.Equal(t, interfaces.KindSubmissionFailed, res.ErrorKind)
	assert.Contains(t, res.Message, "nonce too low")
	assert.Nil(t, res.TxHash)
	assert.NotNil(t, res.Verification, "verification is echoed for reconciliation")
	assert.Equal(t, "Submitting", res.FinalState)

	// The entitlement is released once the result is known.
	h.ledger.FailSubmit(nil)
	res = h.orch.Settle(context.Background(), createRequest(alice, interfaces.CreateParams{Name: "Foo", Symbol: "FOO"}))
	assert.Equal(t, interfaces.OutcomeConfirmed, res.Outcome)
}

func TestSettle_Reverted(t *testing.T) {
	v := new(verifier.MockVerifier)
	v.On("Verify", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(verified(), nil)

	token := common.HexToAddress("0xbeef")
	handle := &interfaces.TxHandle{Hash: common.HexToHash("0x01"), Method: interfaces.MethodClaimTokens}
	l := new(ledger.MockLedger)
	l.On("IsValidToken", mock.Anything, token).Return(true, nil)
	l.On("HasUserClaimed", mock.Anything, bob, token).Return(false, nil)
	l.On("Submit", mock.Anything, interfaces.MethodClaimTokens, []any{token}).Return(handle, nil)
	l.On("AwaitConfirmation", mock.Anything, handle, DefaultConfirmationTimeout).
		Return(nil, &interfaces.RevertError{TxHash: handle.Hash.Hex(), Reason: "Insufficient supply"})

	orch := NewOrchestrator(Config{AppID: testAppID}, v, l, guard.NewGuard(l, nil, 0, testLogger()), nil, testLogger())
	res := orch.Settle(context.Background(), claimRequest(bob, token))

	assert.Equal(t, interfaces.OutcomeFailed, res.Outcome)
	assert.Equal(t, interfaces.KindReverted, res.ErrorKind)
	assert.Equal(t, "Insufficient supply", res.Reason)
	assert.Equal(t, handle.Hash, *res.TxHash)
	assert.Equal(t, "Reverted", res.FinalState)
	assert.False(t, res.ErrorKind.Retryable())
	l.AssertExpectations(t)
}

func TestSettle_AmbiguousMatchesLedger(t *testing.T) {
	for _, landed := range []bool{true, false} {
		t.Run(fmt.Sprintf("landed=%v", landed), func(t *testing.T) {
			h := newHarness(t)
			h.verifier.On("Verify", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(verified(), nil)
			token := h.ledger.SeedToken(creator, interfaces.CreateParams{Name: "Coin", Symbol: "CN"})
			h.ledger.FailConfirm(fmt.Errorf("%w: gave up", interfaces.ErrConfirmationTimeout), landed)

			ctx := context.Background()
			res := h.orch.Settle(ctx, claimRequest(bob, token))
			assert.Equal(t, interfaces.OutcomeFailed, res.Outcome)
			assert.Equal(t, interfaces.KindAmbiguous, res.ErrorKind)
			assert.Equal(t, "TimedOut", res.FinalState)
			require.NotNil(t, res.TxHash)
			assert.Equal(t, 1, h.ledger.Submissions(), "never resubmitted")

			claimed, err := h.ledger.HasUserClaimed(ctx, bob, token)
			require.NoError(t, err)
			assert.Equal(t, landed, claimed)

			rec := NewReconciler(h.ledger, h.journal, testLogger())
			got, err := rec.ReconcileID(ctx, res.ID)
			require.NoError(t, err)
			assert.Equal(t, landed, got.EntitlementConsumed)

			entry, err := h.journal.Lookup(ctx, res.ID)
			require.NoError(t, err)
			if landed {
				assert.Equal(t, ResolutionLanded, got.Resolution)
				assert.Equal(t, interfaces.OutcomeConfirmed, entry.Result.Outcome)
				assert.Equal(t, uint64(50), entry.Result.ClaimAmount)
			} else {
				assert.Equal(t, ResolutionPending, got.Resolution, "the write is still queued")
				assert.Equal(t, interfaces.KindAmbiguous, entry.Result.ErrorKind, "pending entries are left untouched")
			}
			assert.Equal(t, 1, h.ledger.Submissions(), "reconciliation never submits")
		})
	}
}

// ambiguousClaim settles a claim by bob whose confirmation is never
// observed and whose write stays queued.
func ambiguousClaim(t *testing.T, h *harness) (*interfaces.SettlementResult, common.Address) {
	t.Helper()
	h.verifier.On("Verify", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(verified(), nil)
	token := h.ledger.SeedToken(creator, interfaces.CreateParams{Name: "Coin", Symbol: "CN"})

	h.ledger.FailConfirm(fmt.Errorf("%w: gave up", interfaces.ErrConfirmationTimeout), false)
	res := h.orch.Settle(context.Background(), claimRequest(bob, token))
	require.Equal(t, interfaces.KindAmbiguous, res.ErrorKind)
	require.NotNil(t, res.TxNonce)
	require.Equal(t, ledger.InMemoryOperator, *res.TxSender)
	h.ledger.FailConfirm(nil, false)
	return res, token
}

func TestReconciler_NotLandedOnlyAfterNonceMovesPast(t *testing.T) {
	h := newHarness(t)
	res, _ := ambiguousClaim(t, h)
	ctx := context.Background()
	rec := NewReconciler(h.ledger, h.journal, testLogger())

	// Evicted but nothing else confirmed from the operator account: the slot
	// is still open, so the write could yet be rebroadcast and land.
	h.ledger.DropPending()
	got, err := rec.ReconcileID(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, ResolutionPending, got.Resolution)

	// An unrelated write takes a later nonce and confirms.
	other := h.orch.Settle(ctx, createRequest(alice, interfaces.CreateParams{Name: "Foo", Symbol: "FOO"}))
	require.Equal(t, interfaces.OutcomeConfirmed, other.Outcome, other.Message)

	got, err = rec.ReconcileID(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, ResolutionNotLanded, got.Resolution)
	assert.False(t, got.EntitlementConsumed)

	entry, err := h.journal.Lookup(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.KindSubmissionFailed, entry.Result.ErrorKind)
}

func TestReconciler_ConsumedEntitlementIsNeverNotLanded(t *testing.T) {
	h := newHarness(t)
	res, token := ambiguousClaim(t, h)
	ctx := context.Background()
	rec := NewReconciler(h.ledger, h.journal, testLogger())

	// The first write is evicted and a retry by the same user lands.
	h.ledger.DropPending()
	retry := h.orch.Settle(ctx, claimRequest(bob, token))
	require.Equal(t, interfaces.OutcomeConfirmed, retry.Outcome, retry.Message)

	got, err := rec.ReconcileID(ctx, res.ID)
	require.NoError(t, err)
	assert.True(t, got.EntitlementConsumed)
	assert.Equal(t, ResolutionSuperseded, got.Resolution)

	entry, err := h.journal.Lookup(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.OutcomeRejected, entry.Result.Outcome)
	assert.Equal(t, string(interfaces.ReasonAlreadyClaimed), entry.Result.Reason)
	assert.False(t, entry.Result.ErrorKind.Retryable())
}

func TestReconciler_EntriesWithoutNonceStayPending(t *testing.T) {
	h := newHarness(t)
	res, _ := ambiguousClaim(t, h)
	h.ledger.DropPending()

	entry, err := h.journal.Lookup(context.Background(), res.ID)
	require.NoError(t, err)
	entry.Result.TxNonce = nil

	got, err := NewReconciler(h.ledger, nil, testLogger()).Reconcile(context.Background(), entry)
	require.NoError(t, err)
	assert.Equal(t, ResolutionPending, got.Resolution)
}

func TestSettle_UnacknowledgedBroadcastIsAmbiguous(t *testing.T) {
	h := newHarness(t)
	h.verifier.On("Verify", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(verified(), nil)
	h.ledger.FailBroadcast(context.DeadlineExceeded)
	ctx := context.Background()

	res := h.orch.Settle(ctx, createRequest(alice, interfaces.CreateParams{Name: "Foo", Symbol: "FOO"}))
	assert.Equal(t, interfaces.OutcomeFailed, res.Outcome)
	assert.Equal(t, interfaces.KindAmbiguous, res.ErrorKind)
	assert.False(t, res.ErrorKind.Retryable())
	assert.Equal(t, "TimedOut", res.FinalState)
	require.NotNil(t, res.TxHash)
	require.NotNil(t, res.TxNonce)
	assert.Equal(t, uint64(0), *res.TxNonce)

	entry, err := h.journal.Lookup(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, res.TxHash, entry.Result.TxHash)
	assert.Equal(t, res.TxNonce, entry.Result.TxNonce)

	// The broadcast did reach the network.
	h.ledger.MinePending()
	got, err := NewReconciler(h.ledger, h.journal, testLogger()).ReconcileID(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, ResolutionLanded, got.Resolution)
	assert.Equal(t, 1, h.ledger.Submissions())
}

func TestSettle_LockOutlastsSlowConfirmation(t *testing.T) {
	v := new(verifier.MockVerifier)
	v.On("Verify", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(verified(), nil)
	l := ledger.NewInMemoryLedger()
	l.SetTransactOpts()
	l.SetConfirmDelay(300 * time.Millisecond)
	token := l.SeedToken(creator, interfaces.CreateParams{Name: "Coin", Symbol: "CN"})

	cfg := Config{
		AppID:               testAppID,
		VerifyTimeout:       50 * time.Millisecond,
		SubmitTimeout:       50 * time.Millisecond,
		ConfirmationTimeout: time.Second,
	}
	require.Error(t, cfg.CheckLockTTL(100*time.Millisecond))
	require.NoError(t, cfg.CheckLockTTL(cfg.Budget()))

	orch := NewOrchestrator(cfg, v, l, guard.NewGuard(l, nil, cfg.Budget(), testLogger()), nil, testLogger())

	results := make([]*interfaces.SettlementResult, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = orch.Settle(context.Background(), claimRequest(bob, token))
		}(i)
		time.Sleep(150 * time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, interfaces.OutcomeConfirmed, results[0].Outcome, results[0].Message)
	assert.Equal(t, interfaces.KindEntitlementViolation, results[1].ErrorKind)
	assert.Equal(t, string(interfaces.ReasonInProgress), results[1].Reason)
	assert.Equal(t, 1, l.Submissions())
}

func TestConfig_Budget(t *testing.T) {
	assert.Equal(t, DefaultVerifyTimeout+DefaultSubmitTimeout+DefaultConfirmationTimeout+SettleMargin, Config{}.Budget())
	assert.NoError(t, Config{}.CheckLockTTL(guard.DefaultLockTTL))

	cfg := Config{ConfirmationTimeout: 10 * time.Minute}
	var cfgErr *interfaces.ConfigError
	assert.ErrorAs(t, cfg.CheckLockTTL(guard.DefaultLockTTL), &cfgErr)
}

func TestSettle_ConcurrentClaimsConfirmOnce(t *testing.T) {
	h := newHarness(t)
	h.verifier.On("Verify", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(verified(), nil)
	h.ledger.SetConfirmDelay(20 * time.Millisecond)
	token := h.ledger.SeedToken(creator, interfaces.CreateParams{Name: "Coin", Symbol: "CN"})

	const n = 8
	results := make([]*interfaces.SettlementResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.orch.Settle(context.Background(), claimRequest(bob, token))
		}(i)
	}
	wg.Wait()

	confirmed := 0
	for _, res := range results {
		if res.Confirmed() {
			confirmed++
			continue
		}
		assert.Equal(t, interfaces.KindEntitlementViolation, res.ErrorKind)
		assert.Contains(t, []string{string(interfaces.ReasonInProgress), string(interfaces.ReasonAlreadyClaimed)}, res.Reason)
	}
	assert.Equal(t, 1, confirmed)
	assert.Equal(t, 1, h.ledger.Submissions())
}

// cancellingLedger cancels the caller's context as soon as a write is accepted.
type cancellingLedger struct {
	*ledger.InMemoryLedger
	cancel context.CancelFunc
}

func (c *cancellingLedger) Submit(ctx context.Context, method string, args ...any) (*interfaces.TxHandle, error) {
	handle, err := c.InMemoryLedger.Submit(ctx, method, args...)
	c.cancel()
	return handle, err
}

func TestSettle_CallerCancellationAfterSubmit(t *testing.T) {
	v := new(verifier.MockVerifier)
	v.On("Verify", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(verified(), nil)

	inner := ledger.NewInMemoryLedger()
	inner.SetTransactOpts()
	inner.SetConfirmDelay(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := &cancellingLedger{InMemoryLedger: inner, cancel: cancel}

	orch := NewOrchestrator(Config{AppID: testAppID}, v, l, guard.NewGuard(l, nil, 0, testLogger()), nil, testLogger())
	res := orch.Settle(ctx, createRequest(alice, interfaces.CreateParams{Name: "Foo", Symbol: "FOO"}))

	require.Error(t, ctx.Err())
	assert.Equal(t, interfaces.OutcomeConfirmed, res.Outcome, res.Message)
}

func TestSettle_JournalFailureDoesNotChangeResult(t *testing.T) {
	v := new(verifier.MockVerifier)
	v.On("Verify", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(verified(), nil)
	l := ledger.NewInMemoryLedger()
	l.SetTransactOpts()

	j := new(journal.MockJournal)
	j.On("Record", mock.Anything, mock.Anything).Return(errors.New("disk full"))
	j.On("Name").Return("mock")

	orch := NewOrchestrator(Config{AppID: testAppID}, v, l, guard.NewGuard(l, nil, 0, testLogger()), j, testLogger())
	res := orch.Settle(context.Background(), createRequest(alice, interfaces.CreateParams{Name: "Foo", Symbol: "FOO"}))
	assert.Equal(t, interfaces.OutcomeConfirmed, res.Outcome)
	j.AssertExpectations(t)
}

func TestSettle_JournalsStateHistory(t *testing.T) {
	h := newHarness(t)
	h.verifier.On("Verify", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(verified(), nil)

	res := h.orch.Settle(context.Background(), createRequest(alice, interfaces.CreateParams{Name: "Foo", Symbol: "FOO"}))
	entry, err := h.journal.Lookup(context.Background(), res.ID)
	require.NoError(t, err)

	assert.Equal(t, "create-token", entry.ActionID)
	assert.Equal(t, []string{
		"Received", "Verifying", "Verified", "GuardChecking", "GuardPassed",
		"Submitting", "Submitted", "Confirming", "Confirmed",
	}, entry.States)
}

func TestRun_Advance(t *testing.T) {
	r := newRun("id", interfaces.ClaimToken, testLogger(), time.Now)
	r.advance(StateVerifying)
	r.advance(StateVerified)

	assert.Panics(t, func() { r.advance(StateVerifying) }, "backward")
	assert.Panics(t, func() { r.advance(StateRejectedProof) }, "sideways")

	r.advance(StateGuardChecking)
	r.advance(StateRejectedEntitlement)
	assert.Panics(t, func() { r.advance(StateSubmitting) }, "out of a terminal state")
}

func TestReconciler_RejectsResolvedEntries(t *testing.T) {
	rec := NewReconciler(ledger.NewInMemoryLedger(), nil, testLogger())
	_, err := rec.Reconcile(context.Background(), &interfaces.JournalEntry{
		Result: interfaces.SettlementResult{ID: "s", Outcome: interfaces.OutcomeConfirmed},
	})
	assert.ErrorIs(t, err, ErrNotAmbiguous)
}
