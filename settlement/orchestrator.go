// Package settlement turns a verified, entitled action request into a
// confirmed ledger write and reports a terminal SettlementResult.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ruteri/worldcoins-backend/guard"
	"github.com/ruteri/worldcoins-backend/interfaces"
	"github.com/ruteri/worldcoins-backend/metrics"
	"github.com/ruteri/worldcoins-backend/verifier"
)

const (
	DefaultConfirmationTimeout = 60 * time.Second
	DefaultSubmitTimeout       = 30 * time.Second
	DefaultVerifyTimeout       = verifier.DefaultTimeout

	// SettleMargin covers the steps outside the timed phases: entitlement
	// reads, lock handling and journaling.
	SettleMargin = 30 * time.Second

	guardTimeout   = 10 * time.Second
	journalTimeout = 10 * time.Second
)

// Config holds the operating parameters of the orchestrator.
type Config struct {
	// AppID is the verifier application identity proofs are scoped to.
	AppID string
	// VerifyTimeout bounds the proof verification call.
	VerifyTimeout time.Duration
	// ConfirmationTimeout bounds the wait for a submitted write.
	ConfirmationTimeout time.Duration
	// SubmitTimeout bounds signing and broadcasting a write.
	SubmitTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = DefaultVerifyTimeout
	}
	if c.ConfirmationTimeout <= 0 {
		c.ConfirmationTimeout = DefaultConfirmationTimeout
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = DefaultSubmitTimeout
	}
	return c
}

// Budget is the longest a single settlement can run. Entitlement locks and
// HTTP write deadlines must outlast it.
func (c Config) Budget() time.Duration {
	c = c.withDefaults()
	return c.VerifyTimeout + c.SubmitTimeout + c.ConfirmationTimeout + SettleMargin
}

// CheckLockTTL returns a ConfigError when an entitlement lock held for ttl
// could expire while its settlement is still running.
func (c Config) CheckLockTTL(ttl time.Duration) error {
	if budget := c.Budget(); ttl < budget {
		return &interfaces.ConfigError{
			Param: "entitlement lock ttl",
			Err:   fmt.Errorf("%s is shorter than the settlement budget %s", ttl, budget),
		}
	}
	return nil
}

// signerState is implemented by ledgers that can report whether an operator
// key is loaded.
type signerState interface {
	HasSigner() bool
}

// contractAddress is implemented by ledgers bound to a factory address.
type contractAddress interface {
	Address() common.Address
}

// Orchestrator runs the settlement state machine. It is safe for concurrent use.
type Orchestrator struct {
	cfg      Config
	verifier interfaces.ProofVerifier
	ledger   interfaces.Ledger
	guard    *guard.Guard
	journal  interfaces.Journal
	log      *slog.Logger
	tracer   trace.Tracer

	newID func() string
	nowFn func() time.Time
}

// NewOrchestrator wires the orchestrator. journal may be nil, in which case
// results are only logged.
func NewOrchestrator(cfg Config, verifier interfaces.ProofVerifier, ledger interfaces.Ledger, g *guard.Guard, journal interfaces.Journal, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		verifier: verifier,
		ledger:   ledger,
		guard:    g,
		journal:  journal,
		log:      log,
		tracer:   otel.Tracer("github.com/ruteri/worldcoins-backend/settlement"),
		newID:    uuid.NewString,
		nowFn:    time.Now,
	}
}

// Settle drives req to a terminal result. Failures of any kind are reported
// in the result; Settle never returns an error.
func (o *Orchestrator) Settle(ctx context.Context, req *interfaces.ActionRequest) *interfaces.SettlementResult {
	var kind interfaces.ActionKind
	if req != nil {
		kind = req.Kind
	}

	r := newRun(o.newID(), kind, o.log, o.nowFn)
	ctx, span := o.tracer.Start(ctx, "settlement.Settle", trace.WithAttributes(
		attribute.String("settlement.id", r.id),
		attribute.String("settlement.kind", string(kind)),
	))
	defer span.End()

	var res *interfaces.SettlementResult
	if req == nil {
		res = o.reject(r, nil, interfaces.KindBadRequest, interfaces.ReasonBadRequest, "request is required")
	} else {
		switch req.Kind {
		case interfaces.CreateToken:
			res = o.settleCreate(ctx, r, req)
		case interfaces.ClaimToken:
			res = o.settleClaim(ctx, r, req)
		default:
			res = o.reject(r, req, interfaces.KindBadRequest, interfaces.ReasonBadRequest,
				fmt.Sprintf("unknown action kind %q", req.Kind))
		}
	}

	span.SetAttributes(
		attribute.String("settlement.outcome", string(res.Outcome)),
		attribute.String("settlement.state", res.FinalState),
	)
	if res.Outcome == interfaces.OutcomeFailed {
		span.SetStatus(codes.Error, string(res.ErrorKind))
	}

	o.record(ctx, r, req, res)
	return res
}

func (o *Orchestrator) settleCreate(ctx context.Context, r *run, req *interfaces.ActionRequest) *interfaces.SettlementResult {
	return o.settle(ctx, r, req, action{
		method: interfaces.MethodCreateToken,
		args: func() []any {
			return []any{*req.Create}
		},
	})
}

func (o *Orchestrator) settleClaim(ctx context.Context, r *run, req *interfaces.ActionRequest) *interfaces.SettlementResult {
	res := o.settle(ctx, r, req, action{
		method: interfaces.MethodClaimTokens,
		args: func() []any {
			return []any{req.Claim.Token}
		},
	})
	if res.Confirmed() {
		res.ClaimAmount = interfaces.ClaimAmountUnits
	}
	return res
}

// action is the kind-specific part of a settlement.
type action struct {
	method string
	args   func() []any
}

func (o *Orchestrator) settle(ctx context.Context, r *run, req *interfaces.ActionRequest, act action) *interfaces.SettlementResult {
	if err := req.Validate(); err != nil {
		return o.reject(r, req, interfaces.KindBadRequest, interfaces.ReasonBadRequest, err.Error())
	}
	if err := o.checkConfig(); err != nil {
		return o.fail(r, req, nil, interfaces.KindConfiguration, err)
	}

	// Verifying
	r.advance(StateVerifying)
	verification, err := o.verify(ctx, req)
	if err != nil {
		return o.fail(r, req, nil, interfaces.KindInfrastructureUnavailable, err)
	}
	if !verification.Success {
		r.advance(StateRejectedProof)
		res := o.reject(r, req, interfaces.KindProofInvalid, interfaces.ReasonProofInvalid, proofFailureMessage(verification))
		res.Verification = verification
		return res
	}
	r.advance(StateVerified)

	// GuardChecking
	r.advance(StateGuardChecking)
	release, err := o.guard.Reserve(ctx, req)
	if err != nil {
		return o.guardFailure(r, req, verification, err)
	}
	defer release()

	if err := o.checkEntitlement(ctx, req); err != nil {
		return o.guardFailure(r, req, verification, err)
	}
	r.advance(StateGuardPassed)

	// A write accepted by the network cannot be recalled, so from here on
	// the caller going away must not abandon the flow.
	detached := context.WithoutCancel(ctx)

	r.advance(StateSubmitting)
	handle, err := o.submit(detached, req, act)
	if err != nil {
		var uncertain *interfaces.UncertainSubmissionError
		if errors.As(err, &uncertain) {
			// The signed write may have reached the network.
			r.advance(StateTimedOut)
			res := o.fail(r, req, verification, interfaces.KindAmbiguous, err)
			attachTx(res, uncertain.Handle)
			res.Message = fmt.Sprintf("transaction %s was signed but its broadcast was not acknowledged; re-check entitlement before retrying",
				uncertain.Handle.Hash.Hex())
			return res
		}
		kind := interfaces.KindSubmissionFailed
		if errors.Is(err, interfaces.ErrNoTransactOpts) {
			kind = interfaces.KindConfiguration
		}
		return o.fail(r, req, verification, kind, err)
	}
	r.advance(StateSubmitted)
	r.log.Info("Transaction submitted",
		slog.String("txHash", handle.Hash.Hex()),
		slog.Uint64("nonce", handle.Nonce),
		slog.String("method", handle.Method))

	r.advance(StateConfirming)
	receipt, err := o.confirm(detached, handle)
	if err != nil {
		var revert *interfaces.RevertError
		if errors.As(err, &revert) {
			r.advance(StateReverted)
			res := o.fail(r, req, verification, interfaces.KindReverted, err)
			res.Reason = revert.Reason
			attachTx(res, handle)
			return res
		}

		// The write may still land. Never report it as failed outright.
		r.advance(StateTimedOut)
		res := o.fail(r, req, verification, interfaces.KindAmbiguous, err)
		attachTx(res, handle)
		res.Message = fmt.Sprintf("transaction %s was submitted but not confirmed within %s; re-check entitlement before retrying",
			handle.Hash.Hex(), o.cfg.ConfirmationTimeout)
		return res
	}
	r.advance(StateConfirmed)

	res := o.result(r, req, interfaces.OutcomeConfirmed)
	res.Verification = verification
	attachTx(res, handle)
	res.TxHash = &receipt.TxHash
	res.BlockNumber = receipt.BlockNumber
	res.BlockHash = &receipt.BlockHash
	return res
}

// checkConfig is evaluated on every request so that a misconfigured
// deployment reports Configuration instead of a business rejection.
func (o *Orchestrator) checkConfig() error {
	if o.cfg.AppID == "" {
		return &interfaces.ConfigError{Param: "app id"}
	}
	if o.verifier == nil {
		return &interfaces.ConfigError{Param: "proof verifier"}
	}
	if o.ledger == nil || o.guard == nil {
		return &interfaces.ConfigError{Param: "ledger"}
	}
	if c, ok := o.ledger.(contractAddress); ok && c.Address() == (common.Address{}) {
		return &interfaces.ConfigError{Param: "factory contract address"}
	}
	if s, ok := o.ledger.(signerState); ok && !s.HasSigner() {
		return &interfaces.ConfigError{Param: "operator signing key"}
	}
	return nil
}

func (o *Orchestrator) verify(ctx context.Context, req *interfaces.ActionRequest) (*interfaces.VerificationRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.VerifyTimeout)
	defer cancel()
	ctx, span := o.tracer.Start(ctx, "settlement.verify")
	defer span.End()

	record, err := o.verifier.Verify(ctx, req.Proof, o.cfg.AppID, req.ActionID, req.Signal)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "verifier unreachable")
		return nil, err
	}
	span.SetAttributes(attribute.Bool("verification.success", record.Success))
	return record, nil
}

func (o *Orchestrator) checkEntitlement(ctx context.Context, req *interfaces.ActionRequest) error {
	ctx, cancel := context.WithTimeout(ctx, guardTimeout)
	defer cancel()
	ctx, span := o.tracer.Start(ctx, "settlement.guard")
	defer span.End()

	if err := o.guard.Assert(ctx, req); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (o *Orchestrator) submit(ctx context.Context, req *interfaces.ActionRequest, act action) (*interfaces.TxHandle, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.SubmitTimeout)
	defer cancel()
	ctx, span := o.tracer.Start(ctx, "settlement.submit", trace.WithAttributes(
		attribute.String("tx.method", act.method),
	))
	defer span.End()

	handle, err := o.ledger.Submit(interfaces.ContextWithPrincipal(ctx, req.Principal), act.method, act.args()...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submission failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("tx.hash", handle.Hash.Hex()))
	return handle, nil
}

func (o *Orchestrator) confirm(ctx context.Context, handle *interfaces.TxHandle) (*interfaces.Receipt, error) {
	ctx, span := o.tracer.Start(ctx, "settlement.confirm", trace.WithAttributes(
		attribute.String("tx.hash", handle.Hash.Hex()),
	))
	defer span.End()

	receipt, err := o.ledger.AwaitConfirmation(ctx, handle, o.cfg.ConfirmationTimeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "not confirmed")
		return nil, err
	}
	span.SetAttributes(attribute.Int64("tx.block", int64(receipt.BlockNumber)))
	return receipt, nil
}

// attachTx records which write a result refers to.
func attachTx(res *interfaces.SettlementResult, handle *interfaces.TxHandle) {
	hash, from, nonce := handle.Hash, handle.From, handle.Nonce
	res.TxHash = &hash
	res.TxSender = &from
	res.TxNonce = &nonce
}

// guardFailure maps a Reserve or entitlement check error to a result.
func (o *Orchestrator) guardFailure(r *run, req *interfaces.ActionRequest, verification *interfaces.VerificationRecord, err error) *interfaces.SettlementResult {
	var rejection *interfaces.RejectionError
	if errors.As(err, &rejection) {
		r.advance(StateRejectedEntitlement)
		res := o.reject(r, req, interfaces.KindEntitlementViolation, rejection.Reason, rejection.Error())
		res.Verification = verification
		return res
	}
	return o.fail(r, req, verification, interfaces.KindInfrastructureUnavailable, err)
}

func (o *Orchestrator) reject(r *run, req *interfaces.ActionRequest, kind interfaces.ErrorKind, reason interfaces.RejectionReason, msg string) *interfaces.SettlementResult {
	res := o.result(r, req, interfaces.OutcomeRejected)
	res.ErrorKind = kind
	res.Reason = string(reason)
	res.Message = msg
	r.log.Info("Settlement rejected",
		slog.String("reason", string(reason)),
		slog.String("state", r.state.String()),
		slog.String("message", msg))
	return res
}

func (o *Orchestrator) fail(r *run, req *interfaces.ActionRequest, verification *interfaces.VerificationRecord, kind interfaces.ErrorKind, err error) *interfaces.SettlementResult {
	res := o.result(r, req, interfaces.OutcomeFailed)
	res.ErrorKind = kind
	res.Message = err.Error()
	res.Verification = verification
	r.log.Error("Settlement failed",
		slog.String("errorKind", string(kind)),
		slog.String("state", r.state.String()),
		"err", err)
	return res
}

func (o *Orchestrator) result(r *run, req *interfaces.ActionRequest, outcome interfaces.Outcome) *interfaces.SettlementResult {
	res := &interfaces.SettlementResult{
		ID:         r.id,
		Kind:       r.kind,
		Outcome:    outcome,
		FinalState: r.state.String(),
		StartedAt:  r.started,
		FinishedAt: o.nowFn(),
	}
	if req != nil {
		res.Principal = req.Principal
		res.Create = req.Create
		res.Claim = req.Claim
	}
	return res
}

// record journals and counts a terminal result. Journal failures are logged
// and never change the result.
func (o *Orchestrator) record(ctx context.Context, r *run, req *interfaces.ActionRequest, res *interfaces.SettlementResult) {
	metrics.RecordSettlement(string(res.Kind), string(res.Outcome), string(res.ErrorKind))

	r.log.Info("Settlement finished",
		slog.String("outcome", string(res.Outcome)),
		slog.String("errorKind", string(res.ErrorKind)),
		slog.String("state", res.FinalState),
		slog.Duration("duration", res.FinishedAt.Sub(res.StartedAt)))

	if o.journal == nil {
		return
	}

	entry := &interfaces.JournalEntry{
		Result: *res,
		States: append([]string(nil), r.history...),
	}
	if req != nil {
		entry.ActionID = req.ActionID
		entry.Signal = req.Signal
	}

	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	if err := o.journal.Record(jctx, entry); err != nil {
		metrics.RecordJournalFailure(o.journal.Name())
		r.log.Error("Failed to journal settlement", "err", err)
	}
}

func proofFailureMessage(v *interfaces.VerificationRecord) string {
	switch {
	case v.Detail != "":
		return v.Detail
	case v.Code != "":
		return fmt.Sprintf("verification failed: %s", v.Code)
	default:
		return "Verification failed"
	}
}
