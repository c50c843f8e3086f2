package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/worldcoins-backend/interfaces"
)

// Resolution is the ledger's answer for an ambiguous settlement.
type Resolution string

const (
	ResolutionLanded    Resolution = "Landed"
	ResolutionReverted  Resolution = "Reverted"
	ResolutionNotLanded Resolution = "NotLanded"
	// ResolutionSuperseded means the write can no longer land and the
	// entitlement was consumed by another write.
	ResolutionSuperseded Resolution = "Superseded"
	ResolutionPending    Resolution = "Pending"
)

var ErrNotAmbiguous = errors.New("settlement is not ambiguous")

// Reconciliation reports what the ledger actually did with an ambiguous write.
type Reconciliation struct {
	SettlementID string
	Resolution   Resolution
	Receipt      *interfaces.Receipt
	// EntitlementConsumed is the fresh entitlement predicate: true when the
	// principal has created (or claimed the token), by this write or any other.
	EntitlementConsumed bool
}

// Reconciler resolves Ambiguous settlements by reading the ledger. It never
// submits anything.
type Reconciler struct {
	ledger  interfaces.Ledger
	journal interfaces.Journal
	log     *slog.Logger
	nowFn   func() time.Time
}

// NewReconciler creates a reconciler. journal may be nil, in which case
// resolved entries are not written back.
func NewReconciler(ledger interfaces.Ledger, journal interfaces.Journal, log *slog.Logger) *Reconciler {
	return &Reconciler{
		ledger:  ledger,
		journal: journal,
		log:     log,
		nowFn:   time.Now,
	}
}

// ReconcileID looks id up in the journal and reconciles it.
func (r *Reconciler) ReconcileID(ctx context.Context, id string) (*Reconciliation, error) {
	if r.journal == nil {
		return nil, &interfaces.ConfigError{Param: "settlement journal"}
	}
	entry, err := r.journal.Lookup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to look up settlement %s: %w", id, err)
	}
	return r.Reconcile(ctx, entry)
}

// Reconcile re-reads the receipt and the entitlement predicate for an
// Ambiguous entry. Resolved entries are written back to the journal.
//
// A missing receipt is final only once the sender's confirmed nonce has
// moved past the write's nonce: that slot is then taken by another
// transaction and the write can never land. Until then it is Pending.
func (r *Reconciler) Reconcile(ctx context.Context, entry *interfaces.JournalEntry) (*Reconciliation, error) {
	res := entry.Result
	if res.ErrorKind != interfaces.KindAmbiguous || res.TxHash == nil {
		return nil, fmt.Errorf("%w: %s is %s/%s", ErrNotAmbiguous, res.ID, res.Outcome, res.ErrorKind)
	}

	// The nonce is read before the receipt so a write landing in between
	// is seen as Landed rather than as a passed-over slot.
	nonceSettled := false
	if res.TxSender != nil && res.TxNonce != nil {
		confirmed, err := r.ledger.ConfirmedNonce(ctx, *res.TxSender)
		if err != nil {
			return nil, fmt.Errorf("failed to read nonce of %s: %w", res.TxSender.Hex(), err)
		}
		nonceSettled = confirmed > *res.TxNonce
	}

	receipt, err := r.ledger.TransactionReceipt(ctx, *res.TxHash)
	missing := errors.Is(err, interfaces.ErrReceiptNotFound)
	if err != nil && !missing {
		return nil, fmt.Errorf("failed to read receipt for %s: %w", res.TxHash.Hex(), err)
	}

	consumed, err := r.entitlementConsumed(ctx, &res)
	if err != nil {
		return nil, err
	}

	rec := &Reconciliation{
		SettlementID:        res.ID,
		EntitlementConsumed: consumed,
	}
	switch {
	case missing && !nonceSettled:
		rec.Resolution = ResolutionPending
	case missing && consumed:
		rec.Resolution = ResolutionSuperseded
	case missing:
		rec.Resolution = ResolutionNotLanded
	case receipt.Status == 1:
		rec.Resolution = ResolutionLanded
		rec.Receipt = receipt
	default:
		rec.Resolution = ResolutionReverted
		rec.Receipt = receipt
	}

	r.log.Info("Reconciled settlement",
		slog.String("settlementId", res.ID),
		slog.String("txHash", res.TxHash.Hex()),
		slog.String("resolution", string(rec.Resolution)),
		slog.Bool("nonceSettled", nonceSettled),
		slog.Bool("entitlementConsumed", consumed))

	if rec.Resolution != ResolutionPending && r.journal != nil {
		updated := resolve(entry, rec, r.nowFn())
		if err := r.journal.Record(ctx, updated); err != nil {
			r.log.Error("Failed to update journal entry", slog.String("settlementId", res.ID), "err", err)
		}
	}
	return rec, nil
}

func (r *Reconciler) entitlementConsumed(ctx context.Context, res *interfaces.SettlementResult) (bool, error) {
	switch {
	case res.Kind == interfaces.CreateToken:
		return r.ledger.HasCreatedToken(ctx, res.Principal)
	case res.Kind == interfaces.ClaimToken && res.Claim != nil:
		return r.ledger.HasUserClaimed(ctx, res.Principal, res.Claim.Token)
	default:
		return false, fmt.Errorf("settlement %s has no reconcilable action", res.ID)
	}
}

// resolve returns a copy of entry updated with the reconciliation outcome.
func resolve(entry *interfaces.JournalEntry, rec *Reconciliation, now time.Time) *interfaces.JournalEntry {
	updated := *entry
	updated.States = append(append([]string(nil), entry.States...), "Reconciled:"+string(rec.Resolution))
	res := &updated.Result

	switch rec.Resolution {
	case ResolutionLanded:
		res.Outcome = interfaces.OutcomeConfirmed
		res.ErrorKind = interfaces.KindNone
		res.BlockNumber = rec.Receipt.BlockNumber
		blockHash := rec.Receipt.BlockHash
		res.BlockHash = &blockHash
		res.Message = "confirmed by reconciliation"
		if res.Kind == interfaces.ClaimToken {
			res.ClaimAmount = interfaces.ClaimAmountUnits
		}
	case ResolutionReverted:
		res.ErrorKind = interfaces.KindReverted
		res.BlockNumber = rec.Receipt.BlockNumber
		res.Message = "reverted, found by reconciliation"
	case ResolutionNotLanded:
		res.ErrorKind = interfaces.KindSubmissionFailed
		res.Message = "transaction never landed, found by reconciliation"
	case ResolutionSuperseded:
		res.Outcome = interfaces.OutcomeRejected
		res.ErrorKind = interfaces.KindEntitlementViolation
		res.Reason = string(interfaces.ReasonAlreadyClaimed)
		if res.Kind == interfaces.CreateToken {
			res.Reason = string(interfaces.ReasonAlreadyCreated)
		}
		res.Message = "transaction never landed and the entitlement was consumed by another write, found by reconciliation"
	}
	res.FinishedAt = now
	return &updated
}
