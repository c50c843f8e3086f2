// Package interfaces defines the core interfaces and types for the settlement
// system. It provides the contract between different components without
// implementation details.
package interfaces

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
)

// Principal is the on-chain address acting as the user identity.
type Principal = common.Address

// ParseAddress parses a 40-char hex address with or without the 0x prefix.
// The zero address is rejected since it can never be a user or a token.
func ParseAddress(addr string) (common.Address, error) {
	clean := strings.TrimSpace(addr)
	if !strings.HasPrefix(clean, "0x") && !strings.HasPrefix(clean, "0X") {
		clean = "0x" + clean
	}
	if !common.IsHexAddress(clean) {
		return common.Address{}, fmt.Errorf("invalid address %q", addr)
	}
	parsed := common.HexToAddress(clean)
	if parsed == (common.Address{}) {
		return common.Address{}, errors.New("zero address is not allowed")
	}
	return parsed, nil
}

// ActionKind identifies which of the two proof-gated actions a request performs.
type ActionKind string

const (
	CreateToken ActionKind = "create"
	ClaimToken  ActionKind = "claim"
)

func (k ActionKind) String() string {
	return string(k)
}

// Proof is the one-time identity proof as produced by the client-side prover.
// The contents are opaque to this system and only forwarded to the verifier.
type Proof struct {
	Proof             string `json:"proof"`
	MerkleRoot        string `json:"merkle_root"`
	NullifierHash     string `json:"nullifier_hash"`
	VerificationLevel string `json:"verification_level"`
}

// CreateParams are the parameters of a token creation.
type CreateParams struct {
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Description string `json:"description"`
}

// ClaimParams are the parameters of a claim.
type ClaimParams struct {
	Token common.Address `json:"tokenAddress"`
}

// Field limits for create parameters.
const (
	MaxTokenNameLength        = 64
	MaxTokenSymbolLength      = 11
	MaxTokenDescriptionLength = 1024
)

// ActionRequest is a tagged variant over the two action kinds. Exactly one of
// Create and Claim is set, matching Kind. Use NewCreateRequest or
// NewClaimRequest to build one.
type ActionRequest struct {
	Kind      ActionKind
	Principal Principal
	Proof     Proof
	ActionID  string
	Signal    string

	Create *CreateParams
	Claim  *ClaimParams
}

func NewCreateRequest(principal Principal, proof Proof, actionID, signal string, params CreateParams) *ActionRequest {
	return &ActionRequest{
		Kind:      CreateToken,
		Principal: principal,
		Proof:     proof,
		ActionID:  actionID,
		Signal:    signal,
		Create:    &params,
	}
}

func NewClaimRequest(principal Principal, proof Proof, actionID, signal string, token common.Address) *ActionRequest {
	return &ActionRequest{
		Kind:      ClaimToken,
		Principal: principal,
		Proof:     proof,
		ActionID:  actionID,
		Signal:    signal,
		Claim:     &ClaimParams{Token: token},
	}
}

// Validate checks that all fields required for the action are present and
// well-formed. It never contacts external systems.
func (r *ActionRequest) Validate() error {
	if r.Principal == (common.Address{}) {
		return errors.New("user address is required")
	}
	if strings.TrimSpace(r.ActionID) == "" {
		return errors.New("action is required")
	}
	if r.Proof.Proof == "" || r.Proof.MerkleRoot == "" || r.Proof.NullifierHash == "" {
		return errors.New("proof payload is incomplete")
	}

	switch r.Kind {
	case CreateToken:
		if r.Create == nil || r.Claim != nil {
			return errors.New("create request must carry token parameters only")
		}
		return r.Create.validate()
	case ClaimToken:
		if r.Claim == nil || r.Create != nil {
			return errors.New("claim request must carry a token address only")
		}
		if r.Claim.Token == (common.Address{}) {
			return errors.New("token address is required")
		}
		return nil
	default:
		return fmt.Errorf("unknown action kind %q", r.Kind)
	}
}

func (p *CreateParams) validate() error {
	name := strings.TrimSpace(p.Name)
	symbol := strings.TrimSpace(p.Symbol)
	if name == "" || symbol == "" {
		return errors.New("token name and symbol are required")
	}
	if utf8.RuneCountInString(name) > MaxTokenNameLength {
		return fmt.Errorf("token name exceeds %d characters", MaxTokenNameLength)
	}
	if utf8.RuneCountInString(symbol) > MaxTokenSymbolLength {
		return fmt.Errorf("token symbol exceeds %d characters", MaxTokenSymbolLength)
	}
	if strings.ContainsAny(symbol, " \t\n") {
		return errors.New("token symbol must not contain whitespace")
	}
	if utf8.RuneCountInString(p.Description) > MaxTokenDescriptionLength {
		return fmt.Errorf("token description exceeds %d characters", MaxTokenDescriptionLength)
	}
	return nil
}

// Target is the address the entitlement is scoped to: the token for claims,
// the zero address for creations (a principal creates at most one token).
func (r *ActionRequest) Target() common.Address {
	if r.Claim != nil {
		return r.Claim.Token
	}
	return common.Address{}
}

// EntitlementKey identifies the (principal, kind, target) tuple for which at
// most one confirmed settlement may exist.
func (r *ActionRequest) EntitlementKey() string {
	return fmt.Sprintf("%s:%s:%s", r.Kind, strings.ToLower(r.Principal.Hex()), strings.ToLower(r.Target().Hex()))
}

// VerificationRecord is the outcome of a proof verification.
type VerificationRecord struct {
	Success   bool            `json:"success"`
	Nullifier string          `json:"nullifier_hash,omitempty"`
	Code      string          `json:"code,omitempty"`
	Detail    string          `json:"detail,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// Outcome is the terminal classification of a settlement.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// ErrorKind is the machine-readable error taxonomy exposed to callers.
type ErrorKind string

const (
	KindNone                      ErrorKind = ""
	KindBadRequest                ErrorKind = "BadRequest"
	KindProofInvalid              ErrorKind = "ProofInvalid"
	KindEntitlementViolation      ErrorKind = "EntitlementViolation"
	KindInfrastructureUnavailable ErrorKind = "InfrastructureUnavailable"
	KindSubmissionFailed          ErrorKind = "SubmissionFailed"
	KindAmbiguous                 ErrorKind = "Ambiguous"
	KindReverted                  ErrorKind = "Reverted"
	KindConfiguration             ErrorKind = "Configuration"
)

// Retryable reports whether the caller may retry the whole flow (with a fresh
// proof where one is needed) without first reconciling ledger state.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindBadRequest, KindInfrastructureUnavailable, KindSubmissionFailed:
		return true
	default:
		return false
	}
}

// RejectionReason details a Rejected outcome.
type RejectionReason string

const (
	ReasonBadRequest     RejectionReason = "BadRequest"
	ReasonProofInvalid   RejectionReason = "ProofInvalid"
	ReasonAlreadyCreated RejectionReason = "AlreadyCreated"
	ReasonAlreadyClaimed RejectionReason = "AlreadyClaimed"
	ReasonInvalidToken   RejectionReason = "InvalidToken"
	ReasonInProgress     RejectionReason = "InProgress"
)

// SettlementResult is the terminal, structured outcome of one action request.
type SettlementResult struct {
	ID        string     `json:"id"`
	Kind      ActionKind `json:"kind"`
	Principal Principal  `json:"principal"`

	Outcome   Outcome   `json:"outcome"`
	ErrorKind ErrorKind `json:"errorKind,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Message   string    `json:"message,omitempty"`

	TxHash      *common.Hash `json:"transactionHash,omitempty"`
	BlockNumber uint64       `json:"blockNumber,omitempty"`
	BlockHash   *common.Hash `json:"blockHash,omitempty"`
	// TxSender and TxNonce identify a submitted write for reconciliation.
	TxSender *common.Address `json:"transactionSender,omitempty"`
	TxNonce  *uint64         `json:"transactionNonce,omitempty"`

	Verification *VerificationRecord `json:"verification,omitempty"`
	Create       *CreateParams       `json:"tokenParams,omitempty"`
	Claim        *ClaimParams        `json:"claim,omitempty"`
	ClaimAmount  uint64              `json:"claimAmount,omitempty"`

	// FinalState is the last state machine state the request reached.
	FinalState string    `json:"finalState"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

func (r *SettlementResult) Confirmed() bool {
	return r.Outcome == OutcomeConfirmed
}
