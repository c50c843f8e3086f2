package api

import (
	"net/http"
	"strconv"

	"github.com/ruteri/worldcoins-backend/interfaces"
)

// ProofPayload is the identity proof as sent by the client-side prover.
type ProofPayload struct {
	Proof             string `json:"proof"`
	MerkleRoot        string `json:"merkle_root"`
	NullifierHash     string `json:"nullifier_hash"`
	VerificationLevel string `json:"verification_level"`
}

func (p ProofPayload) ToProof() interfaces.Proof {
	return interfaces.Proof{
		Proof:             p.Proof,
		MerkleRoot:        p.MerkleRoot,
		NullifierHash:     p.NullifierHash,
		VerificationLevel: p.VerificationLevel,
	}
}

// VerifyAndMintRequest is the body of POST /api/verify-and-mint.
type VerifyAndMintRequest struct {
	Payload     ProofPayload             `json:"payload"`
	Action      string                   `json:"action"`
	Signal      string                   `json:"signal,omitempty"`
	TokenParams *interfaces.CreateParams `json:"tokenParams"`
	UserAddress string                   `json:"userAddress"`
}

// VerifyAndClaimRequest is the body of POST /api/verify-and-claim.
type VerifyAndClaimRequest struct {
	Payload      ProofPayload `json:"payload"`
	Action       string       `json:"action"`
	Signal       string       `json:"signal,omitempty"`
	TokenAddress string       `json:"tokenAddress"`
	UserAddress  string       `json:"userAddress"`
}

// SettlementResponse is returned by both action endpoints. Status always
// equals the HTTP status code of the response.
type SettlementResponse struct {
	Status    int    `json:"status"`
	Success   bool   `json:"success"`
	ErrorKind string `json:"errorKind,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable"`

	VerifyRes       *interfaces.VerificationRecord `json:"verifyRes,omitempty"`
	TransactionHash string                         `json:"transactionHash,omitempty"`
	BlockNumber     uint64                         `json:"blockNumber,omitempty"`
	SettlementID    string                         `json:"settlementId,omitempty"`

	TokenParams  *interfaces.CreateParams `json:"tokenParams,omitempty"`
	TokenAddress string                   `json:"tokenAddress,omitempty"`
	ClaimAmount  string                   `json:"claimAmount,omitempty"`
	UserAddress  string                   `json:"userAddress,omitempty"`
}

// StatusFor maps a settlement result to its HTTP status code.
func StatusFor(res *interfaces.SettlementResult) int {
	if res.Confirmed() {
		return http.StatusOK
	}
	switch res.ErrorKind {
	case interfaces.KindBadRequest, interfaces.KindProofInvalid:
		return http.StatusBadRequest
	case interfaces.KindEntitlementViolation:
		return http.StatusConflict
	case interfaces.KindReverted:
		return http.StatusUnprocessableEntity
	case interfaces.KindSubmissionFailed:
		return http.StatusBadGateway
	case interfaces.KindInfrastructureUnavailable:
		return http.StatusServiceUnavailable
	case interfaces.KindAmbiguous:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// NewSettlementResponse renders a settlement result for the wire.
func NewSettlementResponse(res *interfaces.SettlementResult) *SettlementResponse {
	resp := &SettlementResponse{
		Status:       StatusFor(res),
		Success:      res.Confirmed(),
		ErrorKind:    string(res.ErrorKind),
		Reason:       res.Reason,
		Retryable:    res.ErrorKind.Retryable(),
		VerifyRes:    res.Verification,
		BlockNumber:  res.BlockNumber,
		SettlementID: res.ID,
		TokenParams:  res.Create,
	}
	if !res.Confirmed() {
		resp.Error = res.Message
	}
	if res.TxHash != nil {
		resp.TransactionHash = res.TxHash.Hex()
	}
	if res.Claim != nil {
		resp.TokenAddress = res.Claim.Token.Hex()
	}
	if res.ClaimAmount > 0 {
		resp.ClaimAmount = strconv.FormatUint(res.ClaimAmount, 10)
	}
	if res.Principal != (interfaces.Principal{}) {
		resp.UserAddress = res.Principal.Hex()
	}
	return resp
}

// ClaimStats is the wire form of interfaces.ClaimStats. Amounts are
// decimal strings in base units.
type ClaimStats struct {
	Claimers        string `json:"claimers"`
	TotalClaimed    string `json:"totalClaimed"`
	AvailableSupply string `json:"availableSupply"`
}

// Token is the wire form of a factory token.
type Token struct {
	Address     string     `json:"address"`
	Name        string     `json:"name"`
	Symbol      string     `json:"symbol"`
	TotalSupply string     `json:"totalSupply"`
	MaxSupply   string     `json:"maxSupply"`
	ClaimAmount string     `json:"claimAmount"`
	Creator     string     `json:"creator"`
	Description string     `json:"description"`
	ClaimStats  ClaimStats `json:"claimStats"`

	UserBalance    string `json:"userBalance,omitempty"`
	UserHasClaimed *bool  `json:"userHasClaimed,omitempty"`
	UserIsCreator  *bool  `json:"userIsCreator,omitempty"`
}

// TokensQuery is the optional body of POST /api/tokens.
type TokensQuery struct {
	UserAddress    string `json:"userAddress,omitempty"`
	CreatorAddress string `json:"creatorAddress,omitempty"`
}

// TokenListResponse is returned for the unfiltered token list.
type TokenListResponse struct {
	Success bool    `json:"success"`
	Data    []Token `json:"data"`
	Count   int     `json:"count"`
}

// UserTokensResponse is returned when filtering by userAddress.
type UserTokensResponse struct {
	Success bool    `json:"success"`
	Tokens  []Token `json:"tokens"`
	Count   int     `json:"count"`
}

// CreatorTokenResponse is returned when filtering by creatorAddress.
type CreatorTokenResponse struct {
	Success bool   `json:"success"`
	Token   *Token `json:"token"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse is returned by the read endpoints on failure.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
