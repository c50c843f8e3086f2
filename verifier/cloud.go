// Package verifier checks one-time identity proofs against the World ID
// cloud verification API.
package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ruteri/worldcoins-backend/interfaces"
)

const (
	DefaultBaseURL = "https://developer.worldcoin.org"
	DefaultTimeout = 15 * time.Second

	// maxResponseSize bounds how much of a verifier response is read.
	maxResponseSize = 1 << 20
)

// CloudVerifier implements interfaces.ProofVerifier with the World ID
// developer portal. A proof is consumed by the first verification attempt,
// so requests are never retried.
type CloudVerifier struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

// NewCloudVerifier creates a verifier for baseURL. An empty baseURL selects
// the public World ID endpoint.
func NewCloudVerifier(baseURL string, timeout time.Duration, log *slog.Logger) *CloudVerifier {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &CloudVerifier{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

type verifyRequest struct {
	NullifierHash     string `json:"nullifier_hash"`
	MerkleRoot        string `json:"merkle_root"`
	Proof             string `json:"proof"`
	VerificationLevel string `json:"verification_level,omitempty"`
	Action            string `json:"action"`
	SignalHash        string `json:"signal_hash"`
}

type verifyResponse struct {
	Success       bool   `json:"success"`
	NullifierHash string `json:"nullifier_hash"`
	Code          string `json:"code"`
	Detail        string `json:"detail"`
}

// Verify submits proof for (appID, actionID, signal). A rejected proof yields
// a record with Success=false; interfaces.ErrVerifierUnreachable is returned
// when the verifier gave no verdict.
func (v *CloudVerifier) Verify(ctx context.Context, proof interfaces.Proof, appID, actionID, signal string) (*interfaces.VerificationRecord, error) {
	if appID == "" {
		return nil, &interfaces.ConfigError{Param: "app id"}
	}

	body, err := json.Marshal(verifyRequest{
		NullifierHash:     proof.NullifierHash,
		MerkleRoot:        proof.MerkleRoot,
		Proof:             proof.Proof,
		VerificationLevel: proof.VerificationLevel,
		Action:            actionID,
		SignalHash:        HashToField(signal),
	})
	if err != nil {
		return nil, fmt.Errorf("could not encode verification request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/v2/verify/%s", v.baseURL, url.PathEscape(appID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("could not create verification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "worldcoins-backend")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrVerifierUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: could not read response: %v", interfaces.ErrVerifierUnreachable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var parsed verifyResponse
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &parsed); err != nil {
				return nil, fmt.Errorf("%w: malformed success response: %v", interfaces.ErrVerifierUnreachable, err)
			}
		}
		nullifier := parsed.NullifierHash
		if nullifier == "" {
			nullifier = proof.NullifierHash
		}
		return &interfaces.VerificationRecord{
			Success:   true,
			Nullifier: nullifier,
			Raw:       rawJSON(raw),
		}, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: rate limited", interfaces.ErrVerifierUnreachable)

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var parsed verifyResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			v.log.Warn("Verifier returned an unparseable rejection", "status", resp.StatusCode, "err", err)
			parsed.Code = "invalid_proof"
			parsed.Detail = strings.TrimSpace(string(raw))
		}
		v.log.Debug("Proof rejected by verifier",
			slog.String("action", actionID),
			slog.String("code", parsed.Code),
			slog.String("detail", parsed.Detail))
		return &interfaces.VerificationRecord{
			Success:   false,
			Nullifier: proof.NullifierHash,
			Code:      parsed.Code,
			Detail:    parsed.Detail,
			Raw:       rawJSON(raw),
		}, nil

	default:
		return nil, fmt.Errorf("%w: verifier returned status %d", interfaces.ErrVerifierUnreachable, resp.StatusCode)
	}
}

// HashToField maps a signal to the field element the prover committed to:
// keccak256 of the signal bytes shifted right by 8 bits, as 0x-prefixed
// 32-byte hex. A 0x-prefixed hex signal is hashed as the bytes it encodes.
func HashToField(signal string) string {
	input := []byte(signal)
	if strings.HasPrefix(signal, "0x") {
		if decoded, err := hexutil.Decode(signal); err == nil {
			input = decoded
		}
	}

	hash := new(big.Int).SetBytes(crypto.Keccak256(input))
	hash.Rsh(hash, 8)
	return fmt.Sprintf("0x%064x", hash)
}

func rawJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 || !json.Valid(raw) {
		return nil
	}
	return json.RawMessage(raw)
}
