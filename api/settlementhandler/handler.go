// Package settlementhandler serves the two proof-gated action endpoints.
package settlementhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ruteri/worldcoins-backend/api"
	"github.com/ruteri/worldcoins-backend/interfaces"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// Settler runs one action request to a terminal result.
type Settler interface {
	Settle(ctx context.Context, req *interfaces.ActionRequest) *interfaces.SettlementResult
}

// Handler translates HTTP requests into action requests for the settler.
type Handler struct {
	settler Settler
	log     *slog.Logger
}

func NewHandler(settler Settler, log *slog.Logger) *Handler {
	return &Handler{
		settler: settler,
		log:     log,
	}
}

// RegisterRoutes registers:
//   - POST /api/verify-and-mint
//   - POST /api/verify-and-claim
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/verify-and-mint", h.HandleVerifyAndMint)
	r.Post("/api/verify-and-claim", h.HandleVerifyAndClaim)
}

// HandleVerifyAndMint verifies the proof and creates a token for the user.
//
// Status codes follow api.StatusFor; malformed bodies and addresses are 400.
func (h *Handler) HandleVerifyAndMint(w http.ResponseWriter, r *http.Request) {
	var body api.VerifyAndMintRequest
	if err := decodeBody(w, r, &body); err != nil {
		h.badRequest(w, err.Error())
		return
	}

	user, err := interfaces.ParseAddress(body.UserAddress)
	if err != nil {
		h.badRequest(w, "User address is required")
		return
	}

	var params interfaces.CreateParams
	if body.TokenParams != nil {
		params = *body.TokenParams
	}

	req := interfaces.NewCreateRequest(user, body.Payload.ToProof(), body.Action, body.Signal, params)
	h.respond(w, h.settler.Settle(r.Context(), req))
}

// HandleVerifyAndClaim verifies the proof and claims the fixed allotment of
// a token for the user.
func (h *Handler) HandleVerifyAndClaim(w http.ResponseWriter, r *http.Request) {
	var body api.VerifyAndClaimRequest
	if err := decodeBody(w, r, &body); err != nil {
		h.badRequest(w, err.Error())
		return
	}

	user, userErr := interfaces.ParseAddress(body.UserAddress)
	token, tokenErr := interfaces.ParseAddress(body.TokenAddress)
	if userErr != nil || tokenErr != nil {
		h.badRequest(w, "Token address and user address are required")
		return
	}

	req := interfaces.NewClaimRequest(user, body.Payload.ToProof(), body.Action, body.Signal, token)
	h.respond(w, h.settler.Settle(r.Context(), req))
}

func (h *Handler) respond(w http.ResponseWriter, res *interfaces.SettlementResult) {
	h.writeJSON(w, api.NewSettlementResponse(res))
}

func (h *Handler) badRequest(w http.ResponseWriter, msg string) {
	h.writeJSON(w, &api.SettlementResponse{
		Status:    http.StatusBadRequest,
		ErrorKind: string(interfaces.KindBadRequest),
		Reason:    string(interfaces.ReasonBadRequest),
		Error:     msg,
		Retryable: true,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, resp *api.SettlementResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		}
		return fmt.Errorf("invalid request body: %s", strings.TrimPrefix(err.Error(), "json: "))
	}
	return nil
}
