// Package tokenshandler serves the read-only token listing endpoint.
package tokenshandler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/ruteri/worldcoins-backend/api"
	"github.com/ruteri/worldcoins-backend/catalog"
	"github.com/ruteri/worldcoins-backend/interfaces"
)

const maxBodySize = 64 * 1024

// Catalog provides the token views.
type Catalog interface {
	ListTokens(ctx context.Context) ([]*catalog.TokenInfo, error)
	TokensForUser(ctx context.Context, user common.Address) ([]*catalog.UserToken, error)
	TokenByCreator(ctx context.Context, creator common.Address) (*catalog.TokenInfo, error)
}

type Handler struct {
	catalog Catalog
	log     *slog.Logger
}

func NewHandler(c Catalog, log *slog.Logger) *Handler {
	return &Handler{catalog: c, log: log}
}

// RegisterRoutes registers:
//   - GET /api/tokens
//   - POST /api/tokens with an optional {userAddress} or {creatorAddress} filter
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/tokens", h.HandleListTokens)
	r.Post("/api/tokens", h.HandleQueryTokens)
}

// HandleListTokens returns every factory token with details and claim stats.
func (h *Handler) HandleListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.catalog.ListTokens(r.Context())
	if err != nil {
		h.log.Error("Failed to fetch tokens", "err", err)
		h.writeError(w, "Failed to fetch tokens", err)
		return
	}

	resp := api.TokenListResponse{Success: true, Data: make([]api.Token, 0, len(tokens))}
	for _, t := range tokens {
		resp.Data = append(resp.Data, toToken(t))
	}
	resp.Count = len(resp.Data)
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleQueryTokens filters by userAddress (tokens claimed or created) or
// creatorAddress (the single token created). Without a filter it behaves
// like GET.
func (h *Handler) HandleQueryTokens(w http.ResponseWriter, r *http.Request) {
	var query api.TokensQuery
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil && !errors.Is(err, io.EOF) {
		h.writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "Invalid request body", Details: err.Error()})
		return
	}

	switch {
	case query.UserAddress != "":
		h.userTokens(w, r, query.UserAddress)
	case query.CreatorAddress != "":
		h.creatorToken(w, r, query.CreatorAddress)
	default:
		h.HandleListTokens(w, r)
	}
}

func (h *Handler) userTokens(w http.ResponseWriter, r *http.Request, addr string) {
	user, err := interfaces.ParseAddress(addr)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "Invalid user address", Details: err.Error()})
		return
	}

	tokens, err := h.catalog.TokensForUser(r.Context(), user)
	if err != nil {
		h.log.Error("Failed to fetch user tokens", "err", err, "user", user.Hex())
		h.writeError(w, "Failed to fetch user tokens", err)
		return
	}

	resp := api.UserTokensResponse{Success: true, Tokens: make([]api.Token, 0, len(tokens))}
	for _, ut := range tokens {
		t := toToken(&ut.TokenInfo)
		t.UserBalance = bigString(ut.Balance)
		t.UserHasClaimed = &ut.HasClaimed
		t.UserIsCreator = &ut.IsCreator
		resp.Tokens = append(resp.Tokens, t)
	}
	resp.Count = len(resp.Tokens)
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) creatorToken(w http.ResponseWriter, r *http.Request, addr string) {
	creator, err := interfaces.ParseAddress(addr)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "Invalid creator address", Details: err.Error()})
		return
	}

	info, err := h.catalog.TokenByCreator(r.Context(), creator)
	if err != nil {
		h.log.Error("Failed to fetch token by creator", "err", err, "creator", creator.Hex())
		h.writeError(w, "Failed to fetch token by creator", err)
		return
	}
	if info == nil {
		h.writeJSON(w, http.StatusOK, api.CreatorTokenResponse{
			Success: true,
			Message: "No token created by this address",
		})
		return
	}

	t := toToken(info)
	h.writeJSON(w, http.StatusOK, api.CreatorTokenResponse{Success: true, Token: &t})
}

// writeError reports a ledger read failure: 503 when the ledger is
// unreachable, 500 otherwise.
func (h *Handler) writeError(w http.ResponseWriter, msg string, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, interfaces.ErrRPCUnavailable) {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, api.ErrorResponse{Error: msg, Details: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func toToken(info *catalog.TokenInfo) api.Token {
	d := info.Details
	return api.Token{
		Address:     info.Address.Hex(),
		Name:        d.Name,
		Symbol:      d.Symbol,
		TotalSupply: bigString(d.TotalSupply),
		MaxSupply:   bigString(d.MaxSupply),
		ClaimAmount: bigString(d.ClaimAmount),
		Creator:     d.Creator.Hex(),
		Description: d.Description,
		ClaimStats: api.ClaimStats{
			Claimers:        bigString(info.Stats.Claimers),
			TotalClaimed:    bigString(info.Stats.TotalClaimed),
			AvailableSupply: bigString(info.Stats.AvailableSupply),
		},
	}
}

func bigString(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}
