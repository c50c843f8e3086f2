// Package catalog assembles the read-only token views served by the API.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/ruteri/worldcoins-backend/interfaces"
)

// DefaultConcurrency bounds the number of tokens read in parallel.
const DefaultConcurrency = 8

// Reader is the subset of the ledger the catalog reads from.
type Reader interface {
	interfaces.TokenCatalog
	HasUserClaimed(ctx context.Context, user, token common.Address) (bool, error)
}

// TokenInfo is a token with its details and claim statistics.
type TokenInfo struct {
	Address common.Address
	Details interfaces.TokenDetails
	Stats   interfaces.ClaimStats
}

// UserToken is a token the user claimed or created.
type UserToken struct {
	TokenInfo
	Balance    *big.Int
	HasClaimed bool
	IsCreator  bool
}

type Catalog struct {
	reader      Reader
	concurrency int
	log         *slog.Logger
}

func NewCatalog(reader Reader, concurrency int, log *slog.Logger) *Catalog {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Catalog{reader: reader, concurrency: concurrency, log: log}
}

// ListTokens returns every factory token in factory order. Tokens whose
// reads fail are logged and left out.
func (c *Catalog) ListTokens(ctx context.Context) ([]*TokenInfo, error) {
	tokens, err := c.reader.GetAllTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}

	infos := make([]*TokenInfo, len(tokens))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, token := range tokens {
		g.Go(func() error {
			info, err := c.tokenInfo(gctx, token)
			if err != nil {
				c.log.Warn("Skipping token", slog.String("token", token.Hex()), "err", err)
				return nil
			}
			infos[i] = info
			return nil
		})
	}
	_ = g.Wait()

	return compact(infos), nil
}

// TokensForUser returns the tokens user claimed or created, with the user's
// balance of each.
func (c *Catalog) TokensForUser(ctx context.Context, user common.Address) ([]*UserToken, error) {
	tokens, err := c.reader.GetAllTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}

	created, err := c.reader.GetTokenByCreator(ctx, user)
	if err != nil {
		// Not having created a token is not an error for this view.
		c.log.Debug("Could not read token by creator", slog.String("user", user.Hex()), "err", err)
		created = common.Address{}
	}

	userTokens := make([]*UserToken, len(tokens))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, token := range tokens {
		g.Go(func() error {
			ut, err := c.userToken(gctx, user, token, token == created)
			if err != nil {
				c.log.Warn("Skipping user token",
					slog.String("token", token.Hex()),
					slog.String("user", user.Hex()),
					"err", err)
				return nil
			}
			userTokens[i] = ut
			return nil
		})
	}
	_ = g.Wait()

	result := make([]*UserToken, 0, len(userTokens))
	for _, ut := range userTokens {
		if ut != nil {
			result = append(result, ut)
		}
	}
	return result, nil
}

// TokenByCreator returns the token created by creator, or nil when the
// factory reports none.
func (c *Catalog) TokenByCreator(ctx context.Context, creator common.Address) (*TokenInfo, error) {
	token, err := c.reader.GetTokenByCreator(ctx, creator)
	if err != nil {
		return nil, fmt.Errorf("failed to read token by creator: %w", err)
	}
	if token == (common.Address{}) {
		return nil, nil
	}
	return c.tokenInfo(ctx, token)
}

func (c *Catalog) tokenInfo(ctx context.Context, token common.Address) (*TokenInfo, error) {
	g, gctx := errgroup.WithContext(ctx)

	var details *interfaces.TokenDetails
	var stats *interfaces.ClaimStats
	g.Go(func() (err error) {
		details, err = c.reader.GetTokenDetails(gctx, token)
		return err
	})
	g.Go(func() (err error) {
		stats, err = c.reader.GetClaimStats(gctx, token)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &TokenInfo{Address: token, Details: *details, Stats: *stats}, nil
}

// userToken returns nil without error when the user neither claimed nor
// created token.
func (c *Catalog) userToken(ctx context.Context, user, token common.Address, isCreator bool) (*UserToken, error) {
	claimed, err := c.reader.HasUserClaimed(ctx, user, token)
	if err != nil {
		return nil, err
	}
	if !claimed && !isCreator {
		return nil, nil
	}

	info, err := c.tokenInfo(ctx, token)
	if err != nil {
		return nil, err
	}
	balance, err := c.reader.TokenBalance(ctx, token, user)
	if err != nil {
		return nil, err
	}

	return &UserToken{
		TokenInfo:  *info,
		Balance:    balance,
		HasClaimed: claimed,
		IsCreator:  isCreator,
	}, nil
}

func compact(infos []*TokenInfo) []*TokenInfo {
	out := make([]*TokenInfo, 0, len(infos))
	for _, info := range infos {
		if info != nil {
			out = append(out, info)
		}
	}
	return out
}
