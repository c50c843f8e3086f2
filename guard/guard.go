// Package guard re-checks on-chain entitlements immediately before a write
// and keeps concurrent requests for the same entitlement from racing.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ruteri/worldcoins-backend/interfaces"
)

// DefaultLockTTL bounds how long an entitlement stays reserved if the holder
// dies without releasing it. It must outlast the longest settlement,
// verification included.
const DefaultLockTTL = 3 * time.Minute

// ErrLockUnavailable is returned when the lock backend cannot be reached.
var ErrLockUnavailable = errors.New("entitlement lock unavailable")

// Locker provides mutually exclusive reservations keyed by string.
type Locker interface {
	// TryLock reserves key for at most ttl. It returns ok=false without
	// error when the key is already held.
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// Guard evaluates the factory's uniqueness predicates with fresh reads.
type Guard struct {
	reader  interfaces.EntitlementReader
	locker  Locker
	lockTTL time.Duration
	log     *slog.Logger
}

// NewGuard creates a guard reading through reader. A nil locker selects a
// process-local MemoryLocker.
func NewGuard(reader interfaces.EntitlementReader, locker Locker, lockTTL time.Duration, log *slog.Logger) *Guard {
	if locker == nil {
		locker = NewMemoryLocker()
	}
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	return &Guard{
		reader:  reader,
		locker:  locker,
		lockTTL: lockTTL,
		log:     log,
	}
}

// AssertCanCreate fails with ReasonAlreadyCreated if principal already created a token.
func (g *Guard) AssertCanCreate(ctx context.Context, principal interfaces.Principal) error {
	created, err := g.reader.HasCreatedToken(ctx, principal)
	if err != nil {
		return fmt.Errorf("could not read creation state: %w", err)
	}
	if created {
		return interfaces.NewRejection(interfaces.ReasonAlreadyCreated, "User has already created a token")
	}
	return nil
}

// AssertCanClaim fails with ReasonInvalidToken if token is not a factory
// token, or ReasonAlreadyClaimed if principal already claimed it. Validity
// is checked first.
func (g *Guard) AssertCanClaim(ctx context.Context, principal interfaces.Principal, token common.Address) error {
	valid, err := g.reader.IsValidToken(ctx, token)
	if err != nil {
		return fmt.Errorf("could not read token validity: %w", err)
	}
	if !valid {
		return interfaces.NewRejection(interfaces.ReasonInvalidToken, "Invalid token address")
	}

	claimed, err := g.reader.HasUserClaimed(ctx, principal, token)
	if err != nil {
		return fmt.Errorf("could not read claim state: %w", err)
	}
	if claimed {
		return interfaces.NewRejection(interfaces.ReasonAlreadyClaimed, "User has already claimed from this token")
	}
	return nil
}

// Assert dispatches to the check matching req's kind.
func (g *Guard) Assert(ctx context.Context, req *interfaces.ActionRequest) error {
	switch req.Kind {
	case interfaces.CreateToken:
		return g.AssertCanCreate(ctx, req.Principal)
	case interfaces.ClaimToken:
		return g.AssertCanClaim(ctx, req.Principal, req.Target())
	default:
		return fmt.Errorf("unknown action kind %q", req.Kind)
	}
}

// Reserve marks req's entitlement as in flight. A second reservation for the
// same entitlement fails with ReasonInProgress until release is called.
func (g *Guard) Reserve(ctx context.Context, req *interfaces.ActionRequest) (func(), error) {
	key := req.EntitlementKey()

	release, ok, err := g.locker.TryLock(ctx, key, g.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockUnavailable, err)
	}
	if !ok {
		g.log.Info("Entitlement already in flight", "key", key)
		return nil, interfaces.NewRejection(interfaces.ReasonInProgress, "Another request for this action is already in progress")
	}
	return release, nil
}
