// Package claim implements the exclusive, time-boxed hold a coordinator
// takes on a request while deciding. Expiry is cooperative: a claim past
// its timeout is treated as absent the next time anyone looks.
package claim

import (
	"errors"
	"time"

	"reviewline/internal/domain"
)

// DefaultTimeout is the claim window applied when none is configured.
const DefaultTimeout = 30 * time.Minute

var (
	// ErrClaimConflict means another user holds a live claim.
	ErrClaimConflict = errors.New("request already claimed")
	// ErrStaleClaim means the caller does not hold the claim it tried
	// to release.
	ErrStaleClaim = errors.New("claim not held by caller")
)

// Coordinator grants and releases claims on requests.
type Coordinator struct {
	Timeout time.Duration
	Now     func() time.Time
}

func (c Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Coordinator) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// Active returns the request's claim if it is live, nil when absent or
// expired. The stored claim is not mutated.
func (c Coordinator) Active(req *domain.Request) *domain.Claim {
	if req.Claim == nil {
		return nil
	}
	timeoutAt, err := time.Parse(time.RFC3339, req.Claim.TimeoutAt)
	if err != nil {
		// Unparseable timeout means the claim cannot be honored.
		return nil
	}
	if !c.now().Before(timeoutAt) {
		return nil
	}
	return req.Claim
}

// Claim takes the hold for userID. Re-claiming one's own live claim
// refreshes the window; a live claim by anyone else conflicts. An
// expired claim is silently replaced.
func (c Coordinator) Claim(req *domain.Request, userID, name string) error {
	if live := c.Active(req); live != nil && live.UserID != userID {
		return ErrClaimConflict
	}
	now := c.now().UTC()
	req.Claim = &domain.Claim{
		UserID:    userID,
		Name:      name,
		ClaimedAt: now.Format(time.RFC3339),
		TimeoutAt: now.Add(c.timeout()).Format(time.RFC3339),
	}
	return nil
}

// Release drops the hold. Only the live holder may release; releasing
// an absent or expired claim is a no-op.
func (c Coordinator) Release(req *domain.Request, userID string) error {
	live := c.Active(req)
	if live == nil {
		req.Claim = nil
		return nil
	}
	if live.UserID != userID {
		return ErrStaleClaim
	}
	req.Claim = nil
	return nil
}
