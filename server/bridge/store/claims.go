package store

import (
	"context"
	"time"
)

const (
	claimKeyPrefix     = "bridge:claim:"
	startLockKeyPrefix = "bridge:startlock:"
)

// ClaimRegistry grants one worker instance exclusive rights to operate a
// tenant's session. Acquisition is a single create-if-absent with TTL;
// renew and release mutate only while the caller still owns the claim.
type ClaimRegistry struct {
	kv KV
}

func NewClaimRegistry(kv KV) *ClaimRegistry {
	return &ClaimRegistry{kv: kv}
}

// TryClaim returns false when another live instance holds the tenant. That
// is a normal branch for callers, not an error. Claiming a tenant this
// instance already owns refreshes the lease instead of failing, so a local
// restart of the session does not lock the instance out of its own claim.
func (r *ClaimRegistry) TryClaim(ctx context.Context, tenantID, ownerID string, ttl time.Duration) (bool, error) {
	key := claimKeyPrefix + tenantID
	ok, err := r.kv.SetNX(ctx, key, ownerID, ttl)
	if err != nil || ok {
		return ok, err
	}
	current, found, err := r.kv.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !found {
		// Expired between the SetNX and the Get; race it once more.
		return r.kv.SetNX(ctx, key, ownerID, ttl)
	}
	if current != ownerID {
		return false, nil
	}
	return r.kv.CompareExpire(ctx, key, ownerID, ttl)
}

// Renew extends the claim's lease. Returns false when the claim expired and
// was re-acquired elsewhere; the caller must tear down its local session.
func (r *ClaimRegistry) Renew(ctx context.Context, tenantID, ownerID string, ttl time.Duration) (bool, error) {
	return r.kv.CompareExpire(ctx, claimKeyPrefix+tenantID, ownerID, ttl)
}

// Release drops the claim if still owned; releasing someone else's claim is
// a no-op.
func (r *ClaimRegistry) Release(ctx context.Context, tenantID, ownerID string) error {
	_, err := r.kv.CompareDel(ctx, claimKeyPrefix+tenantID, ownerID)
	return err
}

// StartLocks guards "start in progress" for a tenant so overlapping start
// requests cannot create duplicate connection objects. Separate from the
// Claim: the lock covers only the connect window and expires on its own if
// a start attempt crashes.
type StartLocks struct {
	kv  KV
	ttl time.Duration
}

func NewStartLocks(kv KV, ttl time.Duration) *StartLocks {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &StartLocks{kv: kv, ttl: ttl}
}

func (l *StartLocks) Acquire(ctx context.Context, tenantID string) (bool, error) {
	return l.kv.SetNX(ctx, startLockKeyPrefix+tenantID, "1", l.ttl)
}

func (l *StartLocks) Release(ctx context.Context, tenantID string) error {
	return l.kv.Del(ctx, startLockKeyPrefix+tenantID)
}
