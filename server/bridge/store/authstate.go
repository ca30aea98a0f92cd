package store

import (
	"context"
	"fmt"
)

const authKeyPattern = "bridge:auth:%s:%s"

// AuthStateStore holds per-tenant credential and key material as opaque
// blobs so any worker instance can resume a session. No business logic;
// the connection handle's credential-update callback writes through it.
type AuthStateStore struct {
	kv KV
}

func NewAuthStateStore(kv KV) *AuthStateStore {
	return &AuthStateStore{kv: kv}
}

func (s *AuthStateStore) Get(ctx context.Context, tenantID, subKey string) ([]byte, bool, error) {
	v, ok, err := s.kv.Get(ctx, fmt.Sprintf(authKeyPattern, tenantID, subKey))
	if err != nil || !ok {
		return nil, ok, err
	}
	return []byte(v), true, nil
}

func (s *AuthStateStore) Set(ctx context.Context, tenantID, subKey string, blob []byte) error {
	return s.kv.Set(ctx, fmt.Sprintf(authKeyPattern, tenantID, subKey), string(blob), 0)
}

func (s *AuthStateStore) Delete(ctx context.Context, tenantID, subKey string) error {
	return s.kv.Del(ctx, fmt.Sprintf(authKeyPattern, tenantID, subKey))
}

// DeleteAll purges every credential blob for the tenant (logout or forced
// session reset).
func (s *AuthStateStore) DeleteAll(ctx context.Context, tenantID string) error {
	return s.kv.DelPrefix(ctx, fmt.Sprintf("bridge:auth:%s:", tenantID))
}
