package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestClaimExclusive(t *testing.T) {
	kv := NewMemKV()
	claims := NewClaimRegistry(kv)
	ctx := context.Background()

	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		owner := string(rune('a' + i))
		go func() {
			defer wg.Done()
			ok, err := claims.TryClaim(ctx, "t1", owner, time.Minute)
			if err != nil {
				t.Errorf("TryClaim() error = %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("winners = %d, want 1", wins.Load())
	}
}

func TestClaimReentrantForOwner(t *testing.T) {
	kv := NewMemKV()
	claims := NewClaimRegistry(kv)
	ctx := context.Background()

	if ok, _ := claims.TryClaim(ctx, "t1", "me", time.Minute); !ok {
		t.Fatal("first claim should succeed")
	}
	ok, err := claims.TryClaim(ctx, "t1", "me", time.Minute)
	if err != nil {
		t.Fatalf("TryClaim() error = %v", err)
	}
	if !ok {
		t.Fatal("re-claiming an owned tenant should refresh, not fail")
	}
	if ok, _ := claims.TryClaim(ctx, "t1", "other", time.Minute); ok {
		t.Fatal("other instance should not steal a live claim")
	}
}

func TestClaimRenewAndReleaseCheckOwnership(t *testing.T) {
	kv := NewMemKV()
	claims := NewClaimRegistry(kv)
	ctx := context.Background()

	if ok, _ := claims.TryClaim(ctx, "t1", "me", time.Minute); !ok {
		t.Fatal("claim should succeed")
	}

	ok, err := claims.Renew(ctx, "t1", "other", time.Minute)
	if err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
	if ok {
		t.Fatal("non-owner renew must be a no-op")
	}

	if err := claims.Release(ctx, "t1", "other"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if ok, _ := claims.TryClaim(ctx, "t1", "third", time.Minute); ok {
		t.Fatal("non-owner release must not free the claim")
	}

	if ok, _ := claims.Renew(ctx, "t1", "me", time.Minute); !ok {
		t.Fatal("owner renew should succeed")
	}
	if err := claims.Release(ctx, "t1", "me"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if ok, _ := claims.TryClaim(ctx, "t1", "third", time.Minute); !ok {
		t.Fatal("claim should be free after owner release")
	}
}

func TestClaimExpiresAndReacquires(t *testing.T) {
	kv := NewMemKV()
	claims := NewClaimRegistry(kv)
	ctx := context.Background()

	if ok, _ := claims.TryClaim(ctx, "t1", "me", 20*time.Millisecond); !ok {
		t.Fatal("claim should succeed")
	}
	time.Sleep(40 * time.Millisecond)

	if ok, _ := claims.TryClaim(ctx, "t1", "other", time.Minute); !ok {
		t.Fatal("expired claim should be reacquirable")
	}
	if ok, _ := claims.Renew(ctx, "t1", "me", time.Minute); ok {
		t.Fatal("stale owner must not renew a reacquired claim")
	}
}

func TestStartLock(t *testing.T) {
	kv := NewMemKV()
	locks := NewStartLocks(kv, time.Minute)
	ctx := context.Background()

	if ok, _ := locks.Acquire(ctx, "t1"); !ok {
		t.Fatal("first acquire should succeed")
	}
	if ok, _ := locks.Acquire(ctx, "t1"); ok {
		t.Fatal("second acquire should be blocked")
	}
	if err := locks.Release(ctx, "t1"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if ok, _ := locks.Acquire(ctx, "t1"); !ok {
		t.Fatal("acquire after release should succeed")
	}
}
