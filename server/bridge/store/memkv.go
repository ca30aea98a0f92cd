package store

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

// memKV is an in-process KV with real expiry semantics. It backs tests and
// single-node dev runs; production always uses the redis implementation.
type memKV struct {
	mu    sync.Mutex
	items map[string]memItem
}

type memItem struct {
	value     string
	expiresAt time.Time
}

func NewMemKV() KV {
	return &memKV{items: map[string]memItem{}}
}

func (m *memKV) live(key string) (memItem, bool) {
	item, ok := m.items[key]
	if !ok {
		return memItem{}, false
	}
	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		delete(m.items, key)
		return memItem{}, false
	}
	return item, true
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (m *memKV) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.live(key)
	if !ok {
		return "", false, nil
	}
	return item.value, true, nil
}

func (m *memKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memItem{value: value, expiresAt: expiry(ttl)}
	return nil
}

func (m *memKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.items[key] = memItem{value: value, expiresAt: expiry(ttl)}
	return true, nil
}

func (m *memKV) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.items, key)
	}
	return nil
}

func (m *memKV) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.live(key)
	n := int64(0)
	if ok {
		parsed, err := strconv.ParseInt(item.value, 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n++
	m.items[key] = memItem{value: strconv.FormatInt(n, 10), expiresAt: item.expiresAt}
	return n, nil
}

func (m *memKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.live(key)
	if !ok {
		return nil
	}
	item.expiresAt = expiry(ttl)
	m.items[key] = item
	return nil
}

func (m *memKV) CompareExpire(ctx context.Context, key, expect string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.live(key)
	if !ok || item.value != expect {
		return false, nil
	}
	item.expiresAt = expiry(ttl)
	m.items[key] = item
	return true, nil
}

func (m *memKV) CompareDel(ctx context.Context, key, expect string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.live(key)
	if !ok || item.value != expect {
		return false, nil
	}
	delete(m.items, key)
	return true, nil
}

func (m *memKV) DelPrefix(ctx context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.items {
		if strings.HasPrefix(key, prefix) {
			delete(m.items, key)
		}
	}
	return nil
}
