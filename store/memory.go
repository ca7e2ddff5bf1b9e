package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Store implementation used by unit tests. It
// preserves the same TTL-expiry and atomicity semantics
// the Redis implementation relies on (SetNX + TTL, compare-and-delete),
// which is what lets the same test suite exercise lock/nodelist/update
// logic without a running Redis.
type Memory struct {
	mu      sync.Mutex
	values  map[string]string
	hashes  map[string]map[string]string
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemory creates an empty Memory store. nowFn defaults to time.Now;
// pass a clock.Mock-backed function in tests that need to control TTL
// expiry deterministically.
func NewMemory(nowFn func() time.Time) *Memory {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Memory{
		values:  make(map[string]string),
		hashes:  make(map[string]map[string]string),
		expires: make(map[string]time.Time),
		now:     nowFn,
	}
}

func (m *Memory) expired(key string) bool {
	exp, ok := m.expires[key]
	return ok && !exp.IsZero() && m.now().After(exp)
}

func (m *Memory) evictIfExpired(key string) {
	if m.expired(key) {
		delete(m.values, key)
		delete(m.hashes, key)
		delete(m.expires, key)
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictIfExpired(key)
	v, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	delete(m.expires, key)
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictIfExpired(key)
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value
	if ttl > 0 {
		m.expires[key] = m.now().Add(ttl)
	}
	return true, nil
}

func (m *Memory) CompareAndDelete(_ context.Context, key, expected string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictIfExpired(key)
	if v, ok := m.values[key]; ok && v == expected {
		delete(m.values, key)
		delete(m.expires, key)
		return true, nil
	}
	return false, nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
		delete(m.hashes, k)
		delete(m.expires, k)
	}
	return nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expires[key] = m.now().Add(ttl)
	return nil
}

func (m *Memory) Incr(ctx context.Context, key string) (int64, error) {
	return m.IncrBy(ctx, key, 1)
}

func (m *Memory) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictIfExpired(key)
	cur, _ := strconv.ParseInt(m.values[key], 10, 64)
	cur += delta
	m.values[key] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (m *Memory) IncrByFloat(_ context.Context, key string, delta float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictIfExpired(key)
	cur, _ := strconv.ParseFloat(m.values[key], 64)
	cur += delta
	m.values[key] = strconv.FormatFloat(cur, 'f', -1, 64)
	return cur, nil
}

func (m *Memory) hash(key string) map[string]string {
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	return h
}

func (m *Memory) HSet(_ context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictIfExpired(key)
	m.hash(key)[field] = value
	return nil
}

func (m *Memory) HGet(_ context.Context, key, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictIfExpired(key)
	h, ok := m.hashes[key]
	if !ok {
		return "", ErrNotFound
	}
	v, ok := h[field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictIfExpired(key)
	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) HMGet(_ context.Context, key string, fields ...string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictIfExpired(key)
	h := m.hashes[key]
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		if v, ok := h[f]; ok {
			out[f] = v
		}
	}
	return out, nil
}

func (m *Memory) HDel(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	return nil
}

func (m *Memory) HLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictIfExpired(key)
	return int64(len(m.hashes[key])), nil
}

func (m *Memory) HKeys(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictIfExpired(key)
	h := m.hashes[key]
	out := make([]string, 0, len(h))
	for k := range h {
		out = append(out, k)
	}
	return out, nil
}

func (m *Memory) HIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictIfExpired(key)
	h := m.hash(key)
	cur, _ := strconv.ParseInt(h[field], 10, 64)
	cur += delta
	h[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (m *Memory) HIncrByFloat(_ context.Context, key, field string, delta float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictIfExpired(key)
	h := m.hash(key)
	cur, _ := strconv.ParseFloat(h[field], 64)
	cur += delta
	h[field] = strconv.FormatFloat(cur, 'f', -1, 64)
	return cur, nil
}
