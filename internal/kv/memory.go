package kv

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Store implementation. A single mutex guards the
// map; Eval holds it for the duration of the callback, which gives the same
// atomicity a server-side script would. Expired entries are dropped lazily
// on access and by Sweep.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	val       string
	expiresAt time.Time // zero = no expiry
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Test hook; not safe to call after
// concurrent use starts.
func (m *Memory) SetClock(now func() time.Time) { m.now = now }

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// live returns the entry for key if present and unexpired, deleting it otherwise.
// Caller must hold the lock.
func (m *Memory) live(key string, now time.Time) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if e.expired(now) {
		delete(m.entries, key)
		return memEntry{}, false
	}
	return e, true
}

// Get returns the value for key.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key, m.now())
	if !ok {
		return "", false, nil
	}
	return e.val, true, nil
}

// Set stores a value with an optional TTL.
func (m *Memory) Set(_ context.Context, key, val string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(key, val, ttl)
	return nil
}

func (m *Memory) set(key, val string, ttl time.Duration) {
	e := memEntry{val: val}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
}

// IncrBy atomically increments the integer at key.
func (m *Memory) IncrBy(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incrBy(key, delta, ttl), nil
}

func (m *Memory) incrBy(key string, delta int64, ttl time.Duration) int64 {
	now := m.now()
	e, ok := m.live(key, now)
	var cur int64
	if ok {
		cur, _ = strconv.ParseInt(e.val, 10, 64)
	}
	cur += delta
	next := memEntry{val: strconv.FormatInt(cur, 10)}
	if ok {
		// Preserve the existing expiry; TTL applies only on creation.
		next.expiresAt = e.expiresAt
	} else if ttl > 0 {
		next.expiresAt = now.Add(ttl)
	}
	m.entries[key] = next
	return cur
}

// Expire resets the TTL for an existing key. Missing keys are a no-op.
func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e, ok := m.live(key, now)
	if !ok {
		return nil
	}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	m.entries[key] = e
	return nil
}

// Exists reports whether key is present and unexpired.
func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live(key, m.now())
	return ok, nil
}

// Eval runs fn while holding the store lock.
func (m *Memory) Eval(_ context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(memTx{m: m})
}

// Ping always succeeds for the in-process store.
func (m *Memory) Ping(context.Context) error { return nil }

// Sweep drops all expired entries and returns the count removed. Intended to
// be called periodically by a janitor worker; correctness does not depend on
// it because reads drop expired entries lazily.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

// memTx implements Tx against a locked Memory.
type memTx struct{ m *Memory }

func (t memTx) Get(key string) (string, bool) {
	e, ok := t.m.live(key, t.m.now())
	if !ok {
		return "", false
	}
	return e.val, true
}

func (t memTx) Set(key, val string, ttl time.Duration) { t.m.set(key, val, ttl) }

func (t memTx) IncrBy(key string, delta int64, ttl time.Duration) int64 {
	return t.m.incrBy(key, delta, ttl)
}

func (t memTx) Delete(key string) { delete(t.m.entries, key) }
