package limiter

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	fails        int
	blockedUntil time.Time
	updatedAt    time.Time
}

// Memory is an in-process limiter used when the backend runs without PostgreSQL.
type Memory struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// NewMemory constructs an in-memory limiter.
func NewMemory(cfg Config) *Memory {
	return &Memory{cfg: cfg, now: time.Now, entries: map[string]*entry{}}
}

func key(username string, ipHash []byte) string { return username + "\x00" + string(ipHash) }

// Allow reports whether login is currently allowed and a retry-after duration.
func (m *Memory) Allow(_ context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key(username, ipHash)]
	if !ok {
		return true, 0, nil
	}
	if now := m.now(); e.blockedUntil.After(now) {
		return false, e.blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

// Success resets counters for (username, ip).
func (m *Memory) Success(_ context.Context, username string, ipHash []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key(username, ipHash))
	return nil
}

// Failure records a failed attempt; blocks once MaxFails is reached inside the window.
func (m *Memory) Failure(_ context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	k := key(username, ipHash)
	e, ok := m.entries[k]
	if !ok {
		e = &entry{}
		m.entries[k] = e
	}
	if now.Sub(e.updatedAt) > m.cfg.Window {
		e.fails = 0
	}
	e.fails++
	e.updatedAt = now
	if e.fails >= m.cfg.MaxFails {
		e.blockedUntil = now.Add(m.cfg.BlockFor)
		return true, m.cfg.BlockFor, nil
	}
	return false, 0, nil
}
