package service

import (
	"slices"
	"sync"
)

// keyLocks serializes work per record id without blocking unrelated ids.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks { return &keyLocks{locks: map[string]*keyLock{}} }

// lock acquires every id in sorted order and returns the matching unlock.
func (k *keyLocks) lock(ids ...string) func() {
	ids = slices.Clone(ids)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	held := make([]*keyLock, 0, len(ids))
	for _, id := range ids {
		k.mu.Lock()
		l, ok := k.locks[id]
		if !ok {
			l = &keyLock{}
			k.locks[id] = l
		}
		l.refs++
		k.mu.Unlock()

		l.mu.Lock()
		held = append(held, l)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			k.mu.Lock()
			held[i].refs--
			if held[i].refs == 0 {
				delete(k.locks, ids[i])
			}
			k.mu.Unlock()
		}
	}
}
