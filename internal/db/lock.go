package db

import (
	"context"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Locker hands out one RW mutex per key. Builds take the write side for the
// geography they rebuild; links take the read side of both endpoints.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// NewLocker creates an empty Locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*sync.RWMutex)}
}

func (l *Locker) get(key string) *sync.RWMutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.RWMutex{}
		l.locks[key] = m
	}
	return m
}

// Lock acquires exclusive locks on keys (in sorted order) and returns the
// release function.
func (l *Locker) Lock(keys ...string) func() {
	return l.acquire(keys, false)
}

// RLock acquires shared locks on keys (in sorted order) and returns the
// release function.
func (l *Locker) RLock(keys ...string) func() {
	return l.acquire(keys, true)
}

func (l *Locker) acquire(keys []string, shared bool) func() {
	sorted := uniqueSorted(keys)
	held := make([]*sync.RWMutex, 0, len(sorted))
	for _, k := range sorted {
		m := l.get(k)
		if shared {
			m.RLock()
		} else {
			m.Lock()
		}
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			if shared {
				held[i].RUnlock()
			} else {
				held[i].Unlock()
			}
		}
	}
}

func uniqueSorted(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// AdvisoryLock takes a transaction-scoped exclusive advisory lock on key,
// serializing writers across processes.
func AdvisoryLock(ctx context.Context, tx pgx.Tx, key string) error {
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", key); err != nil {
		return eris.Wrapf(err, "db: advisory lock %s", key)
	}
	return nil
}

// AdvisoryLockShared takes transaction-scoped shared advisory locks on keys
// in sorted order.
func AdvisoryLockShared(ctx context.Context, tx pgx.Tx, keys ...string) error {
	for _, key := range uniqueSorted(keys) {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock_shared(hashtext($1))", key); err != nil {
			return eris.Wrapf(err, "db: shared advisory lock %s", key)
		}
	}
	return nil
}

// GeographyLockKey is the lock key shared by index builds and links.
func GeographyLockKey(geographyID string) string {
	return "spacerat:geography:" + geographyID
}
