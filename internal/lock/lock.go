// Package lock provides the run lock that keeps batch processing single-flight.
// The local implementation covers one process; the Redis implementation extends
// the guarantee across replicas that share a database.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotAcquired is returned when the key is already held.
var ErrNotAcquired = errors.New("lock is held elsewhere")

// Lease is a held lock. Release is safe to call more than once.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker acquires named leases that expire after ttl if never released.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Local is an in-process Locker.
type Local struct {
	mu    sync.Mutex
	held  map[string]localEntry
	now   func() time.Time
	nextN uint64
}

type localEntry struct {
	n       uint64
	expires time.Time
}

// NewLocal creates an in-process Locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]localEntry), now: time.Now}
}

// Acquire implements Locker.
func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, ErrNotAcquired
	}
	l.nextN++
	l.held[key] = localEntry{n: l.nextN, expires: now.Add(ttl)}
	return &localLease{owner: l, key: key, n: l.nextN}, nil
}

type localLease struct {
	owner *Local
	key   string
	n     uint64
	once  sync.Once
}

func (ll *localLease) Release(context.Context) error {
	ll.once.Do(func() {
		ll.owner.mu.Lock()
		defer ll.owner.mu.Unlock()
		// An expired lease may have been re-acquired by someone else.
		if e, ok := ll.owner.held[ll.key]; ok && e.n == ll.n {
			delete(ll.owner.held, ll.key)
		}
	})
	return nil
}
