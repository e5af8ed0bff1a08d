// Package lock provides best-effort mutual exclusion for periodic work such as
// the job poller and the backup scheduler.
package lock

import (
	"context"
	"sync"
	"time"
)

// Locker acquires named leases. ok is false when another holder owns the key.
// release is safe to call more than once.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// InMemoryLocker is a process-local Locker
type InMemoryLocker struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
	seq    uint64
}

type lease struct {
	token   uint64
	expires time.Time
}

// NewInMemoryLocker creates an empty process-local locker
func NewInMemoryLocker() *InMemoryLocker {
	return &InMemoryLocker{
		leases: make(map[string]lease),
		now:    time.Now,
	}
}

// TryLock takes key for ttl unless an unexpired lease exists
func (l *InMemoryLocker) TryLock(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, held := l.leases[key]; held && now.Before(cur.expires) {
		return func() {}, false, nil
	}
	for k, cur := range l.leases {
		if !now.Before(cur.expires) {
			delete(l.leases, k)
		}
	}

	l.seq++
	token := l.seq
	l.leases[key] = lease{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if cur, ok := l.leases[key]; ok && cur.token == token {
				delete(l.leases, key)
			}
		})
	}, true, nil
}

var _ Locker = (*InMemoryLocker)(nil)
