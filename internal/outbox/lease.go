package outbox

import (
	"context"
	"sync"
	"time"
)

// Unlock releases a lease early. Leases expire on their own when never released.
type Unlock func(ctx context.Context) error

// Locker hands out an exclusive, self-expiring lease on a name.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (unlock Unlock, acquired bool, err error)
}

// LocalLocker is a process-local Locker for single replica deployments and tests.
type LocalLocker struct {
	mu     sync.Mutex
	held   map[string]localLease
	nextID uint64
	now    func() time.Time
}

type localLease struct {
	id      uint64
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[string]localLease{}, now: time.Now}
}

func (l *LocalLocker) TryLock(_ context.Context, name string, ttl time.Duration) (Unlock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.held[name]; ok && now.Before(cur.expires) {
		return nil, false, nil
	}
	l.nextID++
	id := l.nextID
	l.held[name] = localLease{id: id, expires: now.Add(ttl)}
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.held[name]; ok && cur.id == id {
			delete(l.held, name)
		}
		return nil
	}, true, nil
}
