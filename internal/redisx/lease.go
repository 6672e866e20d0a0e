package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/outbox"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// release deletes the key only while it still holds our token, so an expired
// lease picked up by another replica is never removed by the old holder.
var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is an outbox.Locker on top of SET NX PX.
type Lease struct {
	rdb redis.UniversalClient
}

func NewLease(rdb redis.UniversalClient) *Lease { return &Lease{rdb: rdb} }

func (l *Lease) TryLock(ctx context.Context, name string, ttl time.Duration) (outbox.Unlock, bool, error) {
	key := fmt.Sprintf(KeyLease, name)
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lease %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	return func(ctx context.Context) error {
		if err := release.Run(ctx, l.rdb, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("release lease %s: %w", name, err)
		}
		return nil
	}, true, nil
}
