package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dedup records processed keys with SETNX so redeliveries can be skipped.
// A reply saved for a key lives as long as the key itself.
type Dedup struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewDedup(rdb redis.UniversalClient, ttl time.Duration) *Dedup {
	if ttl <= 0 {
		ttl = TTLDedup
	}
	return &Dedup{rdb: rdb, ttl: ttl}
}

func (d *Dedup) Seen(ctx context.Context, key string) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func (d *Dedup) Forget(ctx context.Context, key string) error {
	return d.rdb.Del(ctx, key, fmt.Sprintf(KeyReply, key)).Err()
}

func (d *Dedup) SaveReply(ctx context.Context, key string, reply []byte) error {
	return d.rdb.Set(ctx, fmt.Sprintf(KeyReply, key), reply, d.ttl).Err()
}

func (d *Dedup) Reply(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := d.rdb.Get(ctx, fmt.Sprintf(KeyReply, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}
