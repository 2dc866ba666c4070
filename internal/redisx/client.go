package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

// Idempotency remembers which order a checkout idempotency key produced.
type Idempotency struct{ RDB *redis.Client }

func (i *Idempotency) Lookup(ctx context.Context, key string) (string, bool, error) {
	v, err := i.RDB.Get(ctx, fmt.Sprintf(KeyIdemCheckout, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (i *Idempotency) Remember(ctx context.Context, key, orderID string) error {
	return i.RDB.Set(ctx, fmt.Sprintf(KeyIdemCheckout, key), orderID, TTLIdempotency).Err()
}

// Dedup marks event ids as processed per service.
type Dedup struct {
	RDB     *redis.Client
	Service string
}

// FirstSeen atomically claims id and reports whether this call was first.
func (d *Dedup) FirstSeen(ctx context.Context, id string) (bool, error) {
	return d.RDB.SetNX(ctx, fmt.Sprintf(KeyDedup, d.Service, id), "1", TTLDedup).Result()
}

// Forget releases a claim so a failed event can be retried.
func (d *Dedup) Forget(ctx context.Context, id string) error {
	return d.RDB.Del(ctx, fmt.Sprintf(KeyDedup, d.Service, id)).Err()
}
