package redisx

import (
	"context"
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

func Exists(ctx context.Context, rdb *redis.Client, key string) (bool, error) {
	n, err := rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// Dedup is a best-effort fast path for repeated deliveries. It never replaces
// the database's own guards.
type Dedup struct {
	RDB     *redis.Client
	Service string
}

func (d *Dedup) Seen(ctx context.Context, id string) bool {
	ok, err := Exists(ctx, d.RDB, fmt.Sprintf(KeyDedup, d.Service, id))
	return err == nil && ok
}

func (d *Dedup) Mark(ctx context.Context, id string) {
	_ = d.RDB.Set(ctx, fmt.Sprintf(KeyDedup, d.Service, id), "1", TTLDedup).Err()
}

// StatusCache keeps order_status:{id} warm for the order status endpoint.
type StatusCache struct {
	RDB *redis.Client
}

func (c *StatusCache) Get(ctx context.Context, orderID string) (string, bool) {
	s, err := c.RDB.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Result()
	if err != nil || s == "" {
		return "", false
	}
	return s, true
}

func (c *StatusCache) Set(ctx context.Context, orderID, body string) {
	_ = c.RDB.Set(ctx, fmt.Sprintf(KeyOrderStatus, orderID), body, TTLStatusCache).Err()
}
