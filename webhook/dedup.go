package webhook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Deduper claims event ids so one delivery of each is processed at a time.
type Deduper interface {
	// Claim reports true if the caller now owns id.
	Claim(ctx context.Context, id string) (bool, error)
	// Release gives up a claim so a retry can be processed.
	Release(ctx context.Context, id string) error
}

const keyPrefix = "fincore:webhook:"

// RedisDeduper claims with SET NX and lets keys expire after ttl.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{client: client, ttl: ttl}
}

func (d *RedisDeduper) Claim(ctx context.Context, id string) (bool, error) {
	ok, err := d.client.SetNX(ctx, keyPrefix+id, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim webhook %s: %w", id, err)
	}
	return ok, nil
}

func (d *RedisDeduper) Release(ctx context.Context, id string) error {
	if err := d.client.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("release webhook %s: %w", id, err)
	}
	return nil
}

// MemoryDeduper is a process-local Deduper for tests and single-node runs
// without Redis. Claims never expire.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]struct{})}
}

func (d *MemoryDeduper) Claim(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return false, nil
	}
	d.seen[id] = struct{}{}
	return true, nil
}

func (d *MemoryDeduper) Release(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
	return nil
}
