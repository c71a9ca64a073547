package httpapi

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventDeduper suppresses webhook re-deliveries. Seen reports whether the
// message id was already processed within the retention window; Mark records
// it. The two are separate so a message id is only consumed once its event
// has actually been applied; a delivery rejected mid-flight stays retryable.
//
// Dedupe is an optimization, not a correctness requirement: the ledger treats
// duplicate events as no-ops anyway, which also covers the window where two
// concurrent deliveries both pass Seen before either Marks.
type EventDeduper interface {
	Seen(ctx context.Context, messageID string) (bool, error)
	Mark(ctx context.Context, messageID string) error
}

// RedisDeduper keys on the provider's message id with a TTL, shared across
// API instances.
type RedisDeduper struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisDeduper(rdb *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{rdb: rdb, ttl: ttl}
}

func (d *RedisDeduper) Seen(ctx context.Context, messageID string) (bool, error) {
	n, err := d.rdb.Exists(ctx, "dialer:webhook:"+messageID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *RedisDeduper) Mark(ctx context.Context, messageID string) error {
	return d.rdb.Set(ctx, "dialer:webhook:"+messageID, "1", d.ttl).Err()
}

// MemoryDeduper is the in-process fallback for tests and single-instance
// deployments. Entries are never evicted; acceptable for test lifetimes only.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]struct{})}
}

func (d *MemoryDeduper) Seen(ctx context.Context, messageID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[messageID]
	return ok, nil
}

func (d *MemoryDeduper) Mark(ctx context.Context, messageID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[messageID] = struct{}{}
	return nil
}
