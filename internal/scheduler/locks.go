package scheduler

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"dialer-platform/pkg/utils"
)

// RunLock serializes scheduler runs for one campaign across API instances.
// The reconciler's in-process busy map already prevents overlap inside one
// instance; a RunLock extends that guarantee to a multi-instance deployment.
type RunLock interface {
	Acquire(ctx context.Context, campaignID string) (bool, error)
	Release(ctx context.Context, campaignID string) error
}

// RedisRunLock holds a single-slot concurrency cap per campaign. The TTL
// bounds lock leakage if an instance dies mid-run.
type RedisRunLock struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisRunLock(rdb *redis.Client, ttl time.Duration) *RedisRunLock {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisRunLock{rdb: rdb, prefix: "dialer:run:", ttl: ttl}
}

func (l *RedisRunLock) Acquire(ctx context.Context, campaignID string) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, l.rdb, l.prefix+campaignID, 1, l.ttl)
}

func (l *RedisRunLock) Release(ctx context.Context, campaignID string) error {
	return utils.ReleaseConcurrencyCap(ctx, l.rdb, l.prefix+campaignID)
}
