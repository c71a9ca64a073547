package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CooldownStore rate-limits reconciliation triggers per campaign. Allow
// returns true when the key is outside its cooldown window and records the
// trigger as a side effect. Reset clears the stamp so a trigger that was
// accepted but never ran (queue full) does not burn the window.
type CooldownStore interface {
	Allow(ctx context.Context, campaignID string, cooldown time.Duration) (bool, error)
	Reset(ctx context.Context, campaignID string) error
}

// MemoryCooldowns is the in-process default. Entries are created on first
// access and pruned lazily once expired, so the map cannot grow beyond the
// set of campaigns triggered within one cooldown window.
type MemoryCooldowns struct {
	mu    sync.Mutex
	last  map[string]time.Time
	clock func() time.Time
}

func NewMemoryCooldowns() *MemoryCooldowns {
	return &MemoryCooldowns{last: make(map[string]time.Time), clock: time.Now}
}

func (m *MemoryCooldowns) Allow(ctx context.Context, campaignID string, cooldown time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if at, ok := m.last[campaignID]; ok && now.Sub(at) < cooldown {
		return false, nil
	}
	for id, at := range m.last {
		if now.Sub(at) >= cooldown {
			delete(m.last, id)
		}
	}
	m.last[campaignID] = now
	return true, nil
}

func (m *MemoryCooldowns) Reset(ctx context.Context, campaignID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.last, campaignID)
	return nil
}

// RedisCooldowns shares trigger stamps across API instances so a webhook
// burst fanned out over replicas still produces one scheduler run per window.
type RedisCooldowns struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisCooldowns(rdb *redis.Client) *RedisCooldowns {
	return &RedisCooldowns{rdb: rdb, prefix: "dialer:trigger:"}
}

func (r *RedisCooldowns) Allow(ctx context.Context, campaignID string, cooldown time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, r.prefix+campaignID, "1", cooldown).Result()
}

func (r *RedisCooldowns) Reset(ctx context.Context, campaignID string) error {
	return r.rdb.Del(ctx, r.prefix+campaignID).Err()
}
