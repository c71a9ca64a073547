package scheduler

import (
	"context"
	"sync"
	"time"

	"dialer-platform/pkg/logger"
)

// Runner executes one scheduling pass for a campaign.
type Runner func(ctx context.Context, campaignID string) error

// Reconciler coordinates opportunistic scheduler runs after status changes.
//
// Guards, in order:
// - no-op when nothing changed
// - no-op while a run for the campaign is queued or executing (mutual
//   exclusion per campaign id)
// - no-op inside the cooldown window, unless forced
//
// Accepted triggers are enqueued on a bounded worker pool rather than run
// inline, keeping reconciliation off the webhook request path. A skipped
// trigger is always safe: the periodic driver catches up on the next tick.
type Reconciler struct {
	run       Runner
	cooldowns CooldownStore
	cooldown  time.Duration
	locks     RunLock

	mu   sync.Mutex
	busy map[string]bool

	queue   chan string
	workers int
}

// ReconcilerConfig tunes trigger behavior.
type ReconcilerConfig struct {
	// Cooldown bounds trigger frequency per campaign. Default 15s.
	Cooldown time.Duration
	// Workers bounds concurrent scheduler runs across campaigns. Default 4.
	Workers int
	// QueueSize bounds pending triggers. Default 64.
	QueueSize int
	// Cooldowns defaults to in-process stamps; pass RedisCooldowns to share
	// the window across instances.
	Cooldowns CooldownStore
	// Locks optionally serializes runs per campaign across instances. Nil
	// means only the in-process busy map applies.
	Locks RunLock
}

func NewReconciler(run Runner, cfg ReconcilerConfig) *Reconciler {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 15 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Cooldowns == nil {
		cfg.Cooldowns = NewMemoryCooldowns()
	}
	return &Reconciler{
		run:       run,
		cooldowns: cfg.Cooldowns,
		cooldown:  cfg.Cooldown,
		locks:     cfg.Locks,
		busy:      make(map[string]bool),
		queue:     make(chan string, cfg.QueueSize),
		workers:   cfg.Workers,
	}
}

// Start launches the worker pool. Workers exit when ctx is done.
func (r *Reconciler) Start(ctx context.Context) {
	for i := 0; i < r.workers; i++ {
		go r.worker(ctx)
	}
}

// MaybeTrigger requests a scheduler run after changedCallCount status
// changes. Returns true when the trigger was accepted.
func (r *Reconciler) MaybeTrigger(ctx context.Context, campaignID string, changedCallCount int) bool {
	if changedCallCount == 0 {
		return false
	}
	return r.trigger(ctx, campaignID, false)
}

// Trigger requests a run regardless of the change count; force additionally
// skips the cooldown window (manual and periodic invocations). Mutual
// exclusion always applies.
func (r *Reconciler) Trigger(ctx context.Context, campaignID string, force bool) bool {
	return r.trigger(ctx, campaignID, force)
}

func (r *Reconciler) trigger(ctx context.Context, campaignID string, force bool) bool {
	if campaignID == "" {
		return false
	}
	log := logger.From(ctx)

	r.mu.Lock()
	if r.busy[campaignID] {
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()

	// cooldown check happens outside r.mu: with a Redis store it is a network
	// round-trip, and one slow call must not stall every campaign's triggers.
	// Two racers both passing the busy check serialize on Allow (the first
	// stamps the window, the second is denied) or on the busy re-check below.
	if !force {
		ok, err := r.cooldowns.Allow(ctx, campaignID, r.cooldown)
		if err != nil {
			// fail open: the per-campaign busy flag still prevents overlap
			log.Warn("cooldown check failed", "campaign_id", campaignID, "err", err)
		} else if !ok {
			return false
		}
	}

	r.mu.Lock()
	if r.busy[campaignID] {
		r.mu.Unlock()
		return false
	}
	r.busy[campaignID] = true
	r.mu.Unlock()

	select {
	case r.queue <- campaignID:
		return true
	default:
		r.release(campaignID)
		// no run happened, so give the cooldown window back; the next
		// event-driven trigger should not be suppressed by a dropped one
		if !force {
			if err := r.cooldowns.Reset(ctx, campaignID); err != nil {
				log.Warn("cooldown reset failed", "campaign_id", campaignID, "err", err)
			}
		}
		log.Warn("reconcile queue full, dropping trigger", "campaign_id", campaignID)
		return false
	}
}

func (r *Reconciler) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case campaignID := <-r.queue:
			r.process(ctx, campaignID)
		}
	}
}

// process runs the scheduler for one campaign. The busy flag is released in
// all outcomes, including panics, so a failed run can never wedge a campaign.
func (r *Reconciler) process(ctx context.Context, campaignID string) {
	log := logger.From(ctx)

	defer func() {
		r.release(campaignID)
		if p := recover(); p != nil {
			log.Error("scheduler run panicked", "campaign_id", campaignID, "panic", p)
		}
	}()

	if r.locks != nil {
		ok, err := r.locks.Acquire(ctx, campaignID)
		if err != nil {
			// fail open: the in-process busy flag still holds
			log.Warn("run lock acquire failed", "campaign_id", campaignID, "err", err)
		} else if !ok {
			// another instance is running this campaign, the next tick retries
			return
		} else {
			defer func() {
				if err := r.locks.Release(ctx, campaignID); err != nil {
					log.Warn("run lock release failed", "campaign_id", campaignID, "err", err)
				}
			}()
		}
	}

	if err := r.run(ctx, campaignID); err != nil {
		log.Error("scheduler run failed", "campaign_id", campaignID, "err", err)
	}
}

func (r *Reconciler) release(campaignID string) {
	r.mu.Lock()
	delete(r.busy, campaignID)
	r.mu.Unlock()
}
