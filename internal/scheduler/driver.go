package scheduler

import (
	"context"
	"math/rand"
	"time"

	"dialer-platform/internal/campaign"
	"dialer-platform/internal/ledger"
	"dialer-platform/internal/provider"
	"dialer-platform/pkg/logger"
)

// Driver is the periodic safety net behind event-driven reconciliation. Every
// tick it times out stuck calls, polls the provider for calls whose webhooks
// never arrived, and force-triggers a scheduler run for each incomplete
// campaign. Campaigns therefore make progress even if no webhook is ever
// delivered.
type Driver struct {
	ledger  *ledger.Service
	gateway provider.Gateway
	rec     *Reconciler

	interval   time.Duration
	staleAfter time.Duration
	pollAfter  time.Duration
}

// DriverConfig tunes tick cadence and staleness thresholds.
type DriverConfig struct {
	// Interval between ticks. Default 60s.
	Interval time.Duration
	// StaleAfter is how long a non-terminal call may go without a status
	// change before the sweep forces it to timeout. Default 10m.
	StaleAfter time.Duration
	// PollAfter is how long a confirmed call may go without a status change
	// before its provider state is polled directly. Default 2m.
	PollAfter time.Duration
}

func NewDriver(l *ledger.Service, gw provider.Gateway, rec *Reconciler, cfg DriverConfig) *Driver {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.PollAfter <= 0 {
		cfg.PollAfter = 2 * time.Minute
	}
	return &Driver{
		ledger:     l,
		gateway:    gw,
		rec:        rec,
		interval:   cfg.Interval,
		staleAfter: cfg.StaleAfter,
		pollAfter:  cfg.PollAfter,
	}
}

// Run ticks until ctx is canceled. Tick intervals carry a small random jitter
// so multiple instances do not sweep in lockstep.
func (d *Driver) Run(ctx context.Context) {
	log := logger.From(ctx)
	log.Info("driver started", "interval", d.interval.String())

	timer := time.NewTimer(d.jittered())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("driver stopped")
			return
		case <-timer.C:
			d.Tick(ctx)
			timer.Reset(d.jittered())
		}
	}
}

// jittered returns the base interval varied by up to +/-10%.
func (d *Driver) jittered() time.Duration {
	spread := int64(d.interval) / 10
	if spread == 0 {
		return d.interval
	}
	return d.interval + time.Duration(rand.Int63n(2*spread)-spread)
}

// Tick runs one maintenance pass. Errors are logged, never returned: a failed
// phase must not stop the remaining phases or future ticks.
func (d *Driver) Tick(ctx context.Context) {
	log := logger.From(ctx)

	timedOut, err := d.ledger.TimeoutStaleCalls(ctx, d.staleAfter)
	if err != nil {
		log.Error("stale call sweep failed", "err", err)
	} else if len(timedOut) > 0 {
		log.Warn("timed out stale calls", "count", len(timedOut))
	}

	d.pollQuietCalls(ctx)

	campaigns, err := d.ledger.ListIncompleteCampaigns(ctx)
	if err != nil {
		log.Error("list incomplete campaigns failed", "err", err)
		return
	}
	for _, c := range campaigns {
		d.rec.Trigger(ctx, c.ID, true)
	}
}

// pollQuietCalls reconciles calls whose status has not moved in a while by
// asking the provider directly. The result flows through the same transition
// path as webhooks, so duplicates and regressions are handled identically.
func (d *Driver) pollQuietCalls(ctx context.Context) {
	log := logger.From(ctx)

	calls, err := d.ledger.ListPollCandidates(ctx, d.pollAfter)
	if err != nil {
		log.Error("list poll candidates failed", "err", err)
		return
	}

	for _, call := range calls {
		snap, err := d.gateway.GetCall(ctx, call.ProviderCallID)
		if err != nil {
			log.Warn("poll call failed", "call_id", call.ID, "provider_call_id", call.ProviderCallID, "err", err)
			continue
		}

		status := provider.MapStatus(snap.Status)
		if _, err := d.ledger.ApplyEvent(ctx, call.ProviderCallID, status, campaign.EventPayload{
			EndedReason:  snap.EndedReason,
			CostCents:    snap.CostCents,
			RecordingURL: snap.RecordingURL,
			Transcript:   snap.Transcript,
			Raw:          snap.Raw,
		}); err != nil {
			log.Error("apply polled status failed", "call_id", call.ID, "status", string(status), "err", err)
		}
	}
}
