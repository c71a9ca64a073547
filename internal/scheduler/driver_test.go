package scheduler

import (
	"context"
	"testing"
	"time"

	"dialer-platform/internal/campaign"
	"dialer-platform/internal/ledger"
	"dialer-platform/internal/provider"
)

func newTestDriver(t *testing.T, cfg DriverConfig) (*Driver, *Scheduler, *ledger.Service, *fakeGateway, *Reconciler, *time.Time) {
	t.Helper()
	svc := ledger.NewService(ledger.NewMemoryStore())
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return now })

	gw := newFakeGateway()
	sched := New(svc, gw, Config{})
	rec := NewReconciler(sched.RunCampaign, ReconcilerConfig{})
	return NewDriver(svc, gw, rec, cfg), sched, svc, gw, rec, &now
}

func TestTickTimesOutStaleCalls(t *testing.T) {
	ctx := context.Background()
	drv, sched, svc, _, _, now := newTestDriver(t, DriverConfig{StaleAfter: 10 * time.Minute, PollAfter: 2 * time.Minute})
	c := seedCampaign(t, svc, campaign.ModeContinuous, 1, 0, 1)

	if err := sched.RunCampaign(ctx, c.ID); err != nil {
		t.Fatalf("RunCampaign: %v", err)
	}

	*now = now.Add(11 * time.Minute)
	drv.Tick(ctx)

	calls, err := svc.ListCalls(ctx, c.ID)
	if err != nil {
		t.Fatalf("ListCalls: %v", err)
	}
	if len(calls) != 1 || calls[0].Status != campaign.CallStatusTimeout {
		t.Fatalf("call status %s, want timeout", calls[0].Status)
	}
	got, err := svc.GetCampaign(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCampaign: %v", err)
	}
	if got.CompletedAt == nil {
		t.Fatal("campaign with its only call timed out should be completed")
	}
}

func TestTickPollsQuietCalls(t *testing.T) {
	ctx := context.Background()
	drv, sched, svc, gw, _, now := newTestDriver(t, DriverConfig{StaleAfter: 10 * time.Minute, PollAfter: 2 * time.Minute})
	c := seedCampaign(t, svc, campaign.ModeContinuous, 1, 0, 1)

	if err := sched.RunCampaign(ctx, c.ID); err != nil {
		t.Fatalf("RunCampaign: %v", err)
	}
	gw.snapshots["prov-1"] = provider.CallSnapshot{
		ProviderCallID: "prov-1",
		Status:         "ended",
		EndedReason:    "customer-ended-call",
		CostCents:      123,
	}

	// quiet long enough to poll but not long enough to time out
	*now = now.Add(3 * time.Minute)
	drv.Tick(ctx)

	calls, err := svc.ListCalls(ctx, c.ID)
	if err != nil {
		t.Fatalf("ListCalls: %v", err)
	}
	call := calls[0]
	if call.Status != campaign.CallStatusEnded {
		t.Fatalf("call status %s, want ended from poll", call.Status)
	}
	if call.CostCents != 123 || call.EndedReason != "customer-ended-call" {
		t.Fatalf("polled payload not applied: cost=%d reason=%q", call.CostCents, call.EndedReason)
	}
}

func TestTickTriggersIncompleteCampaigns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	drv, sched, svc, gw, rec, _ := newTestDriver(t, DriverConfig{})
	rec.Start(ctx)
	c := seedCampaign(t, svc, campaign.ModeContinuous, 1, 0, 2)

	if err := sched.RunCampaign(ctx, c.ID); err != nil {
		t.Fatalf("RunCampaign: %v", err)
	}
	endAllActive(t, svc, c.ID)

	drv.Tick(ctx)

	deadline := time.After(2 * time.Second)
	for gw.createdCount() < 2 {
		select {
		case <-deadline:
			t.Fatalf("tick did not drive second dial, created=%d", gw.createdCount())
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	drv, _, _, _, _, _ := newTestDriver(t, DriverConfig{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		drv.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not stop after context cancel")
	}
}
