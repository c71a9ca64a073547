package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"dialer-platform/internal/campaign"
	"dialer-platform/internal/ledger"
	"dialer-platform/internal/provider"
)

// fakeGateway records calls and can be told to fail CreateCall.
type fakeGateway struct {
	mu        sync.Mutex
	created   []provider.CreateCallRequest
	ended     []string
	createErr error
	snapshots map[string]provider.CallSnapshot
	nextID    int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{snapshots: make(map[string]provider.CallSnapshot)}
}

func (g *fakeGateway) CreateCall(ctx context.Context, req provider.CreateCallRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return "", g.createErr
	}
	g.created = append(g.created, req)
	g.nextID++
	return fmt.Sprintf("prov-%d", g.nextID), nil
}

func (g *fakeGateway) GetCall(ctx context.Context, providerCallID string) (provider.CallSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	snap, ok := g.snapshots[providerCallID]
	if !ok {
		return provider.CallSnapshot{}, &provider.APIError{StatusCode: 404, Body: "not found"}
	}
	return snap, nil
}

func (g *fakeGateway) EndCall(ctx context.Context, providerCallID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ended = append(g.ended, providerCallID)
	return nil
}

func (g *fakeGateway) createdCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.created)
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *ledger.Service, *fakeGateway) {
	t.Helper()
	svc := ledger.NewService(ledger.NewMemoryStore())
	svc.SetRedialLimit(cfg.RedialLimit)
	gw := newFakeGateway()
	return New(svc, gw, cfg), svc, gw
}

func seedCampaign(t *testing.T, svc *ledger.Service, mode campaign.Mode, cap, batchSize, contacts int) campaign.Campaign {
	t.Helper()
	inputs := make([]ledger.ContactInput, 0, contacts)
	for i := 0; i < contacts; i++ {
		inputs = append(inputs, ledger.ContactInput{
			Name:  fmt.Sprintf("Contact %d", i+1),
			Phone: fmt.Sprintf("+1555010%04d", i+1),
		})
	}
	c, err := svc.CreateCampaign(context.Background(), ledger.CreateCampaignRequest{
		Name:           "test campaign",
		ConcurrencyCap: cap,
		Mode:           mode,
		AssistantID:    "asst_1",
		PhoneNumberID:  "line_1",
		BatchSize:      batchSize,
		Contacts:       inputs,
	})
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	return c
}

// endAllActive drives every active call of the campaign to ended via
// provider events, as webhooks would.
func endAllActive(t *testing.T, svc *ledger.Service, campaignID string) {
	t.Helper()
	ctx := context.Background()
	active, err := svc.ListActiveCalls(ctx, campaignID)
	if err != nil {
		t.Fatalf("ListActiveCalls: %v", err)
	}
	for _, call := range active {
		if call.ProviderCallID == "" {
			t.Fatalf("active call %s has no provider id", call.ID)
		}
		if _, err := svc.ApplyEvent(ctx, call.ProviderCallID, campaign.CallStatusEnded, campaign.EventPayload{EndedReason: "customer-ended-call"}); err != nil {
			t.Fatalf("ApplyEvent: %v", err)
		}
	}
}

func TestRunCampaignContinuousHonorsCap(t *testing.T) {
	ctx := context.Background()
	sched, svc, gw := newTestScheduler(t, Config{})
	c := seedCampaign(t, svc, campaign.ModeContinuous, 2, 0, 5)

	if err := sched.RunCampaign(ctx, c.ID); err != nil {
		t.Fatalf("RunCampaign: %v", err)
	}
	if got := gw.createdCount(); got != 2 {
		t.Fatalf("dialed %d contacts, want 2", got)
	}

	// campaign at capacity, another run must not dial
	if err := sched.RunCampaign(ctx, c.ID); err != nil {
		t.Fatalf("RunCampaign: %v", err)
	}
	if got := gw.createdCount(); got != 2 {
		t.Fatalf("dialed %d contacts while at capacity, want 2", got)
	}

	// one call ends, exactly one slot opens
	active, err := svc.ListActiveCalls(ctx, c.ID)
	if err != nil {
		t.Fatalf("ListActiveCalls: %v", err)
	}
	if _, err := svc.ApplyEvent(ctx, active[0].ProviderCallID, campaign.CallStatusEnded, campaign.EventPayload{}); err != nil {
		t.Fatalf("ApplyEvent: %v", err)
	}
	if err := sched.RunCampaign(ctx, c.ID); err != nil {
		t.Fatalf("RunCampaign: %v", err)
	}
	if got := gw.createdCount(); got != 3 {
		t.Fatalf("dialed %d contacts after one slot opened, want 3", got)
	}

	activeNow, err := svc.CountActive(ctx, c.ID)
	if err != nil {
		t.Fatalf("CountActive: %v", err)
	}
	if activeNow > 2 {
		t.Fatalf("active calls %d exceed cap 2", activeNow)
	}
}

func TestRunCampaignContinuousDialsRemainderWhenRoomExceedsContacts(t *testing.T) {
	ctx := context.Background()
	sched, svc, gw := newTestScheduler(t, Config{})
	c := seedCampaign(t, svc, campaign.ModeContinuous, 10, 0, 3)

	if err := sched.RunCampaign(ctx, c.ID); err != nil {
		t.Fatalf("RunCampaign: %v", err)
	}
	if got := gw.createdCount(); got != 3 {
		t.Fatalf("dialed %d contacts, want all 3", got)
	}

	// nothing left to dial
	if err := sched.RunCampaign(ctx, c.ID); err != nil {
		t.Fatalf("RunCampaign: %v", err)
	}
	if got := gw.createdCount(); got != 3 {
		t.Fatalf("dialed %d contacts on exhausted list, want 3", got)
	}
}

func TestRunCampaignBatchMode(t *testing.T) {
	ctx := context.Background()
	sched, svc, gw := newTestScheduler(t, Config{})
	c := seedCampaign(t, svc, campaign.ModeBatch, 5, 2, 5)

	// first run dials batch 0 only
	if err := sched.RunCampaign(ctx, c.ID); err != nil {
		t.Fatalf("RunCampaign: %v", err)
	}
	if got := gw.createdCount(); got != 2 {
		t.Fatalf("dialed %d contacts in first batch, want 2", got)
	}

	// the batch is still in flight, no advance
	if err := sched.RunCampaign(ctx, c.ID); err != nil {
		t.Fatalf("RunCampaign: %v", err)
	}
	if got := gw.createdCount(); got != 2 {
		t.Fatalf("dialed %d contacts while batch active, want 2", got)
	}

	// batch 0 fully terminal, next run advances to batch 1
	endAllActive(t, svc, c.ID)
	if err := sched.RunCampaign(ctx, c.ID); err != nil {
		t.Fatalf("RunCampaign: %v", err)
	}
	if got := gw.createdCount(); got != 4 {
		t.Fatalf("dialed %d contacts after batch 0 finished, want 4", got)
	}

	// last, short batch
	endAllActive(t, svc, c.ID)
	if err := sched.RunCampaign(ctx, c.ID); err != nil {
		t.Fatalf("RunCampaign: %v", err)
	}
	if got := gw.createdCount(); got != 5 {
		t.Fatalf("dialed %d contacts in final batch, want 5", got)
	}

	endAllActive(t, svc, c.ID)
	got, err := svc.GetCampaign(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCampaign: %v", err)
	}
	if got.CompletedAt == nil {
		t.Fatal("campaign not completed after final batch ended")
	}
}

func TestRunCampaignProviderFailureIsolatedPerContact(t *testing.T) {
	ctx := context.Background()
	sched, svc, gw := newTestScheduler(t, Config{})
	c := seedCampaign(t, svc, campaign.ModeContinuous, 5, 0, 3)

	gw.createErr = &provider.APIError{StatusCode: 500, Body: "upstream down"}
	if err := sched.RunCampaign(ctx, c.ID); err != nil {
		t.Fatalf("RunCampaign: %v", err)
	}
	if got := gw.createdCount(); got != 0 {
		t.Fatalf("provider accepted %d calls, want 0", got)
	}

	calls, err := svc.ListCalls(ctx, c.ID)
	if err != nil {
		t.Fatalf("ListCalls: %v", err)
	}
	if len(calls) != 3 {
		t.Fatalf("recorded %d calls, want 3", len(calls))
	}
	for _, call := range calls {
		if call.Status != campaign.CallStatusFailed {
			t.Fatalf("call %s status %s, want failed", call.ID, call.Status)
		}
	}

	// every dial failed terminally, so the campaign is complete
	got, err := svc.GetCampaign(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCampaign: %v", err)
	}
	if got.CompletedAt == nil {
		t.Fatal("campaign with all dials failed should be completed")
	}
}

func TestRunCampaignRedialsFailedContactsWithinLimit(t *testing.T) {
	ctx := context.Background()
	sched, svc, gw := newTestScheduler(t, Config{RedialLimit: 1})
	c := seedCampaign(t, svc, campaign.ModeContinuous, 5, 0, 1)

	gw.createErr = &provider.APIError{StatusCode: 503, Body: "busy"}
	if err := sched.RunCampaign(ctx, c.ID); err != nil {
		t.Fatalf("RunCampaign: %v", err)
	}

	// the failed contact gets one more attempt
	gw.createErr = nil
	if err := sched.RunCampaign(ctx, c.ID); err != nil {
		t.Fatalf("RunCampaign: %v", err)
	}
	if got := gw.createdCount(); got != 1 {
		t.Fatalf("provider accepted %d calls, want 1 redial", got)
	}

	calls, err := svc.ListCalls(ctx, c.ID)
	if err != nil {
		t.Fatalf("ListCalls: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("recorded %d call rows, want 2", len(calls))
	}
}

func TestRunCampaignCompletedIsNoop(t *testing.T) {
	ctx := context.Background()
	sched, svc, gw := newTestScheduler(t, Config{})
	c := seedCampaign(t, svc, campaign.ModeContinuous, 2, 0, 1)

	if err := sched.RunCampaign(ctx, c.ID); err != nil {
		t.Fatalf("RunCampaign: %v", err)
	}
	endAllActive(t, svc, c.ID)

	if err := sched.RunCampaign(ctx, c.ID); err != nil {
		t.Fatalf("RunCampaign on completed campaign: %v", err)
	}
	if got := gw.createdCount(); got != 1 {
		t.Fatalf("dialed %d contacts, want 1", got)
	}
}

func TestRunCampaignUnknownCampaign(t *testing.T) {
	sched, _, _ := newTestScheduler(t, Config{})
	if err := sched.RunCampaign(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown campaign")
	}
}

func TestLineQuietGating(t *testing.T) {
	ctx := context.Background()
	sched, svc, gw := newTestScheduler(t, Config{LineQuietGating: true})
	c := seedCampaign(t, svc, campaign.ModeContinuous, 2, 0, 4)

	if err := sched.RunCampaign(ctx, c.ID); err != nil {
		t.Fatalf("RunCampaign: %v", err)
	}
	if got := gw.createdCount(); got != 2 {
		t.Fatalf("dialed %d contacts on quiet line, want 2", got)
	}

	// line busy, nothing new until all calls end
	if err := sched.RunCampaign(ctx, c.ID); err != nil {
		t.Fatalf("RunCampaign: %v", err)
	}
	if got := gw.createdCount(); got != 2 {
		t.Fatalf("dialed %d contacts on busy line, want 2", got)
	}

	endAllActive(t, svc, c.ID)
	if err := sched.RunCampaign(ctx, c.ID); err != nil {
		t.Fatalf("RunCampaign: %v", err)
	}
	if got := gw.createdCount(); got != 4 {
		t.Fatalf("dialed %d contacts after line went quiet, want 4", got)
	}
}

func TestStopCampaignCancelsActiveCalls(t *testing.T) {
	ctx := context.Background()
	sched, svc, gw := newTestScheduler(t, Config{})
	c := seedCampaign(t, svc, campaign.ModeContinuous, 3, 0, 3)

	if err := sched.RunCampaign(ctx, c.ID); err != nil {
		t.Fatalf("RunCampaign: %v", err)
	}
	if err := sched.StopCampaign(ctx, c.ID); err != nil {
		t.Fatalf("StopCampaign: %v", err)
	}

	if len(gw.ended) != 3 {
		t.Fatalf("provider EndCall invoked %d times, want 3", len(gw.ended))
	}
	calls, err := svc.ListCalls(ctx, c.ID)
	if err != nil {
		t.Fatalf("ListCalls: %v", err)
	}
	for _, call := range calls {
		if call.Status != campaign.CallStatusCanceled {
			t.Fatalf("call %s status %s, want canceled", call.ID, call.Status)
		}
	}

	got, err := svc.GetCampaign(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCampaign: %v", err)
	}
	if got.CompletedAt == nil {
		t.Fatal("stopped campaign with all calls terminal should be completed")
	}
}
