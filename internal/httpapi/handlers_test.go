package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"dialer-platform/internal/audit"
	"dialer-platform/internal/campaign"
	"dialer-platform/internal/ledger"
	"dialer-platform/internal/provider"
	"dialer-platform/internal/reporting"
	"dialer-platform/internal/scheduler"

	"github.com/gin-gonic/gin"
)

const testWebhookSecret = "whsec-test"

type fakeGateway struct {
	nextID int
	ended  []string
}

func (g *fakeGateway) CreateCall(ctx context.Context, req provider.CreateCallRequest) (string, error) {
	g.nextID++
	return fmt.Sprintf("prov-%d", g.nextID), nil
}

func (g *fakeGateway) GetCall(ctx context.Context, providerCallID string) (provider.CallSnapshot, error) {
	return provider.CallSnapshot{ProviderCallID: providerCallID, Status: "in-progress"}, nil
}

func (g *fakeGateway) EndCall(ctx context.Context, providerCallID string) error {
	g.ended = append(g.ended, providerCallID)
	return nil
}

type testEnv struct {
	router    *gin.Engine
	ledger    *ledger.Service
	sched     *scheduler.Scheduler
	gateway   *fakeGateway
	auditRepo *audit.MemoryRepo
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc := ledger.NewService(ledger.NewMemoryStore())
	gw := &fakeGateway{}
	sched := scheduler.New(svc, gw, scheduler.Config{})
	rec := scheduler.NewReconciler(sched.RunCampaign, scheduler.ReconcilerConfig{})
	auditRepo := audit.NewMemoryRepo()

	h := Handlers{
		Ledger:        svc,
		Scheduler:     sched,
		Reconciler:    rec,
		Audit:         audit.NewService(auditRepo),
		Reporting:     reporting.NewService(svc),
		WebhookSecret: testWebhookSecret,
		Deduper:       NewMemoryDeduper(),
	}

	r := gin.New()
	r.POST("/v1/campaigns", h.CreateCampaign)
	r.GET("/v1/campaigns/:id", h.GetCampaign)
	r.GET("/v1/campaigns/:id/calls", h.ListCampaignCalls)
	r.GET("/v1/campaigns/:id/report", h.GetCampaignReport)
	r.GET("/v1/campaigns/:id/calls/export", h.ExportCampaignCalls)
	r.POST("/v1/campaigns/:id/start", h.StartCampaign)
	r.POST("/v1/campaigns/:id/stop", h.StopCampaign)
	r.POST("/v1/campaigns/:id/trigger", h.TriggerCampaign)
	r.POST("/webhooks/provider", h.ProviderWebhook)

	return &testEnv{router: r, ledger: svc, sched: sched, gateway: gw, auditRepo: auditRepo}
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) createCampaign(t *testing.T, contacts int) string {
	t.Helper()
	ins := make([]map[string]string, 0, contacts)
	for i := 0; i < contacts; i++ {
		ins = append(ins, map[string]string{
			"name":  fmt.Sprintf("Contact %d", i+1),
			"phone": fmt.Sprintf("+1555020%04d", i+1),
		})
	}
	body, _ := json.Marshal(map[string]any{
		"name":            "launch",
		"concurrency_cap": 2,
		"mode":            "continuous",
		"assistant_id":    "asst_1",
		"phone_number_id": "line_1",
		"contacts":        ins,
	})
	w := e.do(t, http.MethodPost, "/v1/campaigns", body, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create campaign: status %d body %s", w.Code, w.Body.String())
	}
	var out campaign.Campaign
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode campaign: %v", err)
	}
	return out.ID
}

func signedWebhook(t *testing.T, e *testEnv, payload map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(payload)
	h := http.Header{}
	h.Set(provider.SignatureHeader, provider.Sign(testWebhookSecret, body))
	return e.do(t, http.MethodPost, "/webhooks/provider", body, h)
}

func TestCreateAndGetCampaign(t *testing.T) {
	e := newTestEnv(t)
	id := e.createCampaign(t, 3)

	w := e.do(t, http.MethodGet, "/v1/campaigns/"+id, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get campaign: status %d", w.Code)
	}
	var sum ledger.Summary
	if err := json.Unmarshal(w.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if sum.Campaign.ID != id || sum.Campaign.ContactCount != 3 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestCreateCampaignValidation(t *testing.T) {
	e := newTestEnv(t)
	body, _ := json.Marshal(map[string]any{
		"name":            "bad",
		"concurrency_cap": 0,
		"mode":            "continuous",
		"assistant_id":    "a",
		"phone_number_id": "p",
	})
	w := e.do(t, http.MethodPost, "/v1/campaigns", body, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetCampaignNotFound(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/v1/campaigns/nope", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	e := newTestEnv(t)
	body := []byte(`{"call_id":"prov-1","status":"ended"}`)
	h := http.Header{}
	h.Set(provider.SignatureHeader, "deadbeef")
	w := e.do(t, http.MethodPost, "/webhooks/provider", body, h)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestWebhookUnknownCall(t *testing.T) {
	e := newTestEnv(t)
	w := signedWebhook(t, e, map[string]any{
		"message_id": "m1",
		"call_id":    "prov-unknown",
		"status":     "ended",
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestWebhookAppliesStatusAndDedupes(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	id := e.createCampaign(t, 1)

	if err := e.sched.RunCampaign(ctx, id); err != nil {
		t.Fatalf("RunCampaign: %v", err)
	}

	w := signedWebhook(t, e, map[string]any{
		"message_id": "m1",
		"call_id":    "prov-1",
		"status":     "ended",
		"cost":       0.42,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("webhook: status %d body %s", w.Code, w.Body.String())
	}

	calls, err := e.ledger.ListCalls(ctx, id)
	if err != nil {
		t.Fatalf("ListCalls: %v", err)
	}
	if calls[0].Status != campaign.CallStatusEnded || calls[0].CostCents != 42 {
		t.Fatalf("webhook not applied: %+v", calls[0])
	}

	// re-delivery with the same message id is acked without another event row
	before, _ := e.ledger.ListEvents(ctx, calls[0].ID)
	w = signedWebhook(t, e, map[string]any{
		"message_id": "m1",
		"call_id":    "prov-1",
		"status":     "ended",
		"cost":       0.42,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate webhook: status %d", w.Code)
	}
	after, _ := e.ledger.ListEvents(ctx, calls[0].ID)
	if len(after) != len(before) {
		t.Fatalf("duplicate delivery appended events: %d -> %d", len(before), len(after))
	}
}

func TestWebhookRetryAfterEarlyDelivery(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	id := e.createCampaign(t, 1)

	// the provider can emit an event before our ConfirmProviderID has run;
	// the first delivery bounces with 404 and the provider retries it
	payload := map[string]any{
		"message_id": "m-early",
		"call_id":    "prov-1",
		"status":     "ended",
	}
	w := signedWebhook(t, e, payload)
	if w.Code != http.StatusNotFound {
		t.Fatalf("early delivery: status %d, want 404", w.Code)
	}

	if err := e.sched.RunCampaign(ctx, id); err != nil {
		t.Fatalf("RunCampaign: %v", err)
	}

	// the retry carries the same message id and must not be swallowed as a
	// duplicate of the rejected delivery
	w = signedWebhook(t, e, payload)
	if w.Code != http.StatusOK {
		t.Fatalf("retry: status %d body %s", w.Code, w.Body.String())
	}
	calls, err := e.ledger.ListCalls(ctx, id)
	if err != nil {
		t.Fatalf("ListCalls: %v", err)
	}
	if calls[0].Status != campaign.CallStatusEnded {
		t.Fatalf("retry not applied: status %s, want ended", calls[0].Status)
	}
}

func TestWebhookMapsProviderVocabulary(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	id := e.createCampaign(t, 1)
	if err := e.sched.RunCampaign(ctx, id); err != nil {
		t.Fatalf("RunCampaign: %v", err)
	}

	// "no-answer" is provider vocabulary for a failed call
	w := signedWebhook(t, e, map[string]any{
		"message_id": "m2",
		"call_id":    "prov-1",
		"status":     "no-answer",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("webhook: status %d", w.Code)
	}
	calls, _ := e.ledger.ListCalls(ctx, id)
	if calls[0].Status != campaign.CallStatusFailed {
		t.Fatalf("expected failed, got %s", calls[0].Status)
	}
}

func TestStartAndTriggerAudit(t *testing.T) {
	e := newTestEnv(t)
	id := e.createCampaign(t, 2)

	w := e.do(t, http.MethodPost, "/v1/campaigns/"+id+"/start", nil, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("start: status %d", w.Code)
	}
	w = e.do(t, http.MethodPost, "/v1/campaigns/nope/start", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("start unknown: status %d", w.Code)
	}

	evs := e.auditRepo.Events()
	found := false
	for _, ev := range evs {
		if ev.Type == audit.EventTypeCampaignStarted && ev.CampaignID == id {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected campaign_started audit event, got %+v", evs)
	}
}

func TestCampaignReportAndExport(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	id := e.createCampaign(t, 1)
	if err := e.sched.RunCampaign(ctx, id); err != nil {
		t.Fatalf("RunCampaign: %v", err)
	}
	w := signedWebhook(t, e, map[string]any{
		"message_id": "m9",
		"call_id":    "prov-1",
		"status":     "ended",
		"cost":       0.10,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("webhook: status %d", w.Code)
	}

	w = e.do(t, http.MethodGet, "/v1/campaigns/"+id+"/report", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("report: status %d", w.Code)
	}
	var rep reporting.CampaignReport
	if err := json.Unmarshal(w.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if rep.TotalCalls != 1 || rep.TotalCostCents != 10 {
		t.Fatalf("unexpected report: %+v", rep)
	}

	w = e.do(t, http.MethodGet, "/v1/campaigns/"+id+"/calls/export", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("export: status %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("export content type %q", ct)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("prov-1")) {
		t.Fatalf("export missing call row: %s", w.Body.String())
	}
}

func TestStopCampaignCancels(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	id := e.createCampaign(t, 2)
	if err := e.sched.RunCampaign(ctx, id); err != nil {
		t.Fatalf("RunCampaign: %v", err)
	}

	w := e.do(t, http.MethodPost, "/v1/campaigns/"+id+"/stop", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stop: status %d body %s", w.Code, w.Body.String())
	}
	if len(e.gateway.ended) != 2 {
		t.Fatalf("expected 2 provider end calls, got %d", len(e.gateway.ended))
	}
	calls, _ := e.ledger.ListCalls(ctx, id)
	for _, call := range calls {
		if call.Status != campaign.CallStatusCanceled {
			t.Fatalf("call %s not canceled: %s", call.ID, call.Status)
		}
	}
}
