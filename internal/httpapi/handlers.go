package httpapi

import (
	"errors"
	"io"
	"net/http"
	"time"

	"dialer-platform/internal/audit"
	"dialer-platform/internal/auth"
	"dialer-platform/internal/campaign"
	"dialer-platform/internal/ledger"
	"dialer-platform/internal/provider"
	"dialer-platform/internal/rbac"
	"dialer-platform/internal/reporting"
	"dialer-platform/internal/scheduler"
	"dialer-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth       *auth.Manager
	Ledger     *ledger.Service
	Scheduler  *scheduler.Scheduler
	Reconciler *scheduler.Reconciler
	Audit      *audit.Service
	Reporting  *reporting.Service

	// WebhookSecret signs provider webhook bodies.
	WebhookSecret string
	// Deduper suppresses webhook re-deliveries; nil disables dedupe.
	Deduper EventDeduper
}

const maxWebhookBody = 1 << 20

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id and role required"})
		return
	}
	if !rbac.IsValidRole(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Campaigns ---

func (h Handlers) CreateCampaign(c *gin.Context) {
	var req ledger.CreateCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	camp, err := h.Ledger.CreateCampaign(c.Request.Context(), req)
	if err != nil {
		h.abortLedgerError(c, err)
		return
	}

	h.logAudit(c, audit.EventTypeCampaignCreated, camp.ID, "campaign created")
	c.JSON(http.StatusCreated, camp)
}

func (h Handlers) GetCampaign(c *gin.Context) {
	sum, err := h.Ledger.Summarize(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.abortLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h Handlers) ListCampaignCalls(c *gin.Context) {
	calls, err := h.Ledger.ListCalls(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.abortLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": calls})
}

// StartCampaign forces an immediate scheduler run for the campaign. The
// campaign's started timestamp is stamped by the ledger on the first
// confirmed dial, not here.
func (h Handlers) StartCampaign(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.Ledger.GetCampaign(c.Request.Context(), id); err != nil {
		h.abortLedgerError(c, err)
		return
	}

	triggered := h.Reconciler.Trigger(c.Request.Context(), id, true)
	h.logAudit(c, audit.EventTypeCampaignStarted, id, "campaign start requested")
	c.JSON(http.StatusAccepted, gin.H{"triggered": triggered})
}

// StopCampaign ends every active call and cancels it locally.
func (h Handlers) StopCampaign(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.Ledger.GetCampaign(c.Request.Context(), id); err != nil {
		h.abortLedgerError(c, err)
		return
	}

	if err := h.Scheduler.StopCampaign(c.Request.Context(), id); err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "stop failed"})
		return
	}

	h.logAudit(c, audit.EventTypeCampaignStopped, id, "campaign stopped")
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

// TriggerCampaign is the operator escape hatch: force a scheduler run outside
// the cooldown window.
func (h Handlers) TriggerCampaign(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.Ledger.GetCampaign(c.Request.Context(), id); err != nil {
		h.abortLedgerError(c, err)
		return
	}

	triggered := h.Reconciler.Trigger(c.Request.Context(), id, true)
	h.logAudit(c, audit.EventTypeManualTrigger, id, "manual scheduler trigger")
	c.JSON(http.StatusAccepted, gin.H{"triggered": triggered})
}

func (h Handlers) GetCampaignReport(c *gin.Context) {
	rep, err := h.Reporting.CampaignReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.abortLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// ExportCampaignCalls streams the campaign's call results as a CSV download.
func (h Handlers) ExportCampaignCalls(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.Ledger.GetCampaign(c.Request.Context(), id); err != nil {
		h.abortLedgerError(c, err)
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", `attachment; filename="campaign-`+id+`-calls.csv"`)
	if err := h.Reporting.WriteCallsCSV(c.Request.Context(), c.Writer, id); err != nil {
		// headers are already out; log instead of rewriting the status
		logger.FromGin(c).Error("csv export failed", "campaign_id", id, "err", err)
	}
}

// --- Webhooks ---

// ProviderWebhook ingests call status events from the provider.
//
// Order of checks: signature, parse, dedupe, apply. The signature check reads
// the raw body because the HMAC covers the exact bytes on the wire. A message
// id is marked seen only after its event is applied, so a delivery rejected
// mid-flight (unknown call, storage error) stays retryable by the provider.
func (h Handlers) ProviderWebhook(c *gin.Context) {
	log := logger.FromGin(c)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	sig := c.GetHeader(provider.SignatureHeader)
	if !provider.VerifySignature(h.WebhookSecret, body, sig) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	event, err := provider.ParseWebhook(body)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "bad payload"})
		return
	}

	if h.Deduper != nil && event.MessageID != "" {
		seen, err := h.Deduper.Seen(c.Request.Context(), event.MessageID)
		if err != nil {
			// fail open: the ledger makes duplicate application a no-op
			log.Warn("webhook dedupe check failed", "message_id", event.MessageID, "err", err)
		} else if seen {
			c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
			return
		}
	}

	status := provider.MapStatus(event.Status)
	res, err := h.Ledger.ApplyEvent(c.Request.Context(), event.ProviderCallID, status, campaignPayload(event))
	if errors.Is(err, ledger.ErrUnknownProviderCall) {
		// distinguishable from transport errors so the provider stops retrying
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown call"})
		return
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "event application failed"})
		return
	}

	if h.Deduper != nil && event.MessageID != "" {
		if err := h.Deduper.Mark(c.Request.Context(), event.MessageID); err != nil {
			log.Warn("webhook dedupe mark failed", "message_id", event.MessageID, "err", err)
		}
	}

	changed := 0
	if res.Changed {
		changed = 1
	}
	h.Reconciler.MaybeTrigger(c.Request.Context(), res.Call.CampaignID, changed)

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// --- helpers ---

func (h Handlers) abortLedgerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, ledger.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// logAudit records a control-surface action. Best-effort: audit failures are
// logged and never fail the request.
func (h Handlers) logAudit(c *gin.Context, typ audit.EventType, campaignID, message string) {
	if h.Audit == nil {
		return
	}
	ctx := c.Request.Context()
	userID, _ := auth.UserID(ctx)
	role, _ := auth.Role(ctx)
	if err := h.Audit.LogCampaignAction(ctx, typ, userID, role, c.ClientIP(), campaignID, message, ""); err != nil {
		logger.FromGin(c).Warn("audit append failed", "type", string(typ), "campaign_id", campaignID, "err", err)
	}
}

func campaignPayload(e provider.WebhookEvent) campaign.EventPayload {
	return campaign.EventPayload{
		EndedReason:  e.EndedReason,
		CostCents:    e.CostCents(),
		RecordingURL: e.RecordingURL,
		Transcript:   e.Transcript,
		Raw:          e.Raw,
	}
}
