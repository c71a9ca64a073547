package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

// SignatureHeader carries the HMAC-SHA256 signature of the raw webhook body.
const SignatureHeader = "X-Provider-Signature"

// VerifySignature checks the webhook HMAC in constant time.
// The signature is hex(HMAC-SHA256(secret, rawBody)).
func VerifySignature(secret string, rawBody []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign computes the webhook signature for a body. Used by tests and by
// provider simulators.
func Sign(secret string, rawBody []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}

// WebhookEvent is one status-change notification from the provider.
type WebhookEvent struct {
	// MessageID identifies the delivery attempt; the provider reuses it when
	// it re-sends an event, which is what the dedupe layer keys on.
	MessageID string `json:"message_id"`

	Type           string `json:"type"`
	ProviderCallID string `json:"call_id"`
	Status         string `json:"status"`

	EndedReason  string  `json:"ended_reason,omitempty"`
	Cost         float64 `json:"cost,omitempty"`
	RecordingURL string  `json:"recording_url,omitempty"`
	Transcript   string  `json:"transcript,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	// Raw is the body as received, preserved for the call event audit trail.
	Raw string `json:"-"`
}

// CostCents converts the provider's decimal cost to minor units.
func (e WebhookEvent) CostCents() int64 {
	return dollarsToCents(e.Cost)
}

var ErrBadWebhookPayload = errors.New("provider: bad webhook payload")

// ParseWebhook decodes a verified webhook body. Signature verification is the
// caller's job and must happen before parsing.
func ParseWebhook(rawBody []byte) (WebhookEvent, error) {
	var e WebhookEvent
	if err := json.Unmarshal(rawBody, &e); err != nil {
		return WebhookEvent{}, ErrBadWebhookPayload
	}
	if e.ProviderCallID == "" || e.Status == "" {
		return WebhookEvent{}, ErrBadWebhookPayload
	}
	e.Raw = string(rawBody)
	return e, nil
}
