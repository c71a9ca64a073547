package provider

import (
	"strings"

	"dialer-platform/internal/campaign"
)

// statusTable is the single place that encodes the provider's status
// vocabulary. Every documented provider status string must appear here and in
// the exhaustive mapper test.
var statusTable = map[string]campaign.CallStatus{
	"queued":      campaign.CallStatusQueued,
	"scheduled":   campaign.CallStatusQueued,
	"ringing":     campaign.CallStatusRinging,
	"in-progress": campaign.CallStatusInProgress,
	"forwarding":  campaign.CallStatusInProgress,
	"ended":       campaign.CallStatusEnded,
	"completed":   campaign.CallStatusEnded,
	"busy":        campaign.CallStatusFailed,
	"no-answer":   campaign.CallStatusFailed,
	"failed":      campaign.CallStatusFailed,
	"error":       campaign.CallStatusFailed,
	"canceled":    campaign.CallStatusCanceled,
}

// MapStatus normalizes a provider-reported call status to the internal enum.
//
// Unknown statuses map to failed so that every received event stays
// actionable; the ledger's transition table still rejects anything that would
// move a call backwards.
func MapStatus(raw string) campaign.CallStatus {
	if s, ok := statusTable[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return s
	}
	return campaign.CallStatusFailed
}
