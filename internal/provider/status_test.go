package provider

import (
	"testing"

	"dialer-platform/internal/campaign"
)

// TestMapStatus_Exhaustive covers every documented provider status string.
func TestMapStatus_Exhaustive(t *testing.T) {
	tests := []struct {
		raw  string
		want campaign.CallStatus
	}{
		{"queued", campaign.CallStatusQueued},
		{"scheduled", campaign.CallStatusQueued},
		{"ringing", campaign.CallStatusRinging},
		{"in-progress", campaign.CallStatusInProgress},
		{"forwarding", campaign.CallStatusInProgress},
		{"ended", campaign.CallStatusEnded},
		{"completed", campaign.CallStatusEnded},
		{"busy", campaign.CallStatusFailed},
		{"no-answer", campaign.CallStatusFailed},
		{"failed", campaign.CallStatusFailed},
		{"error", campaign.CallStatusFailed},
		{"canceled", campaign.CallStatusCanceled},
	}

	if len(tests) != len(statusTable) {
		t.Fatalf("mapper table has %d entries but test covers %d; keep them in sync", len(statusTable), len(tests))
	}

	for _, tc := range tests {
		if got := MapStatus(tc.raw); got != tc.want {
			t.Errorf("MapStatus(%q) = %s, want %s", tc.raw, got, tc.want)
		}
	}
}

func TestMapStatus_NormalizesCaseAndSpace(t *testing.T) {
	if got := MapStatus("  Ringing "); got != campaign.CallStatusRinging {
		t.Fatalf("expected ringing, got %s", got)
	}
}

func TestMapStatus_UnknownMapsToFailed(t *testing.T) {
	for _, raw := range []string{"", "warming-up", "on-hold", "???"} {
		if got := MapStatus(raw); got != campaign.CallStatusFailed {
			t.Errorf("MapStatus(%q) = %s, want failed", raw, got)
		}
	}
}
