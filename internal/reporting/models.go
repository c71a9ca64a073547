package reporting

import (
	"time"

	"dialer-platform/internal/campaign"
)

// CampaignReport aggregates call outcomes for one campaign.
//
// Connected means the call reached in_progress at some point, i.e. a human or
// voicemail actually picked up; terminal status alone does not imply connection.
type CampaignReport struct {
	CampaignID string        `json:"campaign_id"`
	Name       string        `json:"name"`
	Mode       campaign.Mode `json:"mode"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	ContactCount int `json:"contact_count"`
	TotalCalls   int `json:"total_calls"`

	ByStatus map[campaign.CallStatus]int `json:"by_status"`

	ConnectedCalls int     `json:"connected_calls"`
	ConnectRate    float64 `json:"connect_rate"`

	TotalCostCents int64 `json:"total_cost_cents"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	RecordedCalls int `json:"recorded_calls"`
}
