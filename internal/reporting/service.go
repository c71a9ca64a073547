package reporting

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"dialer-platform/internal/campaign"
	"dialer-platform/internal/ledger"
)

// Service derives campaign result views from the call ledger. It is
// read-only; all aggregation happens here, not in SQL, so the memory and
// Postgres stores report identically.
type Service struct {
	ledger *ledger.Service
}

func NewService(l *ledger.Service) *Service { return &Service{ledger: l} }

func (s *Service) CampaignReport(ctx context.Context, campaignID string) (CampaignReport, error) {
	camp, err := s.ledger.GetCampaign(ctx, campaignID)
	if err != nil {
		return CampaignReport{}, err
	}
	calls, err := s.ledger.ListCalls(ctx, campaignID)
	if err != nil {
		return CampaignReport{}, err
	}

	out := CampaignReport{
		CampaignID:   camp.ID,
		Name:         camp.Name,
		Mode:         camp.Mode,
		StartedAt:    camp.StartedAt,
		CompletedAt:  camp.CompletedAt,
		ContactCount: camp.ContactCount,
		ByStatus:     make(map[campaign.CallStatus]int),
	}
	for _, c := range calls {
		out.TotalCalls++
		out.ByStatus[c.Status]++
		out.TotalCostCents += c.CostCents
		if c.RecordingURL != "" {
			out.RecordedCalls++
		}
		if c.StartedAt != nil {
			out.ConnectedCalls++
			if c.EndedAt != nil {
				out.TotalDurationSeconds += int(c.EndedAt.Sub(*c.StartedAt) / time.Second)
			}
		}
	}
	if out.ConnectedCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.ConnectedCalls
	}
	if out.TotalCalls > 0 {
		out.ConnectRate = float64(out.ConnectedCalls) / float64(out.TotalCalls)
	}
	return out, nil
}

var csvHeader = []string{
	"call_id", "contact_id", "provider_call_id", "status",
	"created_at", "started_at", "ended_at", "ended_reason",
	"duration_seconds", "cost_cents", "recording_url",
}

// WriteCallsCSV streams the campaign's call results as CSV in creation order.
func (s *Service) WriteCallsCSV(ctx context.Context, w io.Writer, campaignID string) error {
	calls, err := s.ledger.ListCalls(ctx, campaignID)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, c := range calls {
		duration := 0
		if c.StartedAt != nil && c.EndedAt != nil {
			duration = int(c.EndedAt.Sub(*c.StartedAt) / time.Second)
		}
		row := []string{
			c.ID,
			c.ContactID,
			c.ProviderCallID,
			string(c.Status),
			c.CreatedAt.Format(time.RFC3339),
			formatTime(c.StartedAt),
			formatTime(c.EndedAt),
			c.EndedReason,
			strconv.Itoa(duration),
			strconv.FormatInt(c.CostCents, 10),
			c.RecordingURL,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("reporting: csv write: %w", err)
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
