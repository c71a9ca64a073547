package scheduler

import (
	"context"
	"errors"
	"fmt"

	"dialer-platform/internal/campaign"
	"dialer-platform/internal/ledger"
	"dialer-platform/internal/provider"
	"dialer-platform/pkg/logger"
)

// Scheduler decides, per run, how many new calls a campaign may launch and
// which contacts to dial next.
//
// Concurrency contract: callers guarantee at most one run in flight per
// campaign (the reconciler's per-campaign flag). Within a run no lock is held
// across gateway calls; capacity is re-read fresh on every run.
type Scheduler struct {
	ledger   *ledger.Service
	gateway  provider.Gateway
	capacity CapacityCheck

	// redialLimit is the application-level budget of fresh dials after failed
	// attempts, distinct from the gateway's network retries. Zero disables
	// redialing.
	redialLimit int
}

// Config tunes scheduling policy.
type Config struct {
	RedialLimit int

	// LineQuietGating switches the capacity signal from per-campaign call
	// records to line-wide activity. Off by default.
	LineQuietGating bool
}

func New(l *ledger.Service, gw provider.Gateway, cfg Config) *Scheduler {
	s := &Scheduler{
		ledger:      l,
		gateway:     gw,
		redialLimit: cfg.RedialLimit,
	}
	if cfg.LineQuietGating {
		s.capacity = &lineQuietCapacity{ledger: l}
	} else {
		s.capacity = &campaignCapacity{ledger: l}
	}
	return s
}

// CapacityCheck computes how many new calls a campaign may launch right now.
type CapacityCheck interface {
	Room(ctx context.Context, c campaign.Campaign) (int, error)
}

// campaignCapacity is the default strategy: cap minus the campaign's own
// active-call count.
type campaignCapacity struct {
	ledger *ledger.Service
}

func (cc *campaignCapacity) Room(ctx context.Context, c campaign.Campaign) (int, error) {
	active, err := cc.ledger.CountActive(ctx, c.ID)
	if err != nil {
		return 0, err
	}
	room := c.ConcurrencyCap - active
	if room < 0 {
		room = 0
	}
	return room, nil
}

// lineQuietCapacity is the coarser optional strategy: dial up to cap only
// while the campaign's phone line has no active calls at all.
type lineQuietCapacity struct {
	ledger *ledger.Service
}

func (lc *lineQuietCapacity) Room(ctx context.Context, c campaign.Campaign) (int, error) {
	busy, err := lc.ledger.CountActiveByLine(ctx, c.PhoneNumberID)
	if err != nil {
		return 0, err
	}
	if busy > 0 {
		return 0, nil
	}
	return c.ConcurrencyCap, nil
}

// RunCampaign executes one scheduling pass for the campaign.
func (s *Scheduler) RunCampaign(ctx context.Context, campaignID string) error {
	log := logger.From(ctx).With("campaign_id", campaignID)

	camp, err := s.ledger.GetCampaign(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("scheduler: load campaign: %w", err)
	}
	if camp.CompletedAt != nil {
		return nil
	}

	var contacts []campaign.Contact
	switch camp.Mode {
	case campaign.ModeContinuous:
		room, err := s.capacity.Room(ctx, camp)
		if err != nil {
			return fmt.Errorf("scheduler: capacity check: %w", err)
		}
		if room == 0 {
			return nil
		}
		contacts, err = s.ledger.DialableContacts(ctx, campaignID, s.redialLimit, room)
		if err != nil {
			return fmt.Errorf("scheduler: select contacts: %w", err)
		}

	case campaign.ModeBatch:
		// a batch advances only when the previous one is fully terminal, so
		// any active call parks the campaign until the next trigger
		active, err := s.ledger.CountActive(ctx, campaignID)
		if err != nil {
			return fmt.Errorf("scheduler: count active: %w", err)
		}
		if active > 0 {
			return nil
		}
		batch, ok, err := s.ledger.NextPendingBatch(ctx, campaignID, s.redialLimit)
		if err != nil {
			return fmt.Errorf("scheduler: next batch: %w", err)
		}
		if !ok {
			return nil
		}
		contacts, err = s.ledger.DialableContactsInBatch(ctx, campaignID, batch, s.redialLimit, camp.ConcurrencyCap)
		if err != nil {
			return fmt.Errorf("scheduler: select batch contacts: %w", err)
		}

	default:
		return fmt.Errorf("scheduler: campaign %s has unknown mode %q", campaignID, camp.Mode)
	}

	if len(contacts) == 0 {
		return nil
	}
	log.Debug("dialing contacts", "count", len(contacts), "mode", string(camp.Mode))

	for _, contact := range contacts {
		s.dial(ctx, camp, contact)
	}
	return nil
}

// dial places one call. Failures are isolated per contact: a failed dial is
// recorded on its own call row and never aborts the rest of the run.
func (s *Scheduler) dial(ctx context.Context, camp campaign.Campaign, contact campaign.Contact) {
	log := logger.From(ctx).With("campaign_id", camp.ID, "contact_id", contact.ID)

	call, err := s.ledger.RecordDial(ctx, camp.ID, contact.ID)
	if errors.Is(err, ledger.ErrDuplicateDial) {
		// already in flight, someone beat us to it
		return
	}
	if err != nil {
		log.Error("record dial failed", "err", err)
		return
	}

	providerCallID, err := s.gateway.CreateCall(ctx, provider.CreateCallRequest{
		AssistantID:    camp.AssistantID,
		PhoneNumberID:  camp.PhoneNumberID,
		CustomerNumber: contact.Phone,
		CustomerName:   contact.Name,
	})
	if err != nil {
		log.Warn("provider rejected dial", "call_id", call.ID, "err", err)
		if markErr := s.ledger.MarkDialFailed(ctx, call.ID, err.Error()); markErr != nil {
			log.Error("mark dial failed", "call_id", call.ID, "err", markErr)
		}
		return
	}

	if err := s.ledger.ConfirmProviderID(ctx, call.ID, providerCallID); err != nil {
		// the provider accepted the call but we could not attach its id; the
		// stale-call sweep will eventually time the row out
		log.Error("confirm provider id failed", "call_id", call.ID, "provider_call_id", providerCallID, "err", err)
	}
}

// StopCampaign ends every active call at the provider (best effort) and marks
// each canceled locally. Local state is authoritative for scheduling even
// when the provider-side hangup fails.
func (s *Scheduler) StopCampaign(ctx context.Context, campaignID string) error {
	log := logger.From(ctx).With("campaign_id", campaignID)

	active, err := s.ledger.ListActiveCalls(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("scheduler: list active calls: %w", err)
	}

	for _, call := range active {
		if call.ProviderCallID != "" {
			if err := s.gateway.EndCall(ctx, call.ProviderCallID); err != nil {
				log.Warn("provider end call failed", "call_id", call.ID, "err", err)
			}
		}
		if err := s.ledger.CancelCall(ctx, call.ID, "campaign stopped"); err != nil {
			log.Error("cancel call failed", "call_id", call.ID, "err", err)
		}
	}

	log.Info("campaign stopped", "canceled", len(active))
	return nil
}
