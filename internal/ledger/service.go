package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"dialer-platform/internal/campaign"
	"dialer-platform/pkg/logger"

	"github.com/google/uuid"
)

// Service is the single authority for call and campaign state.
//
// Invariants enforced here and nowhere else:
// - call statuses only move forward along the transition table
// - duplicate events are recorded for audit but change no state
// - every accepted transition appends a call event row
// - a campaign completes exactly when it has >= 1 call, all calls are
//   terminal and no dialable contact remains, evaluated inside the same
//   transaction as the terminal transition
type Service struct {
	store Store
	// redialLimit mirrors the scheduler's redial budget so completion
	// detection agrees with it on which contacts still deserve a dial.
	redialLimit int
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, clock: time.Now}
}

// SetRedialLimit aligns completion detection with the scheduler's redial
// budget. Zero (the default) means failed contacts are never redialed.
func (s *Service) SetRedialLimit(n int) { s.redialLimit = n }

// SetClock overrides the time source. Test use only.
func (s *Service) SetClock(clock func() time.Time) { s.clock = clock }

func (s *Service) now() time.Time { return s.clock().UTC() }

var e164 = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// ContactInput is one validated contact record handed in at campaign setup.
type ContactInput struct {
	Name         string `json:"name"`
	BusinessName string `json:"business_name,omitempty"`
	Phone        string `json:"phone"`
}

// CreateCampaignRequest sets up a campaign together with its contact list.
type CreateCampaignRequest struct {
	Name           string         `json:"name"`
	ConcurrencyCap int            `json:"concurrency_cap"`
	Mode           campaign.Mode  `json:"mode"`
	AssistantID    string         `json:"assistant_id"`
	PhoneNumberID  string         `json:"phone_number_id"`
	BatchSize      int            `json:"batch_size,omitempty"`
	Contacts       []ContactInput `json:"contacts"`
}

// CreateCampaign persists a campaign and its contacts in one transaction.
// Contacts keep their submitted order; in batch mode they are partitioned
// into consecutive groups of BatchSize.
func (s *Service) CreateCampaign(ctx context.Context, req CreateCampaignRequest) (campaign.Campaign, error) {
	if req.Name == "" || req.AssistantID == "" || req.PhoneNumberID == "" {
		return campaign.Campaign{}, fmt.Errorf("%w: name, assistant_id and phone_number_id are required", ErrInvalidArgument)
	}
	if req.ConcurrencyCap <= 0 {
		return campaign.Campaign{}, fmt.Errorf("%w: concurrency_cap must be positive", ErrInvalidArgument)
	}
	if !req.Mode.Valid() {
		return campaign.Campaign{}, fmt.Errorf("%w: mode must be continuous or batch", ErrInvalidArgument)
	}
	if req.Mode == campaign.ModeBatch && req.BatchSize <= 0 {
		return campaign.Campaign{}, fmt.Errorf("%w: batch_size must be positive in batch mode", ErrInvalidArgument)
	}

	seen := make(map[string]struct{}, len(req.Contacts))
	for _, in := range req.Contacts {
		if !e164.MatchString(in.Phone) {
			return campaign.Campaign{}, fmt.Errorf("%w: phone %q is not E.164", ErrInvalidArgument, in.Phone)
		}
		if _, dup := seen[in.Phone]; dup {
			return campaign.Campaign{}, fmt.Errorf("%w: duplicate phone %q", ErrInvalidArgument, in.Phone)
		}
		seen[in.Phone] = struct{}{}
	}

	now := s.now()
	c := campaign.Campaign{
		ID:             uuid.NewString(),
		Name:           req.Name,
		ConcurrencyCap: req.ConcurrencyCap,
		Mode:           req.Mode,
		AssistantID:    req.AssistantID,
		PhoneNumberID:  req.PhoneNumberID,
		ContactCount:   len(req.Contacts),
		CreatedAt:      now,
	}

	contacts := make([]campaign.Contact, 0, len(req.Contacts))
	for i, in := range req.Contacts {
		batch := 0
		if req.Mode == campaign.ModeBatch {
			batch = i / req.BatchSize
		}
		contacts = append(contacts, campaign.Contact{
			ID:           uuid.NewString(),
			CampaignID:   c.ID,
			Name:         in.Name,
			BusinessName: in.BusinessName,
			Phone:        in.Phone,
			BatchIndex:   batch,
			CreatedAt:    now,
		})
	}

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertCampaign(ctx, c); err != nil {
			return err
		}
		return tx.InsertContacts(ctx, contacts)
	})
	if err != nil {
		return campaign.Campaign{}, err
	}
	return c, nil
}

func (s *Service) GetCampaign(ctx context.Context, id string) (campaign.Campaign, error) {
	if id == "" {
		return campaign.Campaign{}, ErrInvalidArgument
	}
	return s.store.GetCampaign(ctx, id)
}

func (s *Service) ListIncompleteCampaigns(ctx context.Context) ([]campaign.Campaign, error) {
	return s.store.ListIncompleteCampaigns(ctx)
}

func (s *Service) ListCalls(ctx context.Context, campaignID string) ([]campaign.Call, error) {
	if campaignID == "" {
		return nil, ErrInvalidArgument
	}
	return s.store.ListCalls(ctx, campaignID)
}

func (s *Service) ListActiveCalls(ctx context.Context, campaignID string) ([]campaign.Call, error) {
	if campaignID == "" {
		return nil, ErrInvalidArgument
	}
	return s.store.ListActiveCalls(ctx, campaignID)
}

// Summary is the denormalized progress view for the control surface.
type Summary struct {
	Campaign campaign.Campaign           `json:"campaign"`
	ByStatus map[campaign.CallStatus]int `json:"by_status"`
	Active   int                         `json:"active"`
	Total    int                         `json:"total"`
}

func (s *Service) Summarize(ctx context.Context, campaignID string) (Summary, error) {
	c, err := s.GetCampaign(ctx, campaignID)
	if err != nil {
		return Summary{}, err
	}
	byStatus, err := s.store.CountCallsByStatus(ctx, campaignID)
	if err != nil {
		return Summary{}, err
	}
	out := Summary{Campaign: c, ByStatus: byStatus}
	for st, n := range byStatus {
		out.Total += n
		if !st.Terminal() {
			out.Active += n
		}
	}
	return out, nil
}

// CountActive returns the number of calls counted against the campaign cap.
func (s *Service) CountActive(ctx context.Context, campaignID string) (int, error) {
	if campaignID == "" {
		return 0, ErrInvalidArgument
	}
	return s.store.CountActiveCalls(ctx, campaignID)
}

// CountActiveByLine supports line-quiet gating.
func (s *Service) CountActiveByLine(ctx context.Context, phoneNumberID string) (int, error) {
	if phoneNumberID == "" {
		return 0, ErrInvalidArgument
	}
	return s.store.CountActiveCallsByLine(ctx, phoneNumberID)
}

// DialableContacts lists contacts eligible for a new dial in insertion order,
// bounded by limit.
func (s *Service) DialableContacts(ctx context.Context, campaignID string, redialLimit, limit int) ([]campaign.Contact, error) {
	if campaignID == "" {
		return nil, ErrInvalidArgument
	}
	return s.store.ListDialableContacts(ctx, campaignID, redialLimit, limit)
}

// NextPendingBatch reports the smallest batch index that still has a dialable
// contact.
func (s *Service) NextPendingBatch(ctx context.Context, campaignID string, redialLimit int) (int, bool, error) {
	if campaignID == "" {
		return 0, false, ErrInvalidArgument
	}
	return s.store.NextPendingBatch(ctx, campaignID, redialLimit)
}

func (s *Service) DialableContactsInBatch(ctx context.Context, campaignID string, batch, redialLimit, limit int) ([]campaign.Contact, error) {
	if campaignID == "" {
		return nil, ErrInvalidArgument
	}
	return s.store.ListDialableContactsInBatch(ctx, campaignID, batch, redialLimit, limit)
}

// RecordDial creates a queued call for the contact, with no provider id yet.
// Fails with ErrDuplicateDial when the contact already has a call in flight.
func (s *Service) RecordDial(ctx context.Context, campaignID, contactID string) (campaign.Call, error) {
	if campaignID == "" || contactID == "" {
		return campaign.Call{}, ErrInvalidArgument
	}

	now := s.now()
	call := campaign.Call{
		ID:           uuid.NewString(),
		CampaignID:   campaignID,
		ContactID:    contactID,
		Status:       campaign.CallStatusQueued,
		CreatedAt:    now,
		LastStatusAt: now,
	}

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		contact, err := tx.GetContact(ctx, contactID)
		if err != nil {
			return err
		}
		if contact.CampaignID != campaignID {
			return fmt.Errorf("%w: contact %s does not belong to campaign %s", ErrInvalidArgument, contactID, campaignID)
		}
		if _, inFlight, err := tx.FindNonTerminalCallByContact(ctx, contactID); err != nil {
			return err
		} else if inFlight {
			return ErrDuplicateDial
		}
		return tx.InsertCall(ctx, call)
	})
	if err != nil {
		return campaign.Call{}, err
	}
	return call, nil
}

// ConfirmProviderID attaches the provider's call id after a successful create
// request and, atomically, stamps the campaign's started timestamp on the
// first confirmation ever (truthful start).
func (s *Service) ConfirmProviderID(ctx context.Context, callID, providerCallID string) error {
	if callID == "" || providerCallID == "" {
		return ErrInvalidArgument
	}

	now := s.now()
	return s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		call, err := tx.GetCallForUpdate(ctx, callID)
		if err != nil {
			return err
		}
		if call.Status.Terminal() {
			return ErrCallTerminal
		}
		if call.ProviderCallID == providerCallID {
			return nil
		}
		if call.ProviderCallID != "" {
			return fmt.Errorf("%w: call %s already confirmed as %s", ErrInvalidArgument, callID, call.ProviderCallID)
		}

		call.ProviderCallID = providerCallID
		if err := tx.UpdateCall(ctx, call); err != nil {
			return err
		}

		camp, err := tx.GetCampaignForUpdate(ctx, call.CampaignID)
		if err != nil {
			return err
		}
		if camp.StartedAt == nil {
			return tx.MarkCampaignStarted(ctx, camp.ID, now)
		}
		return nil
	})
}

// ApplyResult reports what an event application did.
type ApplyResult struct {
	Call campaign.Call
	// Changed is true when the call transitioned to a new status.
	Changed bool
}

// ApplyEvent applies one provider status update.
//
// Idempotency rules:
// - same status as current: append the event row for audit, change nothing
// - regression per the transition table: log and discard, no error (expected
//   traffic under duplicate / out-of-order webhook delivery)
// - forward transition: update the call, append the event row and, when the
//   new status is terminal, re-evaluate campaign completion in one transaction.
func (s *Service) ApplyEvent(ctx context.Context, providerCallID string, status campaign.CallStatus, payload campaign.EventPayload) (ApplyResult, error) {
	if providerCallID == "" {
		return ApplyResult{}, ErrInvalidArgument
	}
	if !status.Valid() {
		return ApplyResult{}, fmt.Errorf("%w: status %q", ErrInvalidArgument, status)
	}

	log := logger.From(ctx)
	now := s.now()
	var out ApplyResult

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		call, err := tx.GetCallByProviderIDForUpdate(ctx, providerCallID)
		if errors.Is(err, ErrNotFound) {
			return ErrUnknownProviderCall
		}
		if err != nil {
			return err
		}

		if status == call.Status {
			// duplicate delivery: audit row only
			if err := tx.InsertEvent(ctx, newEvent(call, status, payload.Raw, now)); err != nil {
				return err
			}
			out = ApplyResult{Call: call, Changed: false}
			return nil
		}

		if !campaign.CanTransition(call.Status, status) {
			log.Warn("stale call event discarded",
				"call_id", call.ID,
				"provider_call_id", providerCallID,
				"current", string(call.Status),
				"received", string(status),
			)
			out = ApplyResult{Call: call, Changed: false}
			return nil
		}

		updated, err := s.transition(ctx, tx, call, status, payload, now)
		if err != nil {
			return err
		}
		out = ApplyResult{Call: updated, Changed: true}
		return nil
	})
	if err != nil {
		return ApplyResult{}, err
	}
	return out, nil
}

// MarkDialFailed records a dial that could not be placed at the provider.
// endedReason captures the originating error class.
func (s *Service) MarkDialFailed(ctx context.Context, callID, endedReason string) error {
	return s.finalize(ctx, callID, campaign.CallStatusFailed, endedReason, false)
}

// CancelCall marks an active call canceled. Already-terminal calls are left
// untouched; local state stays authoritative for scheduling either way.
func (s *Service) CancelCall(ctx context.Context, callID, endedReason string) error {
	return s.finalize(ctx, callID, campaign.CallStatusCanceled, endedReason, true)
}

func (s *Service) finalize(ctx context.Context, callID string, status campaign.CallStatus, endedReason string, tolerateTerminal bool) error {
	if callID == "" {
		return ErrInvalidArgument
	}

	now := s.now()
	return s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		call, err := tx.GetCallForUpdate(ctx, callID)
		if err != nil {
			return err
		}
		if call.Status.Terminal() {
			if tolerateTerminal {
				return nil
			}
			return ErrCallTerminal
		}
		_, err = s.transition(ctx, tx, call, status, campaign.EventPayload{
			EndedReason: endedReason,
			Raw:         internalPayload(status, endedReason),
		}, now)
		return err
	})
}

// TimeoutStaleCalls transitions every active call without a status change for
// longer than threshold to timeout, freeing campaign capacity. This is the
// liveness bound for lost provider events.
func (s *Service) TimeoutStaleCalls(ctx context.Context, threshold time.Duration) ([]campaign.Call, error) {
	if threshold <= 0 {
		return nil, ErrInvalidArgument
	}

	now := s.now()
	cutoff := now.Add(-threshold)
	var timedOut []campaign.Call

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		stale, err := tx.ListStaleActiveCalls(ctx, cutoff)
		if err != nil {
			return err
		}
		for _, call := range stale {
			updated, err := s.transition(ctx, tx, call, campaign.CallStatusTimeout, campaign.EventPayload{
				EndedReason: "no status change past threshold",
				Raw:         internalPayload(campaign.CallStatusTimeout, "stale call sweep"),
			}, now)
			if err != nil {
				return err
			}
			timedOut = append(timedOut, updated)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return timedOut, nil
}

// ListPollCandidates returns active calls with a confirmed provider id whose
// last status change is older than threshold. The driver refreshes these via
// the gateway and funnels the result through ApplyEvent, so polling and
// webhooks share one reconciliation primitive.
func (s *Service) ListPollCandidates(ctx context.Context, threshold time.Duration) ([]campaign.Call, error) {
	if threshold <= 0 {
		return nil, ErrInvalidArgument
	}
	stale, err := s.store.ListStaleActiveCalls(ctx, s.now().Add(-threshold))
	if err != nil {
		return nil, err
	}
	out := stale[:0]
	for _, c := range stale {
		if c.ProviderCallID != "" {
			out = append(out, c)
		}
	}
	return out, nil
}

// ListEvents exposes the audit trail for one call.
func (s *Service) ListEvents(ctx context.Context, callID string) ([]campaign.CallEvent, error) {
	if callID == "" {
		return nil, ErrInvalidArgument
	}
	return s.store.ListEvents(ctx, callID)
}

// transition performs one validated forward move: mutates the call row,
// appends the event row, and re-evaluates campaign completion on terminal
// statuses. Must run inside a transaction.
func (s *Service) transition(ctx context.Context, tx Tx, call campaign.Call, status campaign.CallStatus, payload campaign.EventPayload, now time.Time) (campaign.Call, error) {
	if !campaign.CanTransition(call.Status, status) {
		return campaign.Call{}, fmt.Errorf("%w: %s -> %s", ErrInvalidArgument, call.Status, status)
	}

	call.Status = status
	call.LastStatusAt = now

	if status == campaign.CallStatusInProgress && call.StartedAt == nil {
		started := now
		call.StartedAt = &started
	}
	if status.Terminal() && call.EndedAt == nil {
		ended := now
		call.EndedAt = &ended
	}
	if payload.EndedReason != "" {
		call.EndedReason = payload.EndedReason
	}
	if payload.CostCents > 0 {
		call.CostCents = payload.CostCents
	}
	if payload.RecordingURL != "" {
		call.RecordingURL = payload.RecordingURL
	}
	if payload.Transcript != "" {
		call.Transcript = payload.Transcript
	}

	if err := tx.UpdateCall(ctx, call); err != nil {
		return campaign.Call{}, err
	}
	if err := tx.InsertEvent(ctx, newEvent(call, status, payload.Raw, now)); err != nil {
		return campaign.Call{}, err
	}

	if status.Terminal() {
		if err := s.maybeComplete(ctx, tx, call.CampaignID, now); err != nil {
			return campaign.Call{}, err
		}
	}
	return call, nil
}

// maybeComplete stamps the campaign completed when every call is terminal,
// at least one call exists and no contact is still waiting for a dial. Runs
// inside the same transaction as the terminal transition that triggered it.
func (s *Service) maybeComplete(ctx context.Context, tx Tx, campaignID string, now time.Time) error {
	camp, err := tx.GetCampaignForUpdate(ctx, campaignID)
	if err != nil {
		return err
	}
	if camp.CompletedAt != nil {
		return nil
	}
	active, err := tx.CountActiveCalls(ctx, campaignID)
	if err != nil {
		return err
	}
	if active > 0 {
		return nil
	}
	total, err := tx.CountCalls(ctx, campaignID)
	if err != nil {
		return err
	}
	if total == 0 {
		return nil
	}
	// undialed contacts keep the campaign open for the next scheduler run
	pending, err := tx.ListDialableContacts(ctx, campaignID, s.redialLimit, 1)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		return nil
	}
	return tx.MarkCampaignCompleted(ctx, campaignID, now)
}

func newEvent(call campaign.Call, status campaign.CallStatus, raw string, now time.Time) campaign.CallEvent {
	return campaign.CallEvent{
		ID:         uuid.NewString(),
		CallID:     call.ID,
		CampaignID: call.CampaignID,
		Status:     status,
		RawPayload: raw,
		CreatedAt:  now,
	}
}

// internalPayload marks ledger-originated transitions in the event log so
// they are distinguishable from provider traffic.
func internalPayload(status campaign.CallStatus, reason string) string {
	b, _ := json.Marshal(map[string]string{
		"source": "ledger",
		"status": string(status),
		"reason": reason,
	})
	return string(b)
}
