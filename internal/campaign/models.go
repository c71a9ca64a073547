package campaign

import "time"

// Campaign is one outbound calling run over a fixed contact list.
//
// Lifecycle invariants:
// - StartedAt is set only after the provider has confirmed at least one call
//   (truthful start). Submitting a create-call request is not enough.
// - CompletedAt is set only when the campaign has at least one call and every
//   call is in a terminal status.
// - Campaigns are never deleted by the core; stopping cancels calls instead.

type Campaign struct {
	ID string `json:"id" db:"id"`

	Name string `json:"name" db:"name"`

	// ConcurrencyCap bounds active calls for this campaign. Always > 0.
	ConcurrencyCap int  `json:"concurrency_cap" db:"concurrency_cap"`
	Mode           Mode `json:"mode" db:"mode"`

	// Provider-side references used when creating calls.
	AssistantID   string `json:"assistant_id" db:"assistant_id"`
	PhoneNumberID string `json:"phone_number_id" db:"phone_number_id"`

	// ContactCount is denormalized at creation time.
	ContactCount int `json:"contact_count" db:"contact_count"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Mode selects the scheduling policy for a campaign.
type Mode string

const (
	// ModeContinuous keeps active calls at or below the cap at all times.
	ModeContinuous Mode = "continuous"
	// ModeBatch processes contacts in fixed groups, advancing only when the
	// current group is fully terminal.
	ModeBatch Mode = "batch"
)

func (m Mode) Valid() bool {
	return m == ModeContinuous || m == ModeBatch
}

// Contact is an immutable dial target. Unique per (campaign, phone).
type Contact struct {
	ID         string `json:"id" db:"id"`
	CampaignID string `json:"campaign_id" db:"campaign_id"`

	Name         string `json:"name" db:"name"`
	BusinessName string `json:"business_name,omitempty" db:"business_name"`

	// Phone is E.164.
	Phone string `json:"phone" db:"phone"`

	// BatchIndex partitions contacts for batch mode. Zero for continuous mode.
	BatchIndex int `json:"batch_index" db:"batch_index"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Call is one attempt to reach a contact.
//
// Ownership: created by the scheduler (status queued, no provider id yet),
// mutated only by the ledger afterwards, never deleted.
type Call struct {
	ID         string `json:"id" db:"id"`
	CampaignID string `json:"campaign_id" db:"campaign_id"`
	ContactID  string `json:"contact_id" db:"contact_id"`

	// ProviderCallID is empty until the provider accepts the create request.
	ProviderCallID string `json:"provider_call_id,omitempty" db:"provider_call_id"`

	Status CallStatus `json:"status" db:"status"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	EndedReason string `json:"ended_reason,omitempty" db:"ended_reason"`

	// CostCents is the provider-reported cost in minor units.
	CostCents    int64  `json:"cost_cents" db:"cost_cents"`
	RecordingURL string `json:"recording_url,omitempty" db:"recording_url"`
	Transcript   string `json:"transcript,omitempty" db:"transcript"`

	// LastStatusAt drives the stale-call timeout sweep.
	LastStatusAt time.Time `json:"last_status_at" db:"last_status_at"`
}

// CallEvent is an immutable, append-only record of a received status update.
// Events are never updated or deleted; they reconstruct call history
// independent of the current call row.
type CallEvent struct {
	ID         string `json:"id" db:"id"`
	CallID     string `json:"call_id" db:"call_id"`
	CampaignID string `json:"campaign_id" db:"campaign_id"`

	Status CallStatus `json:"status" db:"status"`

	// RawPayload is the provider payload (or an internal marker for
	// timeout/cancel transitions) as JSON.
	RawPayload string `json:"raw_payload,omitempty" db:"raw_payload"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// EventPayload carries the outcome fields a status update may attach to a call.
type EventPayload struct {
	EndedReason  string `json:"ended_reason,omitempty"`
	CostCents    int64  `json:"cost_cents,omitempty"`
	RecordingURL string `json:"recording_url,omitempty"`
	Transcript   string `json:"transcript,omitempty"`

	// Raw is the original provider payload, stored verbatim on the event row.
	Raw string `json:"raw,omitempty"`
}

type CallStatus string

const (
	CallStatusQueued     CallStatus = "queued"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusEnded      CallStatus = "ended"
	CallStatusFailed     CallStatus = "failed"
	CallStatusCanceled   CallStatus = "canceled"
	CallStatusTimeout    CallStatus = "timeout"
)

// statusRank is the forward-only progression order. Terminal statuses share
// the same rank; a call never moves between terminal statuses.
var statusRank = map[CallStatus]int{
	CallStatusQueued:     0,
	CallStatusRinging:    1,
	CallStatusInProgress: 2,
	CallStatusEnded:      3,
	CallStatusFailed:     3,
	CallStatusCanceled:   3,
	CallStatusTimeout:    3,
}

func (s CallStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether no further transition can occur from s.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusEnded, CallStatusFailed, CallStatusCanceled, CallStatusTimeout:
		return true
	default:
		return false
	}
}

// ActiveStatuses are the statuses counted against a campaign's concurrency cap.
func ActiveStatuses() []CallStatus {
	return []CallStatus{CallStatusQueued, CallStatusRinging, CallStatusInProgress}
}

// CanTransition reports whether a call may move from -> to.
//
// Rules, validated here and nowhere else:
// - same-status is not a transition (callers treat it as a duplicate event)
// - terminal statuses accept no successors
// - active statuses only move forward (queued -> ringing -> in_progress)
//   or into any terminal status (timeout and cancel can strike at any point)
func CanTransition(from, to CallStatus) bool {
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	if from.Terminal() {
		return false
	}
	if from == to {
		return false
	}
	return tr > fr
}
