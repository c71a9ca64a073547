package ledger

import (
	"context"
	"errors"
	"time"

	"dialer-platform/internal/campaign"
)

var (
	ErrNotFound        = errors.New("ledger: not found")
	ErrInvalidArgument = errors.New("ledger: invalid argument")

	// ErrDuplicateDial means the contact already has a non-terminal call.
	// Schedulers treat it as "already in flight", not as a failure.
	ErrDuplicateDial = errors.New("ledger: contact already has an active call")

	// ErrUnknownProviderCall means no call row matches the provider call id,
	// typically an event racing ahead of ConfirmProviderID. Callers may retry;
	// the polling sweep is the fallback.
	ErrUnknownProviderCall = errors.New("ledger: unknown provider call id")

	// ErrCallTerminal means the requested mutation targets a call that has
	// already reached a terminal status.
	ErrCallTerminal = errors.New("ledger: call already terminal")
)

// Reader is the read-only persistence contract shared by the store and its
// transactions.
type Reader interface {
	GetCampaign(ctx context.Context, id string) (campaign.Campaign, error)
	ListIncompleteCampaigns(ctx context.Context) ([]campaign.Campaign, error)

	GetContact(ctx context.Context, id string) (campaign.Contact, error)

	GetCall(ctx context.Context, id string) (campaign.Call, error)
	GetCallByProviderID(ctx context.Context, providerCallID string) (campaign.Call, error)
	ListCalls(ctx context.Context, campaignID string) ([]campaign.Call, error)
	ListActiveCalls(ctx context.Context, campaignID string) ([]campaign.Call, error)
	ListEvents(ctx context.Context, callID string) ([]campaign.CallEvent, error)

	// CountActiveCalls is the single capacity primitive: calls in
	// {queued, ringing, in_progress} for one campaign.
	CountActiveCalls(ctx context.Context, campaignID string) (int, error)

	// CountActiveCallsByLine counts active calls across every campaign that
	// dials out through the given phone line. Used by line-quiet gating.
	CountActiveCallsByLine(ctx context.Context, phoneNumberID string) (int, error)

	CountCalls(ctx context.Context, campaignID string) (int, error)
	CountCallsByStatus(ctx context.Context, campaignID string) (map[campaign.CallStatus]int, error)

	// ListStaleActiveCalls returns active calls whose last status change is
	// before cutoff, oldest first.
	ListStaleActiveCalls(ctx context.Context, cutoff time.Time) ([]campaign.Call, error)

	// FindNonTerminalCallByContact reports whether the contact has a call in
	// flight right now.
	FindNonTerminalCallByContact(ctx context.Context, contactID string) (campaign.Call, bool, error)

	// ListDialableContacts selects contacts eligible for a dial, in insertion
	// order: no non-terminal call, no successful/canceled/timed-out call, and
	// at most redialLimit prior failed attempts.
	ListDialableContacts(ctx context.Context, campaignID string, redialLimit, limit int) ([]campaign.Contact, error)

	// NextPendingBatch returns the smallest batch index that still has a
	// dialable contact. ok is false when nothing is pending.
	NextPendingBatch(ctx context.Context, campaignID string, redialLimit int) (batch int, ok bool, err error)

	ListDialableContactsInBatch(ctx context.Context, campaignID string, batch, redialLimit, limit int) ([]campaign.Contact, error)
}

// Tx is the read-modify-write contract available inside a transaction.
// ForUpdate reads take row locks in the Postgres implementation so that two
// concurrent event applications cannot evaluate completion on stale counts.
type Tx interface {
	Reader

	GetCampaignForUpdate(ctx context.Context, id string) (campaign.Campaign, error)
	GetCallForUpdate(ctx context.Context, id string) (campaign.Call, error)
	GetCallByProviderIDForUpdate(ctx context.Context, providerCallID string) (campaign.Call, error)

	InsertCampaign(ctx context.Context, c campaign.Campaign) error
	InsertContacts(ctx context.Context, contacts []campaign.Contact) error
	InsertCall(ctx context.Context, c campaign.Call) error
	UpdateCall(ctx context.Context, c campaign.Call) error

	// InsertEvent appends to the immutable call event log. There is no update
	// or delete, by design.
	InsertEvent(ctx context.Context, e campaign.CallEvent) error

	MarkCampaignStarted(ctx context.Context, id string, at time.Time) error
	MarkCampaignCompleted(ctx context.Context, id string, at time.Time) error
}

// Store is the persistence boundary for the ledger. Implementations must make
// WithinTx atomic: either every write in fn lands, or none do.
type Store interface {
	Reader
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
