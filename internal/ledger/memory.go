package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"dialer-platform/internal/campaign"
)

// MemoryStore is an in-memory Store used by tests and local development.
// WithinTx serializes on a single mutex and restores a snapshot when fn
// fails, which mirrors the transactional guarantees of the Postgres store
// closely enough for the scheduler and ledger logic to be exercised as-is.
type MemoryStore struct {
	mu sync.Mutex

	campaigns map[string]campaign.Campaign
	contacts  map[string]campaign.Contact
	calls     map[string]campaign.Call
	events    []campaign.CallEvent

	// insertion order, the tie-break rule for contact selection
	contactOrder []string
	callOrder    []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns: make(map[string]campaign.Campaign),
		contacts:  make(map[string]campaign.Contact),
		calls:     make(map[string]campaign.Call),
	}
}

type memorySnapshot struct {
	campaigns    map[string]campaign.Campaign
	contacts     map[string]campaign.Contact
	calls        map[string]campaign.Call
	events       []campaign.CallEvent
	contactOrder []string
	callOrder    []string
}

func (m *MemoryStore) snapshot() memorySnapshot {
	s := memorySnapshot{
		campaigns:    make(map[string]campaign.Campaign, len(m.campaigns)),
		contacts:     make(map[string]campaign.Contact, len(m.contacts)),
		calls:        make(map[string]campaign.Call, len(m.calls)),
		events:       append([]campaign.CallEvent(nil), m.events...),
		contactOrder: append([]string(nil), m.contactOrder...),
		callOrder:    append([]string(nil), m.callOrder...),
	}
	for k, v := range m.campaigns {
		s.campaigns[k] = v
	}
	for k, v := range m.contacts {
		s.contacts[k] = v
	}
	for k, v := range m.calls {
		s.calls[k] = v
	}
	return s
}

func (m *MemoryStore) restore(s memorySnapshot) {
	m.campaigns = s.campaigns
	m.contacts = s.contacts
	m.calls = s.calls
	m.events = s.events
	m.contactOrder = s.contactOrder
	m.callOrder = s.callOrder
}

// WithinTx runs fn under the store mutex. On error or panic the pre-fn
// snapshot is restored.
func (m *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	defer func() {
		if p := recover(); p != nil {
			m.restore(snap)
			panic(p)
		}
		if err != nil {
			m.restore(snap)
		}
	}()

	return fn(ctx, &memoryTx{m})
}

// --- locked Reader methods (non-transactional path) ---

func (m *MemoryStore) GetCampaign(ctx context.Context, id string) (campaign.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getCampaign(id)
}

func (m *MemoryStore) ListIncompleteCampaigns(ctx context.Context) ([]campaign.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listIncompleteCampaigns(), nil
}

func (m *MemoryStore) GetContact(ctx context.Context, id string) (campaign.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getContact(id)
}

func (m *MemoryStore) GetCall(ctx context.Context, id string) (campaign.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getCall(id)
}

func (m *MemoryStore) GetCallByProviderID(ctx context.Context, providerCallID string) (campaign.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getCallByProviderID(providerCallID)
}

func (m *MemoryStore) ListCalls(ctx context.Context, campaignID string) ([]campaign.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listCalls(campaignID, false), nil
}

func (m *MemoryStore) ListActiveCalls(ctx context.Context, campaignID string) ([]campaign.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listCalls(campaignID, true), nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, callID string) ([]campaign.CallEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listEvents(callID), nil
}

func (m *MemoryStore) CountActiveCalls(ctx context.Context, campaignID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countActiveCalls(campaignID), nil
}

func (m *MemoryStore) CountActiveCallsByLine(ctx context.Context, phoneNumberID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countActiveCallsByLine(phoneNumberID), nil
}

func (m *MemoryStore) CountCalls(ctx context.Context, campaignID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listCalls(campaignID, false)), nil
}

func (m *MemoryStore) CountCallsByStatus(ctx context.Context, campaignID string) (map[campaign.CallStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countCallsByStatus(campaignID), nil
}

func (m *MemoryStore) ListStaleActiveCalls(ctx context.Context, cutoff time.Time) ([]campaign.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listStaleActiveCalls(cutoff), nil
}

func (m *MemoryStore) FindNonTerminalCallByContact(ctx context.Context, contactID string) (campaign.Call, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.findNonTerminalCallByContact(contactID)
	return c, ok, nil
}

func (m *MemoryStore) ListDialableContacts(ctx context.Context, campaignID string, redialLimit, limit int) ([]campaign.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listDialableContacts(campaignID, -1, redialLimit, limit), nil
}

func (m *MemoryStore) NextPendingBatch(ctx context.Context, campaignID string, redialLimit int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.nextPendingBatch(campaignID, redialLimit)
	return b, ok, nil
}

func (m *MemoryStore) ListDialableContactsInBatch(ctx context.Context, campaignID string, batch, redialLimit, limit int) ([]campaign.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listDialableContacts(campaignID, batch, redialLimit, limit), nil
}

// --- unlocked internals shared with memoryTx ---

func (m *MemoryStore) getCampaign(id string) (campaign.Campaign, error) {
	c, ok := m.campaigns[id]
	if !ok {
		return campaign.Campaign{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) listIncompleteCampaigns() []campaign.Campaign {
	ids := make([]string, 0, len(m.campaigns))
	for id, c := range m.campaigns {
		if c.CompletedAt == nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]campaign.Campaign, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.campaigns[id])
	}
	return out
}

func (m *MemoryStore) getContact(id string) (campaign.Contact, error) {
	c, ok := m.contacts[id]
	if !ok {
		return campaign.Contact{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) getCall(id string) (campaign.Call, error) {
	c, ok := m.calls[id]
	if !ok {
		return campaign.Call{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) getCallByProviderID(providerCallID string) (campaign.Call, error) {
	if providerCallID == "" {
		return campaign.Call{}, ErrNotFound
	}
	for _, id := range m.callOrder {
		if c := m.calls[id]; c.ProviderCallID == providerCallID {
			return c, nil
		}
	}
	return campaign.Call{}, ErrNotFound
}

func (m *MemoryStore) listCalls(campaignID string, activeOnly bool) []campaign.Call {
	var out []campaign.Call
	for _, id := range m.callOrder {
		c := m.calls[id]
		if c.CampaignID != campaignID {
			continue
		}
		if activeOnly && c.Status.Terminal() {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (m *MemoryStore) listEvents(callID string) []campaign.CallEvent {
	var out []campaign.CallEvent
	for _, e := range m.events {
		if e.CallID == callID {
			out = append(out, e)
		}
	}
	return out
}

func (m *MemoryStore) countActiveCalls(campaignID string) int {
	n := 0
	for _, c := range m.calls {
		if c.CampaignID == campaignID && !c.Status.Terminal() {
			n++
		}
	}
	return n
}

func (m *MemoryStore) countActiveCallsByLine(phoneNumberID string) int {
	n := 0
	for _, c := range m.calls {
		if c.Status.Terminal() {
			continue
		}
		camp, ok := m.campaigns[c.CampaignID]
		if ok && camp.PhoneNumberID == phoneNumberID {
			n++
		}
	}
	return n
}

func (m *MemoryStore) countCallsByStatus(campaignID string) map[campaign.CallStatus]int {
	out := make(map[campaign.CallStatus]int)
	for _, c := range m.calls {
		if c.CampaignID == campaignID {
			out[c.Status]++
		}
	}
	return out
}

func (m *MemoryStore) listStaleActiveCalls(cutoff time.Time) []campaign.Call {
	var out []campaign.Call
	for _, id := range m.callOrder {
		c := m.calls[id]
		if !c.Status.Terminal() && c.LastStatusAt.Before(cutoff) {
			out = append(out, c)
		}
	}
	return out
}

func (m *MemoryStore) findNonTerminalCallByContact(contactID string) (campaign.Call, bool) {
	for _, id := range m.callOrder {
		c := m.calls[id]
		if c.ContactID == contactID && !c.Status.Terminal() {
			return c, true
		}
	}
	return campaign.Call{}, false
}

// dialable mirrors the Postgres selection predicate: no call in flight, no
// terminal outcome other than failed, and at most redialLimit failed attempts.
func (m *MemoryStore) dialable(contactID string, redialLimit int) bool {
	failed := 0
	for _, c := range m.calls {
		if c.ContactID != contactID {
			continue
		}
		if !c.Status.Terminal() {
			return false
		}
		if c.Status == campaign.CallStatusFailed {
			failed++
			continue
		}
		// ended, canceled or timed out: this contact is done
		return false
	}
	return failed <= redialLimit
}

func (m *MemoryStore) listDialableContacts(campaignID string, batch, redialLimit, limit int) []campaign.Contact {
	var out []campaign.Contact
	for _, id := range m.contactOrder {
		c := m.contacts[id]
		if c.CampaignID != campaignID {
			continue
		}
		if batch >= 0 && c.BatchIndex != batch {
			continue
		}
		if !m.dialable(c.ID, redialLimit) {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (m *MemoryStore) nextPendingBatch(campaignID string, redialLimit int) (int, bool) {
	best, found := 0, false
	for _, id := range m.contactOrder {
		c := m.contacts[id]
		if c.CampaignID != campaignID || !m.dialable(c.ID, redialLimit) {
			continue
		}
		if !found || c.BatchIndex < best {
			best, found = c.BatchIndex, true
		}
	}
	return best, found
}

// memoryTx exposes the unlocked internals while WithinTx holds the mutex.
type memoryTx struct {
	m *MemoryStore
}

func (t *memoryTx) GetCampaign(ctx context.Context, id string) (campaign.Campaign, error) {
	return t.m.getCampaign(id)
}

func (t *memoryTx) GetCampaignForUpdate(ctx context.Context, id string) (campaign.Campaign, error) {
	return t.m.getCampaign(id)
}

func (t *memoryTx) ListIncompleteCampaigns(ctx context.Context) ([]campaign.Campaign, error) {
	return t.m.listIncompleteCampaigns(), nil
}

func (t *memoryTx) GetContact(ctx context.Context, id string) (campaign.Contact, error) {
	return t.m.getContact(id)
}

func (t *memoryTx) GetCall(ctx context.Context, id string) (campaign.Call, error) {
	return t.m.getCall(id)
}

func (t *memoryTx) GetCallForUpdate(ctx context.Context, id string) (campaign.Call, error) {
	return t.m.getCall(id)
}

func (t *memoryTx) GetCallByProviderID(ctx context.Context, providerCallID string) (campaign.Call, error) {
	return t.m.getCallByProviderID(providerCallID)
}

func (t *memoryTx) GetCallByProviderIDForUpdate(ctx context.Context, providerCallID string) (campaign.Call, error) {
	return t.m.getCallByProviderID(providerCallID)
}

func (t *memoryTx) ListCalls(ctx context.Context, campaignID string) ([]campaign.Call, error) {
	return t.m.listCalls(campaignID, false), nil
}

func (t *memoryTx) ListActiveCalls(ctx context.Context, campaignID string) ([]campaign.Call, error) {
	return t.m.listCalls(campaignID, true), nil
}

func (t *memoryTx) ListEvents(ctx context.Context, callID string) ([]campaign.CallEvent, error) {
	return t.m.listEvents(callID), nil
}

func (t *memoryTx) CountActiveCalls(ctx context.Context, campaignID string) (int, error) {
	return t.m.countActiveCalls(campaignID), nil
}

func (t *memoryTx) CountActiveCallsByLine(ctx context.Context, phoneNumberID string) (int, error) {
	return t.m.countActiveCallsByLine(phoneNumberID), nil
}

func (t *memoryTx) CountCalls(ctx context.Context, campaignID string) (int, error) {
	return len(t.m.listCalls(campaignID, false)), nil
}

func (t *memoryTx) CountCallsByStatus(ctx context.Context, campaignID string) (map[campaign.CallStatus]int, error) {
	return t.m.countCallsByStatus(campaignID), nil
}

func (t *memoryTx) ListStaleActiveCalls(ctx context.Context, cutoff time.Time) ([]campaign.Call, error) {
	return t.m.listStaleActiveCalls(cutoff), nil
}

func (t *memoryTx) FindNonTerminalCallByContact(ctx context.Context, contactID string) (campaign.Call, bool, error) {
	c, ok := t.m.findNonTerminalCallByContact(contactID)
	return c, ok, nil
}

func (t *memoryTx) ListDialableContacts(ctx context.Context, campaignID string, redialLimit, limit int) ([]campaign.Contact, error) {
	return t.m.listDialableContacts(campaignID, -1, redialLimit, limit), nil
}

func (t *memoryTx) NextPendingBatch(ctx context.Context, campaignID string, redialLimit int) (int, bool, error) {
	b, ok := t.m.nextPendingBatch(campaignID, redialLimit)
	return b, ok, nil
}

func (t *memoryTx) ListDialableContactsInBatch(ctx context.Context, campaignID string, batch, redialLimit, limit int) ([]campaign.Contact, error) {
	return t.m.listDialableContacts(campaignID, batch, redialLimit, limit), nil
}

func (t *memoryTx) InsertCampaign(ctx context.Context, c campaign.Campaign) error {
	if _, exists := t.m.campaigns[c.ID]; exists {
		return ErrInvalidArgument
	}
	t.m.campaigns[c.ID] = c
	return nil
}

func (t *memoryTx) InsertContacts(ctx context.Context, contacts []campaign.Contact) error {
	for _, c := range contacts {
		if _, exists := t.m.contacts[c.ID]; exists {
			return ErrInvalidArgument
		}
		t.m.contacts[c.ID] = c
		t.m.contactOrder = append(t.m.contactOrder, c.ID)
	}
	return nil
}

func (t *memoryTx) InsertCall(ctx context.Context, c campaign.Call) error {
	if _, exists := t.m.calls[c.ID]; exists {
		return ErrInvalidArgument
	}
	t.m.calls[c.ID] = c
	t.m.callOrder = append(t.m.callOrder, c.ID)
	return nil
}

func (t *memoryTx) UpdateCall(ctx context.Context, c campaign.Call) error {
	if _, exists := t.m.calls[c.ID]; !exists {
		return ErrNotFound
	}
	t.m.calls[c.ID] = c
	return nil
}

func (t *memoryTx) InsertEvent(ctx context.Context, e campaign.CallEvent) error {
	t.m.events = append(t.m.events, e)
	return nil
}

func (t *memoryTx) MarkCampaignStarted(ctx context.Context, id string, at time.Time) error {
	c, ok := t.m.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	if c.StartedAt == nil {
		c.StartedAt = &at
		t.m.campaigns[id] = c
	}
	return nil
}

func (t *memoryTx) MarkCampaignCompleted(ctx context.Context, id string, at time.Time) error {
	c, ok := t.m.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	if c.CompletedAt == nil {
		c.CompletedAt = &at
		t.m.campaigns[id] = c
	}
	return nil
}
