package ledger

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"dialer-platform/internal/campaign"
	"dialer-platform/pkg/utils"
)

// PostgresStore implements Store on database/sql.
//
// Assumed schema:
// - campaigns(id, name, concurrency_cap, mode, assistant_id, phone_number_id,
//   contact_count, created_at, started_at, completed_at)
// - contacts(id, campaign_id, name, business_name, phone, batch_index,
//   created_at) with UNIQUE (campaign_id, phone)
// - calls(id, campaign_id, contact_id, provider_call_id, status, created_at,
//   started_at, ended_at, ended_reason, cost_cents, recording_url, transcript,
//   last_status_at)
// - call_events(id, call_id, campaign_id, status, raw_payload, created_at),
//   INSERT-only
//
// Completion and truthful-start mutations always run inside WithinTx with the
// campaign row locked FOR UPDATE, serializing same-campaign decisions without
// cross-campaign contention.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, &pgTx{q: tx})
	})
}

func (s *PostgresStore) GetCampaign(ctx context.Context, id string) (campaign.Campaign, error) {
	return getCampaign(ctx, s.db, id, false)
}

func (s *PostgresStore) ListIncompleteCampaigns(ctx context.Context) ([]campaign.Campaign, error) {
	return listIncompleteCampaigns(ctx, s.db)
}

func (s *PostgresStore) GetContact(ctx context.Context, id string) (campaign.Contact, error) {
	return getContact(ctx, s.db, id)
}

func (s *PostgresStore) GetCall(ctx context.Context, id string) (campaign.Call, error) {
	return getCall(ctx, s.db, id, false)
}

func (s *PostgresStore) GetCallByProviderID(ctx context.Context, providerCallID string) (campaign.Call, error) {
	return getCallByProviderID(ctx, s.db, providerCallID, false)
}

func (s *PostgresStore) ListCalls(ctx context.Context, campaignID string) ([]campaign.Call, error) {
	return listCalls(ctx, s.db, campaignID, false)
}

func (s *PostgresStore) ListActiveCalls(ctx context.Context, campaignID string) ([]campaign.Call, error) {
	return listCalls(ctx, s.db, campaignID, true)
}

func (s *PostgresStore) ListEvents(ctx context.Context, callID string) ([]campaign.CallEvent, error) {
	return listEvents(ctx, s.db, callID)
}

func (s *PostgresStore) CountActiveCalls(ctx context.Context, campaignID string) (int, error) {
	return countActiveCalls(ctx, s.db, campaignID)
}

func (s *PostgresStore) CountActiveCallsByLine(ctx context.Context, phoneNumberID string) (int, error) {
	return countActiveCallsByLine(ctx, s.db, phoneNumberID)
}

func (s *PostgresStore) CountCalls(ctx context.Context, campaignID string) (int, error) {
	return countCalls(ctx, s.db, campaignID)
}

func (s *PostgresStore) CountCallsByStatus(ctx context.Context, campaignID string) (map[campaign.CallStatus]int, error) {
	return countCallsByStatus(ctx, s.db, campaignID)
}

func (s *PostgresStore) ListStaleActiveCalls(ctx context.Context, cutoff time.Time) ([]campaign.Call, error) {
	return listStaleActiveCalls(ctx, s.db, cutoff, false)
}

func (s *PostgresStore) FindNonTerminalCallByContact(ctx context.Context, contactID string) (campaign.Call, bool, error) {
	return findNonTerminalCallByContact(ctx, s.db, contactID)
}

func (s *PostgresStore) ListDialableContacts(ctx context.Context, campaignID string, redialLimit, limit int) ([]campaign.Contact, error) {
	return listDialableContacts(ctx, s.db, campaignID, -1, redialLimit, limit)
}

func (s *PostgresStore) NextPendingBatch(ctx context.Context, campaignID string, redialLimit int) (int, bool, error) {
	return nextPendingBatch(ctx, s.db, campaignID, redialLimit)
}

func (s *PostgresStore) ListDialableContactsInBatch(ctx context.Context, campaignID string, batch, redialLimit, limit int) ([]campaign.Contact, error) {
	return listDialableContacts(ctx, s.db, campaignID, batch, redialLimit, limit)
}

// pgTx adapts one *sql.Tx to the Tx contract.
type pgTx struct {
	q *sql.Tx
}

func (t *pgTx) GetCampaign(ctx context.Context, id string) (campaign.Campaign, error) {
	return getCampaign(ctx, t.q, id, false)
}

func (t *pgTx) GetCampaignForUpdate(ctx context.Context, id string) (campaign.Campaign, error) {
	return getCampaign(ctx, t.q, id, true)
}

func (t *pgTx) ListIncompleteCampaigns(ctx context.Context) ([]campaign.Campaign, error) {
	return listIncompleteCampaigns(ctx, t.q)
}

func (t *pgTx) GetContact(ctx context.Context, id string) (campaign.Contact, error) {
	return getContact(ctx, t.q, id)
}

func (t *pgTx) GetCall(ctx context.Context, id string) (campaign.Call, error) {
	return getCall(ctx, t.q, id, false)
}

func (t *pgTx) GetCallForUpdate(ctx context.Context, id string) (campaign.Call, error) {
	return getCall(ctx, t.q, id, true)
}

func (t *pgTx) GetCallByProviderID(ctx context.Context, providerCallID string) (campaign.Call, error) {
	return getCallByProviderID(ctx, t.q, providerCallID, false)
}

func (t *pgTx) GetCallByProviderIDForUpdate(ctx context.Context, providerCallID string) (campaign.Call, error) {
	return getCallByProviderID(ctx, t.q, providerCallID, true)
}

func (t *pgTx) ListCalls(ctx context.Context, campaignID string) ([]campaign.Call, error) {
	return listCalls(ctx, t.q, campaignID, false)
}

func (t *pgTx) ListActiveCalls(ctx context.Context, campaignID string) ([]campaign.Call, error) {
	return listCalls(ctx, t.q, campaignID, true)
}

func (t *pgTx) ListEvents(ctx context.Context, callID string) ([]campaign.CallEvent, error) {
	return listEvents(ctx, t.q, callID)
}

func (t *pgTx) CountActiveCalls(ctx context.Context, campaignID string) (int, error) {
	return countActiveCalls(ctx, t.q, campaignID)
}

func (t *pgTx) CountActiveCallsByLine(ctx context.Context, phoneNumberID string) (int, error) {
	return countActiveCallsByLine(ctx, t.q, phoneNumberID)
}

func (t *pgTx) CountCalls(ctx context.Context, campaignID string) (int, error) {
	return countCalls(ctx, t.q, campaignID)
}

func (t *pgTx) CountCallsByStatus(ctx context.Context, campaignID string) (map[campaign.CallStatus]int, error) {
	return countCallsByStatus(ctx, t.q, campaignID)
}

func (t *pgTx) ListStaleActiveCalls(ctx context.Context, cutoff time.Time) ([]campaign.Call, error) {
	return listStaleActiveCalls(ctx, t.q, cutoff, true)
}

func (t *pgTx) FindNonTerminalCallByContact(ctx context.Context, contactID string) (campaign.Call, bool, error) {
	return findNonTerminalCallByContact(ctx, t.q, contactID)
}

func (t *pgTx) ListDialableContacts(ctx context.Context, campaignID string, redialLimit, limit int) ([]campaign.Contact, error) {
	return listDialableContacts(ctx, t.q, campaignID, -1, redialLimit, limit)
}

func (t *pgTx) NextPendingBatch(ctx context.Context, campaignID string, redialLimit int) (int, bool, error) {
	return nextPendingBatch(ctx, t.q, campaignID, redialLimit)
}

func (t *pgTx) ListDialableContactsInBatch(ctx context.Context, campaignID string, batch, redialLimit, limit int) ([]campaign.Contact, error) {
	return listDialableContacts(ctx, t.q, campaignID, batch, redialLimit, limit)
}

func (t *pgTx) InsertCampaign(ctx context.Context, c campaign.Campaign) error {
	const q = `
INSERT INTO campaigns (
  id, name, concurrency_cap, mode, assistant_id, phone_number_id, contact_count,
  created_at, started_at, completed_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`
	_, err := t.q.ExecContext(ctx, q,
		c.ID, c.Name, c.ConcurrencyCap, string(c.Mode), c.AssistantID, c.PhoneNumberID,
		c.ContactCount, c.CreatedAt, c.StartedAt, c.CompletedAt,
	)
	return err
}

func (t *pgTx) InsertContacts(ctx context.Context, contacts []campaign.Contact) error {
	const q = `
INSERT INTO contacts (id, campaign_id, name, business_name, phone, batch_index, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`
	for _, c := range contacts {
		if _, err := t.q.ExecContext(ctx, q,
			c.ID, c.CampaignID, c.Name, c.BusinessName, c.Phone, c.BatchIndex, c.CreatedAt,
		); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) InsertCall(ctx context.Context, c campaign.Call) error {
	const q = `
INSERT INTO calls (
  id, campaign_id, contact_id, provider_call_id, status, created_at, started_at,
  ended_at, ended_reason, cost_cents, recording_url, transcript, last_status_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
`
	_, err := t.q.ExecContext(ctx, q,
		c.ID, c.CampaignID, c.ContactID, nullIfEmpty(c.ProviderCallID), string(c.Status),
		c.CreatedAt, c.StartedAt, c.EndedAt, c.EndedReason, c.CostCents,
		c.RecordingURL, c.Transcript, c.LastStatusAt,
	)
	return err
}

func (t *pgTx) UpdateCall(ctx context.Context, c campaign.Call) error {
	const q = `
UPDATE calls
SET provider_call_id = $2,
    status = $3,
    started_at = $4,
    ended_at = $5,
    ended_reason = $6,
    cost_cents = $7,
    recording_url = $8,
    transcript = $9,
    last_status_at = $10
WHERE id = $1
`
	res, err := t.q.ExecContext(ctx, q,
		c.ID, nullIfEmpty(c.ProviderCallID), string(c.Status), c.StartedAt, c.EndedAt,
		c.EndedReason, c.CostCents, c.RecordingURL, c.Transcript, c.LastStatusAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertEvent(ctx context.Context, e campaign.CallEvent) error {
	const q = `
INSERT INTO call_events (id, call_id, campaign_id, status, raw_payload, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
`
	_, err := t.q.ExecContext(ctx, q, e.ID, e.CallID, e.CampaignID, string(e.Status), e.RawPayload, e.CreatedAt)
	return err
}

func (t *pgTx) MarkCampaignStarted(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE campaigns SET started_at = $2 WHERE id = $1 AND started_at IS NULL`
	_, err := t.q.ExecContext(ctx, q, id, at)
	return err
}

func (t *pgTx) MarkCampaignCompleted(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE campaigns SET completed_at = $2 WHERE id = $1 AND completed_at IS NULL`
	_, err := t.q.ExecContext(ctx, q, id, at)
	return err
}

// --- shared queries ---

const campaignCols = `id, name, concurrency_cap, mode, assistant_id, phone_number_id, contact_count, created_at, started_at, completed_at`

func scanCampaign(row *sql.Row) (campaign.Campaign, error) {
	var c campaign.Campaign
	var mode string
	err := row.Scan(
		&c.ID, &c.Name, &c.ConcurrencyCap, &mode, &c.AssistantID, &c.PhoneNumberID,
		&c.ContactCount, &c.CreatedAt, &c.StartedAt, &c.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return campaign.Campaign{}, ErrNotFound
		}
		return campaign.Campaign{}, err
	}
	c.Mode = campaign.Mode(mode)
	return c, nil
}

func getCampaign(ctx context.Context, q querier, id string, forUpdate bool) (campaign.Campaign, error) {
	query := `SELECT ` + campaignCols + ` FROM campaigns WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return scanCampaign(q.QueryRowContext(ctx, query, id))
}

func listIncompleteCampaigns(ctx context.Context, q querier) ([]campaign.Campaign, error) {
	query := `SELECT ` + campaignCols + ` FROM campaigns WHERE completed_at IS NULL ORDER BY created_at, id`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campaign.Campaign
	for rows.Next() {
		var c campaign.Campaign
		var mode string
		if err := rows.Scan(
			&c.ID, &c.Name, &c.ConcurrencyCap, &mode, &c.AssistantID, &c.PhoneNumberID,
			&c.ContactCount, &c.CreatedAt, &c.StartedAt, &c.CompletedAt,
		); err != nil {
			return nil, err
		}
		c.Mode = campaign.Mode(mode)
		out = append(out, c)
	}
	return out, rows.Err()
}

func getContact(ctx context.Context, q querier, id string) (campaign.Contact, error) {
	const query = `
SELECT id, campaign_id, name, business_name, phone, batch_index, created_at
FROM contacts WHERE id = $1
`
	var c campaign.Contact
	err := q.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.CampaignID, &c.Name, &c.BusinessName, &c.Phone, &c.BatchIndex, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return campaign.Contact{}, ErrNotFound
		}
		return campaign.Contact{}, err
	}
	return c, nil
}

const callCols = `id, campaign_id, contact_id, COALESCE(provider_call_id, ''), status, created_at, started_at, ended_at, ended_reason, cost_cents, recording_url, transcript, last_status_at`

func scanCallRow(scan func(dest ...any) error) (campaign.Call, error) {
	var c campaign.Call
	var status string
	err := scan(
		&c.ID, &c.CampaignID, &c.ContactID, &c.ProviderCallID, &status,
		&c.CreatedAt, &c.StartedAt, &c.EndedAt, &c.EndedReason, &c.CostCents,
		&c.RecordingURL, &c.Transcript, &c.LastStatusAt,
	)
	if err != nil {
		return campaign.Call{}, err
	}
	c.Status = campaign.CallStatus(status)
	return c, nil
}

func getCall(ctx context.Context, q querier, id string, forUpdate bool) (campaign.Call, error) {
	query := `SELECT ` + callCols + ` FROM calls WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	c, err := scanCallRow(q.QueryRowContext(ctx, query, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Call{}, ErrNotFound
	}
	return c, err
}

func getCallByProviderID(ctx context.Context, q querier, providerCallID string, forUpdate bool) (campaign.Call, error) {
	query := `SELECT ` + callCols + ` FROM calls WHERE provider_call_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	c, err := scanCallRow(q.QueryRowContext(ctx, query, providerCallID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Call{}, ErrNotFound
	}
	return c, err
}

func scanCalls(rows *sql.Rows) ([]campaign.Call, error) {
	defer rows.Close()
	var out []campaign.Call
	for rows.Next() {
		c, err := scanCallRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func listCalls(ctx context.Context, q querier, campaignID string, activeOnly bool) ([]campaign.Call, error) {
	query := `SELECT ` + callCols + ` FROM calls WHERE campaign_id = $1`
	if activeOnly {
		query += ` AND status IN ('queued','ringing','in_progress')`
	}
	query += ` ORDER BY created_at, id`
	rows, err := q.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, err
	}
	return scanCalls(rows)
}

func listStaleActiveCalls(ctx context.Context, q querier, cutoff time.Time, forUpdate bool) ([]campaign.Call, error) {
	query := `
SELECT ` + callCols + `
FROM calls
WHERE status IN ('queued','ringing','in_progress') AND last_status_at < $1
ORDER BY last_status_at, id
`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rows, err := q.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	return scanCalls(rows)
}

func findNonTerminalCallByContact(ctx context.Context, q querier, contactID string) (campaign.Call, bool, error) {
	query := `
SELECT ` + callCols + `
FROM calls
WHERE contact_id = $1 AND status IN ('queued','ringing','in_progress')
LIMIT 1
`
	c, err := scanCallRow(q.QueryRowContext(ctx, query, contactID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Call{}, false, nil
	}
	if err != nil {
		return campaign.Call{}, false, err
	}
	return c, true, nil
}

func countActiveCalls(ctx context.Context, q querier, campaignID string) (int, error) {
	const query = `
SELECT COUNT(*) FROM calls
WHERE campaign_id = $1 AND status IN ('queued','ringing','in_progress')
`
	var n int
	if err := q.QueryRowContext(ctx, query, campaignID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func countActiveCallsByLine(ctx context.Context, q querier, phoneNumberID string) (int, error) {
	const query = `
SELECT COUNT(*)
FROM calls c
JOIN campaigns cp ON cp.id = c.campaign_id
WHERE cp.phone_number_id = $1 AND c.status IN ('queued','ringing','in_progress')
`
	var n int
	if err := q.QueryRowContext(ctx, query, phoneNumberID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func countCalls(ctx context.Context, q querier, campaignID string) (int, error) {
	const query = `SELECT COUNT(*) FROM calls WHERE campaign_id = $1`
	var n int
	if err := q.QueryRowContext(ctx, query, campaignID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func countCallsByStatus(ctx context.Context, q querier, campaignID string) (map[campaign.CallStatus]int, error) {
	const query = `SELECT status, COUNT(*) FROM calls WHERE campaign_id = $1 GROUP BY status`
	rows, err := q.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[campaign.CallStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[campaign.CallStatus(status)] = n
	}
	return out, rows.Err()
}

// dialableContactFilter encodes eligibility for a new dial: no call in
// flight, no terminal outcome other than failed, and at most $redial failed
// attempts (application-level redial budget; 0 disables redials).
const dialableContactFilter = `
NOT EXISTS (
  SELECT 1 FROM calls
  WHERE contact_id = c.id AND status IN ('queued','ringing','in_progress')
)
AND NOT EXISTS (
  SELECT 1 FROM calls
  WHERE contact_id = c.id AND status IN ('ended','canceled','timeout')
)
AND (
  SELECT COUNT(*) FROM calls
  WHERE contact_id = c.id AND status = 'failed'
) <= `

func listDialableContacts(ctx context.Context, q querier, campaignID string, batch, redialLimit, limit int) ([]campaign.Contact, error) {
	query := `
SELECT c.id, c.campaign_id, c.name, c.business_name, c.phone, c.batch_index, c.created_at
FROM contacts c
WHERE c.campaign_id = $1
AND ` + dialableContactFilter + `$2`
	args := []any{campaignID, redialLimit}
	if batch >= 0 {
		query += ` AND c.batch_index = $3`
		args = append(args, batch)
	}
	query += ` ORDER BY c.created_at, c.id`
	if limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campaign.Contact
	for rows.Next() {
		var c campaign.Contact
		if err := rows.Scan(&c.ID, &c.CampaignID, &c.Name, &c.BusinessName, &c.Phone, &c.BatchIndex, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nextPendingBatch(ctx context.Context, q querier, campaignID string, redialLimit int) (int, bool, error) {
	query := `
SELECT MIN(c.batch_index)
FROM contacts c
WHERE c.campaign_id = $1
AND ` + dialableContactFilter + `$2`

	var batch sql.NullInt64
	if err := q.QueryRowContext(ctx, query, campaignID, redialLimit).Scan(&batch); err != nil {
		return 0, false, err
	}
	if !batch.Valid {
		return 0, false, nil
	}
	return int(batch.Int64), true, nil
}

func listEvents(ctx context.Context, q querier, callID string) ([]campaign.CallEvent, error) {
	const query = `
SELECT id, call_id, campaign_id, status, raw_payload, created_at
FROM call_events WHERE call_id = $1 ORDER BY created_at, id
`
	rows, err := q.QueryContext(ctx, query, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campaign.CallEvent
	for rows.Next() {
		var e campaign.CallEvent
		var status string
		if err := rows.Scan(&e.ID, &e.CallID, &e.CampaignID, &status, &e.RawPayload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Status = campaign.CallStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

