package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo appends audit events to the audit_events table.
//
// Expected schema:
//
//	CREATE TABLE audit_events (
//	    id            UUID PRIMARY KEY,
//	    type          TEXT NOT NULL,
//	    actor_user_id TEXT,
//	    actor_role    TEXT,
//	    ip_address    TEXT,
//	    campaign_id   UUID,
//	    call_id       UUID,
//	    message       TEXT,
//	    metadata      JSONB,
//	    created_at    TIMESTAMPTZ NOT NULL
//	);
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events
			(id, type, actor_user_id, actor_role, ip_address, campaign_id, call_id, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, NULLIF($9, ''), $10)`,
		e.ID, string(e.Type), e.ActorUserID, e.ActorRole, e.IPAddress,
		e.CampaignID, e.CallID, e.Message, e.Metadata, e.CreatedAt,
	)
	return err
}
