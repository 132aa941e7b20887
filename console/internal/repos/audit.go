package repos

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// BatchSender is satisfied by *pgxpool.Pool and pgx.Tx.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// AuditEntry is one operator request against the console.
type AuditEntry struct {
	OccurredAt   time.Time
	Subject      string
	Action       string
	ResourceType string
	ResourceID   string
	RequestID    string
	Method       string
	Path         string
	StatusCode   int
	DurationMS   int64
	ClientIP     string
	UserAgent    string
	Details      []byte
}

const schemaAuditLogs = `
CREATE TABLE IF NOT EXISTS console_audit_logs (
	audit_id      BIGSERIAL PRIMARY KEY,
	occurred_at   TIMESTAMPTZ NOT NULL,
	subject       TEXT,
	action        TEXT NOT NULL,
	resource_type TEXT,
	resource_id   TEXT,
	request_id    TEXT,
	method        TEXT,
	path          TEXT,
	status_code   INTEGER NOT NULL,
	duration_ms   BIGINT NOT NULL,
	client_ip     TEXT,
	user_agent    TEXT,
	details       JSONB
);
CREATE INDEX IF NOT EXISTS console_audit_logs_occurred_at_idx ON console_audit_logs (occurred_at DESC);
`

const insertAuditLog = `
	INSERT INTO console_audit_logs (
		occurred_at, subject, action, resource_type, resource_id,
		request_id, method, path, status_code, duration_ms,
		client_ip, user_agent, details
	) VALUES (
		$1, $2, $3, $4, $5,
		$6, $7, $8, $9, $10,
		$11, $12, $13
	)
`

type AuditRepo struct {
	db BatchSender
}

func NewAuditRepo(db BatchSender) *AuditRepo {
	return &AuditRepo{db: db}
}

// EnsureSchema creates the audit table if it does not exist.
func EnsureSchema(ctx context.Context, db DBTX) error {
	if _, err := db.Exec(ctx, schemaAuditLogs); err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

func (r *AuditRepo) WriteAuditLog(ctx context.Context, entries []AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i := range entries {
		entry := entries[i]
		if entry.OccurredAt.IsZero() {
			entry.OccurredAt = time.Now().UTC()
		}
		batch.Queue(insertAuditLog,
			entry.OccurredAt,
			nullIfEmpty(entry.Subject),
			entry.Action,
			nullIfEmpty(entry.ResourceType),
			nullIfEmpty(entry.ResourceID),
			nullIfEmpty(entry.RequestID),
			nullIfEmpty(entry.Method),
			nullIfEmpty(entry.Path),
			entry.StatusCode,
			entry.DurationMS,
			nullIfEmpty(entry.ClientIP),
			nullIfEmpty(entry.UserAgent),
			entry.Details,
		)
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()

	for range entries {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("write audit log: %w", err)
		}
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
