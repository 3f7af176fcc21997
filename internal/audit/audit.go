// Package audit records approval actions in an external audit trail.
package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/pitabwire/signoff/model"
)

var (
	_ model.Auditor = RecorderFunc(nil)
	_ model.Auditor = (*LogAuditor)(nil)
	_ model.Auditor = (*PgAuditor)(nil)
)

// RecorderFunc adapts a plain function to model.Auditor.
type RecorderFunc func(ctx context.Context, rec model.AuditRecord) error

// RecordAction calls f.
func (f RecorderFunc) RecordAction(ctx context.Context, rec model.AuditRecord) error {
	return f(ctx, rec)
}

// LogAuditor writes audit records to a zap logger.
type LogAuditor struct {
	logger *zap.Logger
}

// NewLogAuditor creates a LogAuditor.
func NewLogAuditor(logger *zap.Logger) *LogAuditor {
	return &LogAuditor{logger: logger}
}

// RecordAction implements model.Auditor.
func (a *LogAuditor) RecordAction(_ context.Context, rec model.AuditRecord) error {
	a.logger.Info("audit",
		zap.String("action", rec.Action),
		zap.String("module_id", rec.ModuleID),
		zap.String("entity_id", rec.EntityID),
		zap.String("user_id", rec.UserID),
		zap.Any("details", rec.Details),
	)
	return nil
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS approval_audit_log (
	id         BIGSERIAL PRIMARY KEY,
	action     TEXT NOT NULL,
	module_id  TEXT NOT NULL,
	entity_id  TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	details    JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_approval_audit_entity ON approval_audit_log (module_id, entity_id)`

// PgAuditor appends audit records to the approval_audit_log table.
type PgAuditor struct {
	pool *pgxpool.Pool
}

// NewPgAuditor creates a PostgreSQL-backed auditor.
func NewPgAuditor(pool *pgxpool.Pool) *PgAuditor {
	return &PgAuditor{pool: pool}
}

// Migrate creates the audit table if it does not exist.
func (a *PgAuditor) Migrate(ctx context.Context) error {
	if _, err := a.pool.Exec(ctx, auditSchema); err != nil {
		return fmt.Errorf("migrate approval_audit_log: %w", err)
	}
	return nil
}

// RecordAction implements model.Auditor.
func (a *PgAuditor) RecordAction(ctx context.Context, rec model.AuditRecord) error {
	var details []byte
	if rec.Details != nil {
		var err error
		if details, err = json.Marshal(rec.Details); err != nil {
			return fmt.Errorf("encode audit details: %w", err)
		}
	}
	_, err := a.pool.Exec(ctx, `
		INSERT INTO approval_audit_log (action, module_id, entity_id, user_id, details)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.Action, rec.ModuleID, rec.EntityID, rec.UserID, details)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}
