package store

import (
	"context"
	"time"

	"github.com/basket/taskscheduler/internal/shared"
)

// AuditEntry is one row of the audit_log table: a record of a mutating
// action taken against a task, independent of that task's own result
// history (which only covers firings, not create/update/delete/batch
// operations).
type AuditEntry struct {
	Actor     string
	Action    string
	TargetID  string
	Outcome   string
	Detail    string
	CreatedAt time.Time
}

// RecordAudit appends an audit_log row. Detail is redacted with the same
// secret-pattern scrubber used for captured task output, since it may
// carry operator-supplied reasons or script fragments.
func (s *Store) RecordAudit(ctx context.Context, e AuditEntry) error {
	if e.Actor == "" {
		e.Actor = "system"
	}
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_log (actor, action, target_id, outcome, detail, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			e.Actor, e.Action, e.TargetID, e.Outcome, shared.Redact(e.Detail), e.CreatedAt)
		return err
	})
}
