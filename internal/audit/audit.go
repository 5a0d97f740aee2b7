// Package audit records every mutating API call — task create/update/
// delete, manual runs, batch operations — to both a JSONL file and the
// store's audit_log table, double-writing to file and database so an
// operator has a trail beyond the bare task/result history.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/taskscheduler/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	TargetID  string `json:"target_id"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu   sync.Mutex
	file *os.File
	db   *sql.DB
)

// Init opens the JSONL audit log under homeDir/logs/audit.jsonl.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database connection audit_log rows are written to,
// in addition to the JSONL file.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

// Close releases the JSONL file handle.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// Record logs one mutating action: actor is the Basic-Auth username (or
// "system" for dispatcher-originated actions), action is e.g.
// "task.create"/"task.delete"/"task.run"/"batch.disable", targetID is the
// task id (or a batch-summary string), and outcome/detail describe the
// result. Secrets are redacted from detail before persistence, since a
// task's script_body or condition_script may leak into it.
func Record(actor, action, targetID, outcome, detail string) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{Timestamp: now, Actor: actor, Action: action, TargetID: targetID, Outcome: outcome, Detail: detail}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (actor, action, target_id, outcome, detail, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, actor, action, targetID, outcome, detail, now)
	}
}
