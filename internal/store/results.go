package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/taskscheduler/internal/apperr"
)

const resultColumns = `id, task_id, status, trigger_reason, started_at, finished_at, log, exit_code`

func scanResult(row interface{ Scan(...any) error }) (TaskResult, error) {
	var r TaskResult
	var finishedAt sql.NullTime
	var exitCode sql.NullInt64

	err := row.Scan(&r.ID, &r.TaskID, &r.Status, &r.TriggerReason, &r.StartedAt, &finishedAt, &r.Log, &exitCode)
	if err != nil {
		return TaskResult{}, err
	}
	if finishedAt.Valid {
		v := finishedAt.Time
		r.FinishedAt = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		r.ExitCode = &v
	}
	return r, nil
}

// InsertRunningResult records the start of a task firing and returns the
// id the Store assigned it. The returned row is finalized later via
// FinalizeResult once the runner's spawned process exits or is killed for
// timeout.
func (s *Store) InsertRunningResult(ctx context.Context, r TaskResult) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO task_results (task_id, status, trigger_reason, started_at, finished_at, log, exit_code)
			VALUES (?, ?, ?, ?, NULL, '', NULL)`,
			r.TaskID, RunStatusRunning, r.TriggerReason, r.StartedAt)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// FinalizeResult writes the terminal status, captured log, and exit code
// for a previously-inserted running result.
func (s *Store) FinalizeResult(ctx context.Context, id int64, status RunStatus, finishedAt time.Time, log string, exitCode *int) error {
	return retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE task_results SET status = ?, finished_at = ?, log = ?, exit_code = ?
			WHERE id = ?`, string(status), finishedAt, log, nullExitCode(exitCode), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("result %d: %w", id, apperr.NotFound)
		}
		return nil
	})
}

// ListResults returns a task's results, most recent first, bounded by
// limit (0 means unbounded).
func (s *Store) ListResults(ctx context.Context, taskID int64, limit int) ([]TaskResult, error) {
	query := `SELECT ` + resultColumns + ` FROM task_results WHERE task_id = ? ORDER BY started_at DESC`
	args := []any{taskID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteResult removes a single result row scoped to its parent task, so
// a caller can't delete another task's result by guessing an id.
func (s *Store) DeleteResult(ctx context.Context, taskID, resultID int64) error {
	return retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM task_results WHERE id = ? AND task_id = ?`, resultID, taskID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("result %d on task %d: %w", resultID, taskID, apperr.NotFound)
		}
		return nil
	})
}

// ClearResults deletes every result recorded for a task, used by the
// "purge history" REST operation.
func (s *Store) ClearResults(ctx context.Context, taskID int64) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM task_results WHERE task_id = ?`, taskID)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func nullExitCode(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
