package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/taskscheduler/internal/apperr"
)

// TriggerType enumerates how a task is set in motion.
type TriggerType string

const (
	TriggerSchedule TriggerType = "schedule"
	TriggerEvent    TriggerType = "event"
	TriggerManual   TriggerType = "manual"
)

// RunStatus is the outcome of a single task execution.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailure RunStatus = "failure"
	RunStatusTimeout RunStatus = "timeout"
	RunStatusBlocked RunStatus = "blocked"
)

// Task is a scheduled or event-driven unit of work (spec §3). ID is
// assigned by the Store on insert (monotone, positive, unique) and is
// never set by callers of InsertTask.
type Task struct {
	ID                    int64       `json:"id"`
	Name                  string      `json:"name"`
	Account               string      `json:"account"`
	TriggerType           TriggerType `json:"trigger_type"`
	ScheduleExpression    string      `json:"schedule_expression,omitempty"`
	EventType             string      `json:"event_type,omitempty"`
	ConditionScript       string      `json:"condition_script,omitempty"`
	ConditionIntervalSecs int         `json:"condition_interval_seconds,omitempty"`
	ScriptBody            string      `json:"script_body"`
	PreTaskIDs            []int64     `json:"pre_task_ids"`
	IsActive              bool        `json:"is_active"`
	CreatedAt             time.Time   `json:"created_at"`
	UpdatedAt             time.Time   `json:"updated_at"`
	NextRunAt             *time.Time  `json:"next_run_at,omitempty"`
	LastRunAt             *time.Time  `json:"last_run_at,omitempty"`
	LastStatus            string      `json:"last_status,omitempty"`
}

// TaskResult records the outcome of one firing of a Task (spec §3). ID is
// assigned by the Store on insert, same as Task.ID.
type TaskResult struct {
	ID            int64      `json:"id"`
	TaskID        int64      `json:"task_id"`
	Status        RunStatus  `json:"status"`
	TriggerReason string     `json:"trigger_reason"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Log           string     `json:"log"`
	ExitCode      *int       `json:"exit_code,omitempty"`
}

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var t Task
	var schedule, eventType, condScript, lastStatus sql.NullString
	var condInterval sql.NullInt64
	var preTaskIDs string
	var isActive int
	var nextRunAt, lastRunAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.Name, &t.Account, &t.TriggerType,
		&schedule, &eventType, &condScript, &condInterval,
		&t.ScriptBody, &preTaskIDs, &isActive,
		&t.CreatedAt, &t.UpdatedAt, &nextRunAt, &lastRunAt, &lastStatus,
	)
	if err != nil {
		return Task{}, err
	}

	t.ScheduleExpression = schedule.String
	t.EventType = eventType.String
	t.ConditionScript = condScript.String
	t.ConditionIntervalSecs = int(condInterval.Int64)
	t.IsActive = isActive != 0
	t.LastStatus = lastStatus.String
	if nextRunAt.Valid {
		v := nextRunAt.Time
		t.NextRunAt = &v
	}
	if lastRunAt.Valid {
		v := lastRunAt.Time
		t.LastRunAt = &v
	}
	if err := json.Unmarshal([]byte(preTaskIDs), &t.PreTaskIDs); err != nil {
		t.PreTaskIDs = nil
	}
	return t, nil
}

const taskColumns = `id, name, account, trigger_type, schedule_expression, event_type,
	condition_script, condition_interval_seconds, script_body, pre_task_ids,
	is_active, created_at, updated_at, next_run_at, last_run_at, last_status`

// InsertTask persists a new task definition and returns the id the Store
// assigned it (spec §3: "monotone positive integer, unique, assigned by
// Store on insert"). Callers are expected to have already validated the
// trigger-specific fields (spec §3 invariants) and resolved the account
// name against internal/accounts; any t.ID the caller set is ignored.
func (s *Store) InsertTask(ctx context.Context, t Task) (int64, error) {
	preTaskIDs, err := json.Marshal(t.PreTaskIDs)
	if err != nil {
		return 0, fmt.Errorf("marshal pre_task_ids: %w", err)
	}
	var id int64
	err = retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (name, account, trigger_type, schedule_expression,
				event_type, condition_script, condition_interval_seconds, script_body,
				pre_task_ids, is_active, created_at, updated_at, next_run_at, last_run_at, last_status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.Name, t.Account, t.TriggerType, nullString(t.ScheduleExpression),
			nullString(t.EventType), nullString(t.ConditionScript), nullInt(t.ConditionIntervalSecs),
			t.ScriptBody, string(preTaskIDs), boolToInt(t.IsActive), t.CreatedAt, t.UpdatedAt,
			nullTime(t.NextRunAt), nullTime(t.LastRunAt), nullString(t.LastStatus))
		if isSQLiteUniqueViolation(err) {
			return fmt.Errorf("task name %q: %w", t.Name, apperr.Conflict)
		}
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// UpdateTask overwrites the mutable fields of an existing task definition.
func (s *Store) UpdateTask(ctx context.Context, t Task) error {
	preTaskIDs, err := json.Marshal(t.PreTaskIDs)
	if err != nil {
		return fmt.Errorf("marshal pre_task_ids: %w", err)
	}
	return retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET name = ?, account = ?, trigger_type = ?, schedule_expression = ?,
				event_type = ?, condition_script = ?, condition_interval_seconds = ?,
				script_body = ?, pre_task_ids = ?, is_active = ?, updated_at = ?,
				next_run_at = ?
			WHERE id = ?`,
			t.Name, t.Account, t.TriggerType, nullString(t.ScheduleExpression),
			nullString(t.EventType), nullString(t.ConditionScript), nullInt(t.ConditionIntervalSecs),
			t.ScriptBody, string(preTaskIDs), boolToInt(t.IsActive), t.UpdatedAt,
			nullTime(t.NextRunAt), t.ID)
		if isSQLiteUniqueViolation(err) {
			return fmt.Errorf("task name %q: %w", t.Name, apperr.Conflict)
		}
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("task %d: %w", t.ID, apperr.NotFound)
		}
		return nil
	})
}

// DeleteTask removes a task and its results (ON DELETE CASCADE).
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	return retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("task %d: %w", id, apperr.NotFound)
		}
		return nil
	})
}

// GetTask fetches a single task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		return Task{}, wrapNotFound(err, "task", id)
	}
	return t, nil
}

// ListTasks returns every task, ordered by name for stable pagination by
// the gateway.
func (s *Store) ListTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListActiveScheduleTasks returns active schedule-triggered tasks, used by
// the dispatcher's tick scan.
func (s *Store) ListActiveScheduleTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE is_active = 1 AND trigger_type = ?`, TriggerSchedule)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListActiveEventTasks returns active event-triggered tasks, used by the
// dispatcher to start and stop condition pollers as tasks are toggled.
func (s *Store) ListActiveEventTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE is_active = 1 AND trigger_type = ?`, TriggerEvent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetNextRunAt updates a schedule-triggered task's next_run_at cursor.
func (s *Store) SetNextRunAt(ctx context.Context, id int64, at *time.Time) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE tasks SET next_run_at = ? WHERE id = ?`, nullTime(at), id)
		return err
	})
}

// SetLastRun records the most recent firing's start time and outcome on
// the task row itself, so list views don't need a join against results.
func (s *Store) SetLastRun(ctx context.Context, id int64, at time.Time, status RunStatus) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE tasks SET last_run_at = ?, last_status = ? WHERE id = ?`, at, string(status), id)
		return err
	})
}

// LatestSuccess returns the started_at timestamp of the most recent
// successful result for taskID, or nil if the task has never succeeded.
// This backs the Runner's prerequisite gate (spec §4.5).
func (s *Store) LatestSuccess(ctx context.Context, taskID int64) (*time.Time, error) {
	var started time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT started_at FROM task_results
		WHERE task_id = ? AND status = ?
		ORDER BY started_at DESC LIMIT 1`, taskID, RunStatusSuccess).Scan(&started)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &started, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
