// Package api is the read/write projection the gateway's REST handlers
// call into: plain Go structs and validation, no net/http in sight. It
// plays the role internal/persistence's higher-level helpers play for the
// teacher's gateway — a seam that lets the transport stay a thin JSON
// wrapper.
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/taskscheduler/internal/accounts"
	"github.com/basket/taskscheduler/internal/apperr"
	"github.com/basket/taskscheduler/internal/batch"
	"github.com/basket/taskscheduler/internal/cronparser"
	"github.com/basket/taskscheduler/internal/runner"
	"github.com/basket/taskscheduler/internal/store"
)

// Service wires the Store, Runner, and BatchOps together behind the
// operations the gateway's REST surface needs (spec §6).
type Service struct {
	Store  *store.Store
	Runner *runner.Runner
	ops    *batch.Ops
	Now    func() time.Time
}

// NewService constructs a Service, wiring its batch.Ops from the same
// Store and Runner and defaulting Now to time.Now.
func NewService(st *store.Store, rn *runner.Runner) *Service {
	now := time.Now
	return &Service{
		Store:  st,
		Runner: rn,
		ops:    &batch.Ops{Store: st, Runner: rn, Now: now},
		Now:    now,
	}
}

// TaskInput is the create/update request body: every field of Task the
// caller may set directly.
type TaskInput struct {
	Name                  string   `json:"name"`
	Account               string   `json:"account"`
	TriggerType           string   `json:"trigger_type"`
	ScheduleExpression    string   `json:"schedule_expression,omitempty"`
	EventType             string   `json:"event_type,omitempty"`
	ConditionScript       string   `json:"condition_script,omitempty"`
	ConditionIntervalSecs int      `json:"condition_interval_seconds,omitempty"`
	ScriptBody            string  `json:"script_body"`
	PreTaskIDs            []int64 `json:"pre_task_ids,omitempty"`
	IsActive              bool    `json:"is_active"`
}

// TaskView is what GET /api/tasks and friends return: the stored task with
// its latest result embedded (spec §6 "list tasks with latest result
// embedded").
type TaskView struct {
	store.Task
	LatestResult *store.TaskResult `json:"latest_result,omitempty"`
}

func now() time.Time { return time.Now() }

func (s *Service) clock() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return now()
}

// validate applies spec §3's per-field and pre_task_ids invariants. It does
// not check that prerequisite ids exist or that they don't form a cycle —
// that needs Store access and is done by the caller (CreateTask/UpdateTask)
// since it must run against the in-flight change, not the input alone.
func validate(in TaskInput) error {
	if in.Name == "" {
		return fmt.Errorf("name is required: %w", apperr.ValidationFailed)
	}
	if in.Account == "" {
		return fmt.Errorf("account is required: %w", apperr.ValidationFailed)
	}
	if in.ScriptBody == "" {
		return fmt.Errorf("script_body is required: %w", apperr.ValidationFailed)
	}

	switch store.TriggerType(in.TriggerType) {
	case store.TriggerSchedule:
		if in.ScheduleExpression == "" {
			return fmt.Errorf("schedule_expression is required for trigger_type=schedule: %w", apperr.ValidationFailed)
		}
		if _, err := cronparser.Parse(in.ScheduleExpression); err != nil {
			return fmt.Errorf("schedule_expression: %w: %w", err, apperr.ValidationFailed)
		}
	case store.TriggerEvent:
		switch in.EventType {
		case "script":
			if in.ConditionScript == "" {
				return fmt.Errorf("condition_script is required for event_type=script: %w", apperr.ValidationFailed)
			}
		case "system_boot", "system_shutdown":
			// no further fields required
		default:
			return fmt.Errorf("event_type must be script, system_boot, or system_shutdown: %w", apperr.ValidationFailed)
		}
	default:
		return fmt.Errorf("trigger_type must be schedule or event: %w", apperr.ValidationFailed)
	}

	seen := make(map[int64]struct{}, len(in.PreTaskIDs))
	for _, id := range in.PreTaskIDs {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("pre_task_ids contains duplicate %d: %w", id, apperr.ValidationFailed)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// checkPrerequisites confirms every referenced id exists, isn't selfID, and
// that adding selfID -> ids doesn't create a cycle in the prerequisite
// graph. Cycles are rejected at write time rather than detected at fire
// time (documented design decision). selfID is 0 for a task being created
// (ids are assigned starting at 1, so 0 can never collide with a real id).
func (s *Service) checkPrerequisites(ctx context.Context, selfID int64, ids []int64) error {
	for _, id := range ids {
		if id == selfID {
			return fmt.Errorf("pre_task_ids may not include the task's own id: %w", apperr.ValidationFailed)
		}
		if _, err := s.Store.GetTask(ctx, id); err != nil {
			return fmt.Errorf("pre_task_id %d: %w", id, apperr.ValidationFailed)
		}
	}

	visited := map[int64]bool{selfID: true}
	var walk func(id int64) error
	walk = func(id int64) error {
		task, err := s.Store.GetTask(ctx, id)
		if err != nil {
			return nil // already validated to exist above; ignore races here
		}
		for _, dep := range task.PreTaskIDs {
			if visited[dep] {
				return fmt.Errorf("pre_task_ids would create a dependency cycle through %d: %w", dep, apperr.ValidationFailed)
			}
			visited[dep] = true
			if err := walk(dep); err != nil {
				return err
			}
		}
		return nil
	}
	for _, id := range ids {
		if err := walk(id); err != nil {
			return err
		}
	}
	return nil
}

// CreateTask validates in and persists the task, letting the Store assign
// its id.
func (s *Service) CreateTask(ctx context.Context, in TaskInput) (store.Task, error) {
	if err := validate(in); err != nil {
		return store.Task{}, err
	}

	if err := s.checkPrerequisites(ctx, 0, in.PreTaskIDs); err != nil {
		return store.Task{}, err
	}

	now := s.clock()
	task := store.Task{
		Name:                  in.Name,
		Account:               in.Account,
		TriggerType:           store.TriggerType(in.TriggerType),
		ScheduleExpression:    in.ScheduleExpression,
		EventType:             in.EventType,
		ConditionScript:       in.ConditionScript,
		ConditionIntervalSecs: conditionIntervalOrDefault(in),
		ScriptBody:            in.ScriptBody,
		PreTaskIDs:            in.PreTaskIDs,
		IsActive:              in.IsActive,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	id, err := s.Store.InsertTask(ctx, task)
	if err != nil {
		return store.Task{}, err
	}
	task.ID = id
	return task, nil
}

func conditionIntervalOrDefault(in TaskInput) int {
	if in.EventType == "script" && in.ConditionIntervalSecs <= 0 {
		return 60
	}
	return in.ConditionIntervalSecs
}

// UpdateTask validates in and overwrites task id's mutable fields. Fields
// the dispatcher/runner own (next_run_at, last_*) are preserved from the
// existing row (spec §5's write-ownership separation).
func (s *Service) UpdateTask(ctx context.Context, id int64, in TaskInput) (store.Task, error) {
	if err := validate(in); err != nil {
		return store.Task{}, err
	}
	existing, err := s.Store.GetTask(ctx, id)
	if err != nil {
		return store.Task{}, err
	}
	if err := s.checkPrerequisites(ctx, id, in.PreTaskIDs); err != nil {
		return store.Task{}, err
	}

	task := existing
	task.Name = in.Name
	task.Account = in.Account
	task.TriggerType = store.TriggerType(in.TriggerType)
	task.ScheduleExpression = in.ScheduleExpression
	task.EventType = in.EventType
	task.ConditionScript = in.ConditionScript
	task.ConditionIntervalSecs = conditionIntervalOrDefault(in)
	task.ScriptBody = in.ScriptBody
	task.PreTaskIDs = in.PreTaskIDs
	task.IsActive = in.IsActive
	task.UpdatedAt = s.clock()

	if task.TriggerType != store.TriggerSchedule {
		task.NextRunAt = nil
	} else if existing.TriggerType != store.TriggerSchedule || existing.ScheduleExpression != in.ScheduleExpression || !existing.IsActive && in.IsActive {
		// Schedule changed shape (or task is (re)activating): clear the
		// cursor so the dispatcher recomputes it on the next tick instead
		// of firing against a stale cron expression.
		task.NextRunAt = nil
	}

	if err := s.Store.UpdateTask(ctx, task); err != nil {
		return store.Task{}, err
	}
	return task, nil
}

// DeleteTask removes a task and its results (cascade, spec §3 invariant 6).
func (s *Service) DeleteTask(ctx context.Context, id int64) error {
	return s.Store.DeleteTask(ctx, id)
}

// RunTask enqueues a manual fire (spec §6 "POST /api/tasks/{id}/run").
func (s *Service) RunTask(ctx context.Context, id int64) (runner.Outcome, error) {
	task, err := s.Store.GetTask(ctx, id)
	if err != nil {
		return "", err
	}
	return s.Runner.Submit(ctx, task, "manual")
}

// ListTasks returns every task with its latest result embedded.
func (s *Service) ListTasks(ctx context.Context) ([]TaskView, error) {
	tasks, err := s.Store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		view := TaskView{Task: t}
		results, err := s.Store.ListResults(ctx, t.ID, 1)
		if err != nil {
			return nil, err
		}
		if len(results) == 1 {
			r := results[0]
			view.LatestResult = &r
		}
		views = append(views, view)
	}
	return views, nil
}

// GetTask returns a single task with its latest result embedded.
func (s *Service) GetTask(ctx context.Context, id int64) (TaskView, error) {
	task, err := s.Store.GetTask(ctx, id)
	if err != nil {
		return TaskView{}, err
	}
	view := TaskView{Task: task}
	results, err := s.Store.ListResults(ctx, id, 1)
	if err != nil {
		return TaskView{}, err
	}
	if len(results) == 1 {
		r := results[0]
		view.LatestResult = &r
	}
	return view, nil
}

// ListResults returns up to limit results for taskID, newest first.
func (s *Service) ListResults(ctx context.Context, taskID int64, limit int) ([]store.TaskResult, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.Store.ListResults(ctx, taskID, limit)
}

// DeleteResult removes one result row.
func (s *Service) DeleteResult(ctx context.Context, taskID, resultID int64) error {
	return s.Store.DeleteResult(ctx, taskID, resultID)
}

// ClearResults removes every result row for taskID, returning how many
// rows were removed.
func (s *Service) ClearResults(ctx context.Context, taskID int64) (int64, error) {
	return s.Store.ClearResults(ctx, taskID)
}

// BatchInput is the POST /api/tasks/batch request body.
type BatchInput struct {
	Action  string  `json:"action"`
	TaskIDs []int64 `json:"task_ids"`
}

// Batch applies a BatchOps action to a list of task ids.
func (s *Service) Batch(ctx context.Context, in BatchInput) (batch.Result, error) {
	return s.ops.Apply(ctx, batch.Action(in.Action), in.TaskIDs)
}

// AccountsView is the GET /api/accounts response body.
type AccountsView struct {
	Accounts       []accounts.Account `json:"accounts"`
	PosixSupported bool                `json:"posix_supported"`
	DefaultAccount string              `json:"default_account"`
}

// ListAccounts returns the allowed OS accounts plus defaulting metadata
// (spec §6 "GET /api/accounts").
func (s *Service) ListAccounts() AccountsView {
	list, posixSupported := accounts.List()
	return AccountsView{
		Accounts:       list,
		PosixSupported: posixSupported,
		DefaultAccount: accounts.DefaultAccount(),
	}
}
