// Package batch implements the BatchOps operation (spec §4.6): apply one
// action to a list of task ids, best-effort per id, and report which
// outcome bucket each id landed in.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/taskscheduler/internal/apperr"
	"github.com/basket/taskscheduler/internal/runner"
	"github.com/basket/taskscheduler/internal/store"
)

// Action enumerates the BatchOps actions.
type Action string

const (
	ActionDelete  Action = "delete"
	ActionEnable  Action = "enable"
	ActionDisable Action = "disable"
	ActionRun     Action = "run"
)

// Result partitions task ids into outcome buckets. Which buckets are
// populated depends on Action: delete uses Deleted/Missing; enable/disable
// use Updated/Unchanged/Missing; run uses Queued/Running/Blocked/Missing.
type Result struct {
	Deleted   []int64 `json:"deleted,omitempty"`
	Updated   []int64 `json:"updated,omitempty"`
	Unchanged []int64 `json:"unchanged,omitempty"`
	Queued    []int64 `json:"queued,omitempty"`
	Running   []int64 `json:"running,omitempty"`
	Blocked   []int64 `json:"blocked,omitempty"`
	Missing   []int64 `json:"missing,omitempty"`
}

// Ops applies BatchOps actions against a Store and Runner.
type Ops struct {
	Store  *store.Store
	Runner *runner.Runner
	Now    func() time.Time
}

// Apply runs action against every id in taskIDs, independently: one id's
// failure or outcome never affects another's.
func (o *Ops) Apply(ctx context.Context, action Action, taskIDs []int64) (Result, error) {
	now := o.Now
	if now == nil {
		now = time.Now
	}

	var result Result
	for _, id := range taskIDs {
		switch action {
		case ActionDelete:
			o.applyDelete(ctx, id, &result)
		case ActionEnable:
			o.applyToggle(ctx, id, true, &result, now)
		case ActionDisable:
			o.applyToggle(ctx, id, false, &result, now)
		case ActionRun:
			o.applyRun(ctx, id, &result)
		default:
			return Result{}, fmt.Errorf("unknown batch action %q: %w", action, apperr.ValidationFailed)
		}
	}
	return result, nil
}

func (o *Ops) applyDelete(ctx context.Context, id int64, result *Result) {
	err := o.Store.DeleteTask(ctx, id)
	switch {
	case err == nil:
		result.Deleted = append(result.Deleted, id)
	case errors.Is(err, apperr.NotFound):
		result.Missing = append(result.Missing, id)
	default:
		result.Missing = append(result.Missing, id)
	}
}

func (o *Ops) applyToggle(ctx context.Context, id int64, active bool, result *Result, now func() time.Time) {
	task, err := o.Store.GetTask(ctx, id)
	if errors.Is(err, apperr.NotFound) {
		result.Missing = append(result.Missing, id)
		return
	}
	if err != nil {
		result.Missing = append(result.Missing, id)
		return
	}
	if task.IsActive == active {
		result.Unchanged = append(result.Unchanged, id)
		return
	}
	task.IsActive = active
	task.UpdatedAt = now()
	if err := o.Store.UpdateTask(ctx, task); err != nil {
		result.Missing = append(result.Missing, id)
		return
	}
	result.Updated = append(result.Updated, id)
}

func (o *Ops) applyRun(ctx context.Context, id int64, result *Result) {
	task, err := o.Store.GetTask(ctx, id)
	if errors.Is(err, apperr.NotFound) {
		result.Missing = append(result.Missing, id)
		return
	}
	if err != nil {
		result.Missing = append(result.Missing, id)
		return
	}

	outcome, err := o.Runner.Submit(ctx, task, "manual")
	if err != nil {
		result.Missing = append(result.Missing, id)
		return
	}
	switch outcome {
	case runner.OutcomeQueued:
		result.Queued = append(result.Queued, id)
	case runner.OutcomeRunning:
		result.Running = append(result.Running, id)
	case runner.OutcomeBlocked:
		result.Blocked = append(result.Blocked, id)
	}
}
