package batch_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskscheduler/internal/batch"
	"github.com/basket/taskscheduler/internal/runner"
	"github.com/basket/taskscheduler/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "scheduler.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func insertTask(t *testing.T, s *store.Store, task store.Task) int64 {
	t.Helper()
	now := time.Now().UTC()
	task.CreatedAt, task.UpdatedAt = now, now
	id, err := s.InsertTask(context.Background(), task)
	if err != nil {
		t.Fatalf("InsertTask(%s): %v", task.Name, err)
	}
	return id
}

func TestApply_DeletePartitionsDeletedAndMissing(t *testing.T) {
	s := openTestStore(t)
	id := insertTask(t, s, store.Task{Name: "a", Account: "ops", ScriptBody: "true", IsActive: true})
	ghost := id + 1000

	ops := &batch.Ops{Store: s, Runner: runner.New(runner.Config{Store: s})}
	result, err := ops.Apply(context.Background(), batch.ActionDelete, []int64{id, ghost})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(result.Deleted) != 1 || result.Deleted[0] != id {
		t.Fatalf("Deleted = %v, want [%d]", result.Deleted, id)
	}
	if len(result.Missing) != 1 || result.Missing[0] != ghost {
		t.Fatalf("Missing = %v, want [%d]", result.Missing, ghost)
	}
}

func TestApply_EnableDisablePartitionsUpdatedUnchangedMissing(t *testing.T) {
	s := openTestStore(t)
	active := insertTask(t, s, store.Task{Name: "active", Account: "ops", ScriptBody: "true", IsActive: true})
	inactive := insertTask(t, s, store.Task{Name: "inactive", Account: "ops", ScriptBody: "true", IsActive: false})
	ghost := active + inactive + 1000

	ops := &batch.Ops{Store: s, Runner: runner.New(runner.Config{Store: s})}
	result, err := ops.Apply(context.Background(), batch.ActionDisable, []int64{active, inactive, ghost})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(result.Updated) != 1 || result.Updated[0] != active {
		t.Fatalf("Updated = %v, want [%d]", result.Updated, active)
	}
	if len(result.Unchanged) != 1 || result.Unchanged[0] != inactive {
		t.Fatalf("Unchanged = %v, want [%d]", result.Unchanged, inactive)
	}
	if len(result.Missing) != 1 || result.Missing[0] != ghost {
		t.Fatalf("Missing = %v, want [%d]", result.Missing, ghost)
	}
}

// A run against a never-succeeded prerequisite yields blocked.
func TestApply_RunPartitionsBlockedAndQueued(t *testing.T) {
	s := openTestStore(t)
	parent := insertTask(t, s, store.Task{Name: "parent", Account: "ops", ScriptBody: "exit 0", IsActive: true})
	child := insertTask(t, s, store.Task{Name: "child", Account: "ops", ScriptBody: "echo ok", IsActive: true, PreTaskIDs: []int64{parent}})
	ghost := parent + child + 1000

	r := runner.New(runner.Config{Store: s, TaskTimeout: 5 * time.Second})
	ops := &batch.Ops{Store: s, Runner: r}

	result, err := ops.Apply(context.Background(), batch.ActionRun, []int64{child, parent, ghost})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(result.Blocked) != 1 || result.Blocked[0] != child {
		t.Fatalf("Blocked = %v, want [%d]", result.Blocked, child)
	}
	if len(result.Queued) != 1 || result.Queued[0] != parent {
		t.Fatalf("Queued = %v, want [%d]", result.Queued, parent)
	}
	if len(result.Missing) != 1 || result.Missing[0] != ghost {
		t.Fatalf("Missing = %v, want [%d]", result.Missing, ghost)
	}
}
