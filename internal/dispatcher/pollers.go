package dispatcher

import (
	"context"
	"time"

	"github.com/basket/taskscheduler/internal/condition"
	"github.com/basket/taskscheduler/internal/shared"
)

const scriptEventType = "script"

// reconcilePollers implements spec §4.4 step 3: start a Poller for every
// active event/script task that doesn't have one yet, and stop pollers
// belonging to tasks that were deactivated or deleted since the last
// reconciliation.
func (d *Dispatcher) reconcilePollers(ctx context.Context) {
	tasks, err := d.store.ListActiveEventTasks(ctx)
	if err != nil {
		d.logger.Error("list active event tasks for poller reconciliation failed", "error", err)
		return
	}

	wanted := make(map[int64]struct{}, len(tasks))
	for _, task := range tasks {
		if task.EventType != scriptEventType {
			continue
		}
		wanted[task.ID] = struct{}{}

		d.pollersMu.Lock()
		_, alive := d.pollers[task.ID]
		d.pollersMu.Unlock()
		if alive {
			continue
		}

		interval := time.Duration(task.ConditionIntervalSecs) * time.Second
		poller := condition.NewPoller(task.ID, task.Account, task.ConditionScript, interval, d.condTimeout, d.fireFromCondition, d.logger)
		poller.SetTracer(d.tracer)
		if d.metrics != nil {
			poller.SetOnProbe(func() {
				d.metrics.ConditionProbesTotal.Add(context.Background(), 1)
			})
		}
		poller.Start(ctx)

		d.pollersMu.Lock()
		d.pollers[task.ID] = poller
		d.pollersMu.Unlock()
	}

	d.reapStalePollers(wanted)
}

func (d *Dispatcher) reapStalePollers(wanted map[int64]struct{}) {
	d.pollersMu.Lock()
	var stale []*condition.Poller
	for id, poller := range d.pollers {
		if _, ok := wanted[id]; ok {
			continue
		}
		stale = append(stale, poller)
		delete(d.pollers, id)
	}
	d.pollersMu.Unlock()

	for _, poller := range stale {
		poller.Stop()
	}
}

func (d *Dispatcher) stopAllPollers() {
	d.pollersMu.Lock()
	pollers := make([]*condition.Poller, 0, len(d.pollers))
	for id, poller := range d.pollers {
		pollers = append(pollers, poller)
		delete(d.pollers, id)
	}
	d.pollersMu.Unlock()

	for _, poller := range pollers {
		poller.Stop()
	}
}

// fireFromCondition is the FireFunc passed to every Poller: it looks up
// the current task row (so deactivation is respected) and submits a
// fire-request if it's still active.
func (d *Dispatcher) fireFromCondition(ctx context.Context, taskID int64, reason string) {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		d.logger.Error("condition fire: task lookup failed", "task_id", taskID, "error", err)
		return
	}
	if !task.IsActive {
		return
	}
	fireCtx := shared.WithTraceID(ctx, shared.NewTraceID())
	if _, err := d.runner.Submit(fireCtx, task, reason); err != nil {
		d.logger.Error("condition fire submit failed", "task_id", taskID, "error", err)
	}
}
