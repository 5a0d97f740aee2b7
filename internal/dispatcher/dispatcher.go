// Package dispatcher drives the scheduler's single 1 Hz control loop: it
// fires due schedule tasks, keeps one ConditionPoller alive per active
// event/script task, and manages the startup/shutdown lifecycle fires
// (spec §4.4). Its loop shape is grounded on internal/cron/scheduler.go's
// Start/Stop/ticker-driven loop, generalized from "fire due cron rows"
// to the full tick responsibilities spec §4.4 lists.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskscheduler/internal/condition"
	"github.com/basket/taskscheduler/internal/cronparser"
	"github.com/basket/taskscheduler/internal/otel"
	"github.com/basket/taskscheduler/internal/runner"
	"github.com/basket/taskscheduler/internal/shared"
	"github.com/basket/taskscheduler/internal/store"
)

const (
	systemBootEvent     = "system_boot"
	systemShutdownEvent = "system_shutdown"
)

// Config configures a Dispatcher.
type Config struct {
	Store             *store.Store
	Runner            *runner.Runner
	Logger            *slog.Logger
	TickInterval      time.Duration // default 1s
	ShutdownGrace     time.Duration // default 30s
	CronHorizonMonths int           // default cronparser.DefaultHorizonMonths
	ConditionTimeout  time.Duration // default 60s, per-probe timeout for condition pollers
	Metrics           *otel.Metrics // may be nil
	Tracer            trace.Tracer  // may be nil; passed through to condition pollers
	Now               func() time.Time
}

// Dispatcher is the scheduler's single control loop.
type Dispatcher struct {
	store         *store.Store
	runner        *runner.Runner
	logger        *slog.Logger
	tickInterval  time.Duration
	shutdownGrace time.Duration
	horizonMonths int
	now           func() time.Time
	condTimeout   time.Duration
	metrics       *otel.Metrics
	tracer        trace.Tracer

	pollersMu sync.Mutex
	pollers   map[int64]*condition.Poller

	dormantMu sync.Mutex
	dormant   map[int64]bool // tasks whose cron expression failed to parse; logged once

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Dispatcher and wires the Runner's cascade handler back
// into it, so a successful run can fan fire-requests out to dependents.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tickInterval := cfg.TickInterval
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	shutdownGrace := cfg.ShutdownGrace
	if shutdownGrace <= 0 {
		shutdownGrace = 30 * time.Second
	}
	horizon := cfg.CronHorizonMonths
	if horizon <= 0 {
		horizon = cronparser.DefaultHorizonMonths
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	condTimeout := cfg.ConditionTimeout
	if condTimeout <= 0 {
		condTimeout = 60 * time.Second
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}

	d := &Dispatcher{
		store:         cfg.Store,
		runner:        cfg.Runner,
		logger:        logger.With("component", "dispatcher"),
		tickInterval:  tickInterval,
		shutdownGrace: shutdownGrace,
		horizonMonths: horizon,
		now:           now,
		condTimeout:   condTimeout,
		metrics:       cfg.Metrics,
		tracer:        tracer,
		pollers:       make(map[int64]*condition.Poller),
		dormant:       make(map[int64]bool),
	}
	if cfg.Runner != nil {
		cfg.Runner.SetCascadeHandler(d.cascade)
	}
	return d
}

// Run performs the startup lifecycle fire, reconciles condition pollers
// for the tasks already active at boot, then runs the 1 Hz tick loop until
// ctx is canceled. On cancellation it fires the shutdown lifecycle event
// and blocks up to ShutdownGrace waiting for the Runner to drain before
// returning.
func (d *Dispatcher) Run(ctx context.Context) {
	d.fireLifecycleEvent(ctx, systemBootEvent, "event:boot")
	d.reconcilePollers(ctx)

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Add(1)
	go d.loop(loopCtx)

	<-ctx.Done()
	d.shutdown()
}

// Stop is an explicit alternative to canceling the context passed to Run,
// kept for callers (tests, cmd/taskscheduler) that prefer an imperative
// stop over plumbing a cancel func through.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.shutdown()
}

func (d *Dispatcher) shutdown() {
	d.wg.Wait()
	d.stopAllPollers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.shutdownGrace)
	defer cancel()
	d.fireLifecycleEvent(shutdownCtx, systemShutdownEvent, "event:shutdown")

	drained := make(chan struct{})
	go func() {
		d.runner.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		d.logger.Warn("shutdown grace period expired; force-terminating in-flight runs")
		d.runner.Shutdown()
		<-drained
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// tick implements spec §4.4 steps 1-3: it does not separately perform
// step 4 (draining manual/batch fires) because manual fires are submitted
// to the Runner directly by the gateway/batch layer, which needs a
// synchronous queued/running/blocked outcome that an async queue can't
// give back across a tick boundary.
func (d *Dispatcher) tick(ctx context.Context) {
	start := time.Now()
	now := d.now()
	d.fireDueSchedules(ctx, now)
	d.reconcilePollers(ctx)
	if d.metrics != nil {
		d.metrics.TickDuration.Record(ctx, time.Since(start).Seconds())
	}
}

func (d *Dispatcher) fireDueSchedules(ctx context.Context, now time.Time) {
	tasks, err := d.store.ListActiveScheduleTasks(ctx)
	if err != nil {
		d.logger.Error("list active schedule tasks failed", "error", err)
		return
	}

	for _, task := range tasks {
		expr, err := cronparser.Parse(task.ScheduleExpression)
		if err != nil {
			d.logDormantOnce(task.ID, task.ScheduleExpression, err)
			continue
		}

		if task.NextRunAt == nil {
			next, ok := cronparser.NextAfter(expr, now, d.horizonMonths)
			if !ok {
				d.logDormantOnce(task.ID, task.ScheduleExpression, nil)
				continue
			}
			if err := d.store.SetNextRunAt(ctx, task.ID, &next); err != nil {
				d.logger.Error("set next_run_at failed", "task_id", task.ID, "error", err)
			}
			continue
		}

		if task.NextRunAt.After(now) {
			continue
		}

		// Missed-tick coalescing: next_after is always computed from the
		// current tick's now, not from the stale next_run_at, so a task
		// that missed several ticks fires exactly once here.
		fireCtx := shared.WithTraceID(ctx, shared.NewTraceID())
		if _, err := d.runner.Submit(fireCtx, task, "cron"); err != nil {
			d.logger.Error("submit cron fire failed", "task_id", task.ID, "error", err)
		}

		next, ok := cronparser.NextAfter(expr, now, d.horizonMonths)
		if !ok {
			if err := d.store.SetNextRunAt(ctx, task.ID, nil); err != nil {
				d.logger.Error("clear next_run_at failed", "task_id", task.ID, "error", err)
			}
			continue
		}
		if err := d.store.SetNextRunAt(ctx, task.ID, &next); err != nil {
			d.logger.Error("set next_run_at failed", "task_id", task.ID, "error", err)
		}
	}
}

func (d *Dispatcher) logDormantOnce(taskID int64, expr string, err error) {
	d.dormantMu.Lock()
	defer d.dormantMu.Unlock()
	if d.dormant[taskID] {
		return
	}
	d.dormant[taskID] = true
	if err != nil {
		d.logger.Error("schedule expression failed to parse; task is dormant", "task_id", taskID, "expression", expr, "error", err)
	} else {
		d.logger.Warn("no fire time found within horizon; task is dormant", "task_id", taskID, "expression", expr)
	}
}

// cascade is the Runner's cascade handler: it finds every active task
// that lists parentTaskID in its pre_task_ids and whose latest result
// isn't itself running, and fires each one with reason prerequisite:<id>
// (spec §4.5 step 8).
func (d *Dispatcher) cascade(parentTaskID int64) {
	ctx := context.Background()
	tasks, err := d.store.ListTasks(ctx)
	if err != nil {
		d.logger.Error("list tasks for cascade failed", "parent_task_id", parentTaskID, "error", err)
		return
	}
	for _, task := range tasks {
		if !task.IsActive || !containsID(task.PreTaskIDs, parentTaskID) {
			continue
		}
		fireCtx := shared.WithTraceID(ctx, shared.NewTraceID())
		outcome, err := d.runner.Submit(fireCtx, task, fmt.Sprintf("prerequisite:%d", parentTaskID))
		if err != nil {
			d.logger.Error("cascade submit failed", "task_id", task.ID, "error", err)
			continue
		}
		d.logger.Info("cascade fire", "task_id", task.ID, "parent_task_id", parentTaskID, "outcome", outcome)
	}
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func (d *Dispatcher) fireLifecycleEvent(ctx context.Context, eventType, reason string) {
	tasks, err := d.store.ListActiveEventTasks(ctx)
	if err != nil {
		d.logger.Error("list active event tasks for lifecycle fire failed", "event_type", eventType, "error", err)
		return
	}
	for _, task := range tasks {
		if task.EventType != eventType {
			continue
		}
		fireCtx := shared.WithTraceID(ctx, shared.NewTraceID())
		if _, err := d.runner.Submit(fireCtx, task, reason); err != nil {
			d.logger.Error("lifecycle fire submit failed", "task_id", task.ID, "event_type", eventType, "error", err)
		}
	}
}
