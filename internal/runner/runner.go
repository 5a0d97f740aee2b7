// Package runner executes task scripts: it applies the single-flight and
// prerequisite gates, spawns the configured shell, captures output into a
// bounded buffer, enforces a wall-clock timeout, and fans cascaded
// fire-requests out on success (spec §4.5).
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskscheduler/internal/bus"
	"github.com/basket/taskscheduler/internal/otel"
	"github.com/basket/taskscheduler/internal/shared"
	"github.com/basket/taskscheduler/internal/store"
)

// Outcome is the immediate, synchronous result of submitting a
// fire-request — before the script has necessarily run to completion.
type Outcome string

const (
	OutcomeQueued  Outcome = "queued"
	OutcomeRunning Outcome = "running" // single-flight rejected a duplicate
	OutcomeBlocked Outcome = "blocked" // prerequisite gate rejected
)

// Config configures a Runner.
type Config struct {
	Store        *store.Store
	Bus          *bus.Bus // may be nil
	Logger       *slog.Logger
	Metrics      *otel.Metrics // may be nil
	Tracer       trace.Tracer  // may be nil; a nil Tracer from otel.Init is already a no-op
	TaskTimeout  time.Duration
	ResultLogCap int
	Concurrency  int // 0 = unbounded
	Now          func() time.Time
}

// Runner consumes fire-requests and executes them, one in flight per task
// id, with an optional global concurrency cap across distinct task ids.
type Runner struct {
	store        *store.Store
	bus          *bus.Bus
	logger       *slog.Logger
	metrics      *otel.Metrics
	tracer       trace.Tracer
	taskTimeout  time.Duration
	resultLogCap int
	now          func() time.Time

	sem chan struct{} // nil when unbounded

	mu       sync.Mutex
	inFlight map[int64]int64 // taskID -> resultID

	wg sync.WaitGroup

	// shutdownCtx is the parent of every in-flight run's timeout context.
	// Canceling it force-terminates every running script immediately,
	// regardless of how much of its timeout it had left (spec §5: grace
	// expiry force-terminates in-flight runs).
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc

	// onCascade is invoked with a task id after that task's run finalizes
	// as a success. The dispatcher sets this after construction so the
	// runner doesn't need to know how to find a task's dependents.
	onCascade func(taskID int64)
}

// SetCascadeHandler registers the callback invoked after a successful run
// so the dispatcher can fan out fire-requests to dependent tasks (spec
// §4.5 step 8).
func (r *Runner) SetCascadeHandler(fn func(taskID int64)) {
	r.onCascade = fn
}

// New constructs a Runner from cfg, filling documented defaults.
func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	taskTimeout := cfg.TaskTimeout
	if taskTimeout <= 0 {
		taskTimeout = 900 * time.Second
	}
	resultLogCap := cfg.ResultLogCap
	if resultLogCap <= 0 {
		resultLogCap = 256 * 1024
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	r := &Runner{
		store:          cfg.Store,
		bus:            cfg.Bus,
		logger:         logger.With("component", "runner"),
		metrics:        cfg.Metrics,
		tracer:         tracer,
		taskTimeout:    taskTimeout,
		resultLogCap:   resultLogCap,
		now:            now,
		inFlight:       make(map[int64]int64),
		shutdownCtx:    shutdownCtx,
		shutdownCancel: shutdownCancel,
	}
	if cfg.Concurrency > 0 {
		r.sem = make(chan struct{}, cfg.Concurrency)
	}
	return r
}

// Wait blocks until every submitted run has finished. Used by the
// dispatcher's bounded shutdown drain.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown force-terminates every in-flight run by canceling the context
// every runOnce call derives its timeout from. Called by the dispatcher
// only after its shutdown grace period has already expired.
func (r *Runner) Shutdown() {
	r.shutdownCancel()
}

// InFlightCount reports how many tasks currently have a running result,
// exposed as an otel gauge by the caller.
func (r *Runner) InFlightCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inFlight)
}

// Submit applies the single-flight and prerequisite gates synchronously
// and, if accepted, launches execution in a background goroutine. The
// returned Outcome is exactly the bucket BatchOps and the dispatcher
// report to callers.
func (r *Runner) Submit(ctx context.Context, task store.Task, reason string) (Outcome, error) {
	r.mu.Lock()
	if _, busy := r.inFlight[task.ID]; busy {
		r.mu.Unlock()
		return OutcomeRunning, nil
	}
	r.mu.Unlock()

	for _, preID := range task.PreTaskIDs {
		success, err := r.store.LatestSuccess(ctx, preID)
		if err != nil {
			return "", fmt.Errorf("check prerequisite %d: %w", preID, err)
		}
		if success == nil {
			if r.bus != nil {
				r.bus.Publish(bus.TopicTaskBlocked, bus.TaskLifecycleEvent{TaskID: task.ID, TriggerReason: reason, Status: string(OutcomeBlocked)})
			}
			return OutcomeBlocked, nil
		}
	}

	started := r.now()

	resultID, err := r.store.InsertRunningResult(ctx, store.TaskResult{
		TaskID:        task.ID,
		TriggerReason: reason,
		StartedAt:     started,
	})
	if err != nil {
		return "", fmt.Errorf("open result record: %w", err)
	}

	r.mu.Lock()
	if _, busy := r.inFlight[task.ID]; busy {
		r.mu.Unlock()
		return OutcomeRunning, nil
	}
	r.inFlight[task.ID] = resultID
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(bus.TopicTaskFired, bus.TaskLifecycleEvent{TaskID: task.ID, ResultID: resultID, TriggerReason: reason, Status: "running"})
	}
	if r.metrics != nil {
		r.metrics.TaskFiresTotal.Add(ctx, 1)
	}

	traceID := shared.TraceID(ctx)

	r.wg.Add(1)
	go r.execute(task, resultID, traceID, reason, started)

	return OutcomeQueued, nil
}

func (r *Runner) execute(task store.Task, resultID int64, traceID, reason string, started time.Time) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.inFlight, task.ID)
		r.mu.Unlock()
	}()

	if r.sem != nil {
		r.sem <- struct{}{}
		defer func() { <-r.sem }()
	}

	ctx := context.Background()
	if r.metrics != nil {
		r.metrics.TasksRunning.Add(ctx, 1)
		defer r.metrics.TasksRunning.Add(ctx, -1)
	}

	_, span := otel.StartSpan(ctx, r.tracer, "task.run",
		otel.AttrTaskID.Int64(task.ID),
		otel.AttrAccount.String(task.Account),
		otel.AttrTriggerReason.String(reason),
	)

	runStart := time.Now()
	status, log, exitCode := r.runOnce(task)
	if r.metrics != nil {
		r.metrics.TaskRunDuration.Record(ctx, time.Since(runStart).Seconds())
	}
	if exitCode != nil {
		span.SetAttributes(otel.AttrExitCode.Int(*exitCode))
	}
	if status != store.RunStatusSuccess {
		span.SetStatus(codes.Error, string(status))
	}
	span.End()

	log = shared.Redact(log)

	finished := r.now()
	if err := r.store.FinalizeResult(ctx, resultID, status, finished, log, exitCode); err != nil {
		r.logger.Error("finalize result failed", "task_id", task.ID, "result_id", resultID, "trace_id", traceID, "error", err)
	}
	if err := r.store.SetLastRun(ctx, task.ID, started, status); err != nil {
		r.logger.Error("set last run failed", "task_id", task.ID, "trace_id", traceID, "error", err)
	}

	if r.bus != nil {
		topic := bus.TopicTaskFailed
		switch status {
		case store.RunStatusSuccess:
			topic = bus.TopicTaskSucceeded
		case store.RunStatusTimeout:
			topic = bus.TopicTaskTimedOut
		}
		r.bus.Publish(topic, bus.TaskLifecycleEvent{TaskID: task.ID, ResultID: resultID, TriggerReason: reason, Status: string(status)})
	}

	r.logger.Info("task finished", "task_id", task.ID, "result_id", resultID, "trace_id", traceID, "status", status, "exit_code", exitCode)

	if status == store.RunStatusSuccess && r.onCascade != nil {
		if r.metrics != nil {
			r.metrics.TaskCascadesTotal.Add(ctx, 1)
		}
		r.onCascade(task.ID)
	}
}
