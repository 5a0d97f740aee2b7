// Package condition runs per-task probe scripts on an interval and turns a
// zero exit code into a fire-request (spec §4.3). The dispatcher owns the
// lifecycle of one Poller per active event/script task, starting it when
// the task becomes active and stopping it when the task is deactivated or
// deleted.
package condition

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskscheduler/internal/otel"
	"github.com/basket/taskscheduler/internal/runner"
)

// FireFunc is invoked once per probe that exits 0. The reason argument is
// always "event:script" per spec §4.3.
type FireFunc func(ctx context.Context, taskID int64, reason string)

// Poller runs a single task's condition_script on a fixed interval.
type Poller struct {
	taskID   int64
	account  string
	script   string
	interval time.Duration
	timeout  time.Duration
	fire     FireFunc
	logger   *slog.Logger
	tracer   trace.Tracer // may be nil; a nil Tracer from otel.Init is already a no-op

	running atomic.Bool // single-flight: skip a tick if the previous probe hasn't finished
	onProbe func()       // optional, called once per actual probe attempt

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SetOnProbe registers a callback invoked once per probe attempt (skipped
// ticks from the single-flight guard don't count). Used by the dispatcher
// to feed an otel counter without this package depending on otel.
func (p *Poller) SetOnProbe(fn func()) {
	p.onProbe = fn
}

// SetTracer registers the tracer used to span each probe spawn. Unset
// (nil) is fine: otel.StartClientSpan treats a nil Poller.tracer the same
// as the provider's own no-op tracer.
func (p *Poller) SetTracer(t trace.Tracer) {
	p.tracer = t
}

// NewPoller constructs a Poller. It does not start the goroutine; call
// Start.
func NewPoller(taskID int64, account, script string, interval, timeout time.Duration, fire FireFunc, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Poller{
		taskID:   taskID,
		account:  account,
		script:   script,
		interval: interval,
		timeout:  timeout,
		fire:     fire,
		logger:   logger.With("component", "condition_poller", "task_id", taskID),
		tracer:   nooptrace.NewTracerProvider().Tracer(otel.TracerName),
	}
}

// Start begins the poller's ticking loop in a background goroutine.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop cancels the loop and waits for the in-flight probe, if any, to
// return. The poller keeps no persisted state (spec §4.3): stopping and
// later re-starting a poller for the same task id is indistinguishable
// from process restart.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		// Previous probe still in flight; skip this interval (spec §4.3's
		// single-flight-per-task rule).
		return
	}
	defer p.running.Store(false)

	if p.onProbe != nil {
		p.onProbe()
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ok, err := p.probe(probeCtx)
	if err != nil {
		if errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
			p.logger.Debug("condition probe timed out")
		} else {
			p.logger.Debug("condition probe spawn error", "error", err)
		}
		return
	}
	if !ok {
		return
	}
	p.fire(ctx, p.taskID, "event:script")
}

// probe runs the condition script once, as the task's configured account
// (spec §4.3: "using the task's account", same privilege drop the Runner
// applies to the task script itself), and reports whether it exited 0. A
// timeout or spawn error is reported as (false, err) and never treated as
// a trigger, matching spec §4.3.
func (p *Poller) probe(ctx context.Context) (bool, error) {
	_, span := otel.StartClientSpan(ctx, p.tracer, "condition.probe",
		otel.AttrTaskID.Int64(p.taskID),
		otel.AttrAccount.String(p.account),
	)
	defer span.End()

	cmd := shellCommand(ctx, p.script)
	if err := runner.ResolvePrivilege(cmd, p.account); err != nil {
		span.SetStatus(codes.Error, "privilege resolution failed")
		return false, err
	}
	if err := cmd.Start(); err != nil {
		span.SetStatus(codes.Error, "spawn failed")
		return false, err
	}
	err := cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		span.SetStatus(codes.Error, "probe timed out")
		return false, ctx.Err()
	}
	if err != nil {
		return false, nil //nolint:nilerr // non-zero exit is "no trigger", not an error condition
	}
	return true, nil
}

func shellCommand(ctx context.Context, script string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command", script)
	}
	return exec.CommandContext(ctx, "/bin/bash", "-c", script)
}
