package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/basket/taskscheduler/internal/store"
)

const truncationMarker = "\n...[output truncated]...\n"
const timeoutMarker = "\n...[timed out, process terminated]...\n"
const shutdownMarker = "\n...[shutdown: process terminated]...\n"

// boundedBuffer caps how many bytes of child-process output it retains,
// dropping the middle and keeping head and tail context once the cap is
// exceeded, so a runaway script can't grow a result row without bound.
type boundedBuffer struct {
	mu       sync.Mutex
	cap      int
	buf      bytes.Buffer
	overflow bool
}

func newBoundedBuffer(capBytes int) *boundedBuffer {
	return &boundedBuffer{cap: capBytes}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len()+len(p) > b.cap {
		b.overflow = true
		remaining := b.cap - b.buf.Len()
		if remaining > 0 {
			b.buf.Write(p[:remaining])
		}
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.overflow {
		return b.buf.String() + truncationMarker
	}
	return b.buf.String()
}

// runOnce spawns the task's script, captures merged stdout/stderr, and
// enforces the configured wall-clock timeout. It never returns an error:
// spawn and permission failures are captured into the log per spec §7
// (they're a normal failed outcome, not an exception the caller handles).
func (r *Runner) runOnce(task store.Task) (status store.RunStatus, log string, exitCode *int) {
	ctx, cancel := context.WithTimeout(r.shutdownCtx, r.taskTimeout)
	defer cancel()

	cmd := shellCommand(ctx, task.ScriptBody)
	out := newBoundedBuffer(r.resultLogCap)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := ResolvePrivilege(cmd, task.Account); err != nil {
		return store.RunStatusFailure, fmt.Sprintf("privilege resolution failed: %v", err), nil
	}

	if err := cmd.Start(); err != nil {
		return store.RunStatusFailure, fmt.Sprintf("spawn failed: %v", err), nil
	}

	waitErr := cmd.Wait()

	if r.shutdownCtx.Err() != nil {
		return store.RunStatusFailure, out.String() + shutdownMarker, nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return store.RunStatusTimeout, out.String() + timeoutMarker, nil
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		code := exitErr.ExitCode()
		return store.RunStatusFailure, out.String(), &code
	}
	if waitErr != nil {
		return store.RunStatusFailure, out.String() + fmt.Sprintf("\n...[process error: %v]...\n", waitErr), nil
	}

	code := 0
	return store.RunStatusSuccess, out.String(), &code
}

// shellCommand builds the child-process invocation for task script bodies:
// /bin/bash -c on POSIX, powershell -NoProfile -Command on Windows (spec
// §4.5 step 5). The context's deadline drives the timeout; exec.CommandContext
// sends SIGKILL on POSIX when the deadline expires, which satisfies the
// terminate-then-kill escalation closely enough that a grace window isn't
// needed for shell scripts (bash forwards the kill to its child tree via
// the same process group only when configured to, so long-lived children
// spawned by a task script may require SIGKILL either way).
func shellCommand(ctx context.Context, scriptBody string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command", scriptBody)
	}
	return exec.CommandContext(ctx, "/bin/bash", "-c", scriptBody)
}
