package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/spherical/scan-ocr/internal/domain"
	"github.com/spherical/scan-ocr/internal/observability"
)

// waitDelay bounds how long Wait blocks on output pipes after the process
// group has been killed.
const waitDelay = 2 * time.Second

// ProcessRunner starts external tools in their own process group and keeps
// track of them so a job can kill whatever is still running.
type ProcessRunner struct {
	mu     sync.Mutex
	active map[int]*exec.Cmd
	logger *observability.Logger
}

// NewProcessRunner creates an empty runner
func NewProcessRunner(logger *observability.Logger) *ProcessRunner {
	if logger == nil {
		logger = observability.NewNop()
	}
	return &ProcessRunner{
		active: make(map[int]*exec.Cmd),
		logger: logger.WithOperation("process"),
	}
}

// Available reports whether name resolves on PATH (or is an existing path).
func Available(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// Run executes name with args and returns combined output. A timeout of zero
// means no per-invocation limit beyond ctx. Missing binaries wrap
// domain.ErrToolNotFound.
func (r *ProcessRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, domain.ErrToolNotFound)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, path, args...)
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return killGroup(cmd)
	}
	cmd.WaitDelay = waitDelay

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	pid := cmd.Process.Pid
	r.track(pid, cmd)
	defer r.untrack(pid)

	err = cmd.Wait()
	r.logger.Debug().Str("tool", name).Int("pid", pid).Dur("elapsed", time.Since(start)).Msg("process exited")

	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return out.Bytes(), fmt.Errorf("%s timed out after %v: %w", name, timeout, ctx.Err())
		case ctx.Err() != nil:
			return out.Bytes(), fmt.Errorf("%s interrupted: %w", name, ctx.Err())
		default:
			return out.Bytes(), fmt.Errorf("%s failed: %w: %s", name, err, tail(out.String(), 512))
		}
	}

	return out.Bytes(), nil
}

// KillAll force-terminates every tracked process group and returns how many
// were signalled.
func (r *ProcessRunner) KillAll() int {
	r.mu.Lock()
	cmds := make([]*exec.Cmd, 0, len(r.active))
	for _, cmd := range r.active {
		cmds = append(cmds, cmd)
	}
	r.mu.Unlock()

	killed := 0
	for _, cmd := range cmds {
		if err := killGroup(cmd); err != nil {
			r.logger.Warn().Err(err).Int("pid", cmd.Process.Pid).Msg("kill process group")
			continue
		}
		killed++
	}
	return killed
}

// Active returns the number of running processes.
func (r *ProcessRunner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *ProcessRunner) track(pid int, cmd *exec.Cmd) {
	r.mu.Lock()
	r.active[pid] = cmd
	r.mu.Unlock()
}

func (r *ProcessRunner) untrack(pid int) {
	r.mu.Lock()
	delete(r.active, pid)
	r.mu.Unlock()
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
