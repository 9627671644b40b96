// Package supervisor owns a job's lifecycle: it propagates cancellation,
// force-terminates child processes after a grace period and guarantees that
// cleanup runs exactly once.
package supervisor

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spherical/scan-ocr/internal/domain"
	"github.com/spherical/scan-ocr/internal/observability"
)

// State of a supervised job
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCancelling
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCancelling:
		return "cancelling"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Supervisor drives one job through Idle → Running → terminal.
type Supervisor struct {
	mu        sync.Mutex
	state     State
	cancel    context.CancelFunc
	reason    string
	forced    bool
	graceStop *time.Timer

	tempRoot  string
	procs     *ProcessRunner
	releasers []func() error
	grace     time.Duration
	logger    *observability.Logger

	done       chan struct{}
	cleanupErr error
}

// New creates a supervisor for a job whose scratch files live under tempRoot.
func New(tempRoot string, procs *ProcessRunner, grace time.Duration, logger *observability.Logger) *Supervisor {
	if logger == nil {
		logger = observability.NewNop()
	}
	if procs == nil {
		procs = NewProcessRunner(logger)
	}
	return &Supervisor{
		state:    StateIdle,
		tempRoot: tempRoot,
		procs:    procs,
		grace:    grace,
		logger:   logger.WithOperation("supervisor"),
		done:     make(chan struct{}),
	}
}

// Processes returns the runner external tools must be started through.
func (s *Supervisor) Processes() *ProcessRunner {
	return s.procs
}

// OnRelease registers a hook run during cleanup, e.g. freeing device memory.
func (s *Supervisor) OnRelease(fn func() error) {
	s.mu.Lock()
	s.releasers = append(s.releasers, fn)
	s.mu.Unlock()
}

// Start moves Idle → Running and returns the job context.
func (s *Supervisor) Start(parent context.Context) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return nil, domain.ValidationError("job already started", nil)
	}

	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.state = StateRunning
	s.logger.Debug().Str("temp", s.tempRoot).Msg("job running")
	return ctx, nil
}

// Cancel requests cancellation. Only the first request while running has an
// effect; it returns whether this call initiated cancellation.
func (s *Supervisor) Cancel(reason string) bool {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return false
	}
	s.state = StateCancelling
	s.reason = reason
	s.cancel()
	if s.grace > 0 {
		s.graceStop = time.AfterFunc(s.grace, s.forceTerminate)
	}
	s.mu.Unlock()

	s.logger.Info().Str("reason", reason).Dur("grace", s.grace).Msg("cancellation requested")
	return true
}

// forceTerminate runs when the worker did not reach a stage boundary within
// the grace period. It kills child process groups and finalizes the job.
func (s *Supervisor) forceTerminate() {
	s.mu.Lock()
	if s.state != StateCancelling {
		s.mu.Unlock()
		return
	}
	s.state = StateCancelled
	s.forced = true
	s.mu.Unlock()

	killed := s.procs.KillAll()
	s.logger.Warn().Int("killed", killed).Msg("grace period elapsed, forcing termination")
	s.cleanup()
}

// Finish is called by the worker when it returns. It performs the terminal
// transition (unless forced termination already did) and runs cleanup.
func (s *Supervisor) Finish(err error) State {
	s.mu.Lock()
	switch s.state {
	case StateRunning:
		switch {
		case err == nil:
			s.state = StateCompleted
		case errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrCancelled):
			s.state = StateCancelled
		default:
			s.state = StateFailed
		}
	case StateCancelling:
		s.state = StateCancelled
		if s.graceStop != nil {
			s.graceStop.Stop()
		}
	default:
		state := s.state
		s.mu.Unlock()
		return state
	}
	state := s.state
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.cleanup()
	return state
}

// cleanup is reached only from a terminal transition, which the state
// machine makes happen once.
func (s *Supervisor) cleanup() {
	defer close(s.done)

	s.procs.KillAll()

	var errs []error
	if s.tempRoot != "" {
		if err := forceRemoveAll(s.tempRoot); err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	releasers := s.releasers
	s.mu.Unlock()
	for _, release := range releasers {
		if err := release(); err != nil {
			errs = append(errs, err)
		}
	}

	s.cleanupErr = errors.Join(errs...)
	if s.cleanupErr != nil {
		s.logger.Warn().Err(s.cleanupErr).Msg("cleanup finished with errors")
	} else {
		s.logger.Debug().Str("temp", s.tempRoot).Msg("cleanup complete")
	}
}

// Done is closed once cleanup has finished.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// CleanupErr returns errors collected during cleanup. Valid after Done.
func (s *Supervisor) CleanupErr() error {
	<-s.done
	return s.cleanupErr
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Forced reports whether the job was terminated by the grace timer.
func (s *Supervisor) Forced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forced
}

// Reason returns the cancellation reason, if any.
func (s *Supervisor) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// WatchSignals cancels the job on SIGINT or SIGTERM until stop is called.
func (s *Supervisor) WatchSignals() (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	quit := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			s.Cancel("signal: " + sig.String())
		case <-quit:
		case <-s.done:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigCh)
			close(quit)
		})
	}
}

// forceRemoveAll deletes path, making read-only entries writable first if a
// plain RemoveAll fails.
func forceRemoveAll(path string) error {
	if err := os.RemoveAll(path); err == nil {
		return nil
	}
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			_ = os.Chmod(p, 0o700)
		} else {
			_ = os.Chmod(p, 0o600)
		}
		return nil
	})
	if err := os.RemoveAll(path); err != nil {
		return domain.IOError("remove temp tree "+path, err)
	}
	return nil
}
