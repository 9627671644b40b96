package pipeline

import (
	"context"
	"sync"

	"github.com/spherical/scan-ocr/internal/domain"
	"github.com/spherical/scan-ocr/internal/supervisor"
)

// Handle tracks a submitted job.
type Handle struct {
	ID string

	mu       sync.Mutex
	sup      *supervisor.Supervisor
	progress domain.ProgressEvent
	result   *domain.JobResult
	err      error

	cancelOnce sync.Once
	cancelled  chan struct{}
	finishOnce sync.Once
	done       chan struct{}
}

func newHandle(id string) *Handle {
	return &Handle{ID: id, cancelled: make(chan struct{}), done: make(chan struct{})}
}

// Cancel requests cancellation. A queued job never starts; a running job
// stops at its next stage boundary or is force-terminated after the grace
// period.
func (h *Handle) Cancel() {
	h.cancelOnce.Do(func() { close(h.cancelled) })

	h.mu.Lock()
	sup := h.sup
	h.mu.Unlock()
	if sup != nil {
		sup.Cancel("cancel requested")
	}
}

// Done is closed when the job has a result.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the job terminates or ctx is done.
func (h *Handle) Wait(ctx context.Context) (*domain.JobResult, error) {
	select {
	case <-h.done:
		return h.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the job result; it is nil until Done is closed.
func (h *Handle) Result() (*domain.JobResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// Progress returns the latest progress event.
func (h *Handle) Progress() domain.ProgressEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.progress
}

// Status is queued, running, or the terminal job status.
func (h *Handle) Status() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.result != nil:
		return string(h.result.Status)
	case h.sup != nil:
		return "running"
	default:
		return "queued"
	}
}

func (h *Handle) attach(sup *supervisor.Supervisor) {
	h.mu.Lock()
	h.sup = sup
	h.mu.Unlock()

	select {
	case <-h.cancelled:
		sup.Cancel("cancel requested")
	default:
	}
}

func (h *Handle) setProgress(ev domain.ProgressEvent) {
	h.mu.Lock()
	h.progress = ev
	h.mu.Unlock()
}

// finish records the first result; later calls are ignored.
func (h *Handle) finish(res *domain.JobResult, err error) {
	h.finishOnce.Do(func() {
		h.mu.Lock()
		h.result = res
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}
