package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/spherical/scan-ocr/internal/domain"
	"github.com/spherical/scan-ocr/internal/infer"
	"github.com/spherical/scan-ocr/internal/merge"
	"github.com/spherical/scan-ocr/internal/observability"
	"github.com/spherical/scan-ocr/internal/raster"
	"github.com/spherical/scan-ocr/internal/supervisor"
	"github.com/spherical/scan-ocr/internal/synth"
)

// jobRun carries the state of one executing job. Pages are processed
// strictly in order on the calling goroutine; the mutex only guards the
// tally read by progress observers and forced finalization.
type jobRun struct {
	job      domain.Job
	sess     *session
	sup      *supervisor.Supervisor
	progress domain.ProgressFunc
	onEvent  func(domain.ProgressEvent)
	logger   *observability.Logger

	discoverer interface {
		Discover(ctx context.Context, root string, mode domain.InputMode) ([]*domain.Group, error)
	}
	chain     *raster.Chain
	rasterDPI int
	images    *infer.Stage // image groups: DPI from the job or file metadata
	pdfPages  *infer.Stage // PDF groups: DPI of the rasterization
	synth     *synth.Synthesizer
	merger    *merge.Merger

	mu        sync.Mutex
	total     int
	completed int
	processed int
	failed    int
	outputs   []string
	failures  []domain.Failure
}

func (j *jobRun) run(ctx context.Context) error {
	groups, err := j.discoverer.Discover(ctx, j.job.Input, j.job.Mode)
	if err != nil {
		return err
	}

	if err := j.rasterize(ctx, groups); err != nil {
		return err
	}

	total := 0
	for _, g := range groups {
		j.assignPaths(g)
		total += len(g.Pages)
	}
	j.mu.Lock()
	j.total += total
	j.mu.Unlock()
	j.logger.Info().Int("groups", len(groups)).Int("pages", total).Str("session", j.sess.Root).Msg("processing")

	for _, g := range groups {
		if len(g.Pages) == 0 {
			continue
		}
		if err := j.processGroup(ctx, g); err != nil {
			return err
		}
	}
	return nil
}

// rasterize turns every PDF group into a page group. A PDF that cannot be
// rasterized fails as a group; only cancellation aborts the job.
func (j *jobRun) rasterize(ctx context.Context, groups []*domain.Group) error {
	for _, g := range groups {
		if g.Kind != domain.GroupPDF {
			continue
		}
		outcome, err := j.chain.Rasterize(ctx, g.Source, j.sess.rasterDir(g), j.rasterDPI)
		if err != nil {
			if domain.IsType(err, domain.ErrorTypeCancellation) {
				return err
			}
			j.groupFailed(g, domain.ErrorTypeRasterization, err)
			continue
		}
		if outcome.Degraded {
			j.logger.WithGroup(g.Key).Warn().Err(outcome.Causes()).Str("source", g.Source).Msg("all rasterizers failed, using blank page")
		}
		for i, img := range outcome.Pages {
			g.Pages = append(g.Pages, &domain.PageTask{
				GroupKey:  g.Key,
				Index:     i,
				Source:    g.Source,
				ImagePath: img,
				Status:    domain.PagePending,
			})
		}
	}
	return nil
}

func (j *jobRun) assignPaths(g *domain.Group) {
	if j.job.Wants(domain.FormatPDF) {
		g.OutputPath = j.sess.outputPath(g)
	}
	for _, p := range g.Pages {
		p.ArtifactPath = j.sess.artifactPath(p)
		if j.job.Wants(domain.FormatHOCR) {
			p.HOCRPath = j.sess.hocrPath(g, p)
		}
	}
}

func (j *jobRun) processGroup(ctx context.Context, g *domain.Group) error {
	logger := j.logger.WithGroup(g.Key)
	stage := j.images
	if g.Kind == domain.GroupPDF {
		stage = j.pdfPages
	}

	for _, p := range g.Pages {
		if err := ctx.Err(); err != nil {
			return domain.CancellationError("job cancelled", err)
		}
		if err := j.processPage(ctx, stage, p); err != nil {
			if domain.IsType(err, domain.ErrorTypeCancellation) {
				return err
			}
			j.pageFailed(p, err)
		}
		j.pageDone()
	}

	if !j.job.Wants(domain.FormatPDF) {
		return nil
	}

	res, err := j.merger.Merge(ctx, g)
	switch {
	case err == nil:
		j.mu.Lock()
		j.outputs = append(j.outputs, res.OutputPath)
		j.mu.Unlock()
		if res.Partial {
			j.missingAtMerge(g, res.Missing)
		}
	case domain.IsType(err, domain.ErrorTypeCancellation):
		return err
	default:
		// pages that reached synthesis are lost with the group
		moved := 0
		for _, p := range g.Pages {
			if p.Status == domain.PageSynthesized {
				p.Status = domain.PageFailed
				moved++
			}
		}
		j.mu.Lock()
		j.processed -= moved
		j.failed += moved
		j.mu.Unlock()
		j.groupFailed(g, domain.ErrorTypeMerge, err)
		logger.Error().Err(err).Int("pages", moved).Msg("group merge failed")
	}
	return nil
}

// missingAtMerge fails synthesized pages whose artifact the merger never
// found. Pages that failed or were skipped earlier are already accounted for.
func (j *jobRun) missingAtMerge(g *domain.Group, missing []int) {
	for _, idx := range missing {
		for _, p := range g.Pages {
			if p.Index != idx || p.Status != domain.PageSynthesized {
				continue
			}
			j.mu.Lock()
			j.processed--
			j.mu.Unlock()
			j.pageFailed(p, domain.MergeError("page artifact missing at merge", nil))
		}
	}
}

func (j *jobRun) processPage(ctx context.Context, stage *infer.Stage, p *domain.PageTask) error {
	if !j.report(0) {
		return domain.CancellationError("cancelled by progress callback", domain.ErrCancelled)
	}

	res, err := stage.Infer(ctx, p.ImagePath, j.sess.normalizedPath(p))
	if err != nil {
		return err
	}
	p.Device = res.Device
	if !j.report(25) {
		return domain.CancellationError("cancelled by progress callback", domain.ErrCancelled)
	}

	art, err := j.synth.Synthesize(ctx, synth.Request{
		Page:      p,
		ImagePath: res.ImagePath,
		DPI:       res.DPI,
		Layer:     res.Layer,
		HOCRTemp:  j.sess.hocrTempPath(p),
		WantPDF:   j.job.Wants(domain.FormatPDF),
		Compress:  j.job.Compress,
	})
	if err != nil {
		return err
	}
	p.Status = domain.PageSynthesized
	if !j.report(50) {
		return domain.CancellationError("cancelled by progress callback", domain.ErrCancelled)
	}

	j.mu.Lock()
	j.processed++
	if art.HOCRPath != "" {
		j.outputs = append(j.outputs, art.HOCRPath)
	}
	j.mu.Unlock()
	j.report(75)
	return nil
}

// report publishes the current page's stage percent. A false return from the
// progress callback requests cancellation; the caller stops at the boundary.
func (j *jobRun) report(percent int) bool {
	j.mu.Lock()
	ev := domain.ProgressEvent{Completed: j.completed, Total: j.total, Percent: percent}
	j.mu.Unlock()

	if j.onEvent != nil {
		j.onEvent(ev)
	}
	if j.progress != nil && !j.progress(ev.Completed, ev.Total, ev.Percent) {
		j.sup.Cancel("cancelled by progress callback")
		return false
	}
	return true
}

func (j *jobRun) pageDone() {
	j.mu.Lock()
	j.completed++
	j.mu.Unlock()
	j.report(100)
}

func (j *jobRun) pageFailed(p *domain.PageTask, err error) {
	p.Status = domain.PageFailed
	p.Err = err
	stage := domain.TypeOf(err)

	j.mu.Lock()
	j.failed++
	j.failures = append(j.failures, domain.Failure{
		GroupKey:  p.GroupKey,
		PageIndex: p.Index,
		Source:    p.Source,
		Stage:     stage,
		Error:     err.Error(),
	})
	j.mu.Unlock()

	j.logger.WithGroup(p.GroupKey).WithPage(p.Index, p.Source).Error().Err(err).Str("stage", string(stage)).Msg("page failed")
}

// groupFailed records a failure that is not tied to one page. A group that
// never produced pages counts as one failed item.
func (j *jobRun) groupFailed(g *domain.Group, stage domain.ErrorType, err error) {
	j.mu.Lock()
	if len(g.Pages) == 0 {
		j.failed++
		j.total++
	}
	j.failures = append(j.failures, domain.Failure{
		GroupKey:  g.Key,
		PageIndex: -1,
		Source:    g.Source,
		Stage:     stage,
		Error:     err.Error(),
	})
	j.mu.Unlock()

	j.logger.WithGroup(g.Key).Error().Err(err).Str("source", g.Source).Str("stage", string(stage)).Msg("group failed")
}

// result builds the job summary from the tally, the supervisor's terminal
// state and the error the worker returned.
func (j *jobRun) result(started time.Time, state supervisor.State, err error) *domain.JobResult {
	j.mu.Lock()
	res := &domain.JobResult{
		JobID:     j.job.ID,
		Processed: j.processed,
		Failed:    j.failed,
		Total:     j.total,
		Outputs:   append([]string(nil), j.outputs...),
		Failures:  append([]domain.Failure(nil), j.failures...),
		Session:   j.sess.Root,
		StartedAt: started,
		Duration:  time.Since(started),
	}
	j.mu.Unlock()

	res.Status = statusOf(res, state, err)
	return res
}

func statusOf(res *domain.JobResult, state supervisor.State, err error) domain.JobStatus {
	switch {
	case errors.Is(err, domain.ErrNoWorkFound):
		return domain.StatusNoFiles
	case state == supervisor.StateCancelled, domain.IsType(err, domain.ErrorTypeCancellation):
		return domain.StatusCancelled
	case err != nil:
		return domain.StatusFailed
	case res.Failed == 0 && len(res.Failures) == 0:
		return domain.StatusSuccess
	case res.Processed == 0:
		return domain.StatusFailed
	default:
		return domain.StatusPartial
	}
}
