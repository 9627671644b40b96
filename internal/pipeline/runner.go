// Package pipeline runs OCR jobs end to end: discovery, rasterization,
// inference, synthesis and merging, under a supervisor that owns
// cancellation and cleanup.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spherical/scan-ocr/internal/config"
	"github.com/spherical/scan-ocr/internal/device"
	"github.com/spherical/scan-ocr/internal/discover"
	"github.com/spherical/scan-ocr/internal/domain"
	"github.com/spherical/scan-ocr/internal/infer"
	"github.com/spherical/scan-ocr/internal/ledger"
	"github.com/spherical/scan-ocr/internal/merge"
	"github.com/spherical/scan-ocr/internal/observability"
	"github.com/spherical/scan-ocr/internal/ocr"
	"github.com/spherical/scan-ocr/internal/raster"
	"github.com/spherical/scan-ocr/internal/supervisor"
	"github.com/spherical/scan-ocr/internal/synth"
)

// Dependencies overrides the components built from config. Zero values
// mean "build from config".
type Dependencies struct {
	Engine     domain.Engine
	Strategies []raster.Strategy
	Compressor domain.Compressor
	Ledger     *ledger.Ledger
}

// Runner executes jobs one at a time against a shared engine.
type Runner struct {
	cfg        *config.Config
	engine     domain.Engine
	strategies []raster.Strategy
	compressor domain.Compressor
	ledger     *ledger.Ledger
	logger     *observability.Logger
	now        func() time.Time

	// device outlives jobs: once inference falls back to CPU the runner
	// stays there.
	device *device.Context

	slot chan struct{}

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewRunner builds a runner and checks that at least one rasterizer is usable.
func NewRunner(cfg *config.Config, deps Dependencies, logger *observability.Logger) (*Runner, error) {
	if logger == nil {
		logger = observability.NewNop()
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	engine := deps.Engine
	if engine == nil {
		var err error
		if engine, err = ocr.NewEngine(cfg.OCR, logger); err != nil {
			return nil, err
		}
	}

	r := &Runner{
		cfg:        cfg,
		engine:     engine,
		strategies: deps.Strategies,
		compressor: deps.Compressor,
		ledger:     deps.Ledger,
		logger:     logger.WithOperation("pipeline"),
		now:        time.Now,
		slot:       make(chan struct{}, 1),
		handles:    make(map[string]*Handle),
		device:     device.NewContext(domain.Device(cfg.OCR.Device)),
	}
	if err := r.newChain(nil).CheckEnvironment(); err != nil {
		return nil, err
	}
	return r, nil
}

// Engine returns the shared inference engine.
func (r *Runner) Engine() domain.Engine {
	return r.engine
}

// Submit queues job and returns immediately. The job starts once the runner's
// slot is free; cancelling parent cancels it whether queued or running.
func (r *Runner) Submit(parent context.Context, job domain.Job, progress domain.ProgressFunc) *Handle {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	h := newHandle(job.ID)

	r.mu.Lock()
	r.handles[job.ID] = h
	r.mu.Unlock()

	go func() {
		select {
		case r.slot <- struct{}{}:
		case <-h.cancelled:
			h.finish(r.cancelledBeforeStart(job), nil)
			return
		case <-parent.Done():
			h.finish(r.cancelledBeforeStart(job), nil)
			return
		}
		defer func() { <-r.slot }()

		res, err := r.execute(parent, job, progress, h)
		h.finish(res, err)
	}()
	return h
}

// Run submits job and waits for it to terminate.
func (r *Runner) Run(ctx context.Context, job domain.Job, progress domain.ProgressFunc) (*domain.JobResult, error) {
	h := r.Submit(ctx, job, progress)
	<-h.Done()
	return h.Result()
}

// Get returns the handle of a job submitted to this runner. Handles of jobs
// already recorded in the ledger are dropped once the job finishes.
func (r *Runner) Get(id string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	return h, ok
}

// Close releases the engine.
func (r *Runner) Close() error {
	return r.engine.Close()
}

func (r *Runner) execute(parent context.Context, job domain.Job, progress domain.ProgressFunc, h *Handle) (*domain.JobResult, error) {
	started := r.now()
	logger := r.logger.WithJob(job.ID)

	job, err := r.prepare(job)
	if err != nil {
		logger.Error().Err(err).Msg("job rejected")
		return &domain.JobResult{JobID: job.ID, Status: domain.StatusFailed, StartedAt: started, Duration: time.Since(started)}, err
	}

	sess, err := newSession(job.OutputRoot, r.cfg.Output.SessionPrefix, job.ID, started, job)
	if err != nil {
		return &domain.JobResult{JobID: job.ID, Status: domain.StatusFailed, StartedAt: started, Duration: time.Since(started)}, err
	}

	sup := supervisor.New(sess.Temp, supervisor.NewProcessRunner(logger), r.cfg.Supervisor.Grace, logger)
	sup.OnRelease(r.engine.Release)
	ctx, err := sup.Start(parent)
	if err != nil {
		return nil, err
	}
	if r.cfg.Supervisor.HandleSignals {
		stop := sup.WatchSignals()
		defer stop()
	}

	jr, err := r.newJobRun(ctx, job, sess, sup, progress, h, logger)
	if err != nil {
		sup.Finish(err)
		return jr.result(started, sup.State(), err), err
	}
	h.attach(sup)

	// the supervisor finalizes on its own when the worker misses the grace period
	go func() {
		<-sup.Done()
		if sup.Forced() {
			h.finish(jr.result(started, supervisor.StateCancelled, nil), nil)
		}
	}()

	logger.Info().Str("input", job.Input).Str("mode", string(job.Mode)).Msg("job started")
	runErr := jr.run(ctx)

	finishErr := runErr
	if errors.Is(runErr, domain.ErrNoWorkFound) {
		finishErr = nil
	}
	state := sup.Finish(finishErr)
	<-sup.Done()

	res := jr.result(started, state, runErr)
	if r.removeEmptySession(sess) {
		res.Session = ""
	}
	if r.record(job, res, logger) {
		r.forget(job.ID)
	}

	ev := logger.Info()
	if res.Status == domain.StatusFailed {
		ev = logger.Error().Err(runErr)
	}
	ev.Str("status", string(res.Status)).
		Int("processed", res.Processed).
		Int("failed", res.Failed).
		Int("total", res.Total).
		Dur("elapsed", res.Duration).
		Msg("job finished")

	if res.Status == domain.StatusFailed && runErr != nil {
		return res, runErr
	}
	return res, nil
}

// prepare fills job defaults from config and validates it.
func (r *Runner) prepare(job domain.Job) (domain.Job, error) {
	if job.Input == "" {
		return job, domain.ValidationError("input path is required", nil)
	}
	abs, err := filepath.Abs(job.Input)
	if err != nil {
		return job, domain.ValidationError("cannot resolve input path", err)
	}
	job.Input = abs

	if job.Mode == "" {
		if job.Mode, err = discover.DetectMode(job.Input); err != nil {
			return job, err
		}
	}

	if len(job.Formats) == 0 {
		for _, f := range r.cfg.Output.Formats {
			job.Formats = append(job.Formats, domain.OutputFormat(f))
		}
	}
	for _, f := range job.Formats {
		if f != domain.FormatPDF && f != domain.FormatHOCR {
			return job, domain.ValidationError(fmt.Sprintf("unknown output format %q", f), nil)
		}
	}
	if len(job.Formats) == 0 {
		return job, domain.ValidationError("no output format requested", nil)
	}

	if job.DPI == 0 {
		job.DPI = r.cfg.OCR.DPIOverride
	}
	if job.DPI < 0 {
		return job, domain.ValidationError("dpi must not be negative", nil)
	}
	job.Compress = job.Compress || r.cfg.Synthesis.Compress

	if job.OutputRoot == "" {
		job.OutputRoot = r.cfg.Output.Root
	}
	if job.OutputRoot == "" {
		job.OutputRoot = job.Input
		if job.Mode != domain.ModeFolder {
			job.OutputRoot = filepath.Dir(job.Input)
		}
	}
	return job, nil
}

func (r *Runner) newJobRun(ctx context.Context, job domain.Job, sess *session, sup *supervisor.Supervisor, progress domain.ProgressFunc, h *Handle, logger *observability.Logger) (*jobRun, error) {
	jr := &jobRun{
		job:        job,
		sess:       sess,
		sup:        sup,
		progress:   progress,
		onEvent:    h.setProgress,
		logger:     logger,
		discoverer: discover.NewDiscoverer(r.cfg.Output.SessionPrefix+"_", logger),
		chain:      r.newChain(sup.Processes()),
		rasterDPI:  r.cfg.Raster.DPI,
		merger:     merge.NewMerger(merge.OptionsFromConfig(r.cfg.Merge), logger),
	}

	dev := r.device
	if !dev.FellBack() {
		current := dev.Current()
		if err := r.engine.MoveTo(ctx, current); err != nil {
			logger.Warn().Err(err).Str("device", string(current)).Msg("could not select device, starting on CPU")
			dev.FallBack(err)
		}
	}

	opts := infer.Options{DPIOverride: job.DPI, DefaultDPI: r.cfg.OCR.DefaultDPI, Languages: r.cfg.OCR.Languages}
	jr.images = infer.NewStage(r.engine, dev, opts, logger)
	if opts.DPIOverride == 0 {
		opts.DPIOverride = r.cfg.Raster.DPI
	}
	jr.pdfPages = infer.NewStage(r.engine, dev, opts, logger)

	compressor := r.compressor
	if compressor == nil && job.Compress {
		var err error
		compressor, err = synth.NewCompressor(r.cfg.Synthesis, r.cfg.Raster.Ghostscript, sup.Processes(), r.cfg.Raster.Timeout)
		if err != nil {
			return jr, err
		}
	}
	jr.synth = synth.New(synth.Options{
		Policy:     synth.RetryPolicy{MaxAttempts: r.cfg.Synthesis.MaxAttempts},
		Compressor: compressor,
		Quality:    r.cfg.Synthesis.CompressionQuality,
		Tolerance:  r.cfg.Synthesis.SizeTolerance,
	}, logger)
	return jr, nil
}

func (r *Runner) newChain(procs *supervisor.ProcessRunner) *raster.Chain {
	if len(r.strategies) > 0 {
		return raster.NewChain(r.logger, r.strategies...)
	}
	if procs == nil {
		procs = supervisor.NewProcessRunner(r.logger)
	}
	return raster.FromConfig(r.cfg.Raster, procs, r.logger)
}

// removeEmptySession drops the session directory when the job produced
// nothing in it (no files found, or cancelled before the first output).
func (r *Runner) removeEmptySession(sess *session) bool {
	empty := true
	_ = filepath.WalkDir(sess.Root, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			empty = false
			return filepath.SkipAll
		}
		return nil
	})
	if !empty {
		return false
	}
	return os.RemoveAll(sess.Root) == nil
}

// record stores the finished job in the ledger and reports whether it did.
func (r *Runner) record(job domain.Job, res *domain.JobResult, logger *observability.Logger) bool {
	if r.ledger == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.ledger.Record(ctx, job, res); err != nil {
		logger.Warn().Err(err).Msg("could not record job in ledger")
		return false
	}
	return true
}

func (r *Runner) forget(id string) {
	r.mu.Lock()
	delete(r.handles, id)
	r.mu.Unlock()
}

func (r *Runner) cancelledBeforeStart(job domain.Job) *domain.JobResult {
	return &domain.JobResult{JobID: job.ID, Status: domain.StatusCancelled, StartedAt: r.now()}
}
