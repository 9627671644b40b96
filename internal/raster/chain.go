// Package raster converts source PDFs into page images through an ordered
// chain of strategies with a guaranteed blank-page fallback.
package raster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spherical/scan-ocr/internal/config"
	"github.com/spherical/scan-ocr/internal/domain"
	"github.com/spherical/scan-ocr/internal/observability"
	"github.com/spherical/scan-ocr/internal/supervisor"
)

// Attempt is the typed result of running one strategy.
type Attempt struct {
	Strategy string
	Pages    []string
	Err      error
	Elapsed  time.Duration
}

// Outcome is what the chain produced for one PDF.
type Outcome struct {
	Pages    []string // ordered page images
	Strategy string   // strategy that produced Pages, "blank" when degraded
	Attempts []Attempt
	Degraded bool
}

// Causes joins the errors of every failed attempt.
func (o *Outcome) Causes() error {
	var errs []error
	for _, a := range o.Attempts {
		if a.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.Strategy, a.Err))
		}
	}
	return errors.Join(errs...)
}

// Chain tries strategies in order and stops at the first that yields pages.
type Chain struct {
	strategies []Strategy
	logger     *observability.Logger
}

// NewChain creates a chain over strategies in priority order.
func NewChain(logger *observability.Logger, strategies ...Strategy) *Chain {
	if logger == nil {
		logger = observability.NewNop()
	}
	return &Chain{
		strategies: strategies,
		logger:     logger.WithOperation("rasterize"),
	}
}

// FromConfig builds the chain named by cfg.Strategies. External tools run
// through runner so the supervisor can kill them.
func FromConfig(cfg config.RasterConfig, runner *supervisor.ProcessRunner, logger *observability.Logger) *Chain {
	var strategies []Strategy
	for _, name := range cfg.Strategies {
		switch name {
		case "pdftoppm":
			strategies = append(strategies, NewPdftoppm(cfg.Pdftoppm, runner, cfg.Timeout))
		case "ghostscript":
			strategies = append(strategies, NewGhostscript(cfg.Ghostscript, runner, cfg.Timeout))
		case "mupdf":
			strategies = append(strategies, NewFitz())
		}
	}
	return NewChain(logger, strategies...)
}

// CheckEnvironment fails when no configured strategy can run on this host.
func (c *Chain) CheckEnvironment() error {
	var names []string
	for _, s := range c.strategies {
		if s.Available() {
			return nil
		}
		names = append(names, s.Name())
	}
	return domain.ConfigError(fmt.Sprintf("no PDF rasterizer available (tried %v)", names), domain.ErrToolNotFound)
}

// Strategies returns the strategy names in order.
func (c *Chain) Strategies() []string {
	names := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		names[i] = s.Name()
	}
	return names
}

// Rasterize renders pdfPath into subdirectories of outDir. Every strategy
// failure, panics included, moves on to the next strategy; when all fail a
// blank page is produced and the outcome is marked degraded. A source that
// is empty or not a PDF skips the strategies and degrades the same way.
// Only cancellation and an invalid dpi are returned as errors.
func (c *Chain) Rasterize(ctx context.Context, pdfPath, outDir string, dpi int) (*Outcome, error) {
	if err := checkDPI(dpi); err != nil {
		return nil, err
	}

	outcome := &Outcome{}
	if err := checkSource(pdfPath); err != nil {
		outcome.Attempts = append(outcome.Attempts, Attempt{Strategy: "source", Err: err})
		return c.blank(outcome, pdfPath, outDir, dpi)
	}

	for _, strategy := range c.strategies {
		if err := ctx.Err(); err != nil {
			return nil, domain.CancellationError("rasterization interrupted", err)
		}

		dir := filepath.Join(outDir, strategy.Name())
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, domain.IOError("create raster directory", err)
		}

		start := time.Now()
		pages, err := safeRasterize(ctx, strategy, pdfPath, dir, dpi)
		if err == nil && len(pages) == 0 {
			err = errors.New("produced no pages")
		}
		attempt := Attempt{Strategy: strategy.Name(), Pages: pages, Err: err, Elapsed: time.Since(start)}
		outcome.Attempts = append(outcome.Attempts, attempt)

		if err == nil {
			SortPages(pages)
			outcome.Pages = pages
			outcome.Strategy = strategy.Name()
			c.logger.Info().Str("pdf", pdfPath).Str("strategy", strategy.Name()).
				Int("pages", len(pages)).Dur("elapsed", attempt.Elapsed).Msg("rasterized")
			return outcome, nil
		}

		_ = os.RemoveAll(dir)
		if ctx.Err() != nil {
			return nil, domain.CancellationError("rasterization interrupted", ctx.Err())
		}
		c.logger.Warn().Err(err).Str("pdf", pdfPath).Str("strategy", strategy.Name()).Msg("strategy failed, trying next")
	}
	return c.blank(outcome, pdfPath, outDir, dpi)
}

func (c *Chain) blank(outcome *Outcome, pdfPath, outDir string, dpi int) (*Outcome, error) {
	dir := filepath.Join(outDir, "blank")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, domain.IOError("create raster directory", err)
	}
	blank, err := WriteBlankPage(dir, dpi)
	if err != nil {
		return nil, domain.RasterizationError("write blank fallback page", errors.Join(err, outcome.Causes()))
	}

	outcome.Pages = []string{blank}
	outcome.Strategy = "blank"
	outcome.Degraded = true
	c.logger.Error().Err(outcome.Causes()).Str("pdf", pdfPath).Msg("all rasterizers failed, using blank page")
	return outcome, nil
}

// safeRasterize converts a panic inside a strategy (numeric edge cases in
// rendering libraries) into an ordinary failure.
func safeRasterize(ctx context.Context, s Strategy, pdfPath, dir string, dpi int) (pages []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("strategy panicked: %v", r)
		}
	}()
	return s.Rasterize(ctx, pdfPath, dir, dpi)
}
