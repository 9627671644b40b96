// Package merge reassembles a group's per-page PDFs into its final document.
package merge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/spherical/scan-ocr/internal/config"
	"github.com/spherical/scan-ocr/internal/domain"
	"github.com/spherical/scan-ocr/internal/observability"
	"github.com/spherical/scan-ocr/internal/pdfconf"
)

// Options controls the arrival barrier
type Options struct {
	Wait         time.Duration // how long to wait for missing pages
	PollInterval time.Duration
	Strict       bool // a shortfall fails the merge instead of merging the subset
}

// OptionsFromConfig converts the merge config section.
func OptionsFromConfig(cfg config.MergeConfig) Options {
	return Options{Wait: cfg.Wait, PollInterval: cfg.PollInterval, Strict: cfg.Strict}
}

// Result describes a merged group
type Result struct {
	OutputPath string
	Merged     []int // page indices included, ascending
	Missing    []int // expected page indices that never arrived
	Partial    bool
}

// Merger concatenates page artifacts in index order.
type Merger struct {
	opts   Options
	conf   *model.Configuration
	logger *observability.Logger
}

// NewMerger creates a Merger.
func NewMerger(opts Options, logger *observability.Logger) *Merger {
	if logger == nil {
		logger = observability.NewNop()
	}
	if opts.Wait <= 0 {
		opts.Wait = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Merger{opts: opts, conf: pdfconf.New(), logger: logger.WithOperation("merge")}
}

// Merge waits for the group's page artifacts, concatenates the present ones
// in ascending index order into group.OutputPath and removes them.
func (m *Merger) Merge(ctx context.Context, group *domain.Group) (*Result, error) {
	logger := m.logger.WithGroup(group.Key)

	present, missing, err := m.await(ctx, group.Pages)
	if err != nil {
		return nil, err
	}

	res := &Result{OutputPath: group.OutputPath, Missing: indices(missing), Partial: len(missing) > 0}
	if len(present) == 0 {
		return res, domain.MergeError(fmt.Sprintf("group %s has no page artifacts", group.Key), domain.ErrMergeFailed)
	}
	if res.Partial {
		if m.opts.Strict {
			return res, domain.MergeError(fmt.Sprintf("group %s is missing %d of %d pages", group.Key, len(missing), group.Expected()), domain.ErrMergeFailed)
		}
		logger.Warn().Int("expected", group.Expected()).Int("present", len(present)).Msg("merging available subset")
	}

	if err := os.MkdirAll(filepath.Dir(group.OutputPath), 0o755); err != nil {
		return res, domain.IOError("create output directory", err)
	}

	files := make([]string, 0, len(present))
	for _, p := range present {
		files = append(files, p.ArtifactPath)
	}

	part := group.OutputPath + ".part"
	if err := m.concat(files, part); err != nil {
		os.Remove(part)
		return res, domain.MergeError(fmt.Sprintf("merge group %s", group.Key), fmt.Errorf("%w: %w", domain.ErrMergeFailed, err))
	}
	if err := os.Rename(part, group.OutputPath); err != nil {
		os.Remove(part)
		return res, domain.IOError("publish merged document", err)
	}

	for _, p := range present {
		if err := os.Remove(p.ArtifactPath); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", p.ArtifactPath).Msg("could not remove page artifact")
		}
	}
	res.Merged = indices(present)

	logger.Info().Str("output", group.OutputPath).Int("pages", len(present)).Bool("partial", res.Partial).Msg("group merged")
	return res, nil
}

// concat writes files to out in order. A single page is moved as-is.
func (m *Merger) concat(files []string, out string) error {
	if len(files) == 1 {
		return os.Rename(files[0], out)
	}
	return api.MergeCreateFile(files, out, false, m.conf)
}

// await polls until every page artifact that can still arrive exists with
// non-zero size, the wait elapses, or ctx is cancelled. Pages already marked
// failed or skipped are not waited for. Pages come back in ascending index
// order.
func (m *Merger) await(ctx context.Context, pages []*domain.PageTask) (present, missing []*domain.PageTask, err error) {
	deadline := time.NewTimer(m.opts.Wait)
	defer deadline.Stop()
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		present, missing = partition(pages)
		if settled(missing) {
			return present, missing, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil, domain.CancellationError("merge interrupted", ctx.Err())
		case <-deadline.C:
			present, missing = partition(pages)
			return present, missing, nil
		case <-ticker.C:
		}
	}
}

func settled(missing []*domain.PageTask) bool {
	for _, p := range missing {
		if p.Status != domain.PageFailed && p.Status != domain.PageSkipped {
			return false
		}
	}
	return true
}

// partition splits pages by artifact presence, sorted by index.
func partition(pages []*domain.PageTask) (present, missing []*domain.PageTask) {
	ordered := make([]*domain.PageTask, len(pages))
	copy(ordered, pages)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	for _, p := range ordered {
		if p.ArtifactPath == "" || p.Status == domain.PageFailed || p.Status == domain.PageSkipped {
			missing = append(missing, p)
			continue
		}
		if fi, err := os.Stat(p.ArtifactPath); err == nil && fi.Size() > 0 {
			present = append(present, p)
		} else {
			missing = append(missing, p)
		}
	}
	return present, missing
}

func indices(pages []*domain.PageTask) []int {
	out := make([]int, 0, len(pages))
	for _, p := range pages {
		out = append(out, p.Index)
	}
	return out
}
