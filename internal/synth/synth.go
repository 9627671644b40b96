// Package synth turns a recognized page into its artifacts: the hOCR
// intermediate and a single-page searchable PDF.
package synth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spherical/scan-ocr/internal/domain"
	"github.com/spherical/scan-ocr/internal/hocr"
	"github.com/spherical/scan-ocr/internal/observability"
)

// DefaultSizeTolerance is the largest compressed/original size ratio accepted.
const DefaultSizeTolerance = 1.10

// Options configures a Synthesizer
type Options struct {
	Policy     RetryPolicy
	Compressor domain.Compressor // nil disables compression
	Quality    int
	Tolerance  float64
}

// Request describes one page to synthesize
type Request struct {
	Page      *domain.PageTask
	ImagePath string // normalized image the layer refers to
	DPI       int
	Layer     *domain.TextLayer
	HOCRTemp  string // intermediate hOCR location inside the temp tree
	WantPDF   bool
	Compress  bool
}

// Artifact is what Synthesize produced
type Artifact struct {
	PDFPath    string
	HOCRPath   string
	Size       int64
	Attempts   int
	Compressed bool
}

// Synthesizer writes page artifacts.
type Synthesizer struct {
	opts   Options
	logger *observability.Logger
}

// New creates a Synthesizer, filling unset options with defaults.
func New(opts Options, logger *observability.Logger) *Synthesizer {
	if logger == nil {
		logger = observability.NewNop()
	}
	if opts.Policy.Transform == nil {
		max := opts.Policy.MaxAttempts
		opts.Policy = DefaultRetryPolicy()
		if max > 0 {
			opts.Policy.MaxAttempts = max
		}
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultSizeTolerance
	}
	if opts.Quality <= 0 {
		opts.Quality = 80
	}
	return &Synthesizer{opts: opts, logger: logger.WithOperation("synthesize")}
}

// Synthesize writes the hOCR intermediate, publishes it to the page's hOCR
// path when one is set, and composes the page PDF from the parsed
// intermediate when requested.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.CancellationError("synthesis interrupted", err)
	}
	if req.Layer == nil {
		return nil, domain.SynthesisError("no text layer", nil)
	}

	page := hocr.Page{Image: filepath.Base(req.ImagePath), DPI: req.DPI, Layer: req.Layer}
	if err := writeHOCR(req.HOCRTemp, page); err != nil {
		return nil, domain.SynthesisError("write hOCR intermediate", err)
	}

	art := &Artifact{}
	if req.Page.HOCRPath != "" {
		if err := copyFile(req.HOCRTemp, req.Page.HOCRPath); err != nil {
			return nil, domain.IOError("publish hOCR", err)
		}
		art.HOCRPath = req.Page.HOCRPath
	}
	if !req.WantPDF {
		return art, nil
	}

	parsed, err := readHOCR(req.HOCRTemp)
	if err != nil {
		return nil, domain.SynthesisError("read hOCR intermediate", err)
	}
	dpi := parsed.DPI
	if dpi <= 0 {
		dpi = req.DPI
	}

	out := req.Page.ArtifactPath
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return nil, domain.IOError("create temp directory", err)
	}

	logger := s.logger.WithPage(req.Page.Index, req.Page.Source)
	var lastErr error
	for attempt := 0; attempt < s.opts.Policy.attempts(); attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, domain.CancellationError("synthesis interrupted", err)
		}
		art.Attempts = attempt + 1

		in := &Input{ImagePath: req.ImagePath}
		if err := s.opts.Policy.Transform(attempt, in); err != nil {
			lastErr = err
			logger.Warn().Err(err).Int("attempt", attempt).Msg("image re-encode failed")
			continue
		}

		lastErr = compose(in, parsed.Layer, dpi, out, fmt.Sprintf("page-%d", attempt))
		if lastErr == nil {
			break
		}
		if !errors.Is(lastErr, ErrIncompatibleImage) {
			return nil, domain.SynthesisError("compose page PDF", lastErr)
		}
		logger.Warn().Err(lastErr).Int("attempt", attempt).Msg("page image incompatible, re-encoding")
	}
	if lastErr != nil {
		return nil, domain.SynthesisError(fmt.Sprintf("compose page PDF after %d attempts", art.Attempts), lastErr)
	}
	art.PDFPath = out

	if req.Compress && s.opts.Compressor != nil {
		compressed, err := s.compress(ctx, out)
		if err != nil {
			logger.Warn().Err(err).Str("compressor", s.opts.Compressor.Name()).Msg("compression failed, keeping original")
		}
		art.Compressed = compressed
	}

	if fi, err := os.Stat(out); err == nil {
		art.Size = fi.Size()
	}
	return art, nil
}

// compress replaces path with its compressed form when the result is within
// the size tolerance.
func (s *Synthesizer) compress(ctx context.Context, path string) (bool, error) {
	tmp := path + ".cmp"
	defer os.Remove(tmp)

	if err := s.opts.Compressor.Compress(ctx, path, tmp, s.opts.Quality); err != nil {
		return false, err
	}
	return acceptCompressed(path, tmp, s.opts.Tolerance)
}

// acceptCompressed moves candidate over original when
// size(candidate) <= size(original) * tolerance.
func acceptCompressed(original, candidate string, tolerance float64) (bool, error) {
	orig, err := os.Stat(original)
	if err != nil {
		return false, err
	}
	cand, err := os.Stat(candidate)
	if err != nil {
		return false, err
	}
	if cand.Size() == 0 || float64(cand.Size()) > float64(orig.Size())*tolerance {
		return false, nil
	}
	if err := os.Rename(candidate, original); err != nil {
		return false, err
	}
	return true, nil
}

func writeHOCR(path string, page hocr.Page) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := hocr.Render(f, page); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readHOCR(path string) (*hocr.Page, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return hocr.Parse(f)
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
