// Package infer prepares a page image and runs recognition on it, falling
// back from the accelerator to the CPU when the device fails.
package infer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/spherical/scan-ocr/internal/device"
	"github.com/spherical/scan-ocr/internal/domain"
	"github.com/spherical/scan-ocr/internal/observability"
)

// Options configures a Stage
type Options struct {
	DPIOverride int
	DefaultDPI  int
	Languages   []string
}

// Result is the inference output for one page
type Result struct {
	Layer      *domain.TextLayer
	Image      image.Image // normalized image the layer refers to
	ImagePath  string      // file holding Image; the source when no conversion was needed
	Normalized bool
	DPI        int
	Device     domain.Device // device that produced Layer
	FellBack   bool          // this page triggered the device fallback
}

// Stage runs normalization and recognition for a single page at a time.
type Stage struct {
	engine domain.Engine
	device *device.Context
	opts   Options
	logger *observability.Logger
}

// NewStage wires an engine to the run's device context.
func NewStage(engine domain.Engine, dev *device.Context, opts Options, logger *observability.Logger) *Stage {
	if logger == nil {
		logger = observability.NewNop()
	}
	if opts.DefaultDPI <= 0 {
		opts.DefaultDPI = DefaultDPI
	}
	return &Stage{
		engine: engine,
		device: dev,
		opts:   opts,
		logger: logger.WithOperation("infer"),
	}
}

// Device returns the stage's device context.
func (s *Stage) Device() *device.Context {
	return s.device
}

// Infer decodes imagePath, flattens it to RGB (writing the converted copy to
// normalizedPath when conversion was needed), resolves DPI and recognizes it.
// An accelerator failure flips the shared device context to CPU once and the
// page is retried there.
func (s *Stage) Infer(ctx context.Context, imagePath, normalizedPath string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.CancellationError("inference interrupted", err)
	}

	src, err := imaging.Open(imagePath, imaging.AutoOrientation(true))
	if err != nil {
		return nil, domain.InferenceError(fmt.Sprintf("decode %s", filepath.Base(imagePath)), err)
	}

	img, changed := Normalize(src)
	result := &Result{
		Image:      img,
		ImagePath:  imagePath,
		Normalized: changed,
		DPI:        ResolveDPI(s.opts.DPIOverride, ReadDPI(imagePath), s.opts.DefaultDPI),
	}

	if changed && normalizedPath != "" {
		if err := os.MkdirAll(filepath.Dir(normalizedPath), 0o755); err != nil {
			return nil, domain.IOError("create normalization directory", err)
		}
		if err := imaging.Save(img, normalizedPath); err != nil {
			return nil, domain.IOError("save normalized image", err)
		}
		result.ImagePath = normalizedPath
	}

	dev := s.device.Current()
	layer, err := s.recognize(ctx, img, result.DPI, dev)
	if err != nil && device.IsAcceleratorError(err) && dev != domain.DeviceCPU {
		result.FellBack = s.device.FallBack(err)
		if result.FellBack {
			s.logger.Warn().Err(err).Str("image", imagePath).Msg("accelerator failed, switching to CPU for the rest of the run")
			if moveErr := s.engine.MoveTo(ctx, domain.DeviceCPU); moveErr != nil {
				s.logger.Warn().Err(moveErr).Msg("could not move model to CPU")
			}
		}
		dev = s.device.Current()
		layer, err = s.recognize(ctx, img, result.DPI, dev)
	}
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil, domain.CancellationError("inference interrupted", err)
		}
		return nil, domain.InferenceError(fmt.Sprintf("recognize %s on %s", filepath.Base(imagePath), dev), err)
	}

	if layer.Width == 0 || layer.Height == 0 {
		b := img.Bounds()
		layer.Width, layer.Height = b.Dx(), b.Dy()
	}
	result.Layer = layer
	result.Device = dev
	return result, nil
}

func (s *Stage) recognize(ctx context.Context, img image.Image, dpi int, dev domain.Device) (*domain.TextLayer, error) {
	return s.engine.Recognize(ctx, img, domain.RecognizeOptions{
		DPI:       dpi,
		Device:    dev,
		Languages: s.opts.Languages,
	})
}
