package synth

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/spherical/scan-ocr/internal/config"
	"github.com/spherical/scan-ocr/internal/domain"
	"github.com/spherical/scan-ocr/internal/pdfconf"
	"github.com/spherical/scan-ocr/internal/supervisor"
)

// smallFileBytes is the size below which Ghostscript keeps image resolution
// and uses a conservative preset.
const smallFileBytes = 1 << 20

// PDFCPUCompressor performs structural optimization in-process.
type PDFCPUCompressor struct {
	conf *model.Configuration
}

// NewPDFCPUCompressor creates a compressor using pdfcpu's default configuration.
func NewPDFCPUCompressor() *PDFCPUCompressor {
	return &PDFCPUCompressor{conf: pdfconf.New()}
}

func (c *PDFCPUCompressor) Name() string { return "pdfcpu" }

// Compress ignores quality; pdfcpu does not resample images.
func (c *PDFCPUCompressor) Compress(ctx context.Context, inPath, outPath string, quality int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := api.OptimizeFile(inPath, outPath, c.conf); err != nil {
		return fmt.Errorf("pdfcpu optimize: %w", err)
	}
	return nil
}

// GhostscriptCompressor re-distills a PDF through pdfwrite, downsampling
// images according to quality.
type GhostscriptCompressor struct {
	binary  string
	runner  *supervisor.ProcessRunner
	timeout time.Duration
}

// NewGhostscriptCompressor runs binary through runner.
func NewGhostscriptCompressor(binary string, runner *supervisor.ProcessRunner, timeout time.Duration) *GhostscriptCompressor {
	if binary == "" {
		binary = "gs"
	}
	return &GhostscriptCompressor{binary: binary, runner: runner, timeout: timeout}
}

func (c *GhostscriptCompressor) Name() string { return "ghostscript" }

func (c *GhostscriptCompressor) Compress(ctx context.Context, inPath, outPath string, quality int) error {
	fi, err := os.Stat(inPath)
	if err != nil {
		return err
	}
	args := ghostscriptArgs(quality, fi.Size() < smallFileBytes)
	args = append(args, "-sOutputFile="+outPath, inPath)
	if _, err := c.runner.Run(ctx, c.timeout, c.binary, args...); err != nil {
		return err
	}
	return nil
}

// ghostscriptArgs maps quality 0-100 to pdfwrite settings. Small files only
// get a conservative preset so already-compact scans are not degraded.
func ghostscriptArgs(quality int, small bool) []string {
	quality = max(0, min(100, quality))
	args := []string{
		"-sDEVICE=pdfwrite",
		"-dCompatibilityLevel=1.4",
		"-dNOPAUSE",
		"-dQUIET",
		"-dBATCH",
		"-dSAFER",
	}
	if small {
		return append(args, "-dPDFSETTINGS=/ebook")
	}

	var resolution int
	switch {
	case quality <= 30:
		resolution = 72
	case quality <= 60:
		resolution = 150
	case quality <= 85:
		resolution = 300
	default:
		resolution = 600
	}
	res := strconv.Itoa(resolution)
	args = append(args,
		"-dPDFSETTINGS=/default",
		"-dDownsampleColorImages=true",
		"-dColorImageDownsampleType=/Bicubic",
		"-dColorImageResolution="+res,
		"-dDownsampleGrayImages=true",
		"-dGrayImageResolution="+res,
		"-dAutoFilterColorImages=false",
		"-dColorImageFilter=/DCTEncode",
		"-dJPEGQ="+strconv.Itoa(max(5, quality)),
	)
	return args
}

// NewCompressor returns the compressor named in cfg.
func NewCompressor(cfg config.SynthesisConfig, gsBinary string, runner *supervisor.ProcessRunner, timeout time.Duration) (domain.Compressor, error) {
	switch cfg.Compressor {
	case "", "pdfcpu":
		return NewPDFCPUCompressor(), nil
	case "ghostscript":
		return NewGhostscriptCompressor(gsBinary, runner, timeout), nil
	default:
		return nil, domain.ConfigError(fmt.Sprintf("unknown compressor %q", cfg.Compressor), nil)
	}
}
