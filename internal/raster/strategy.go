package raster

import (
	"context"
	"fmt"
	"image/color"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"

	"github.com/spherical/scan-ocr/internal/supervisor"
)

// Strategy turns a PDF into one image file per page inside outDir.
type Strategy interface {
	Name() string
	Available() bool
	Rasterize(ctx context.Context, pdfPath, outDir string, dpi int) ([]string, error)
}

// ToolStrategy shells out to an external rasterizer.
type ToolStrategy struct {
	name    string
	binary  string
	args    func(pdfPath, outDir string, dpi int) []string
	runner  *supervisor.ProcessRunner
	timeout time.Duration
}

// NewPdftoppm returns the poppler strategy: pdftoppm -r DPI -png in out/page.
func NewPdftoppm(binary string, runner *supervisor.ProcessRunner, timeout time.Duration) *ToolStrategy {
	if binary == "" {
		binary = "pdftoppm"
	}
	return &ToolStrategy{
		name:   "pdftoppm",
		binary: binary,
		args: func(pdfPath, outDir string, dpi int) []string {
			return []string{"-r", fmt.Sprint(dpi), "-png", pdfPath, filepath.Join(outDir, "page")}
		},
		runner:  runner,
		timeout: timeout,
	}
}

// NewGhostscript returns the Ghostscript png16m strategy.
func NewGhostscript(binary string, runner *supervisor.ProcessRunner, timeout time.Duration) *ToolStrategy {
	if binary == "" {
		binary = "gs"
	}
	return &ToolStrategy{
		name:   "ghostscript",
		binary: binary,
		args: func(pdfPath, outDir string, dpi int) []string {
			return []string{
				"-dQUIET", "-dNOPAUSE", "-dBATCH", "-dSAFER",
				"-sDEVICE=png16m",
				fmt.Sprintf("-r%d", dpi),
				"-sOutputFile=" + filepath.Join(outDir, "page_%04d.png"),
				pdfPath,
			}
		},
		runner:  runner,
		timeout: timeout,
	}
}

func (s *ToolStrategy) Name() string { return s.name }

func (s *ToolStrategy) Available() bool {
	return supervisor.Available(s.binary)
}

func (s *ToolStrategy) Rasterize(ctx context.Context, pdfPath, outDir string, dpi int) ([]string, error) {
	if _, err := s.runner.Run(ctx, s.timeout, s.binary, s.args(pdfPath, outDir, dpi)...); err != nil {
		return nil, err
	}
	return collectPages(outDir)
}

// Letter size in inches, used for the blank fallback page.
const (
	letterWidthIn  = 8.5
	letterHeightIn = 11.0
)

// WriteBlankPage writes a white US Letter page at dpi into outDir.
func WriteBlankPage(outDir string, dpi int) (string, error) {
	w := int(letterWidthIn * float64(dpi))
	h := int(letterHeightIn * float64(dpi))
	img := imaging.New(w, h, color.White)
	path := filepath.Join(outDir, "page_0001.png")
	if err := imaging.Save(img, path); err != nil {
		return "", err
	}
	return path, nil
}
