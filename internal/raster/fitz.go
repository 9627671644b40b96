package raster

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/go-fitz"

	"github.com/spherical/scan-ocr/internal/domain"
)

// FitzStrategy rasterizes in-process through MuPDF (go-fitz).
type FitzStrategy struct{}

// NewFitz creates the in-process library strategy
func NewFitz() *FitzStrategy {
	return &FitzStrategy{}
}

func (s *FitzStrategy) Name() string { return "mupdf" }

func (s *FitzStrategy) Available() bool { return true }

// Rasterize renders every page at dpi and saves it as page_NNNN.png.
func (s *FitzStrategy) Rasterize(ctx context.Context, pdfPath, outDir string, dpi int) ([]string, error) {
	doc, err := fitz.New(pdfPath)
	if err != nil {
		return nil, domain.RasterizationError("failed to open PDF", err)
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	if pageCount == 0 {
		return nil, domain.RasterizationError("PDF has no pages", nil)
	}

	pages := make([]string, 0, pageCount)
	for pageNum := 0; pageNum < pageCount; pageNum++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		img, err := doc.ImageDPI(pageNum, float64(dpi))
		if err != nil {
			return nil, domain.RasterizationError(fmt.Sprintf("failed to render page %d", pageNum+1), err)
		}

		outputPath := filepath.Join(outDir, fmt.Sprintf("page_%04d.png", pageNum+1))
		if err := imaging.Save(img, outputPath); err != nil {
			return nil, domain.IOError(fmt.Sprintf("failed to save page %d", pageNum+1), err)
		}
		pages = append(pages, outputPath)
	}

	return pages, nil
}
