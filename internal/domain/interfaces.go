package domain

import (
	"context"
	"image"
)

// RecognizeOptions parameterizes a single inference call
type RecognizeOptions struct {
	DPI       int
	Device    Device
	Languages []string
}

// Engine is the opaque OCR capability
type Engine interface {
	// Name identifies the engine in logs and results
	Name() string

	// Recognize extracts a text layer from a normalized RGB image.
	// Accelerator-class failures must wrap ErrAccelerator.
	Recognize(ctx context.Context, img image.Image, opts RecognizeOptions) (*TextLayer, error)

	// MoveTo relocates the loaded model to another device
	MoveTo(ctx context.Context, device Device) error

	// Release frees device memory held by the model
	Release() error

	Close() error
}

// Compressor rewrites a PDF trading quality for size
type Compressor interface {
	Name() string
	Compress(ctx context.Context, inPath, outPath string, quality int) error
}
