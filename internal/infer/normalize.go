package infer

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// opaquer is implemented by the stdlib image types that can report full opacity.
type opaquer interface {
	Opaque() bool
}

// NeedsFlattening reports whether img must be converted before inference:
// anything with transparency, a palette, or a non-RGB color model.
func NeedsFlattening(img image.Image) bool {
	switch img.(type) {
	case *image.RGBA, *image.NRGBA, *image.RGBA64, *image.NRGBA64:
		if o, ok := img.(opaquer); ok {
			return !o.Opaque()
		}
		return true
	case *image.YCbCr:
		return false
	default:
		// Gray, Paletted, CMYK, alpha-bearing YCbCr and unknown models
		return true
	}
}

// Flatten composites img onto an opaque white canvas of the same size.
func Flatten(img image.Image) *image.NRGBA {
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, imaging.Clone(img), image.Pt(0, 0), 1.0)
}

// Normalize returns an opaque RGB image and whether it differs from img.
func Normalize(img image.Image) (image.Image, bool) {
	if !NeedsFlattening(img) {
		return img, false
	}
	return Flatten(img), true
}
