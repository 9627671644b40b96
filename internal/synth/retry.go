package synth

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/spherical/scan-ocr/internal/infer"
)

// ErrIncompatibleImage marks a composition failure caused by the page image
// encoding (bit depth, interlacing, color type, unknown format). Only this
// class is worth retrying with a different encoding.
var ErrIncompatibleImage = errors.New("incompatible page image")

var incompatibleMarkers = []string{
	"not supported",
	"unsupported",
	"color type",
	"bit depth",
	"interlac",
	"unknown image",
}

// classify wraps err with ErrIncompatibleImage when it looks like an encoding
// problem.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrIncompatibleImage) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, m := range incompatibleMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%w: %w", ErrIncompatibleImage, err)
		}
	}
	return err
}

// Input is the image payload embedded in a page PDF.
type Input struct {
	ImagePath string
	Data      []byte
	Type      string // fpdf image type: png, jpg, gif
}

// RetryPolicy decides how many composition attempts a page gets and how the
// image is re-encoded before each one.
type RetryPolicy struct {
	MaxAttempts int
	Transform   func(attempt int, in *Input) error
}

// DefaultRetryPolicy embeds the source as-is, then a flattened 8-bit PNG,
// then a baseline JPEG.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Transform: Reencode}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Reencode fills in.Data for the given attempt.
func Reencode(attempt int, in *Input) error {
	if attempt == 0 {
		data, err := os.ReadFile(in.ImagePath)
		if err != nil {
			return err
		}
		in.Data = data
		in.Type = imageType(in.ImagePath)
		return nil
	}

	img, err := imaging.Open(in.ImagePath)
	if err != nil {
		return err
	}
	img = infer.Flatten(img)

	var buf bytes.Buffer
	switch attempt {
	case 1:
		err = imaging.Encode(&buf, img, imaging.PNG)
		in.Type = "png"
	default:
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90))
		in.Type = "jpg"
	}
	if err != nil {
		return err
	}
	in.Data = buf.Bytes()
	return nil
}

func imageType(path string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	switch ext {
	case "jpeg", "jpe", "jfif":
		return "jpg"
	}
	return ext
}
