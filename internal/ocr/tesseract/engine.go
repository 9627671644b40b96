// Package tesseract implements domain.Engine on top of gosseract.
package tesseract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"
	"sync"

	"github.com/otiai10/gosseract/v2"

	"github.com/spherical/scan-ocr/internal/domain"
)

// Engine runs Tesseract in-process. Tesseract has no accelerator path, so
// MoveTo only records the requested device.
type Engine struct {
	mu            sync.Mutex
	languages     []string
	device        domain.Device
	clientFactory func() *gosseract.Client
}

// New creates an engine recognizing the given languages (default eng).
func New(languages []string) *Engine {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	return &Engine{
		languages:     languages,
		device:        domain.DeviceCPU,
		clientFactory: gosseract.NewClient,
	}
}

func (e *Engine) Name() string { return "tesseract" }

// Recognize runs word-level recognition on img.
func (e *Engine) Recognize(ctx context.Context, img image.Image, opts domain.RecognizeOptions) (*domain.TextLayer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode page image: %w", err)
	}

	client := e.clientFactory()
	defer client.Close()

	if err := client.SetImageFromBytes(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("set image: %w", err)
	}
	langs := opts.Languages
	if len(langs) == 0 {
		langs = e.languages
	}
	if err := client.SetLanguage(langs...); err != nil {
		return nil, fmt.Errorf("set languages: %w", err)
	}
	if opts.DPI > 0 {
		if err := client.SetVariable(gosseract.SettableVariable("user_defined_dpi"), fmt.Sprint(opts.DPI)); err != nil {
			return nil, fmt.Errorf("set dpi: %w", err)
		}
	}

	boxes, err := client.GetBoundingBoxesVerbose()
	if err != nil {
		return nil, fmt.Errorf("recognize words: %w", err)
	}

	return buildLayer(boxes, img.Bounds(), langs[0]), nil
}

// buildLayer converts Tesseract word boxes into a text layer. Lines are
// numbered in first-seen order of their (block, paragraph, line) triple.
func buildLayer(boxes []gosseract.BoundingBox, bounds image.Rectangle, lang string) *domain.TextLayer {
	layer := &domain.TextLayer{
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
		Language: lang,
		Words:    make([]domain.Word, 0, len(boxes)),
	}

	lineIDs := make(map[[3]int]int)
	texts := make([]string, 0, len(boxes))
	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" {
			continue
		}
		key := [3]int{b.BlockNum, b.ParNum, b.LineNum}
		line, ok := lineIDs[key]
		if !ok {
			line = len(lineIDs) + 1
			lineIDs[key] = line
		}
		layer.Words = append(layer.Words, domain.Word{
			Text:       text,
			Box:        domain.Box{X0: b.Box.Min.X, Y0: b.Box.Min.Y, X1: b.Box.Max.X, Y1: b.Box.Max.Y},
			Confidence: b.Confidence,
			Line:       line,
		})
		texts = append(texts, text)
	}
	layer.Text = strings.Join(texts, " ")
	return layer
}

func (e *Engine) MoveTo(ctx context.Context, device domain.Device) error {
	e.mu.Lock()
	e.device = device
	e.mu.Unlock()
	return nil
}

// Device returns the device last requested through MoveTo.
func (e *Engine) Device() domain.Device {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.device
}

func (e *Engine) Release() error { return nil }

func (e *Engine) Close() error { return nil }
