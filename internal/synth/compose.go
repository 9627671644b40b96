package synth

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/go-pdf/fpdf"

	"github.com/spherical/scan-ocr/internal/domain"
)

const (
	pointsPerInch = 72.0
	fontRatio     = 0.8 // glyph height relative to the word box
	textFont      = "Helvetica"
)

// compose writes a single-page PDF at out: the image scaled to its physical
// size with each word drawn invisibly over its bounding box.
func compose(in *Input, layer *domain.TextLayer, dpi int, out, imageName string) error {
	if dpi <= 0 {
		return errors.New("dpi must be positive")
	}
	if layer.Width <= 0 || layer.Height <= 0 {
		return errors.New("text layer has no page dimensions")
	}

	scale := pointsPerInch / float64(dpi)
	w := float64(layer.Width) * scale
	h := float64(layer.Height) * scale

	pdf := fpdf.NewCustom(&fpdf.InitType{
		UnitStr: "pt",
		Size:    fpdf.SizeType{Wd: w, Ht: h},
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPage()

	opts := fpdf.ImageOptions{ImageType: in.Type}
	pdf.RegisterImageOptionsReader(imageName, opts, bytes.NewReader(in.Data))
	if pdf.Err() {
		return classify(pdf.Error())
	}
	pdf.ImageOptions(imageName, 0, 0, w, h, false, opts, 0, "")

	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetFont(textFont, "", 10)
	pdf.SetTextRenderingMode(3)
	for _, word := range layer.Words {
		bw := float64(word.Box.Width()) * scale
		bh := float64(word.Box.Height()) * scale
		if word.Text == "" || bw <= 0 || bh <= 0 {
			continue
		}
		text := tr(word.Text)
		size := bh * fontRatio
		pdf.SetFontSize(size)
		if sw := pdf.GetStringWidth(text); sw > bw {
			pdf.SetFontSize(size * bw / sw)
		}
		baseline := float64(word.Box.Y1)*scale - bh*(1-fontRatio)/2
		pdf.Text(float64(word.Box.X0)*scale, baseline, text)
	}
	if pdf.Err() {
		return classify(pdf.Error())
	}

	// written under a temporary name so the merger never sees a partial file
	part := out + ".part"
	if err := pdf.OutputFileAndClose(part); err != nil {
		os.Remove(part)
		return classify(err)
	}
	if err := os.Rename(part, out); err != nil {
		os.Remove(part)
		return fmt.Errorf("publish page artifact: %w", err)
	}
	return nil
}
