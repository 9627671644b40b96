package hocr

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/scan-ocr/internal/domain"
)

func sampleLayer() *domain.TextLayer {
	return &domain.TextLayer{
		Width:    2550,
		Height:   3300,
		Language: "en",
		Words: []domain.Word{
			{Text: "Invoice", Box: domain.Box{X0: 100, Y0: 120, X1: 400, Y1: 180}, Confidence: 96, Line: 1},
			{Text: "#1042", Box: domain.Box{X0: 420, Y0: 118, X1: 600, Y1: 182}, Confidence: 91.6, Line: 1},
			{Text: "Tom & Jerry <Ltd>", Box: domain.Box{X0: 100, Y0: 220, X1: 700, Y1: 270}, Confidence: 88, Line: 2},
		},
	}
}

func TestRenderParse_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, Page{Image: `scan "a".png`, DPI: 300, Layer: sampleLayer()}))

	out := buf.String()
	assert.Contains(t, out, `class="ocr_page"`)
	assert.Equal(t, 2, strings.Count(out, `class="ocr_line"`))
	assert.Contains(t, out, "Tom &amp; Jerry &lt;Ltd&gt;")

	page, err := Parse(&buf)
	require.NoError(t, err)

	assert.Equal(t, 300, page.DPI)
	assert.Equal(t, `scan "a".png`, page.Image)
	assert.Equal(t, 2550, page.Layer.Width)
	assert.Equal(t, 3300, page.Layer.Height)
	require.Len(t, page.Layer.Words, 3)

	assert.Equal(t, "Invoice", page.Layer.Words[0].Text)
	assert.Equal(t, domain.Box{X0: 420, Y0: 118, X1: 600, Y1: 182}, page.Layer.Words[1].Box)
	assert.Equal(t, float64(92), page.Layer.Words[1].Confidence)
	assert.Equal(t, page.Layer.Words[0].Line, page.Layer.Words[1].Line)
	assert.NotEqual(t, page.Layer.Words[1].Line, page.Layer.Words[2].Line)
	assert.Equal(t, "Tom & Jerry <Ltd>", page.Layer.Words[2].Text)
	assert.Equal(t, "Invoice #1042 Tom & Jerry <Ltd>", page.Layer.Text)
}

func TestRender_EmptyLayer(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, Page{Layer: &domain.TextLayer{Width: 10, Height: 20}}))

	page, err := Parse(&buf)
	require.NoError(t, err)
	assert.Empty(t, page.Layer.Words)
	assert.Equal(t, 10, page.Layer.Width)
	assert.Zero(t, page.DPI)
}

func TestParse_TesseractOutput(t *testing.T) {
	doc := `<html><body>
<div class='ocr_page' id='page_1' title='image "x.tif"; bbox 0 0 1000 800; ppageno 0; scan_res 200 200'>
 <div class='ocr_carea' id='block_1_1' title="bbox 10 10 500 60">
  <p class='ocr_par' id='par_1_1' lang='eng'>
   <span class='ocr_line' id='line_1_1' title="bbox 10 10 500 60; baseline 0 -5; x_size 40">
    <span class='ocrx_word' id='word_1_1' title='bbox 10 10 200 60; x_wconf 93'><strong>Hello</strong></span>
    <span class='ocrx_word' id='word_1_2' title='bbox 220 10 500 60; x_wconf 90'>world</span>
    <span class='ocrx_word' id='word_1_3' title='bbox 510 10 520 60; x_wconf 10'> </span>
   </span>
  </p>
 </div>
</div></body></html>`

	page, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, 200, page.DPI)
	assert.Equal(t, "x.tif", page.Image)
	require.Len(t, page.Layer.Words, 2, "blank words are dropped")
	assert.Equal(t, "Hello", page.Layer.Words[0].Text)
	assert.Equal(t, 1000, page.Layer.Width)
}

func TestParse_NoPage(t *testing.T) {
	_, err := Parse(strings.NewReader("<html><body><p>nothing</p></body></html>"))
	assert.Error(t, err)
}
