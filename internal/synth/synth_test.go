package synth

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/scan-ocr/internal/domain"
)

func writeImage(t *testing.T, path string, img image.Image) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func scanImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 240, G: 240, B: 240, A: 255})
		}
	}
	return img
}

func deepImage(w, h int) *image.NRGBA64 {
	img := image.NewNRGBA64(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA64{R: 0x1234, G: 0x5678, B: 0x9abc, A: 0xffff})
		}
	}
	return img
}

func sampleLayer(w, h int) *domain.TextLayer {
	return &domain.TextLayer{
		Width:  w,
		Height: h,
		Words: []domain.Word{
			{Text: "Invoice", Box: domain.Box{X0: 10, Y0: 10, X1: 90, Y1: 30}, Confidence: 96, Line: 1},
			{Text: "Total", Box: domain.Box{X0: 10, Y0: 50, X1: 60, Y1: 70}, Confidence: 88, Line: 2},
			{Text: "€12,50", Box: domain.Box{X0: 70, Y0: 50, X1: 150, Y1: 70}, Confidence: 71, Line: 2},
		},
	}
}

type fixture struct {
	dir   string
	image string
	page  *domain.PageTask
}

func newFixture(t *testing.T, img image.Image) fixture {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "scan.png")
	writeImage(t, path, img)
	return fixture{
		dir:   dir,
		image: path,
		page: &domain.PageTask{
			GroupKey:     "scans-1a2b3c4d",
			Index:        0,
			Source:       path,
			ArtifactPath: filepath.Join(dir, "temp", domain.TempPageName("scans-1a2b3c4d", 0)),
		},
	}
}

func (f fixture) request(layer *domain.TextLayer) Request {
	return Request{
		Page:      f.page,
		ImagePath: f.image,
		DPI:       200,
		Layer:     layer,
		HOCRTemp:  filepath.Join(f.dir, "temp", "hocr", "scan.hocr"),
		WantPDF:   true,
	}
}

func TestSynthesize_PDFAndHOCR(t *testing.T) {
	f := newFixture(t, scanImage(200, 100))
	f.page.HOCRPath = filepath.Join(f.dir, "hocr", "scan.hocr")

	art, err := New(Options{}, nil).Synthesize(context.Background(), f.request(sampleLayer(200, 100)))
	require.NoError(t, err)

	assert.Equal(t, f.page.ArtifactPath, art.PDFPath)
	assert.Equal(t, 1, art.Attempts)
	assert.Positive(t, art.Size)
	assert.NoFileExists(t, f.page.ArtifactPath+".part")

	n, err := api.PageCountFile(art.PDFPath)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	data, err := os.ReadFile(f.page.HOCRPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ocrx_word")
	assert.Contains(t, string(data), "scan_res 200 200")
}

func TestSynthesize_HOCROnly(t *testing.T) {
	f := newFixture(t, scanImage(50, 50))
	f.page.HOCRPath = filepath.Join(f.dir, "hocr", "scan.hocr")
	req := f.request(sampleLayer(50, 50))
	req.WantPDF = false

	art, err := New(Options{}, nil).Synthesize(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, art.PDFPath)
	assert.FileExists(t, f.page.HOCRPath)
	assert.NoFileExists(t, f.page.ArtifactPath)
}

func TestSynthesize_ReencodesIncompatibleImage(t *testing.T) {
	// fpdf embeds only png, jpg and gif; other sources fail attempt 0 and
	// succeed on the flattened PNG re-encode
	for _, ext := range []string{".bmp", ".tif"} {
		t.Run(ext, func(t *testing.T) {
			f := newFixture(t, scanImage(120, 80))
			f.image = filepath.Join(f.dir, "scan"+ext)
			require.NoError(t, imaging.Save(scanImage(120, 80), f.image))

			art, err := New(Options{}, nil).Synthesize(context.Background(), f.request(sampleLayer(120, 80)))
			require.NoError(t, err)
			assert.Equal(t, 2, art.Attempts)

			n, err := api.PageCountFile(art.PDFPath)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestSynthesize_DeepPNGEmbedsDirectly(t *testing.T) {
	f := newFixture(t, deepImage(120, 80))

	art, err := New(Options{}, nil).Synthesize(context.Background(), f.request(sampleLayer(120, 80)))
	require.NoError(t, err)
	assert.Equal(t, 1, art.Attempts)
	assert.FileExists(t, art.PDFPath)
}

func TestSynthesize_ExhaustsAttempts(t *testing.T) {
	f := newFixture(t, scanImage(40, 40))
	calls := 0
	policy := RetryPolicy{
		MaxAttempts: 3,
		Transform: func(attempt int, in *Input) error {
			calls++
			in.Data = []byte("BM")
			in.Type = "bmp"
			return nil
		},
	}

	_, err := New(Options{Policy: policy}, nil).Synthesize(context.Background(), f.request(sampleLayer(40, 40)))
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeSynthesis))
	assert.ErrorIs(t, err, ErrIncompatibleImage)
	assert.Equal(t, 3, calls)
	assert.NoFileExists(t, f.page.ArtifactPath)
}

func TestSynthesize_DoesNotRetryOtherErrors(t *testing.T) {
	f := newFixture(t, scanImage(40, 40))
	calls := 0
	policy := RetryPolicy{
		MaxAttempts: 3,
		Transform: func(attempt int, in *Input) error {
			calls++
			return Reencode(attempt, in)
		},
	}

	_, err := New(Options{Policy: policy}, nil).Synthesize(context.Background(), f.request(&domain.TextLayer{}))
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeSynthesis))
	assert.Equal(t, 1, calls)
}

func TestSynthesize_SizeIsStableAcrossRuns(t *testing.T) {
	f := newFixture(t, scanImage(300, 200))
	s := New(Options{}, nil)

	first, err := s.Synthesize(context.Background(), f.request(sampleLayer(300, 200)))
	require.NoError(t, err)

	f.page.ArtifactPath = filepath.Join(f.dir, "temp", "again.pdf")
	second, err := s.Synthesize(context.Background(), f.request(sampleLayer(300, 200)))
	require.NoError(t, err)

	ratio := float64(second.Size) / float64(first.Size)
	assert.InDelta(t, 1.0, ratio, DefaultSizeTolerance-1)
}

func TestSynthesize_Cancelled(t *testing.T) {
	f := newFixture(t, scanImage(10, 10))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(Options{}, nil).Synthesize(ctx, f.request(sampleLayer(10, 10)))
	assert.True(t, domain.IsType(err, domain.ErrorTypeCancellation))
}

type shrinkCompressor struct {
	ratio float64
	err   error
}

func (c *shrinkCompressor) Name() string { return "shrink" }

func (c *shrinkCompressor) Compress(ctx context.Context, in, out string, quality int) error {
	if c.err != nil {
		return c.err
	}
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	size := int(float64(len(data)) * c.ratio)
	return os.WriteFile(out, bytes.Repeat([]byte{'x'}, size), 0o644)
}

func TestSynthesize_Compression(t *testing.T) {
	tests := []struct {
		name     string
		comp     *shrinkCompressor
		accepted bool
	}{
		{"smaller result kept", &shrinkCompressor{ratio: 0.5}, true},
		{"within tolerance kept", &shrinkCompressor{ratio: 1.05}, true},
		{"over tolerance discarded", &shrinkCompressor{ratio: 1.5}, false},
		{"compressor error keeps original", &shrinkCompressor{err: errors.New("boom")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, scanImage(60, 60))
			req := f.request(sampleLayer(60, 60))
			req.Compress = true

			art, err := New(Options{Compressor: tt.comp}, nil).Synthesize(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, tt.accepted, art.Compressed)
			assert.NoFileExists(t, art.PDFPath+".cmp")

			head := make([]byte, 5)
			fh, err := os.Open(art.PDFPath)
			require.NoError(t, err)
			defer fh.Close()
			_, err = fh.Read(head)
			require.NoError(t, err)
			if tt.accepted {
				assert.Equal(t, "xxxxx", string(head))
			} else {
				assert.Equal(t, "%PDF-", string(head))
			}
		})
	}
}

func TestPDFCPUCompressor(t *testing.T) {
	f := newFixture(t, scanImage(100, 100))
	art, err := New(Options{}, nil).Synthesize(context.Background(), f.request(sampleLayer(100, 100)))
	require.NoError(t, err)

	out := filepath.Join(f.dir, "optimized.pdf")
	c := NewPDFCPUCompressor()
	require.NoError(t, c.Compress(context.Background(), art.PDFPath, out, 80))

	n, err := api.PageCountFile(out)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify(errors.New("16-bit depth not supported in PNG file")), ErrIncompatibleImage)
	assert.ErrorIs(t, classify(errors.New("unknown color type in PNG buffer")), ErrIncompatibleImage)
	assert.ErrorIs(t, classify(errors.New("interlacing not supported in PNG file")), ErrIncompatibleImage)
	assert.NotErrorIs(t, classify(errors.New("permission denied")), ErrIncompatibleImage)
	assert.NoError(t, classify(nil))
}

func TestGhostscriptArgs(t *testing.T) {
	small := ghostscriptArgs(80, true)
	assert.Contains(t, small, "-dPDFSETTINGS=/ebook")
	assert.NotContains(t, small, "-dColorImageResolution=300")

	tests := []struct {
		quality int
		res     string
		jpeg    string
	}{
		{10, "-dColorImageResolution=72", "-dJPEGQ=10"},
		{50, "-dColorImageResolution=150", "-dJPEGQ=50"},
		{80, "-dColorImageResolution=300", "-dJPEGQ=80"},
		{95, "-dColorImageResolution=600", "-dJPEGQ=95"},
		{0, "-dColorImageResolution=72", "-dJPEGQ=5"},
	}
	for _, tt := range tests {
		args := ghostscriptArgs(tt.quality, false)
		assert.Contains(t, args, tt.res)
		assert.Contains(t, args, tt.jpeg)
	}
}

func TestReencode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deep.png")
	writeImage(t, path, deepImage(8, 8))

	for attempt, want := range []string{"png", "png", "jpg"} {
		in := &Input{ImagePath: path}
		require.NoError(t, Reencode(attempt, in))
		assert.Equal(t, want, in.Type)
		assert.NotEmpty(t, in.Data)
	}

	in := &Input{ImagePath: path}
	require.NoError(t, Reencode(2, in))
	assert.Equal(t, []byte{0xFF, 0xD8}, in.Data[:2])
}
