package raster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-pdf/fpdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/scan-ocr/internal/domain"
	"github.com/spherical/scan-ocr/internal/supervisor"
)

// fakeStrategy writes n small PNGs in the given name order, or fails.
type fakeStrategy struct {
	name      string
	available bool
	names     []string
	err       error
	panicMsg  string
	calls     int
}

func (f *fakeStrategy) Name() string    { return f.name }
func (f *fakeStrategy) Available() bool { return f.available }

func (f *fakeStrategy) Rasterize(ctx context.Context, pdfPath, outDir string, dpi int) ([]string, error) {
	f.calls++
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	// partial output that must not leak into the next attempt
	_ = os.WriteFile(filepath.Join(outDir, "partial.png"), []byte("x"), 0o644)
	if f.err != nil {
		return nil, f.err
	}
	for _, n := range f.names {
		if err := imaging.Save(imaging.New(4, 4, image.White.C), filepath.Join(outDir, n)); err != nil {
			return nil, err
		}
	}
	_ = os.Remove(filepath.Join(outDir, "partial.png"))
	return collectPages(outDir)
}

func writeFakePDF(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "doc.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4\n%%EOF\n"), 0o644))
	return path
}

func TestSortPages_Numeric(t *testing.T) {
	paths := []string{"/t/page-10.png", "/t/page-2.png", "/t/cover.png", "/t/page-1.png", "/t/page_0011.png"}
	SortPages(paths)
	assert.Equal(t, []string{"/t/page-1.png", "/t/page-2.png", "/t/page-10.png", "/t/page_0011.png", "/t/cover.png"}, paths)
}

func TestPageNumber(t *testing.T) {
	n, ok := PageNumber("/tmp/run42/page-0007.png")
	assert.True(t, ok)
	assert.Equal(t, 7, n)

	_, ok = PageNumber("cover.png")
	assert.False(t, ok)
}

func TestChain_FirstSuccessWins(t *testing.T) {
	dir := t.TempDir()
	pdf := writeFakePDF(t, dir)

	first := &fakeStrategy{name: "first", available: true, names: []string{"page-1.png", "page-2.png", "page-10.png"}}
	second := &fakeStrategy{name: "second", available: true, names: []string{"page-1.png"}}

	outcome, err := NewChain(nil, first, second).Rasterize(context.Background(), pdf, filepath.Join(dir, "out"), 300)
	require.NoError(t, err)

	assert.Equal(t, "first", outcome.Strategy)
	assert.False(t, outcome.Degraded)
	require.Len(t, outcome.Pages, 3)
	assert.Equal(t, "page-10.png", filepath.Base(outcome.Pages[2]))
	assert.Zero(t, second.calls)
}

func TestChain_FallbackProducesSamePageSet(t *testing.T) {
	dir := t.TempDir()
	pdf := writeFakePDF(t, dir)
	pageNames := []string{"page_0003.png", "page_0001.png", "page_0002.png"}

	direct := &fakeStrategy{name: "tool", available: true, names: pageNames}
	viaDirect, err := NewChain(nil, direct).Rasterize(context.Background(), pdf, filepath.Join(dir, "a"), 300)
	require.NoError(t, err)

	broken := &fakeStrategy{name: "tool", available: true, err: fmt.Errorf("pdftoppm: %w", domain.ErrToolNotFound)}
	panicky := &fakeStrategy{name: "lib", available: true, panicMsg: "runtime error: integer divide by zero"}
	fallback := &fakeStrategy{name: "other", available: true, names: pageNames}
	viaFallback, err := NewChain(nil, broken, panicky, fallback).Rasterize(context.Background(), pdf, filepath.Join(dir, "b"), 300)
	require.NoError(t, err)

	assert.Equal(t, "other", viaFallback.Strategy)
	require.Len(t, viaFallback.Attempts, 3)
	assert.ErrorIs(t, viaFallback.Attempts[0].Err, domain.ErrToolNotFound)
	assert.Contains(t, viaFallback.Attempts[1].Err.Error(), "panicked")
	assert.NoDirExists(t, filepath.Join(dir, "b", "tool"), "failed attempt output is removed")

	require.Len(t, viaFallback.Pages, len(viaDirect.Pages))
	for i := range viaDirect.Pages {
		assert.Equal(t, filepath.Base(viaDirect.Pages[i]), filepath.Base(viaFallback.Pages[i]))
	}
}

func TestChain_AllFailYieldsBlankPage(t *testing.T) {
	dir := t.TempDir()
	pdf := writeFakePDF(t, dir)

	a := &fakeStrategy{name: "a", available: true, err: errors.New("exit status 1")}
	b := &fakeStrategy{name: "b", available: true, names: nil}

	outcome, err := NewChain(nil, a, b).Rasterize(context.Background(), pdf, filepath.Join(dir, "out"), 100)
	require.NoError(t, err)

	assert.True(t, outcome.Degraded)
	assert.Equal(t, "blank", outcome.Strategy)
	require.Len(t, outcome.Pages, 1)

	img, err := imaging.Open(outcome.Pages[0])
	require.NoError(t, err)
	assert.Equal(t, 850, img.Bounds().Dx())
	assert.Equal(t, 1100, img.Bounds().Dy())

	causes := outcome.Causes()
	require.Error(t, causes)
	assert.Contains(t, causes.Error(), "a: exit status 1")
	assert.Contains(t, causes.Error(), "b: produced no pages")
}

func TestChain_Cancelled(t *testing.T) {
	dir := t.TempDir()
	pdf := writeFakePDF(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := &fakeStrategy{name: "a", available: true, names: []string{"page-1.png"}}
	_, err := NewChain(nil, s).Rasterize(ctx, pdf, filepath.Join(dir, "out"), 300)
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeCancellation))
	assert.Zero(t, s.calls)
}

func TestChain_InvalidSourceDegradesToBlank(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
	}{
		{name: "no header", content: []byte("hello")},
		{name: "empty", content: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "fake.pdf")
			require.NoError(t, os.WriteFile(path, tt.content, 0o644))

			s := &fakeStrategy{name: "never", available: true, names: []string{"p1.png"}}
			out, err := NewChain(nil, s).Rasterize(context.Background(), path, filepath.Join(dir, "out"), 72)
			require.NoError(t, err)
			assert.True(t, out.Degraded)
			assert.Equal(t, "blank", out.Strategy)
			require.Len(t, out.Pages, 1)
			assert.FileExists(t, out.Pages[0])
			assert.Equal(t, 0, s.calls)

			require.Len(t, out.Attempts, 1)
			assert.True(t, domain.IsType(out.Attempts[0].Err, domain.ErrorTypeValidation))
		})
	}
}

func TestChain_RejectsBadDPI(t *testing.T) {
	dir := t.TempDir()
	_, err := NewChain(nil, NewFitz()).Rasterize(context.Background(), writeFakePDF(t, dir), dir, 10)
	assert.True(t, domain.IsType(err, domain.ErrorTypeValidation))
}

func TestChain_CheckEnvironment(t *testing.T) {
	none := NewChain(nil, &fakeStrategy{name: "a"}, &fakeStrategy{name: "b"})
	err := none.CheckEnvironment()
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeConfig))

	some := NewChain(nil, &fakeStrategy{name: "a"}, NewFitz())
	assert.NoError(t, some.CheckEnvironment())
}

func TestToolStrategy_MissingBinaryFallsThrough(t *testing.T) {
	dir := t.TempDir()
	pdf := writeFakePDF(t, dir)
	runner := supervisor.NewProcessRunner(nil)

	tool := NewPdftoppm("no-such-pdftoppm-binary", runner, time.Second)
	assert.False(t, tool.Available())

	fallback := &fakeStrategy{name: "fallback", available: true, names: []string{"page-1.png"}}
	outcome, err := NewChain(nil, tool, fallback).Rasterize(context.Background(), pdf, filepath.Join(dir, "out"), 300)
	require.NoError(t, err)
	assert.Equal(t, "fallback", outcome.Strategy)
	assert.ErrorIs(t, outcome.Attempts[0].Err, domain.ErrToolNotFound)
}

func TestFitzStrategy_RendersEveryPage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "three.pdf")

	doc := fpdf.New("P", "mm", "A4", "")
	doc.SetFont("Helvetica", "", 16)
	for i := 1; i <= 3; i++ {
		doc.AddPage()
		doc.Text(20, 20, fmt.Sprintf("page %d", i))
	}
	require.NoError(t, doc.OutputFileAndClose(path))

	out := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(out, 0o755))

	pages, err := NewFitz().Rasterize(context.Background(), path, out, 72)
	require.NoError(t, err)
	require.Len(t, pages, 3)
	for i, p := range pages {
		n, ok := PageNumber(p)
		require.True(t, ok)
		assert.Equal(t, i+1, n)
	}
}

func TestCheckSource(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, data []byte) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, data, 0o644))
		return path
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{name: "header", path: write("ok.pdf", []byte("%PDF-1.4\n%%EOF\n"))},
		{name: "junk before header", path: write("junk.pdf", append(bytes.Repeat([]byte{' '}, 100), []byte("%PDF-1.7")...))},
		{name: "empty", path: write("empty.pdf", nil), wantErr: true},
		{name: "no header", path: write("text.pdf", []byte("just text")), wantErr: true},
		{name: "missing", path: filepath.Join(dir, "missing.pdf"), wantErr: true},
		{name: "directory", path: dir, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkSource(tt.path)
			if tt.wantErr {
				assert.True(t, domain.IsType(err, domain.ErrorTypeValidation))
				return
			}
			assert.NoError(t, err)
		})
	}

	assert.NoError(t, checkDPI(300))
	assert.Error(t, checkDPI(71))
	assert.Error(t, checkDPI(1201))
}
