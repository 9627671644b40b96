package merge

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/scan-ocr/internal/domain"
)

const key = "batch-0badf00d"

// writePage creates a one-page PDF whose width encodes its index.
func writePage(t *testing.T, path string, index int) {
	t.Helper()
	doc := fpdf.NewCustom(&fpdf.InitType{UnitStr: "pt", Size: fpdf.SizeType{Wd: pageWidth(index), Ht: 200}})
	doc.AddPage()
	require.NoError(t, doc.OutputFileAndClose(path))
}

func pageWidth(index int) float64 {
	return 100 + float64(index)*10
}

func newGroup(t *testing.T, n int) (*domain.Group, string) {
	t.Helper()
	dir := t.TempDir()
	g := &domain.Group{
		Key:        key,
		Kind:       domain.GroupImages,
		Name:       "batch",
		OutputPath: filepath.Join(dir, "pdf", "batch.pdf"),
	}
	for i := 0; i < n; i++ {
		g.Pages = append(g.Pages, &domain.PageTask{
			GroupKey:     key,
			Index:        i,
			ArtifactPath: filepath.Join(dir, "temp", domain.TempPageName(key, i)),
			Status:       domain.PagePending,
		})
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "temp"), 0o755))
	return g, dir
}

func fast() Options {
	return Options{Wait: 2 * time.Second, PollInterval: 10 * time.Millisecond}
}

func TestMerge_IndexOrder(t *testing.T) {
	g, _ := newGroup(t, 4)
	// arrival order differs from index order
	for _, i := range []int{2, 0, 3, 1} {
		writePage(t, g.Pages[i].ArtifactPath, i)
		g.Pages[i].Status = domain.PageSynthesized
	}
	g.Pages[0], g.Pages[3] = g.Pages[3], g.Pages[0]

	res, err := NewMerger(fast(), nil).Merge(context.Background(), g)
	require.NoError(t, err)
	assert.False(t, res.Partial)
	assert.Equal(t, []int{0, 1, 2, 3}, res.Merged)

	dims, err := api.PageDimsFile(g.OutputPath)
	require.NoError(t, err)
	require.Len(t, dims, 4)
	for i, d := range dims {
		assert.InDelta(t, pageWidth(i), d.Width, 0.5)
	}

	for _, p := range g.Pages {
		assert.NoFileExists(t, p.ArtifactPath)
	}
	assert.NoFileExists(t, g.OutputPath+".part")
}

func TestMerge_LenientSubset(t *testing.T) {
	g, _ := newGroup(t, 3)
	writePage(t, g.Pages[0].ArtifactPath, 0)
	writePage(t, g.Pages[2].ArtifactPath, 2)
	g.Pages[1].Status = domain.PageFailed

	res, err := NewMerger(fast(), nil).Merge(context.Background(), g)
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Equal(t, []int{1}, res.Missing)
	assert.Equal(t, []int{0, 2}, res.Merged)

	n, err := api.PageCountFile(g.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMerge_StrictShortfall(t *testing.T) {
	g, _ := newGroup(t, 2)
	writePage(t, g.Pages[0].ArtifactPath, 0)
	g.Pages[1].Status = domain.PageFailed

	opts := fast()
	opts.Strict = true
	_, err := NewMerger(opts, nil).Merge(context.Background(), g)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMergeFailed)
	assert.FileExists(t, g.Pages[0].ArtifactPath, "temporaries survive a failed merge")
	assert.NoFileExists(t, g.OutputPath)
}

func TestMerge_NoPages(t *testing.T) {
	g, _ := newGroup(t, 2)
	for _, p := range g.Pages {
		p.Status = domain.PageFailed
	}

	_, err := NewMerger(fast(), nil).Merge(context.Background(), g)
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeMerge))
	assert.ErrorIs(t, err, domain.ErrMergeFailed)
}

func TestMerge_WaitsForLateArrival(t *testing.T) {
	g, _ := newGroup(t, 2)
	writePage(t, g.Pages[0].ArtifactPath, 0)

	go func() {
		time.Sleep(100 * time.Millisecond)
		doc := fpdf.NewCustom(&fpdf.InitType{UnitStr: "pt", Size: fpdf.SizeType{Wd: pageWidth(1), Ht: 200}})
		doc.AddPage()
		tmp := g.Pages[1].ArtifactPath + ".tmp"
		if doc.OutputFileAndClose(tmp) == nil {
			_ = os.Rename(tmp, g.Pages[1].ArtifactPath)
		}
	}()

	res, err := NewMerger(fast(), nil).Merge(context.Background(), g)
	require.NoError(t, err)
	assert.False(t, res.Partial)
	assert.Equal(t, []int{0, 1}, res.Merged)
}

func TestMerge_TimeoutMergesSubset(t *testing.T) {
	g, _ := newGroup(t, 2)
	writePage(t, g.Pages[0].ArtifactPath, 0)

	start := time.Now()
	res, err := NewMerger(Options{Wait: 150 * time.Millisecond, PollInterval: 20 * time.Millisecond}, nil).Merge(context.Background(), g)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.True(t, res.Partial)
	assert.Equal(t, []int{1}, res.Missing)
}

func TestMerge_Cancelled(t *testing.T) {
	g, _ := newGroup(t, 2)
	writePage(t, g.Pages[0].ArtifactPath, 0)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := NewMerger(Options{Wait: 10 * time.Second, PollInterval: 10 * time.Millisecond}, nil).Merge(ctx, g)
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeCancellation))
	assert.FileExists(t, g.Pages[0].ArtifactPath)
}

func TestMerge_SinglePage(t *testing.T) {
	g, _ := newGroup(t, 1)
	writePage(t, g.Pages[0].ArtifactPath, 0)

	res, err := NewMerger(fast(), nil).Merge(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, res.Merged)

	n, err := api.PageCountFile(g.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, g.Pages[0].ArtifactPath)
}

func TestPartition_IgnoresEmptyFiles(t *testing.T) {
	g, _ := newGroup(t, 2)
	writePage(t, g.Pages[1].ArtifactPath, 1)
	require.NoError(t, os.WriteFile(g.Pages[0].ArtifactPath, nil, 0o644))

	present, missing := partition(g.Pages)
	assert.Equal(t, []int{1}, indices(present))
	assert.Equal(t, []int{0}, indices(missing))
}
