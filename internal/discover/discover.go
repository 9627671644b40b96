// Package discover walks an input path and partitions supported files into
// ordered groups, one per folder of images and one per source PDF.
package discover

import (
	"context"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spherical/scan-ocr/internal/domain"
	"github.com/spherical/scan-ocr/internal/observability"
)

// ImageExtensions lists the raster formats accepted as page images.
var ImageExtensions = map[string]bool{
	".tif":  true,
	".tiff": true,
	".jpg":  true,
	".jpeg": true,
	".jpe":  true,
	".jiff": true,
	".png":  true,
	".bmp":  true,
	".dib":  true,
	".gif":  true,
	".webp": true,
}

// Discoverer builds groups from an input path
type Discoverer struct {
	skipPrefix string
	logger     *observability.Logger
}

// NewDiscoverer creates a discoverer. Directories starting with skipPrefix
// (previous session output) are not descended into.
func NewDiscoverer(skipPrefix string, logger *observability.Logger) *Discoverer {
	if logger == nil {
		logger = observability.NewNop()
	}
	return &Discoverer{skipPrefix: skipPrefix, logger: logger.WithOperation("discover")}
}

// IsImage reports whether path has a supported image extension.
func IsImage(path string) bool {
	return ImageExtensions[strings.ToLower(filepath.Ext(path))]
}

// IsPDF reports whether path has a .pdf extension.
func IsPDF(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".pdf")
}

// DetectMode picks the input mode from what path points at.
func DetectMode(path string) (domain.InputMode, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", domain.ValidationError(fmt.Sprintf("cannot access input: %s", path), err)
	}
	switch {
	case info.IsDir():
		return domain.ModeFolder, nil
	case IsPDF(path):
		return domain.ModePDF, nil
	case IsImage(path):
		return domain.ModeSingle, nil
	default:
		return "", domain.ValidationError(fmt.Sprintf("unsupported input file type: %s", filepath.Ext(path)), nil)
	}
}

// Discover returns the groups for root in processing order: image groups in
// walk order, then PDF groups in walk order. Pages inside an image group are
// sorted by file name. PDF groups carry no pages until rasterized.
func (d *Discoverer) Discover(ctx context.Context, root string, mode domain.InputMode) ([]*domain.Group, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, domain.ValidationError("cannot resolve input path", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, domain.ValidationError(fmt.Sprintf("input does not exist: %s", root), err)
	}

	var groups []*domain.Group
	switch mode {
	case domain.ModeSingle:
		if info.IsDir() || !IsImage(abs) {
			return nil, domain.ValidationError(fmt.Sprintf("not a supported image: %s", root), nil)
		}
		groups = []*domain.Group{singleImageGroup(abs)}
	case domain.ModePDF:
		if info.IsDir() || !IsPDF(abs) {
			return nil, domain.ValidationError(fmt.Sprintf("not a PDF: %s", root), nil)
		}
		groups = []*domain.Group{singlePDFGroup(abs)}
	case domain.ModeFolder:
		if !info.IsDir() {
			return nil, domain.ValidationError(fmt.Sprintf("not a directory: %s", root), nil)
		}
		groups, err = d.walk(ctx, abs)
		if err != nil {
			return nil, err
		}
	default:
		return nil, domain.ValidationError(fmt.Sprintf("unknown input mode: %q", mode), nil)
	}

	if len(groups) == 0 {
		return nil, domain.DiscoveryError(fmt.Sprintf("nothing to process under %s", root), domain.ErrNoWorkFound)
	}

	pages := 0
	for _, g := range groups {
		pages += len(g.Pages)
	}
	d.logger.Info().Str("root", abs).Int("groups", len(groups)).Int("images", pages).Msg("discovery complete")

	return groups, nil
}

func (d *Discoverer) walk(ctx context.Context, root string) ([]*domain.Group, error) {
	rootName := filepath.Base(root)
	imagesByDir := make(map[string][]string)
	var dirOrder []string
	var pdfs []string

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			d.logger.Warn().Err(err).Str("path", path).Msg("skipping unreadable entry")
			if entry != nil && entry.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if entry.IsDir() {
			if path != root && d.skipPrefix != "" && strings.HasPrefix(entry.Name(), d.skipPrefix) {
				return fs.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		switch {
		case IsImage(path):
			dir := filepath.Dir(path)
			if _, seen := imagesByDir[dir]; !seen {
				dirOrder = append(dirOrder, dir)
			}
			imagesByDir[dir] = append(imagesByDir[dir], path)
		case IsPDF(path):
			pdfs = append(pdfs, path)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.CancellationError("discovery interrupted", ctx.Err())
		}
		return nil, domain.DiscoveryError("walk input directory", err)
	}

	names := newNameSet()
	var groups []*domain.Group

	for _, dir := range dirOrder {
		rel := relPath(root, dir)
		files := imagesByDir[dir]
		sort.Slice(files, func(i, j int) bool {
			return filepath.Base(files[i]) < filepath.Base(files[j])
		})

		relDir := rel
		if rel == "." {
			relDir = rootName
		}
		g := &domain.Group{
			Key:    GroupKey(rel, rel),
			Kind:   domain.GroupImages,
			Source: dir,
			RelDir: relDir,
		}
		g.Name = names.claim(relDir, OutputName(filepath.Base(relDir), rootName))
		for i, file := range files {
			g.Pages = append(g.Pages, &domain.PageTask{
				GroupKey:  g.Key,
				Index:     i,
				Source:    file,
				ImagePath: file,
				Status:    domain.PagePending,
			})
		}
		groups = append(groups, g)
	}

	for _, pdf := range pdfs {
		rel := relPath(root, pdf)
		stem := strings.TrimSuffix(rel, filepath.Ext(rel))
		relDir := filepath.Dir(rel)
		if relDir == "." {
			relDir = rootName
		}
		g := &domain.Group{
			Key:    GroupKey(stem, rel),
			Kind:   domain.GroupPDF,
			Source: pdf,
			RelDir: relDir,
		}
		g.Name = names.claim(relDir, OutputName(stemOf(pdf), rootName))
		groups = append(groups, g)
	}

	return groups, nil
}

func singleImageGroup(path string) *domain.Group {
	parent := filepath.Base(filepath.Dir(path))
	stem := stemOf(path)
	g := &domain.Group{
		Key:    GroupKey(stem, filepath.Base(path)),
		Kind:   domain.GroupImages,
		Source: filepath.Dir(path),
		RelDir: parent,
		Name:   OutputName(stem, parent),
	}
	g.Pages = []*domain.PageTask{{
		GroupKey:  g.Key,
		Index:     0,
		Source:    path,
		ImagePath: path,
		Status:    domain.PagePending,
	}}
	return g
}

func singlePDFGroup(path string) *domain.Group {
	stem := stemOf(path)
	return &domain.Group{
		Key:    GroupKey(stem, filepath.Base(path)),
		Kind:   domain.GroupPDF,
		Source: path,
		RelDir: "",
		Name:   OutputName(stem, filepath.Base(filepath.Dir(path))) + "_ocr",
	}
}

// GroupKey derives a filesystem-safe key from a display path. The hash of
// identity keeps keys distinct when two paths sanitize to the same text.
func GroupKey(display, identity string) string {
	key := sanitize(display)
	if key == "" || key == "." {
		key = "root"
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(filepath.ToSlash(identity)))
	return fmt.Sprintf("%s-%08x", key, h.Sum32())
}

// OutputName returns name unless it is empty or has no usable characters,
// in which case fallback (usually the input root's folder name) is used.
func OutputName(name, fallback string) string {
	if usable(name) {
		return name
	}
	if usable(fallback) {
		return fallback
	}
	return "output"
}

func usable(name string) bool {
	trimmed := strings.Trim(name, ". -_*?/\\")
	return trimmed != ""
}

func sanitize(p string) string {
	p = strings.ReplaceAll(p, ":", "")
	var b strings.Builder
	for _, r := range p {
		switch {
		case r == '/' || r == '\\':
			b.WriteByte('-')
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func relPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.Base(path)
	}
	return rel
}

func stemOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// nameSet hands out output names unique within one output directory.
type nameSet map[string]int

func newNameSet() nameSet { return nameSet{} }

func (s nameSet) claim(dir, name string) string {
	id := strings.ToLower(filepath.Join(dir, name))
	n := s[id]
	s[id] = n + 1
	if n == 0 {
		return name
	}
	return fmt.Sprintf("%s_%d", name, n+1)
}
