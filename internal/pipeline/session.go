package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spherical/scan-ocr/internal/domain"
)

// session is the on-disk layout of one job:
//
//	<root>/<prefix>_<YYYYMMDD_HHMMSS>_<id8>/
//	    pdf/    merged documents mirroring the input folders
//	    hocr/   per-page hOCR, when requested
//	    temp/   scratch, removed when the job ends
type session struct {
	Root string
	PDF  string
	HOCR string
	Temp string
}

func newSession(outputRoot, prefix, jobID string, started time.Time, job domain.Job) (*session, error) {
	name := fmt.Sprintf("%s_%s_%s", prefix, started.Format("20060102_150405"), shortID(jobID))
	root := filepath.Join(outputRoot, name)
	s := &session{
		Root: root,
		PDF:  filepath.Join(root, "pdf"),
		HOCR: filepath.Join(root, "hocr"),
		Temp: filepath.Join(root, "temp"),
	}

	dirs := []string{s.Temp}
	if job.Wants(domain.FormatPDF) {
		dirs = append(dirs, s.PDF)
	}
	if job.Wants(domain.FormatHOCR) {
		dirs = append(dirs, s.HOCR)
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, domain.IOError("create session directory", err)
		}
	}
	return s, nil
}

func (s *session) rasterDir(g *domain.Group) string {
	return filepath.Join(s.Temp, "raster", g.Key)
}

func (s *session) artifactPath(p *domain.PageTask) string {
	return filepath.Join(s.Temp, "pages", p.TempName())
}

func (s *session) normalizedPath(p *domain.PageTask) string {
	return filepath.Join(s.Temp, "normalized", fmt.Sprintf("%s-%04d.png", p.GroupKey, p.Index))
}

func (s *session) hocrTempPath(p *domain.PageTask) string {
	return filepath.Join(s.Temp, "hocr", fmt.Sprintf("%s-%04d.hocr", p.GroupKey, p.Index))
}

// hocrPath is hocr/<rel>/<stem>.hocr for images and
// hocr/<rel>/<pdf>/<pdf>_page_NNNN.hocr for PDF pages.
func (s *session) hocrPath(g *domain.Group, p *domain.PageTask) string {
	if g.Kind == domain.GroupPDF {
		stem := stemOf(g.Source)
		return filepath.Join(s.HOCR, g.RelDir, stem, fmt.Sprintf("%s_page_%04d.hocr", stem, p.Index+1))
	}
	return filepath.Join(s.HOCR, g.RelDir, stemOf(p.Source)+".hocr")
}

func (s *session) outputPath(g *domain.Group) string {
	return filepath.Join(s.PDF, g.RelDir, g.Name+".pdf")
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func stemOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
