package raster

import (
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var digitRun = regexp.MustCompile(`\d+`)

// PageNumber extracts the page token from a rasterized file name: the last
// run of digits in the stem. ok is false when the name has none.
func PageNumber(path string) (n int, ok bool) {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	runs := digitRun.FindAllString(stem, -1)
	if len(runs) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(runs[len(runs)-1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// SortPages orders page images by their numeric page token so page-10 follows
// page-9. Names without a token go last, by name.
func SortPages(paths []string) {
	sort.SliceStable(paths, func(i, j int) bool {
		ni, oki := PageNumber(paths[i])
		nj, okj := PageNumber(paths[j])
		switch {
		case oki && okj:
			if ni != nj {
				return ni < nj
			}
			return paths[i] < paths[j]
		case oki != okj:
			return oki
		default:
			return paths[i] < paths[j]
		}
	})
}

// collectPages lists the images a strategy left in dir, in page order.
func collectPages(dir string) ([]string, error) {
	entries, err := filepath.Glob(filepath.Join(dir, "*.png"))
	if err != nil {
		return nil, err
	}
	SortPages(entries)
	return entries, nil
}
