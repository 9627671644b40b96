package raster

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/spherical/scan-ocr/internal/domain"
)

const (
	minDPI = 72
	maxDPI = 1200

	// readers accept a header preceded by junk within the first kilobyte
	headerWindow = 1024
)

// checkSource rejects inputs no strategy could render: missing files,
// directories, empty files, and files without a %PDF- header.
func checkSource(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return domain.ValidationError("cannot open source PDF "+path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return domain.ValidationError("cannot stat source PDF "+path, err)
	}
	if info.IsDir() {
		return domain.ValidationError(path+" is a directory", nil)
	}
	if info.Size() == 0 {
		return domain.ValidationError(path+" is empty", nil)
	}

	head := make([]byte, headerWindow)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return domain.ValidationError("cannot read source PDF "+path, err)
	}
	if !bytes.Contains(head[:n], []byte("%PDF-")) {
		return domain.ValidationError("no PDF header in "+path, nil)
	}
	return nil
}

func checkDPI(dpi int) error {
	if dpi < minDPI || dpi > maxDPI {
		return domain.ValidationError(fmt.Sprintf("raster dpi must be between %d and %d, got %d", minDPI, maxDPI, dpi), nil)
	}
	return nil
}
