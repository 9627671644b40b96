package infer

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"
)

// DefaultDPI is used when neither an override nor image metadata is present.
const DefaultDPI = 300

// ResolveDPI applies the precedence override → metadata → fallback.
func ResolveDPI(override, metadata, fallback int) int {
	switch {
	case override > 0:
		return override
	case metadata > 0:
		return metadata
	case fallback > 0:
		return fallback
	default:
		return DefaultDPI
	}
}

// ReadDPI returns the horizontal resolution recorded in a PNG (pHYs), JPEG
// (JFIF APP0) or TIFF (XResolution) header, or 0 when none is present.
func ReadDPI(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	r := bufio.NewReader(f)
	head, err := r.Peek(8)
	if err != nil {
		return 0
	}

	switch {
	case bytes.Equal(head, []byte("\x89PNG\r\n\x1a\n")):
		return pngDPI(r)
	case head[0] == 0xFF && head[1] == 0xD8:
		return jpegDPI(r)
	case bytes.Equal(head[:4], []byte("II*\x00")) || bytes.Equal(head[:4], []byte("MM\x00*")):
		return tiffDPI(f)
	}
	return 0
}

func pngDPI(r *bufio.Reader) int {
	if _, err := r.Discard(8); err != nil {
		return 0
	}
	var hdr [8]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return 0
		}
		length := binary.BigEndian.Uint32(hdr[:4])
		kind := string(hdr[4:])
		switch kind {
		case "pHYs":
			var body [9]byte
			if length != 9 {
				return 0
			}
			if _, err := io.ReadFull(r, body[:]); err != nil {
				return 0
			}
			// unit 1 = pixels per metre
			if body[8] != 1 {
				return 0
			}
			ppm := binary.BigEndian.Uint32(body[:4])
			return int(math.Round(float64(ppm) * 0.0254))
		case "IDAT", "IEND":
			return 0
		}
		if _, err := r.Discard(int(length) + 4); err != nil {
			return 0
		}
	}
}

func jpegDPI(r *bufio.Reader) int {
	if _, err := r.Discard(2); err != nil {
		return 0
	}
	var seg [4]byte
	if _, err := io.ReadFull(r, seg[:]); err != nil {
		return 0
	}
	if seg[0] != 0xFF || seg[1] != 0xE0 {
		return 0
	}
	length := int(binary.BigEndian.Uint16(seg[2:]))
	if length < 16 {
		return 0
	}
	body := make([]byte, length-2)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0
	}
	if !bytes.HasPrefix(body, []byte("JFIF\x00")) {
		return 0
	}
	units := body[7]
	x := int(binary.BigEndian.Uint16(body[8:10]))
	switch units {
	case 1:
		return x
	case 2:
		return int(math.Round(float64(x) * 2.54))
	}
	return 0
}

func tiffDPI(r io.ReaderAt) int {
	var hdr [8]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return 0
	}
	var order binary.ByteOrder = binary.LittleEndian
	if hdr[0] == 'M' {
		order = binary.BigEndian
	}
	ifd := int64(order.Uint32(hdr[4:]))

	var count [2]byte
	if _, err := r.ReadAt(count[:], ifd); err != nil {
		return 0
	}
	n := int(order.Uint16(count[:]))

	var xres float64
	unit := uint16(2) // inches
	entry := make([]byte, 12)
	for i := 0; i < n; i++ {
		if _, err := r.ReadAt(entry, ifd+2+int64(i)*12); err != nil {
			return 0
		}
		tag := order.Uint16(entry[:2])
		switch tag {
		case 282: // XResolution, RATIONAL stored at offset
			var rat [8]byte
			if _, err := r.ReadAt(rat[:], int64(order.Uint32(entry[8:]))); err != nil {
				return 0
			}
			num, den := order.Uint32(rat[:4]), order.Uint32(rat[4:])
			if den != 0 {
				xres = float64(num) / float64(den)
			}
		case 296: // ResolutionUnit, SHORT stored inline
			unit = order.Uint16(entry[8:10])
		}
	}

	switch unit {
	case 2:
		return int(math.Round(xres))
	case 3:
		return int(math.Round(xres * 2.54))
	}
	return 0
}
