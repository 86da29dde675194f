package imgcheck

import (
	"bytes"
	"strings"
)

const (
	minImageSize  = 32
	minOpaqueSize = 1024

	bmpHeaderSize = 54
)

var pngSignature = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

// LooksLikeImage checks a downloaded buffer against the magic bytes of the
// expected format. Its job is to catch truncated downloads and HTML error
// pages served with a 200, not to fully parse the image. Formats without a
// defined signature fall back to a size heuristic. Never panics; malformed
// input yields false.
func LooksLikeImage(buf []byte, expectedFormat string) bool {
	if len(buf) < minImageSize {
		return false
	}

	switch strings.ToLower(strings.TrimSpace(expectedFormat)) {
	case "png":
		return bytes.HasPrefix(buf, pngSignature)
	case "jpg", "jpeg":
		// SOI marker at the start, EOI marker at the end.
		return buf[0] == 0xFF && buf[1] == 0xD8 &&
			buf[len(buf)-2] == 0xFF && buf[len(buf)-1] == 0xD9
	case "gif":
		return bytes.HasPrefix(buf, []byte("GIF8"))
	case "webp":
		return len(buf) >= 12 &&
			bytes.Equal(buf[0:4], []byte("RIFF")) &&
			bytes.Equal(buf[8:12], []byte("WEBP"))
	case "bmp":
		return len(buf) >= bmpHeaderSize && buf[0] == 'B' && buf[1] == 'M'
	case "tiff", "tif":
		return bytes.HasPrefix(buf, []byte{0x49, 0x49, 0x2A, 0x00}) ||
			bytes.HasPrefix(buf, []byte{0x4D, 0x4D, 0x00, 0x2A})
	default:
		// Opaque formats (svg, ico, and anything the store normalizes
		// before delivery): anything this small is almost certainly an
		// error page body.
		return len(buf) > minOpaqueSize
	}
}
