package processor

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

// The service never converts images itself - that is the asset store's job.
// What it does locally is read dimensions for bookkeeping and render small
// preview thumbnails for the upload response.

const (
	previewMaxSize     = 256
	previewJPEGQuality = 80
)

// Probe reads image dimensions from the header without decoding pixel data.
// Only formats we can parse locally are probed; everything else returns 0x0
// and no error.
func Probe(r io.Reader, ext string) (width, height int, err error) {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "png", "jpg", "jpeg":
		cfg, _, err := image.DecodeConfig(r)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to read image header: %w", err)
		}
		return cfg.Width, cfg.Height, nil
	case "webp":
		cfg, err := webp.DecodeConfig(r)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to read webp header: %w", err)
		}
		return cfg.Width, cfg.Height, nil
	default:
		return 0, 0, nil
	}
}

// Thumbnail renders a small JPEG preview, preserving aspect ratio.
func Thumbnail(r io.Reader, ext string) ([]byte, error) {
	img, err := decode(r, ext)
	if err != nil {
		return nil, err
	}

	preview := imaging.Fit(img, previewMaxSize, previewMaxSize, imaging.Lanczos)

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, preview, &jpeg.Options{Quality: previewJPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode preview: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(r io.Reader, ext string) (image.Image, error) {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "png":
		return png.Decode(r)
	case "jpg", "jpeg":
		return jpeg.Decode(r)
	case "webp":
		return webp.Decode(r)
	default:
		return nil, fmt.Errorf("no local decoder for extension %q", ext)
	}
}
