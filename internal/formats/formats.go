package formats

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Supported input extensions, i.e. what users may upload.
var inputFormats = map[string]struct{}{
	"png": {}, "bmp": {}, "eps": {}, "gif": {}, "ico": {}, "jpeg": {},
	"jpg": {}, "odd": {}, "svg": {}, "psd": {}, "tga": {}, "tiff": {},
	"webp": {},
}

// Formats the asset store can actually convert to. Keys are canonical
// lowercase tags.
var outputFormats = map[string]struct{}{
	"png": {}, "bmp": {}, "gif": {}, "ico": {}, "jpeg": {}, "jpg": {},
	"svg": {}, "tiff": {}, "webp": {},
}

var mimeTypes = map[string]string{
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"bmp":  "image/bmp",
	"webp": "image/webp",
	"svg":  "image/svg+xml",
	"tiff": "image/tiff",
	"ico":  "image/x-icon",
}

// Canonical lowercases a format tag and collapses aliases.
func Canonical(format string) string {
	f := strings.ToLower(strings.TrimSpace(format))
	switch f {
	case "jpeg":
		return "jpg"
	case "tif":
		return "tiff"
	}
	return f
}

func SupportedInput(ext string) bool {
	_, ok := inputFormats[strings.ToLower(strings.TrimPrefix(ext, "."))]
	return ok
}

func SupportedOutput(format string) bool {
	_, ok := outputFormats[strings.ToLower(strings.TrimSpace(format))]
	return ok
}

// ValidateOutput returns a descriptive error for unsupported target formats.
func ValidateOutput(format string) error {
	if !SupportedOutput(format) {
		return fmt.Errorf("unsupported output format %q, supported: %s", format, strings.Join(OutputList(), ", "))
	}
	return nil
}

func OutputList() []string {
	out := make([]string, 0, len(outputFormats))
	for f := range outputFormats {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// MimeType maps a format tag to its content type, falling back to a generic
// binary type for anything unknown.
func MimeType(format string) string {
	if mt, ok := mimeTypes[strings.ToLower(format)]; ok {
		return mt
	}
	return "application/octet-stream"
}

// BaseName strips the extension from a display name. Returns "" when nothing
// usable remains so callers can apply their own fallback.
func BaseName(displayName string) string {
	if displayName == "" {
		return ""
	}
	base := filepath.Base(displayName)
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "." || base == string(filepath.Separator) {
		return ""
	}
	return base
}
