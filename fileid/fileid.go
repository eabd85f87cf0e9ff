// Package fileid assigns stable identities to admitted files and resolves
// their name/extension/MIME type.
//
// Resolution order follows the distilled spec: a remote file with a
// declared type uses it as-is; otherwise extension lookup; otherwise
// "application/octet-stream". Local files prefer a declared type, then
// extension lookup, then the same fallback. mime.TypeByExtension is the
// standard library's own extension→MIME table — no example repo in the
// corpus reaches for a third-party MIME database, so this one concern is
// built on the standard library by design, not by omission.
package fileid

import (
	"fmt"
	"mime"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Descriptor is the minimal input needed to fingerprint and type a file.
type Descriptor struct {
	Source       string
	Name         string
	DeclaredType string
	Size         *int64
	LastModified *time.Time
	IsRemote     bool
}

var nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]`)

// Generate returns a deterministic fingerprint for d, stable across calls
// for the same {source, name, type, size, lastModified} tuple.
func Generate(d Descriptor) string {
	name, extension, mimeType := Resolve(d)
	_ = extension

	stripped := nonAlphanumeric.ReplaceAllString(strings.ToLower(name), "")

	size := "unknown"
	if d.Size != nil {
		size = fmt.Sprintf("%d", *d.Size)
	}

	lastModified := "0"
	if d.LastModified != nil {
		lastModified = fmt.Sprintf("%d", d.LastModified.UnixMilli())
	}

	segments := []string{"uploadkit", d.Source, stripped, mimeType, size, lastModified}

	var kept []string
	for _, s := range segments {
		if s != "" {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, "-")
}

// Resolve returns the effective name, lower-cased extension, and MIME type
// for d, applying the fallback chain described in the package doc.
func Resolve(d Descriptor) (name, extension, mimeType string) {
	name = d.Name
	extension = NameExtension(name)

	switch {
	case d.IsRemote && d.DeclaredType != "":
		mimeType = d.DeclaredType
	case d.IsRemote:
		mimeType = lookupExtension(extension)
	case d.DeclaredType != "":
		mimeType = d.DeclaredType
	default:
		mimeType = lookupExtension(extension)
	}

	if name == "" && strings.HasPrefix(mimeType, "image/") {
		subtype := strings.TrimPrefix(mimeType, "image/")
		name = "image." + subtype
		if extension == "" {
			extension = subtype
		}
	}

	return name, extension, mimeType
}

// NameExtension returns the last dot-delimited suffix of name, lower-cased.
// A filename with no extension (no dot, or a dot-only leading character as
// in ".gitignore") yields an empty string.
func NameExtension(name string) string {
	base := filepath.Base(name)
	idx := strings.LastIndex(base, ".")
	if idx <= 0 || idx == len(base)-1 {
		return ""
	}
	return strings.ToLower(base[idx+1:])
}

func lookupExtension(extension string) string {
	if extension == "" {
		return "application/octet-stream"
	}
	if t := mime.TypeByExtension("." + extension); t != "" {
		if idx := strings.IndexByte(t, ';'); idx >= 0 {
			t = t[:idx]
		}
		return strings.TrimSpace(t)
	}
	if t, ok := extraTypes[extension]; ok {
		return t
	}
	return "application/octet-stream"
}

// extraTypes covers common extensions the host OS's mime.types file may not
// register (the stdlib table is populated from /etc/mime.types on most
// platforms and can vary between environments).
var extraTypes = map[string]string{
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"webp": "image/webp",
	"svg":  "image/svg+xml",
	"txt":  "text/plain",
	"csv":  "text/csv",
	"json": "application/json",
	"pdf":  "application/pdf",
	"zip":  "application/zip",
	"mp4":  "video/mp4",
	"mp3":  "audio/mpeg",
}
