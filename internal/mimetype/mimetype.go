// Package mimetype resolves a segment file's MIME type and encoding from
// its name, the way the spec requires: by file extension, augmented by a
// user-supplied extension map, never by content sniffing (§6).
package mimetype

import (
	"path/filepath"
	"strings"
)

// Type is a (mime, encoding) pair, mirroring §3's Segment File `type`.
// Encoding is "" for raw files or "gzip" for a trailing ".gz".
type Type struct {
	MIME     string
	Encoding string
}

const (
	TSV = "text/tab-separated-values"
	CSV = "text/csv"
)

var builtin = map[string]string{
	".tsv": TSV,
	".csv": CSV,
	".txt": TSV,
}

// Registry is a mutable copy of the extension->MIME map, seeded from the
// built-ins and augmented at startup from upload config (the Python
// original calls this `mime_types_map` and merges it into
// `mimetypes.types_map`).
type Registry struct {
	byExt map[string]string
}

// NewRegistry builds a registry seeded with the built-in extensions plus
// any caller-supplied overrides (extension -> mime, e.g. ".seg":
// "text/tab-separated-values").
func NewRegistry(overrides map[string]string) *Registry {
	r := &Registry{byExt: make(map[string]string, len(builtin)+len(overrides))}
	for ext, mime := range builtin {
		r.byExt[ext] = mime
	}
	for ext, mime := range overrides {
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		r.byExt[ext] = mime
	}
	return r
}

// Detect derives the (mime, encoding) pair for a path. A trailing ".gz"
// marks gzip encoding and is stripped before the MIME extension lookup,
// e.g. "segments.tsv.gz" -> (text/tab-separated-values, gzip).
func (r *Registry) Detect(path string) Type {
	encoding := ""
	base := path
	if strings.EqualFold(filepath.Ext(base), ".gz") {
		encoding = "gzip"
		base = strings.TrimSuffix(base, filepath.Ext(base))
	}
	ext := strings.ToLower(filepath.Ext(base))
	return Type{MIME: r.byExt[ext], Encoding: encoding}
}

// Override forces a specific MIME type, used when strategy.file_type_override
// is set; encoding detection (gzip suffix) still applies to the original path.
func (r *Registry) Override(path string, mime string) Type {
	t := r.Detect(path)
	t.MIME = mime
	return t
}
