package fetcher

import (
	"mime"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// fallbackFilename is used when neither the headers nor the URL name a file.
const fallbackFilename = "download"

// metadataFromHeader builds RemoteMetadata from response headers. Missing or
// malformed headers degrade to zero values.
func metadataFromHeader(rawURL string, h http.Header) *RemoteMetadata {
	meta := &RemoteMetadata{
		Filename: filenameFromDisposition(h.Get("Content-Disposition")),
	}
	if meta.Filename == "" {
		meta.Filename = filenameFromURL(rawURL)
	}
	if lm := h.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			meta.LastModified = t.UTC()
		}
	}
	if cl := h.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64); err == nil && n > 0 {
			meta.ContentLength = n
		}
	}
	return meta
}

// filenameFromDisposition extracts the filename parameter of a
// Content-Disposition header, or "" if there is none.
func filenameFromDisposition(cd string) string {
	if cd == "" {
		return ""
	}
	if _, params, err := mime.ParseMediaType(cd); err == nil {
		if name := sanitizeFilename(params["filename"]); name != "" {
			return name
		}
	}
	// Servers routinely send unquoted names with spaces, which ParseMediaType
	// rejects.
	idx := strings.LastIndex(strings.ToLower(cd), "filename=")
	if idx < 0 {
		return ""
	}
	raw := strings.TrimSpace(cd[idx+len("filename="):])
	if strings.HasPrefix(raw, `"`) {
		if end := strings.Index(raw[1:], `"`); end >= 0 {
			raw = raw[1 : end+1]
		}
	} else if semi := strings.Index(raw, ";"); semi >= 0 {
		raw = raw[:semi]
	}
	return sanitizeFilename(strings.Trim(raw, " \t\"';"))
}

// filenameFromURL returns the last path segment of rawURL without its query.
func filenameFromURL(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if name := sanitizeFilename(path.Base(u.Path)); name != "" {
			return name
		}
		return fallbackFilename
	}
	tail := rawURL
	if i := strings.IndexAny(tail, "?#"); i >= 0 {
		tail = tail[:i]
	}
	if i := strings.LastIndex(tail, "/"); i >= 0 {
		tail = tail[i+1:]
	}
	if name := sanitizeFilename(tail); name != "" {
		return name
	}
	return fallbackFilename
}

// sanitizeFilename keeps only the base name so a remote header cannot steer
// the write outside the destination directory.
func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(path.Base(name))
	switch name {
	case "", ".", "..", "/":
		return ""
	}
	return name
}

// newMetadata builds metadata for sources that do not speak HTTP headers.
func newMetadata(filename string, size int64, modified time.Time) *RemoteMetadata {
	meta := &RemoteMetadata{Filename: sanitizeFilename(filename)}
	if meta.Filename == "" {
		meta.Filename = fallbackFilename
	}
	if size > 0 {
		meta.ContentLength = size
	}
	if !modified.IsZero() {
		meta.LastModified = modified.UTC()
	}
	return meta
}
