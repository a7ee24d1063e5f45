package fetcher

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFilenameFromDisposition(t *testing.T) {
	tests := []struct {
		name string
		cd   string
		want string
	}{
		{"quoted", `attachment; filename="report.zip"`, "report.zip"},
		{"unquoted", `attachment; filename=report.zip`, "report.zip"},
		{"unquoted with spaces", `attachment; filename=My Game v1.2.zip`, "My Game v1.2.zip"},
		{"quoted then params", `attachment; filename="a b.zip"; size=3`, "a b.zip"},
		{"rfc 2231", `attachment; filename*=UTF-8''caf%C3%A9.zip`, "café.zip"},
		{"path traversal", `attachment; filename="../../etc/passwd"`, "passwd"},
		{"windows path", `attachment; filename="C:\\games\\setup.exe"`, "setup.exe"},
		{"no filename", `inline`, ""},
		{"empty", ``, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, filenameFromDisposition(tt.cd))
		})
	}
}

func TestFilenameFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://cdn.example/pkg?x=1", "pkg"},
		{"https://cdn.example/a/b/game.zip", "game.zip"},
		{"https://cdn.example/a/b/game%20one.zip?sig=abc#frag", "game one.zip"},
		{"https://cdn.example/", "download"},
		{"https://cdn.example", "download"},
		{"ftp://ftp.example.com/pub/file.tar.gz", "file.tar.gz"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, filenameFromURL(tt.url))
		})
	}
}

func TestMetadataFromHeader(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Disposition", `attachment; filename="report.zip"`)
	h.Set("Content-Length", "42")
	h.Set("Last-Modified", "Wed, 01 Jan 2025 00:00:00 GMT")

	meta := metadataFromHeader("https://cdn.example/x?sig=1", h)
	assert.Equal(t, "report.zip", meta.Filename)
	assert.Equal(t, int64(42), meta.ContentLength)
	assert.True(t, meta.LastModified.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestMetadataFromHeader_Degrades(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Length", "not-a-number")
	h.Set("Last-Modified", "yesterday-ish")

	meta := metadataFromHeader("https://cdn.example/pkg?x=1", h)
	assert.Equal(t, "pkg", meta.Filename)
	assert.Zero(t, meta.ContentLength)
	assert.True(t, meta.LastModified.IsZero())
}

func TestMetadataFromHeader_AlternateDateFormats(t *testing.T) {
	for _, lm := range []string{
		"Wednesday, 01-Jan-25 00:00:00 GMT",
		"Wed Jan  1 00:00:00 2025",
	} {
		h := http.Header{}
		h.Set("Last-Modified", lm)
		meta := metadataFromHeader("https://cdn.example/f", h)
		assert.Equal(t, int64(1735689600), meta.LastModified.Unix(), lm)
	}
}

func TestNewMetadata(t *testing.T) {
	meta := newMetadata("", -1, time.Time{})
	assert.Equal(t, "download", meta.Filename)
	assert.Zero(t, meta.ContentLength)
	assert.True(t, meta.LastModified.IsZero())
}
