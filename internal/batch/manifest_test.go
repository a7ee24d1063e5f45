package batch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseManifest_YAML(t *testing.T) {
	doc := `
jobs:
  - url: https://cdn.example/a.zip
    dest: games
  - url: ftp://mirror.example/pub/b.tar.gz
    slug: true
`
	jobs, err := ParseManifest(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	assert.Equal(t, Job{Index: 0, URL: "https://cdn.example/a.zip", Dest: "games"}, jobs[0])
	assert.Equal(t, Job{Index: 1, URL: "ftp://mirror.example/pub/b.tar.gz", Slug: true}, jobs[1])
}

func TestParseManifest_Text(t *testing.T) {
	doc := `# nightly mirror
https://cdn.example/a.zip   /srv/games

http://files.example/b.bin
  # indented comment
https://cdn.example/c.zip out.zip
`
	jobs, err := ParseManifest(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	assert.Equal(t, "https://cdn.example/a.zip", jobs[0].URL)
	assert.Equal(t, "/srv/games", jobs[0].Dest)
	assert.Equal(t, 1, jobs[1].Index)
	assert.Empty(t, jobs[1].Dest)
	assert.Equal(t, "out.zip", jobs[2].Dest)
	assert.Equal(t, 2, jobs[2].Index)
}

func TestParseManifest_Empty(t *testing.T) {
	jobs, err := ParseManifest(strings.NewReader("# nothing yet\n\n"))
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestParseManifest_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"too many fields", "https://a.example/x a b\n", "line 1"},
		{"bad scheme", "file:///etc/passwd\n", "unsupported scheme"},
		{"missing host", "https:///x.zip\n", "missing host"},
		{"yaml missing url", "jobs:\n  - dest: x\n", "missing url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.txt")
	require.NoError(t, os.WriteFile(path, []byte("https://cdn.example/a.zip\n"), 0o644))

	jobs, err := LoadManifest(path)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	_, err = LoadManifest(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}
