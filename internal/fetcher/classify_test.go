package fetcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_Defaults(t *testing.T) {
	c := NewClassifier(nil)

	tests := []struct {
		url  string
		want Strategy
	}{
		{"https://itchio-mirror.example.r2.dev/upload/123?sig=x", DirectGet},
		{"https://r2.cloudflarestorage.com/bucket/file.zip?X-Amz-Expires=60", DirectGet},
		{"https://w3g3a5v6.ssl.hwcdn.net/upload/game.zip", ProbeThenGet},
		{"http://itchio-mirror.example/file", ProbeThenGet},
		{"ftp://ftp.example.com/pub/file", ProbeThenGet},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.url))
		})
	}
}

func TestClassify_CustomPrefixes(t *testing.T) {
	c := NewClassifier([]string{" https://signed.example/ ", ""})
	assert.Equal(t, DirectGet, c.Classify("https://signed.example/a"))
	assert.Equal(t, ProbeThenGet, c.Classify("https://itchio-mirror.example/a"))
}

func TestStrategyString(t *testing.T) {
	assert.Equal(t, "direct-get", DirectGet.String())
	assert.Equal(t, "probe-then-get", ProbeThenGet.String())
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "downloaded", OutcomeDownloaded.String())
	assert.Equal(t, "skipped", OutcomeSkipped.String())
	assert.Equal(t, "failed", OutcomeFailed.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}
