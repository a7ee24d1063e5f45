package fetcher

import (
	"strings"
)

// Strategy is how metadata is negotiated for a URL.
type Strategy int

const (
	// ProbeThenGet sends a metadata probe before the payload request.
	ProbeThenGet Strategy = iota
	// DirectGet skips the probe and takes metadata from the payload response.
	DirectGet
)

func (s Strategy) String() string {
	if s == DirectGet {
		return "direct-get"
	}
	return "probe-then-get"
}

// DefaultSignedPrefixes are the URL prefixes of mirrors that hand out signed
// URLs expiring roughly 60 seconds after issue.
var DefaultSignedPrefixes = []string{
	"https://itchio-mirror.",
	"https://r2.cloudflarestorage.com",
}

// Classifier picks a Strategy per URL.
type Classifier struct {
	signedPrefixes []string
}

// NewClassifier returns a Classifier matching the given prefixes. An empty
// list falls back to DefaultSignedPrefixes.
func NewClassifier(prefixes []string) *Classifier {
	if len(prefixes) == 0 {
		prefixes = DefaultSignedPrefixes
	}
	cp := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p = strings.TrimSpace(p); p != "" {
			cp = append(cp, p)
		}
	}
	return &Classifier{signedPrefixes: cp}
}

// Classify returns DirectGet for signed mirror URLs and ProbeThenGet otherwise.
func (c *Classifier) Classify(rawURL string) Strategy {
	for _, p := range c.signedPrefixes {
		if strings.HasPrefix(rawURL, p) {
			return DirectGet
		}
	}
	return ProbeThenGet
}
