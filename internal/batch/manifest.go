// Package batch drives many fetches from a manifest, with per-host retries and
// circuit breakers, a resumable ledger and a dead-letter queue.
package batch

import (
	"bufio"
	"bytes"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Job is one manifest entry.
type Job struct {
	// Index is the entry's zero-based position in the manifest. Together with
	// the batch id it keys the ledger row.
	Index int    `yaml:"-" json:"index"`
	URL   string `yaml:"url" json:"url"`
	Dest  string `yaml:"dest,omitempty" json:"dest,omitempty"`
	// Slug rewrites the resolved filename into a filesystem-friendly slug.
	Slug bool `yaml:"slug,omitempty" json:"slug,omitempty"`
}

type manifest struct {
	Jobs []Job `yaml:"jobs"`
}

// LoadManifest reads and parses the manifest at path.
func LoadManifest(path string) ([]Job, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "manifest: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	jobs, err := ParseManifest(f)
	if err != nil {
		return nil, eris.Wrapf(err, "manifest: %s", path)
	}
	return jobs, nil
}

// ParseManifest accepts either a YAML document with a top-level jobs list or
// plain text with one "url [dest]" per line. Blank lines and lines starting
// with # are ignored in the text form.
func ParseManifest(r io.Reader) ([]Job, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "manifest: read")
	}

	var m manifest
	if yerr := yaml.Unmarshal(data, &m); yerr == nil && len(m.Jobs) > 0 {
		return finalize(m.Jobs)
	}
	jobs, err := parseText(data)
	if err != nil {
		return nil, err
	}
	return finalize(jobs)
}

func parseText(data []byte) ([]Job, error) {
	var jobs []Job
	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) > 2 {
			return nil, eris.Errorf("manifest: line %d: expected \"url [dest]\", got %d fields", line, len(fields))
		}
		job := Job{URL: fields[0]}
		if len(fields) == 2 {
			job.Dest = fields[1]
		}
		jobs = append(jobs, job)
	}
	return jobs, eris.Wrap(sc.Err(), "manifest: scan")
}

func finalize(jobs []Job) ([]Job, error) {
	for i := range jobs {
		jobs[i].Index = i
		jobs[i].URL = strings.TrimSpace(jobs[i].URL)
		if err := ValidateURL(jobs[i].URL); err != nil {
			return nil, eris.Wrapf(err, "manifest: job %d", i)
		}
	}
	return jobs, nil
}

// ValidateURL accepts absolute http, https and ftp URLs.
func ValidateURL(raw string) error {
	if raw == "" {
		return eris.New("missing url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return eris.Wrapf(err, "parse %q", raw)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ftp":
	default:
		return eris.Errorf("unsupported scheme in %q", raw)
	}
	if u.Host == "" {
		return eris.Errorf("missing host in %q", raw)
	}
	return nil
}
