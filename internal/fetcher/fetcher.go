// Package fetcher retrieves one remote resource into one local file.
//
// A fetch classifies the URL, negotiates metadata (HEAD, or the headers of a
// direct GET for short-lived signed URLs), resolves the local target, skips
// when an identical copy already exists, archives the previous copy, streams
// the payload to a temporary file, publishes it with a single rename, verifies
// its size and stamps it with the remote modification time.
package fetcher

import (
	"context"
	"net/http"
	"time"
)

// Fetcher defines the interface for fetching a remote file to disk.
type Fetcher interface {
	// Fetch runs one fetch to completion. The returned Result is never nil;
	// when err is non-nil its Outcome is OutcomeFailed.
	Fetch(ctx context.Context, req Request) (*Result, error)
}

// Request describes a single fetch.
type Request struct {
	// URL is the remote resource (http, https or ftp).
	URL string
	// Destination is an existing directory, an explicit file path, or empty
	// for the current working directory.
	Destination string
	// Session carries cookies and transport settings across calls. Nil uses
	// the engine's own session.
	Session *http.Client
	Options Options
}

// Options tune a single fetch.
type Options struct {
	SkipIfIdentical bool
	ArchiveExisting bool
	Verbose         bool

	// Progress is called after every chunk written.
	Progress ProgressFunc

	// Rename rewrites the resolved filename when the destination is a
	// directory. Ignored for explicit file destinations.
	Rename func(name string) string
}

// DefaultOptions returns the options used when a caller has no preference.
func DefaultOptions() Options {
	return Options{
		SkipIfIdentical: true,
		ArchiveExisting: true,
	}
}

// Progress is a snapshot of a running stream.
type Progress struct {
	Label   string
	Current int64
	// Total is 0 when the length is unknown.
	Total int64
	// Rate is bytes per second, or the raw byte count when no time has elapsed.
	Rate float64
}

// ProgressFunc receives stream progress.
type ProgressFunc func(p Progress)

// Outcome is the terminal state of a fetch.
type Outcome int

const (
	// OutcomeFailed means the fetch did not produce a verified file.
	OutcomeFailed Outcome = iota
	// OutcomeDownloaded means fresh bytes were written and published.
	OutcomeDownloaded
	// OutcomeSkipped means an identical local copy was already present.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDownloaded:
		return "downloaded"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RemoteMetadata is what the probe learned about the remote resource.
type RemoteMetadata struct {
	Filename string
	// LastModified is the zero time when the server did not send one.
	LastModified time.Time
	// ContentLength is 0 when unknown.
	ContentLength int64
}

// Result reports what a fetch did.
type Result struct {
	URL      string
	Strategy Strategy
	Outcome  Outcome
	// Reason is set only when Outcome is OutcomeFailed.
	Reason       Reason
	Path         string
	ArchivedPath string
	Bytes        int64
	Metadata     RemoteMetadata
	Duration     time.Duration
}
