package model

import (
	"time"
)

// FetchStatus is the recorded outcome of one fetch job.
type FetchStatus string

const (
	FetchStatusDownloaded FetchStatus = "downloaded"
	FetchStatusSkipped    FetchStatus = "skipped"
	FetchStatusFailed     FetchStatus = "failed"
)

// Done reports whether a job with this status needs no further work.
func (s FetchStatus) Done() bool {
	return s == FetchStatusDownloaded || s == FetchStatusSkipped
}

// FetchRecord is one ledger row. A batch rerun uses (BatchID, Index) to find
// the jobs it already finished.
type FetchRecord struct {
	ID          string      `json:"id"`
	BatchID     string      `json:"batch_id"`
	Index       int         `json:"index"`
	URL         string      `json:"url"`
	Destination string      `json:"destination,omitempty"`
	Path        string      `json:"path,omitempty"`
	Status      FetchStatus `json:"status"`
	Reason      string      `json:"reason,omitempty"`
	Error       string      `json:"error,omitempty"`
	Bytes       int64       `json:"bytes"`
	Attempts    int         `json:"attempts"`
	DurationMs  int64       `json:"duration_ms"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
