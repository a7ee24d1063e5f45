package resilience

import (
	"time"

	"github.com/google/uuid"
)

// DLQEntry is a fetch job that exhausted its retries and is parked for a
// later --retry-dlq run.
type DLQEntry struct {
	ID          string `json:"id"`
	BatchID     string `json:"batch_id"`
	Index       int    `json:"index"`
	URL         string `json:"url"`
	Destination string `json:"destination,omitempty"`
	Slug        bool   `json:"slug,omitempty"`

	Reason       string    `json:"reason"`
	Error        string    `json:"error"`
	ErrorType    string    `json:"error_type"` // "transient" or "permanent"
	RetryCount   int       `json:"retry_count"`
	MaxRetries   int       `json:"max_retries"`
	CreatedAt    time.Time `json:"created_at"`
	LastFailedAt time.Time `json:"last_failed_at"`
}

// DLQFilter narrows a dead-letter listing.
type DLQFilter struct {
	BatchID   string `json:"batch_id,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// NewDLQEntry records a failed job. retryable is the caller's verdict on
// whether another run might succeed.
func NewDLQEntry(batchID string, index int, url, dest string, slug bool, reason string, err error, retryable bool, maxRetries int) DLQEntry {
	now := time.Now().UTC()
	e := DLQEntry{
		ID:           uuid.NewString(),
		BatchID:      batchID,
		Index:        index,
		URL:          url,
		Destination:  dest,
		Slug:         slug,
		Reason:       reason,
		ErrorType:    "permanent",
		MaxRetries:   maxRetries,
		CreatedAt:    now,
		LastFailedAt: now,
	}
	if err != nil {
		e.Error = err.Error()
	}
	if retryable {
		e.ErrorType = "transient"
	}
	return e
}

// CanRetry reports whether the entry has retries left.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
