package fetcher

import (
	"errors"
	"fmt"

	"github.com/itchdl/itch-dl/internal/resilience"
)

// Reason classifies a failed fetch.
type Reason string

const (
	// ReasonMetadataUnavailable: the probe (HEAD, or the GET of a signed URL)
	// failed or returned a non-success status.
	ReasonMetadataUnavailable Reason = "metadata_unavailable"
	// ReasonPayloadRequestFailed: the payload GET failed after a good probe.
	ReasonPayloadRequestFailed Reason = "payload_request_failed"
	// ReasonSizeMismatch: the published file differs from Content-Length.
	ReasonSizeMismatch Reason = "size_mismatch"
	// ReasonIOFailure: a filesystem or stream error.
	ReasonIOFailure Reason = "io_failure"
)

// FetchError is returned for every failed fetch.
type FetchError struct {
	Reason Reason
	// StatusCode is the offending HTTP status, or 0 for transport errors.
	StatusCode int
	Path       string
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d: %v", e.Reason, e.StatusCode, e.Err)
	case e.Path != "":
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Path, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func newFetchError(reason Reason, status int, path string, err error) *FetchError {
	return &FetchError{Reason: reason, StatusCode: status, Path: path, Err: err}
}

// ReasonOf returns the failure reason carried by err, or "" if err is not a
// fetch failure.
func ReasonOf(err error) Reason {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return ""
}

// Retryable reports whether repeating the same fetch may succeed. The engine
// never retries on its own; callers layer retries on top.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		if fe.Reason == ReasonSizeMismatch {
			return true
		}
		if fe.StatusCode != 0 {
			return resilience.IsTransientHTTPStatus(fe.StatusCode)
		}
	}
	return resilience.IsTransient(err)
}
