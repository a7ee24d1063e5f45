package resilience

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDLQEntry_CanRetry(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		retryCount int
		maxRetries int
		want       bool
	}{
		{"below max", 0, 3, true},
		{"one below max", 2, 3, true},
		{"at max", 3, 3, false},
		{"above max", 5, 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := DLQEntry{RetryCount: tt.retryCount, MaxRetries: tt.maxRetries}
			assert.Equal(t, tt.want, e.CanRetry())
		})
	}
}

func TestNewDLQEntry(t *testing.T) {
	t.Parallel()
	e := NewDLQEntry("b1", 4, "https://cdn.example/x.zip", "/games", true,
		"size_mismatch", errors.New("got 800 bytes, want 1000"), true, 3)

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "b1", e.BatchID)
	assert.Equal(t, 4, e.Index)
	assert.Equal(t, "/games", e.Destination)
	assert.True(t, e.Slug)
	assert.Equal(t, "transient", e.ErrorType)
	assert.Equal(t, "got 800 bytes, want 1000", e.Error)
	assert.Equal(t, 3, e.MaxRetries)
	assert.False(t, e.CreatedAt.IsZero())
	assert.True(t, e.CanRetry())

	p := NewDLQEntry("b1", 5, "https://cdn.example/y", "", false, "metadata_unavailable", nil, false, 3)
	assert.Equal(t, "permanent", p.ErrorType)
	assert.Empty(t, p.Error)
	assert.NotEqual(t, e.ID, p.ID)
}

func TestClassifyError(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "transient", ClassifyError(NewTransientError(errors.New("503"), 503)))
	assert.Equal(t, "transient", ClassifyError(errors.New("connection reset by peer")))
	assert.Equal(t, "permanent", ClassifyError(errors.New("invalid input")))
}
