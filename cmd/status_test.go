package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/itchdl/itch-dl/internal/model"
)

func TestFormatStatus(t *testing.T) {
	recs := []model.FetchRecord{
		{BatchID: "b1", Index: 0, URL: "https://a.example/x.zip", Path: "/games/x.zip", Status: model.FetchStatusDownloaded, Bytes: 2048, Attempts: 1, UpdatedAt: time.Now()},
		{BatchID: "b1", Index: 1, URL: "https://a.example/y.zip", Status: model.FetchStatusFailed, Reason: "size_mismatch", Attempts: 3, UpdatedAt: time.Now()},
	}

	var buf bytes.Buffer
	formatStatus(&buf, recs, 2)
	out := buf.String()

	assert.Contains(t, out, "BATCH")
	assert.Contains(t, out, "/games/x.zip")
	assert.Contains(t, out, "https://a.example/y.zip")
	assert.Contains(t, out, "size_mismatch")
	assert.Contains(t, out, "2.0 kB")
	assert.Contains(t, out, "Dead-letter queue: 2")
}

func TestFormatStatus_Empty(t *testing.T) {
	var buf bytes.Buffer
	formatStatus(&buf, nil, 0)
	assert.Contains(t, buf.String(), "No fetches recorded.")
	assert.Contains(t, buf.String(), "Dead-letter queue: 0")
}

func TestShorten(t *testing.T) {
	assert.Equal(t, "short", shorten("short", 10))
	assert.Equal(t, "…/jobs.txt", shorten("/home/me/manifests/jobs.txt", 10))
}
