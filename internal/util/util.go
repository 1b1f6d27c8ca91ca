package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewJobID returns a sortable id for queued ingestion jobs.
func NewJobID() string {
	t := time.Now().UTC()
	return "job_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

// NewRequestID returns a sortable id for tagging HTTP requests in logs.
func NewRequestID() string {
	t := time.Now().UTC()
	return "req_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
