// Package cancelsignal holds short-lived cancellation flags keyed by job id.
//
// Flags are advisory. A missing flag never proves a job is still wanted; the
// job record status is checked alongside it.
package cancelsignal

import (
	"context"
	"time"
)

// DefaultTTL bounds how long a raised flag survives.
const DefaultTTL = 24 * time.Hour

// KeyPrefix namespaces flags in shared stores.
const KeyPrefix = "job_cancel:"

// Store raises and checks cancellation flags.
type Store interface {
	Raise(ctx context.Context, jobID string) error
	RaiseMany(ctx context.Context, jobIDs []string) error
	IsRaised(ctx context.Context, jobID string) (bool, error)
	Close() error
}

// Key returns the flag key for a job.
func Key(jobID string) string {
	return KeyPrefix + jobID
}
