package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	all := []JobStatus{
		JobStatusQueued, JobStatusRunning, JobStatusDone,
		JobStatusFailed, JobStatusCancelled, JobStatusExpired,
	}
	allowed := map[[2]JobStatus]bool{
		{JobStatusQueued, JobStatusRunning}:    true,
		{JobStatusQueued, JobStatusCancelled}:  true,
		{JobStatusRunning, JobStatusDone}:      true,
		{JobStatusRunning, JobStatusFailed}:    true,
		{JobStatusRunning, JobStatusCancelled}: true,
		{JobStatusDone, JobStatusExpired}:      true,
		{JobStatusFailed, JobStatusExpired}:    true,
		{JobStatusCancelled, JobStatusExpired}: true,
	}

	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]JobStatus{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestSourcesOf(t *testing.T) {
	tests := []struct {
		to   JobStatus
		want []JobStatus
	}{
		{JobStatusQueued, nil},
		{JobStatusRunning, []JobStatus{JobStatusQueued}},
		{JobStatusDone, []JobStatus{JobStatusRunning}},
		{JobStatusFailed, []JobStatus{JobStatusRunning}},
		{JobStatusCancelled, []JobStatus{JobStatusQueued, JobStatusRunning}},
		{JobStatusExpired, []JobStatus{JobStatusDone, JobStatusFailed, JobStatusCancelled}},
	}

	for _, tt := range tests {
		t.Run(tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, SourcesOf(tt.to))
		})
	}
}

func TestJobStatus(t *testing.T) {
	tests := []struct {
		status   JobStatus
		valid    bool
		terminal bool
	}{
		{JobStatusQueued, true, false},
		{JobStatusRunning, true, false},
		{JobStatusDone, true, true},
		{JobStatusFailed, true, true},
		{JobStatusCancelled, true, true},
		{JobStatusExpired, true, true},
		{JobStatus("paused"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.status.Valid())
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestComputeProgress(t *testing.T) {
	tests := []struct {
		done, total int64
		want        int
	}{
		{0, 0, 0},
		{10, 0, 0},
		{0, 100, 0},
		{1, 3, 33},
		{2, 3, 67},
		{1024, 2048, 50},
		{2048, 2048, 100},
		{3000, 2048, 100},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.done, tt.total), func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeProgress(tt.done, tt.total))
		})
	}
}

func TestFailureReason(t *testing.T) {
	assert.Equal(t, "boom", FailureReason(errors.New("boom")))
	assert.Equal(t, NoFilesMessage, FailureReason(ErrNoFilesToInclude))
	assert.Equal(t, NoFilesMessage, FailureReason(fmt.Errorf("resolve: %w", ErrNoFilesToInclude)))
	assert.Len(t, []rune(FailureReason(errors.New(strings.Repeat("x", 1500)))), MaxErrorLength)

	// truncation counts runes, not bytes
	assert.Len(t, []rune(TruncateError(strings.Repeat("é", 1200))), MaxErrorLength)
}

func TestErrorStringsAreLowercase(t *testing.T) {
	for _, err := range []error{
		ErrJobNotFound, ErrJobAlreadyClaimed, ErrNoFilesToInclude, ErrRunNotFound,
		ErrInvalidMessage, ErrArtifactNotFound, ErrForbidden, ErrNotReady,
	} {
		msg := err.Error()
		assert.Equal(t, strings.ToLower(msg[:1]), msg[:1], msg)
	}
}

func TestJobOwnership(t *testing.T) {
	owner := "user-1"
	empty := ""

	tests := []struct {
		name      string
		job       Job
		caller    string
		anonymous bool
		owned     bool
	}{
		{"owned", Job{OwnerID: &owner}, "user-1", false, true},
		{"other user", Job{OwnerID: &owner}, "user-2", false, false},
		{"nil owner", Job{}, "user-1", true, false},
		{"empty owner", Job{OwnerID: &empty}, "", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.anonymous, tt.job.IsAnonymous())
			assert.Equal(t, tt.owned, tt.job.OwnedBy(tt.caller))
		})
	}
}

func TestFilterColumn(t *testing.T) {
	lo := 10.0
	spectro := false
	f := Filter{Target: "M31", ExposureTypes: []string{ExposureLight}, ExptimeMin: &lo, Spectroscopy: &spectro}

	v, err := f.Value()
	require.NoError(t, err)
	assert.JSONEq(t, `{"main_target":"M31","exposure_type":["LI"],"exptime_min":10,"spectroscopy":false}`, v.(string))

	var scanned Filter
	require.NoError(t, scanned.Scan([]byte(v.(string))))
	assert.Equal(t, f, scanned)

	require.NoError(t, scanned.Scan(nil))
	assert.True(t, scanned.IsZero())

	assert.Error(t, scanned.Scan(42))
	assert.Error(t, scanned.Scan("{not json"))
}

func TestIDListColumn(t *testing.T) {
	v, err := IDList(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", v)

	var ids IDList
	require.NoError(t, ids.Scan("[]"))
	assert.Nil(t, ids)

	require.NoError(t, ids.Scan("[12,45]"))
	assert.Equal(t, IDList{12, 45}, ids)
}

func TestRetryableError(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("load job: %w", NewRetryableError(cause))

	var retryable *RetryableError
	require.True(t, errors.As(err, &retryable))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "retryable error: connection reset")
}

func TestIsExposureType(t *testing.T) {
	for _, v := range ExposureTypes {
		assert.True(t, IsExposureType(v))
	}
	assert.False(t, IsExposureType("li"))
	assert.False(t, IsExposureType(""))
}
