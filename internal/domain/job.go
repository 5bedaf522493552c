package domain

import (
	"errors"
	"math"
	"time"
)

const (
	// MaxErrorLength bounds the persisted error text.
	MaxErrorLength = 1000
)

// Job is one request to package a selection of data files into an archive.
type Job struct {
	ID          string     `db:"id"`
	OwnerID     *string    `db:"owner_id"`
	RunID       *int64     `db:"run_id"`
	SelectedIDs IDList     `db:"selected_ids"`
	Filters     Filter     `db:"filters"`
	Status      JobStatus  `db:"status"`
	Progress    int        `db:"progress"`
	BytesTotal  int64      `db:"bytes_total"`
	BytesDone   int64      `db:"bytes_done"`
	FilePath    string     `db:"file_path"`
	Error       string     `db:"error"`
	CreatedAt   time.Time  `db:"created_at"`
	StartedAt   *time.Time `db:"started_at"`
	FinishedAt  *time.Time `db:"finished_at"`
	ExpiresAt   *time.Time `db:"expires_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

// IsAnonymous reports whether the job has no owner.
func (j *Job) IsAnonymous() bool {
	return j.OwnerID == nil || *j.OwnerID == ""
}

// OwnedBy reports whether userID owns the job.
func (j *Job) OwnedBy(userID string) bool {
	return !j.IsAnonymous() && userID != "" && *j.OwnerID == userID
}

// JobMessage represents a job message from RabbitMQ
type JobMessage struct {
	JobID       string `json:"job_id"`
	DeliveryTag uint64 `json:"-"`
}

// ComputeProgress returns round(100*done/total) clamped to [0,100].
func ComputeProgress(done, total int64) int {
	if total <= 0 || done <= 0 {
		return 0
	}
	p := int(math.Round(100 * float64(done) / float64(total)))
	if p > 100 {
		return 100
	}
	return p
}

// TruncateError bounds msg to MaxErrorLength runes.
func TruncateError(msg string) string {
	r := []rune(msg)
	if len(r) <= MaxErrorLength {
		return msg
	}
	return string(r[:MaxErrorLength])
}

// FailureReason is the text recorded on a job that failed with err.
func FailureReason(err error) string {
	if errors.Is(err, ErrNoFilesToInclude) {
		return NoFilesMessage
	}
	return TruncateError(err.Error())
}
