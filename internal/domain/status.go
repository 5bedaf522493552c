package domain

// JobStatus is the lifecycle state of a download job.
type JobStatus string

// Job status constants
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusDone      JobStatus = "done"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusExpired   JobStatus = "expired"
)

var allStatuses = []JobStatus{
	JobStatusQueued, JobStatusRunning, JobStatusDone,
	JobStatusFailed, JobStatusCancelled, JobStatusExpired,
}

// ActiveStatuses are the states a job can still leave through a builder or cancel write.
var ActiveStatuses = []JobStatus{JobStatusQueued, JobStatusRunning}

// FinishedStatuses are the terminal states the sweeper may move to expired.
var FinishedStatuses = []JobStatus{JobStatusDone, JobStatusFailed, JobStatusCancelled}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusDone,
		JobStatusFailed, JobStatusCancelled, JobStatusExpired:
		return true
	}
	return false
}

// IsTerminal reports whether no builder-driven transition can leave s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusDone, JobStatusFailed, JobStatusCancelled, JobStatusExpired:
		return true
	}
	return false
}

func (s JobStatus) String() string {
	return string(s)
}

// CanTransition reports whether from -> to is an edge of the job state graph.
// Writing a terminal state over another terminal state is not an edge; callers
// treat it as a no-op.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusQueued:
		return to == JobStatusRunning || to == JobStatusCancelled
	case JobStatusRunning:
		return to == JobStatusDone || to == JobStatusFailed || to == JobStatusCancelled
	case JobStatusDone, JobStatusFailed, JobStatusCancelled:
		return to == JobStatusExpired
	}
	return false
}

// SourcesOf returns every status with an edge into to, in lifecycle order.
// Storage uses it as the precondition of a conditional transition write.
func SourcesOf(to JobStatus) []JobStatus {
	var out []JobStatus
	for _, from := range allStatuses {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// StatusStrings converts statuses to their string form for query arguments.
func StatusStrings(statuses ...JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
