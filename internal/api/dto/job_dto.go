package dto

import (
	"time"

	"github.com/cuongbtq/ostdata-archive/internal/domain"
	"github.com/go-playground/validator/v10"
)

// RegisterValidations adds the archive specific tags to v
func RegisterValidations(v *validator.Validate) error {
	if err := v.RegisterValidation("exposure_type", func(fl validator.FieldLevel) bool {
		return domain.IsExposureType(fl.Field().String())
	}); err != nil {
		return err
	}
	if err := v.RegisterValidation("job_status", func(fl validator.FieldLevel) bool {
		return domain.JobStatus(fl.Field().String()).Valid()
	}); err != nil {
		return err
	}
	v.RegisterStructValidation(validateFilter, FilterRequest{})
	return nil
}

func validateFilter(sl validator.StructLevel) {
	f := sl.Current().Interface().(FilterRequest)
	if f.ExptimeMin != nil && f.ExptimeMax != nil && *f.ExptimeMin > *f.ExptimeMax {
		sl.ReportError(f.ExptimeMax, "ExptimeMax", "exptime_max", "gtefield", "ExptimeMin")
	}
}

// FilterRequest is the filter predicate accepted on enqueue
type FilterRequest struct {
	FileType     string   `json:"file_type" binding:"max=32"`
	FileName     string   `json:"file_name" binding:"max=255"`
	MainTarget   string   `json:"main_target" binding:"max=255"`
	ExposureType []string `json:"exposure_type" binding:"max=5,dive,exposure_type"`
	ExptimeMin   *float64 `json:"exptime_min" binding:"omitempty,gte=0"`
	ExptimeMax   *float64 `json:"exptime_max" binding:"omitempty,gte=0"`
	Instrument   string   `json:"instrument" binding:"max=255"`
	Spectroscopy *bool    `json:"spectroscopy"`
}

// ToDomain converts the request filter to the stored predicate
func (f FilterRequest) ToDomain() domain.Filter {
	return domain.Filter{
		FileType:      f.FileType,
		FileName:      f.FileName,
		Target:        f.MainTarget,
		ExposureTypes: f.ExposureType,
		ExptimeMin:    f.ExptimeMin,
		ExptimeMax:    f.ExptimeMax,
		Instrument:    f.Instrument,
		Spectroscopy:  f.Spectroscopy,
	}
}

// EnqueueRequest selects the files of a new download job
type EnqueueRequest struct {
	IDs     []int64       `json:"ids" binding:"max=10000,dive,min=1"`
	Filters FilterRequest `json:"filters"`
}

type EnqueueResponse struct {
	JobID string `json:"job_id"`
}

type StatusResponse struct {
	JobID      string  `json:"job_id"`
	Status     string  `json:"status"`
	Progress   int     `json:"progress"`
	BytesTotal int64   `json:"bytes_total"`
	BytesDone  int64   `json:"bytes_done"`
	URL        *string `json:"url"`
	Error      *string `json:"error"`
}

type CancelResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

type ListJobsRequest struct {
	Status   string `form:"status" binding:"omitempty,job_status"`
	Run      *int64 `form:"run" binding:"omitempty,min=1"`
	User     string `form:"user"`
	PageSize int    `form:"page_size" binding:"omitempty,min=1,max=200"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Items      []JobDTO `json:"items"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Progress   int        `json:"progress"`
	BytesTotal int64      `json:"bytes_total"`
	BytesDone  int64      `json:"bytes_done"`
	Run        *int64     `json:"run"`
	User       *string    `json:"user"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	ExpiresAt  *time.Time `json:"expires_at"`
	Error      string     `json:"error"`
}

// FromJob builds the list entry of a job
func FromJob(job *domain.Job) JobDTO {
	return JobDTO{
		ID:         job.ID,
		Status:     string(job.Status),
		Progress:   job.Progress,
		BytesTotal: job.BytesTotal,
		BytesDone:  job.BytesDone,
		Run:        job.RunID,
		User:       job.OwnerID,
		CreatedAt:  job.CreatedAt,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
		ExpiresAt:  job.ExpiresAt,
		Error:      job.Error,
	}
}

// BatchRequest names the jobs of an administrative bulk action
type BatchRequest struct {
	IDs []string `json:"ids" binding:"max=1000,dive,uuid"`
}

type BatchExtendRequest struct {
	IDs   []string `json:"ids" binding:"max=1000,dive,uuid"`
	Hours *int     `json:"hours"`
}

type BatchCancelResponse struct {
	Cancelled int `json:"cancelled"`
	Skipped   int `json:"skipped"`
}

type BatchExtendResponse struct {
	Updated int64 `json:"updated"`
}

type BatchExpireResponse struct {
	Expired int `json:"expired"`
}
