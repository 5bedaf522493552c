package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/cuongbtq/ostdata-archive/internal/domain"
	"github.com/cuongbtq/ostdata-archive/internal/storage"
	"github.com/cuongbtq/ostdata-archive/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *storage.Storage {
	t.Helper()
	return storage.NewStorage(testutil.NewDB(t), testutil.Logger())
}

func ptr[T any](v T) *T { return &v }

func createJob(t *testing.T, s *storage.Storage, job domain.Job) *domain.Job {
	t.Helper()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	require.NoError(t, s.CreateJob(context.Background(), &job))
	return &job
}

func mustGet(t *testing.T, s *storage.Storage, id string) *domain.Job {
	t.Helper()
	job, err := s.GetJobByID(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestCreateAndGetJob(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	exptime := 30.0
	job := createJob(t, s, domain.Job{
		OwnerID:     ptr("user-1"),
		RunID:       ptr(int64(9)),
		SelectedIDs: domain.IDList{12, 45},
		Filters: domain.Filter{
			Target:        "M31",
			ExposureTypes: []string{domain.ExposureLight},
			ExptimeMin:    &exptime,
		},
	})

	got, err := s.GetJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, got.Status)
	assert.Equal(t, "user-1", *got.OwnerID)
	assert.Equal(t, int64(9), *got.RunID)
	assert.Equal(t, domain.IDList{12, 45}, got.SelectedIDs)
	assert.Equal(t, job.Filters, got.Filters)
	assert.Zero(t, got.Progress)
	assert.Empty(t, got.FilePath)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.ExpiresAt)

	_, err = s.GetJobByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestCreateJob_AnonymousAndRejectsNonQueued(t *testing.T) {
	s := newStore(t)

	anon := createJob(t, s, domain.Job{})
	got := mustGet(t, s, anon.ID)
	assert.True(t, got.IsAnonymous())
	assert.Nil(t, got.RunID)
	assert.Nil(t, got.SelectedIDs)

	err := s.CreateJob(context.Background(), &domain.Job{ID: uuid.NewString(), Status: domain.JobStatusDone})
	assert.Error(t, err)
}

func TestStartJob_OnlyOnce(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	job := createJob(t, s, domain.Job{})

	started, err := s.StartJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, started.Status)
	assert.NotNil(t, started.StartedAt)

	_, err = s.StartJob(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)
}

func TestRunningUpdates(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	job := createJob(t, s, domain.Job{})
	_, err := s.StartJob(ctx, job.ID)
	require.NoError(t, err)

	require.NoError(t, s.SetBytesTotal(ctx, job.ID, 2000))
	require.NoError(t, s.SetArtifact(ctx, job.ID, "download-jobs/x.zip"))
	require.NoError(t, s.UpdateProgress(ctx, job.ID, 1000, 50))
	// counters never move backwards
	require.NoError(t, s.UpdateProgress(ctx, job.ID, 500, 25))

	got := mustGet(t, s, job.ID)
	assert.Equal(t, int64(2000), got.BytesTotal)
	assert.Equal(t, int64(1000), got.BytesDone)
	assert.Equal(t, 50, got.Progress)
	assert.Equal(t, "download-jobs/x.zip", got.FilePath)

	status, err := s.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, status)
}

func TestTerminalTransitions(t *testing.T) {
	tests := []struct {
		name       string
		prepare    func(t *testing.T, s *storage.Storage, id string)
		transition func(s *storage.Storage, id string) (bool, error)
		wantOK     bool
		wantStatus domain.JobStatus
		wantError  string
	}{
		{
			name:    "complete running job",
			prepare: startJob,
			transition: func(s *storage.Storage, id string) (bool, error) {
				return s.CompleteJob(context.Background(), id, 10, t0, t0.Add(time.Hour))
			},
			wantOK:     true,
			wantStatus: domain.JobStatusDone,
		},
		{
			name:    "complete queued job is refused",
			prepare: func(*testing.T, *storage.Storage, string) {},
			transition: func(s *storage.Storage, id string) (bool, error) {
				return s.CompleteJob(context.Background(), id, 10, t0, t0.Add(time.Hour))
			},
			wantStatus: domain.JobStatusQueued,
		},
		{
			name:    "fail running job",
			prepare: startJob,
			transition: func(s *storage.Storage, id string) (bool, error) {
				return s.FailJob(context.Background(), id, "boom", t0, t0.Add(time.Hour))
			},
			wantOK:     true,
			wantStatus: domain.JobStatusFailed,
			wantError:  "boom",
		},
		{
			name:    "fail queued job is refused",
			prepare: func(*testing.T, *storage.Storage, string) {},
			transition: func(s *storage.Storage, id string) (bool, error) {
				return s.FailJob(context.Background(), id, "boom", t0, t0.Add(time.Hour))
			},
			wantStatus: domain.JobStatusQueued,
		},
		{
			name: "fail after cancel keeps cancelled",
			prepare: func(t *testing.T, s *storage.Storage, id string) {
				startJob(t, s, id)
				_, ok, err := s.CancelJob(context.Background(), id, "Cancelled by user", t0, t0.Add(time.Hour))
				require.NoError(t, err)
				require.True(t, ok)
			},
			transition: func(s *storage.Storage, id string) (bool, error) {
				return s.FailJob(context.Background(), id, "late failure", t0, t0.Add(time.Hour))
			},
			wantStatus: domain.JobStatusCancelled,
			wantError:  "Cancelled by user",
		},
		{
			name: "complete after cancel keeps cancelled",
			prepare: func(t *testing.T, s *storage.Storage, id string) {
				startJob(t, s, id)
				_, _, err := s.CancelJob(context.Background(), id, "Cancelled by user", t0, t0.Add(time.Hour))
				require.NoError(t, err)
			},
			transition: func(s *storage.Storage, id string) (bool, error) {
				return s.CompleteJob(context.Background(), id, 10, t0, t0.Add(time.Hour))
			},
			wantStatus: domain.JobStatusCancelled,
			wantError:  "Cancelled by user",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			job := createJob(t, s, domain.Job{})
			tt.prepare(t, s, job.ID)

			ok, err := tt.transition(s, job.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)

			got := mustGet(t, s, job.ID)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantError, got.Error)
			if tt.wantStatus.IsTerminal() {
				require.NotNil(t, got.ExpiresAt)
				require.NotNil(t, got.FinishedAt)
			}
		})
	}
}

func startJob(t *testing.T, s *storage.Storage, id string) {
	t.Helper()
	_, err := s.StartJob(context.Background(), id)
	require.NoError(t, err)
}

func TestCancelJob(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	job := createJob(t, s, domain.Job{})

	cancelled, ok, err := s.CancelJob(ctx, job.ID, "Cancelled by user", t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.JobStatusCancelled, cancelled.Status)
	assert.Equal(t, "Cancelled by user", cancelled.Error)

	// second cancel is a no-op returning current state
	again, ok, err := s.CancelJob(ctx, job.ID, "Cancelled by administrator", t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, domain.JobStatusCancelled, again.Status)
	assert.Equal(t, "Cancelled by user", again.Error)

	_, _, err = s.CancelJob(ctx, uuid.NewString(), "x", t0, t0)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestFailJob_ErrorIsAppendedAndBounded(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	job := createJob(t, s, domain.Job{})
	startJob(t, s, job.ID)

	long := make([]byte, 1500)
	for i := range long {
		long[i] = 'x'
	}
	ok, err := s.FailJob(ctx, job.ID, string(long), t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	got := mustGet(t, s, job.ID)
	assert.Len(t, got.Error, domain.MaxErrorLength)
}

func TestClearArtifact(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	job := createJob(t, s, domain.Job{})
	startJob(t, s, job.ID)
	require.NoError(t, s.SetArtifact(ctx, job.ID, "download-jobs/a.zip"))

	require.NoError(t, s.ClearArtifact(ctx, job.ID))

	got := mustGet(t, s, job.ID)
	assert.Empty(t, got.FilePath)
	assert.NotNil(t, got.FinishedAt)
}

func TestExtendExpiry(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	withExpiry := createJob(t, s, domain.Job{})
	_, _, err := s.CancelJob(ctx, withExpiry.ID, "Cancelled by user", t0, t0.Add(time.Hour))
	require.NoError(t, err)

	active := createJob(t, s, domain.Job{})

	n, err := s.ExtendExpiry(ctx, []string{withExpiry.ID, active.ID, uuid.NewString()}, 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got := mustGet(t, s, withExpiry.ID)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(t0.Add(49*time.Hour)), "expires_at = %s", got.ExpiresAt)
	assert.Nil(t, mustGet(t, s, active.ID).ExpiresAt)

	n, err = s.ExtendExpiry(ctx, nil, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExpiryQueries(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	done := createJob(t, s, domain.Job{})
	startJob(t, s, done.ID)
	require.NoError(t, s.SetArtifact(ctx, done.ID, "download-jobs/done.zip"))
	_, err := s.CompleteJob(ctx, done.ID, 1, now.Add(-2*time.Hour), now.Add(-time.Hour))
	require.NoError(t, err)

	fresh := createJob(t, s, domain.Job{})
	startJob(t, s, fresh.ID)
	_, err = s.FailJob(ctx, fresh.ID, "x", now, now.Add(time.Hour))
	require.NoError(t, err)

	running := createJob(t, s, domain.Job{})
	startJob(t, s, running.ID)

	expired, err := s.ListExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, done.ID, expired[0].ID)

	// not due yet
	ok, err := s.MarkExpired(ctx, fresh.ID, now)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, domain.JobStatusFailed, mustGet(t, s, fresh.ID).Status)

	ok, err = s.MarkExpired(ctx, done.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)
	got := mustGet(t, s, done.ID)
	assert.Equal(t, domain.JobStatusExpired, got.Status)
	assert.Equal(t, "download-jobs/done.zip", got.FilePath)

	// an expired job still holding its artifact is listed until the location is cleared
	expired, err = s.ListExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, domain.JobStatusExpired, expired[0].Status)

	require.NoError(t, s.ClearArtifact(ctx, done.ID))
	expired, err = s.ListExpired(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, expired)

	// expired is not a source of expired
	ok, err = s.MarkExpired(ctx, done.ID, now)
	require.NoError(t, err)
	assert.False(t, ok)

	// running jobs are never expired
	ok, err = s.MarkExpired(ctx, running.ID, now)
	require.NoError(t, err)
	assert.False(t, ok)

	ids, err := s.ExpireAt(ctx, []string{fresh.ID, running.ID}, now.Add(-time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{fresh.ID}, ids)

	expired, err = s.ListExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, fresh.ID, expired[0].ID)
}

func TestMarkExpired_RespectsExtendedExpiry(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	job := createJob(t, s, domain.Job{})
	startJob(t, s, job.ID)
	require.NoError(t, s.SetArtifact(ctx, job.ID, "download-jobs/late.zip"))
	_, err := s.CompleteJob(ctx, job.ID, 1, now.Add(-2*time.Hour), now.Add(-time.Minute))
	require.NoError(t, err)

	listed, err := s.ListExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	// an administrator extends the job after it was listed
	n, err := s.ExtendExpiry(ctx, []string{job.ID}, 48*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	ok, err := s.MarkExpired(ctx, job.ID, now)
	require.NoError(t, err)
	assert.False(t, ok)

	got := mustGet(t, s, job.ID)
	assert.Equal(t, domain.JobStatusDone, got.Status)
	assert.Equal(t, "download-jobs/late.zip", got.FilePath)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.After(now))
}

func TestListStaleRunning(t *testing.T) {
	client := testutil.NewDB(t)
	clock := t0
	s := storage.NewStorage(client, testutil.Logger()).WithClock(func() time.Time { return clock })
	ctx := context.Background()

	stale := createJob(t, s, domain.Job{})
	startJob(t, s, stale.ID)

	clock = t0.Add(2 * time.Hour)
	live := createJob(t, s, domain.Job{})
	startJob(t, s, live.ID)

	jobs, err := s.ListStaleRunning(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, stale.ID, jobs[0].ID)

	// a heartbeat keeps the job fresh
	require.NoError(t, s.TouchJob(ctx, stale.ID))
	jobs, err = s.ListStaleRunning(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestListJobs_Pagination(t *testing.T) {
	client := testutil.NewDB(t)
	clock := t0
	s := storage.NewStorage(client, testutil.Logger()).WithClock(func() time.Time { return clock })
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		clock = t0.Add(time.Duration(i) * time.Minute)
		job := createJob(t, s, domain.Job{OwnerID: ptr("user-1")})
		ids = append(ids, job.ID)
	}
	createJob(t, s, domain.Job{OwnerID: ptr("user-2")})

	page, err := s.ListJobs(ctx, storage.JobFilter{OwnerID: "user-1", PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, ids[4], page[0].ID)
	assert.Equal(t, ids[3], page[1].ID)

	last := page[1]
	page, err = s.ListJobs(ctx, storage.JobFilter{
		OwnerID:  "user-1",
		PageSize: 2,
		Cursor:   &storage.JobCursor{CreatedAt: last.CreatedAt, JobID: last.ID},
	})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, ids[2], page[0].ID)
	assert.Equal(t, ids[1], page[1].ID)

	page, err = s.ListJobs(ctx, storage.JobFilter{Status: domain.JobStatusRunning, PageSize: 10})
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestListJobsByIDs(t *testing.T) {
	s := newStore(t)
	a := createJob(t, s, domain.Job{})
	b := createJob(t, s, domain.Job{})
	createJob(t, s, domain.Job{})

	jobs, err := s.ListJobsByIDs(context.Background(), []string{a.ID, b.ID, uuid.NewString()})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}
