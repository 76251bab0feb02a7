package badger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/farmd/internal/interfaces"
	"github.com/ternarybob/farmd/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// JobStorage implements the JobStorage interface for Badger
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) CreateJob(ctx context.Context, job *models.Job) error {
	if job.Title == "" {
		return fmt.Errorf("job title is required")
	}
	if job.TimeSubmitted.IsZero() {
		job.TimeSubmitted = time.Now().UTC()
	}

	id, err := s.db.NextID("job")
	if err != nil {
		return err
	}
	job.ID = id
	if err := s.db.Store().Insert(job.ID, job); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Debug().
		Int64("job_id", int64(job.ID)).
		Str("title", job.Title).
		Msg("Job created")
	return nil
}

func (s *JobStorage) SaveJob(ctx context.Context, job *models.Job) error {
	if job.ID == 0 {
		return fmt.Errorf("job ID is required")
	}
	if err := s.db.Store().Update(job.ID, job); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, id uint64) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *JobStorage) GetJobByTitle(ctx context.Context, title string) (*models.Job, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("Title").Eq(title).Limit(1)); err != nil {
		return nil, fmt.Errorf("failed to find job by title: %w", err)
	}
	if len(jobs) == 0 {
		return nil, interfaces.ErrNotFound
	}
	return &jobs[0], nil
}

func (s *JobStorage) GetJobs(ctx context.Context, ids []uint64) (map[uint64]*models.Job, error) {
	result := make(map[uint64]*models.Job, len(ids))
	for _, id := range ids {
		if _, ok := result[id]; ok {
			continue
		}
		var job models.Job
		if err := s.db.Store().Get(id, &job); err != nil {
			if err == badgerhold.ErrNotFound {
				continue
			}
			return nil, fmt.Errorf("failed to get job %d: %w", id, err)
		}
		result[job.ID] = &job
	}
	return result, nil
}

func (s *JobStorage) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	var query *badgerhold.Query
	if opts != nil && opts.QueueID != nil {
		query = badgerhold.Where("QueueID").Eq(*opts.QueueID)
	}
	if opts != nil && len(opts.States) > 0 {
		states := make([]interface{}, len(opts.States))
		for i, st := range opts.States {
			states[i] = st
		}
		if query == nil {
			query = badgerhold.Where("State").In(states...)
		} else {
			query = query.And("State").In(states...)
		}
	}

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].TimeSubmitted.Before(jobs[j].TimeSubmitted)
	})
	if opts != nil && opts.Offset > 0 {
		if opts.Offset >= len(jobs) {
			jobs = nil
		} else {
			jobs = jobs[opts.Offset:]
		}
	}
	if opts != nil && opts.Limit > 0 && opts.Limit < len(jobs) {
		jobs = jobs[:opts.Limit]
	}
	return toPointers(jobs), nil
}

// ActiveJobs returns every queued or running job, oldest submission first.
// This is the candidate set both scheduling strategies start from.
func (s *JobStorage) ActiveJobs(ctx context.Context) ([]*models.Job, error) {
	var jobs []models.Job
	query := badgerhold.Where("State").Eq(models.WorkStateQueued).
		Or(badgerhold.Where("State").Eq(models.WorkStateRunning))
	if err := s.db.Store().Find(&jobs, query.SortBy("TimeSubmitted")); err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}
	return toPointers(jobs), nil
}

func (s *JobStorage) DeleteJob(ctx context.Context, id uint64) error {
	if err := s.db.Store().Delete(id, &models.Job{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("failed to delete job: %w", err)
	}

	// Tasks do not outlive their job.
	if err := s.db.Store().DeleteMatching(&models.Task{}, badgerhold.Where("JobID").Eq(id)); err != nil {
		return fmt.Errorf("failed to delete tasks for job %d: %w", id, err)
	}

	s.logger.Debug().Int64("job_id", int64(id)).Msg("Job deleted")
	return nil
}
