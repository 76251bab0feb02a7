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

// JobTypeStorage implements the JobTypeStorage interface for Badger
type JobTypeStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobTypeStorage creates a new JobTypeStorage instance
func NewJobTypeStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobTypeStorage {
	return &JobTypeStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobTypeStorage) CreateJobType(ctx context.Context, jt *models.JobType) error {
	if jt.Name == "" {
		return fmt.Errorf("job type name is required")
	}
	if _, err := s.GetJobTypeByName(ctx, jt.Name); err == nil {
		return interfaces.ErrDuplicateName
	}
	id, err := s.db.NextID("jobtype")
	if err != nil {
		return err
	}
	jt.ID = id
	if err := s.db.Store().Insert(jt.ID, jt); err != nil {
		return fmt.Errorf("failed to create job type: %w", err)
	}
	return nil
}

func (s *JobTypeStorage) GetJobType(ctx context.Context, id uint64) (*models.JobType, error) {
	var jt models.JobType
	if err := s.db.Store().Get(id, &jt); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job type: %w", err)
	}
	return &jt, nil
}

func (s *JobTypeStorage) GetJobTypeByName(ctx context.Context, name string) (*models.JobType, error) {
	var types []models.JobType
	if err := s.db.Store().Find(&types, badgerhold.Where("Name").Eq(name).Limit(1)); err != nil {
		return nil, fmt.Errorf("failed to find job type by name: %w", err)
	}
	if len(types) == 0 {
		return nil, interfaces.ErrNotFound
	}
	return &types[0], nil
}

func (s *JobTypeStorage) ListJobTypes(ctx context.Context) ([]*models.JobType, error) {
	var types []models.JobType
	if err := s.db.Store().Find(&types, nil); err != nil {
		return nil, fmt.Errorf("failed to list job types: %w", err)
	}
	sort.Slice(types, func(i, j int) bool {
		return types[i].Name < types[j].Name
	})
	return toPointers(types), nil
}

// DeleteJobType removes a job type and its versions. Job types still
// referenced by jobs are rejected.
func (s *JobTypeStorage) DeleteJobType(ctx context.Context, id uint64) error {
	versions, err := s.VersionsByJobType(ctx, id)
	if err != nil {
		return err
	}
	for _, v := range versions {
		count, err := s.db.Store().Count(&models.Job{}, badgerhold.Where("JobTypeVersionID").Eq(v.ID))
		if err != nil {
			return fmt.Errorf("failed to count jobs for version %d: %w", v.ID, err)
		}
		if count > 0 {
			return interfaces.ErrHasChildren
		}
	}

	if err := s.db.Store().Delete(id, &models.JobType{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("failed to delete job type: %w", err)
	}
	if err := s.db.Store().DeleteMatching(&models.JobTypeVersion{}, badgerhold.Where("JobTypeID").Eq(id)); err != nil {
		return fmt.Errorf("failed to delete job type versions: %w", err)
	}
	return nil
}

// CreateVersion inserts a new version. A zero Version is filled in as latest
// plus one.
func (s *JobTypeStorage) CreateVersion(ctx context.Context, v *models.JobTypeVersion) error {
	if v.JobTypeID == 0 {
		return fmt.Errorf("job type ID is required")
	}
	if _, err := s.GetJobType(ctx, v.JobTypeID); err != nil {
		return err
	}

	if v.Version == 0 {
		latest, err := s.LatestVersion(ctx, v.JobTypeID)
		switch {
		case err == nil:
			v.Version = latest.Version + 1
		case err == interfaces.ErrNotFound:
			v.Version = 1
		default:
			return err
		}
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}

	id, err := s.db.NextID("jobtype_version")
	if err != nil {
		return err
	}
	v.ID = id
	if err := s.db.Store().Insert(v.ID, v); err != nil {
		return fmt.Errorf("failed to create job type version: %w", err)
	}
	return nil
}

func (s *JobTypeStorage) GetVersion(ctx context.Context, id uint64) (*models.JobTypeVersion, error) {
	var v models.JobTypeVersion
	if err := s.db.Store().Get(id, &v); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job type version: %w", err)
	}
	return &v, nil
}

func (s *JobTypeStorage) VersionsByJobType(ctx context.Context, jobTypeID uint64) ([]*models.JobTypeVersion, error) {
	var versions []models.JobTypeVersion
	if err := s.db.Store().Find(&versions, badgerhold.Where("JobTypeID").Eq(jobTypeID)); err != nil {
		return nil, fmt.Errorf("failed to list versions for job type %d: %w", jobTypeID, err)
	}
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Version < versions[j].Version
	})
	return toPointers(versions), nil
}

func (s *JobTypeStorage) LatestVersion(ctx context.Context, jobTypeID uint64) (*models.JobTypeVersion, error) {
	versions, err := s.VersionsByJobType(ctx, jobTypeID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, interfaces.ErrNotFound
	}
	return versions[len(versions)-1], nil
}

func (s *JobTypeStorage) ListVersions(ctx context.Context) ([]*models.JobTypeVersion, error) {
	var versions []models.JobTypeVersion
	if err := s.db.Store().Find(&versions, nil); err != nil {
		return nil, fmt.Errorf("failed to list job type versions: %w", err)
	}
	return toPointers(versions), nil
}
