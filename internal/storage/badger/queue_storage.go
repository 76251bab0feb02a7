package badger

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/farmd/internal/interfaces"
	"github.com/ternarybob/farmd/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// QueueStorage implements the QueueStorage interface for Badger
type QueueStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewQueueStorage creates a new QueueStorage instance
func NewQueueStorage(db *BadgerDB, logger arbor.ILogger) interfaces.QueueStorage {
	return &QueueStorage{
		db:     db,
		logger: logger,
	}
}

// CreateQueue inserts a queue after checking the (parent, name) uniqueness
// rule. Two top level queues cannot share a name either.
func (s *QueueStorage) CreateQueue(ctx context.Context, queue *models.JobQueue) error {
	if queue.Name == "" {
		return fmt.Errorf("queue name is required")
	}

	if queue.ParentID != 0 {
		if _, err := s.GetQueue(ctx, queue.ParentID); err != nil {
			return fmt.Errorf("parent queue %d: %w", queue.ParentID, err)
		}
	}

	taken, err := s.nameTaken(queue.ParentID, queue.Name, 0)
	if err != nil {
		return err
	}
	if taken {
		return interfaces.ErrDuplicateName
	}

	id, err := s.db.NextID("jobqueue")
	if err != nil {
		return err
	}
	queue.ID = id
	if err := s.db.Store().Insert(queue.ID, queue); err != nil {
		return fmt.Errorf("failed to create queue: %w", err)
	}

	s.logger.Debug().
		Int64("queue_id", int64(queue.ID)).
		Str("name", queue.Name).
		Int64("parent_id", int64(queue.ParentID)).
		Msg("Job queue created")
	return nil
}

func (s *QueueStorage) SaveQueue(ctx context.Context, queue *models.JobQueue) error {
	if queue.ID == 0 {
		return fmt.Errorf("queue ID is required")
	}

	taken, err := s.nameTaken(queue.ParentID, queue.Name, queue.ID)
	if err != nil {
		return err
	}
	if taken {
		return interfaces.ErrDuplicateName
	}

	if err := s.db.Store().Update(queue.ID, queue); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("failed to save queue: %w", err)
	}
	return nil
}

func (s *QueueStorage) nameTaken(parentID uint64, name string, selfID uint64) (bool, error) {
	var existing []models.JobQueue
	query := badgerhold.Where("ParentID").Eq(parentID).And("Name").Eq(name)
	if err := s.db.Store().Find(&existing, query); err != nil {
		return false, fmt.Errorf("failed to check queue name: %w", err)
	}
	for _, q := range existing {
		if q.ID != selfID {
			return true, nil
		}
	}
	return false, nil
}

func (s *QueueStorage) GetQueue(ctx context.Context, id uint64) (*models.JobQueue, error) {
	var queue models.JobQueue
	if err := s.db.Store().Get(id, &queue); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get queue: %w", err)
	}
	return &queue, nil
}

func (s *QueueStorage) ListQueues(ctx context.Context) ([]*models.JobQueue, error) {
	var queues []models.JobQueue
	if err := s.db.Store().Find(&queues, nil); err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	sortQueues(queues)
	return toPointers(queues), nil
}

func (s *QueueStorage) ChildQueues(ctx context.Context, parentID uint64) ([]*models.JobQueue, error) {
	var queues []models.JobQueue
	if err := s.db.Store().Find(&queues, badgerhold.Where("ParentID").Eq(parentID)); err != nil {
		return nil, fmt.Errorf("failed to list child queues: %w", err)
	}
	sortQueues(queues)
	return toPointers(queues), nil
}

// DeleteQueue removes an empty leaf queue. Queues with child queues or with
// jobs still attached are rejected.
func (s *QueueStorage) DeleteQueue(ctx context.Context, id uint64) error {
	children, err := s.db.Store().Count(&models.JobQueue{}, badgerhold.Where("ParentID").Eq(id))
	if err != nil {
		return fmt.Errorf("failed to count child queues: %w", err)
	}
	if children > 0 {
		return interfaces.ErrHasChildren
	}

	jobs, err := s.db.Store().Count(&models.Job{}, badgerhold.Where("QueueID").Eq(id))
	if err != nil {
		return fmt.Errorf("failed to count queue jobs: %w", err)
	}
	if jobs > 0 {
		return interfaces.ErrHasChildren
	}

	if err := s.db.Store().Delete(id, &models.JobQueue{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("failed to delete queue: %w", err)
	}
	return nil
}

// RebuildFullPath recomputes the denormalized /a/b/c path for the queue and
// every descendant, persisting any that changed. Returns the queue's own
// path.
func (s *QueueStorage) RebuildFullPath(ctx context.Context, id uint64) (string, error) {
	queue, err := s.GetQueue(ctx, id)
	if err != nil {
		return "", err
	}

	segments := []string{queue.Name}
	parentID := queue.ParentID
	for parentID != 0 {
		parent, err := s.GetQueue(ctx, parentID)
		if err != nil {
			return "", fmt.Errorf("broken queue chain at %d: %w", parentID, err)
		}
		segments = append([]string{parent.Name}, segments...)
		parentID = parent.ParentID
	}

	path := "/" + strings.Join(segments, "/")
	if queue.FullPath != path {
		queue.FullPath = path
		if err := s.db.Store().Update(queue.ID, queue); err != nil {
			return "", fmt.Errorf("failed to save queue path: %w", err)
		}
	}

	children, err := s.ChildQueues(ctx, id)
	if err != nil {
		return "", err
	}
	for _, child := range children {
		if _, err := s.RebuildFullPath(ctx, child.ID); err != nil {
			return "", err
		}
	}

	return path, nil
}

func sortQueues(queues []models.JobQueue) {
	sort.Slice(queues, func(i, j int) bool {
		if queues[i].Priority != queues[j].Priority {
			return queues[i].Priority > queues[j].Priority
		}
		return queues[i].Name < queues[j].Name
	})
}
