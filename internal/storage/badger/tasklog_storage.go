package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/farmd/internal/interfaces"
	"github.com/ternarybob/farmd/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// TaskLogStorage implements the TaskLogStorage interface for Badger
type TaskLogStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewTaskLogStorage creates a new TaskLogStorage instance
func NewTaskLogStorage(db *BadgerDB, logger arbor.ILogger) interfaces.TaskLogStorage {
	return &TaskLogStorage{
		db:     db,
		logger: logger,
	}
}

func (s *TaskLogStorage) CreateLog(ctx context.Context, log *models.TaskLog) error {
	if log.Identifier == "" {
		return fmt.Errorf("log identifier is required")
	}
	if log.CreatedOn.IsZero() {
		log.CreatedOn = time.Now().UTC()
	}
	if _, err := s.GetLogByIdentifier(ctx, log.Identifier); err == nil {
		return interfaces.ErrDuplicateName
	}
	id, err := s.db.NextID("tasklog")
	if err != nil {
		return err
	}
	log.ID = id
	if err := s.db.Store().Insert(log.ID, log); err != nil {
		return fmt.Errorf("failed to create task log: %w", err)
	}
	return nil
}

func (s *TaskLogStorage) GetLogByIdentifier(ctx context.Context, identifier string) (*models.TaskLog, error) {
	var logs []models.TaskLog
	if err := s.db.Store().Find(&logs, badgerhold.Where("Identifier").Eq(identifier).Limit(1)); err != nil {
		return nil, fmt.Errorf("failed to find task log: %w", err)
	}
	if len(logs) == 0 {
		return nil, interfaces.ErrNotFound
	}
	return &logs[0], nil
}

func (s *TaskLogStorage) ListLogs(ctx context.Context) ([]*models.TaskLog, error) {
	var logs []models.TaskLog
	if err := s.db.Store().Find(&logs, nil); err != nil {
		return nil, fmt.Errorf("failed to list task logs: %w", err)
	}
	return toPointers(logs), nil
}

// Associate links one task attempt to a log. Re-associating the same
// (task, attempt, log) triple is idempotent.
func (s *TaskLogStorage) Associate(ctx context.Context, taskID uint64, attempt int, logID uint64) error {
	var existing []models.TaskLogAssociation
	query := badgerhold.Where("TaskID").Eq(taskID).And("LogID").Eq(logID).And("Attempt").Eq(attempt)
	if err := s.db.Store().Find(&existing, query); err != nil {
		return fmt.Errorf("failed to check log association: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	id, err := s.db.NextID("tasklog_assoc")
	if err != nil {
		return err
	}
	assoc := &models.TaskLogAssociation{
		ID:      id,
		TaskID:  taskID,
		LogID:   logID,
		Attempt: attempt,
	}
	if err := s.db.Store().Insert(assoc.ID, assoc); err != nil {
		return fmt.Errorf("failed to create log association: %w", err)
	}
	return nil
}

func (s *TaskLogStorage) AssociationsByTask(ctx context.Context, taskID uint64) ([]*models.TaskLogAssociation, error) {
	var assocs []models.TaskLogAssociation
	if err := s.db.Store().Find(&assocs, badgerhold.Where("TaskID").Eq(taskID)); err != nil {
		return nil, fmt.Errorf("failed to list log associations: %w", err)
	}
	return toPointers(assocs), nil
}

func (s *TaskLogStorage) DeleteAssociationsByTask(ctx context.Context, taskID uint64) error {
	if err := s.db.Store().DeleteMatching(&models.TaskLogAssociation{}, badgerhold.Where("TaskID").Eq(taskID)); err != nil {
		return fmt.Errorf("failed to delete log associations: %w", err)
	}
	return nil
}

// OrphanLogs returns logs no association references anymore. Their files are
// safe to remove from disk.
func (s *TaskLogStorage) OrphanLogs(ctx context.Context) ([]*models.TaskLog, error) {
	var assocs []models.TaskLogAssociation
	if err := s.db.Store().Find(&assocs, nil); err != nil {
		return nil, fmt.Errorf("failed to list log associations: %w", err)
	}
	referenced := make(map[uint64]bool, len(assocs))
	for _, a := range assocs {
		referenced[a.LogID] = true
	}

	logs, err := s.ListLogs(ctx)
	if err != nil {
		return nil, err
	}
	var orphans []*models.TaskLog
	for _, log := range logs {
		if !referenced[log.ID] {
			orphans = append(orphans, log)
		}
	}
	return orphans, nil
}

func (s *TaskLogStorage) DeleteLog(ctx context.Context, id uint64) error {
	if err := s.db.Store().Delete(id, &models.TaskLog{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("failed to delete task log: %w", err)
	}
	return nil
}
