package badger

import (
	"context"
	"fmt"
	"sort"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/farmd/internal/interfaces"
	"github.com/ternarybob/farmd/internal/lifecycle"
	"github.com/ternarybob/farmd/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// TaskStorage implements the TaskStorage interface for Badger. State and
// assignment changes run inside one Badger transaction so the task, the
// attempt/failure counters and the job roll-up commit together or not at all.
type TaskStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewTaskStorage creates a new TaskStorage instance
func NewTaskStorage(db *BadgerDB, logger arbor.ILogger) interfaces.TaskStorage {
	return &TaskStorage{
		db:     db,
		logger: logger,
	}
}

func (s *TaskStorage) CreateTasks(ctx context.Context, tasks []*models.Task) error {
	now := time.Now().UTC()
	for _, task := range tasks {
		if task.TimeSubmitted.IsZero() {
			task.TimeSubmitted = now
		}
		id, err := s.db.NextID("task")
		if err != nil {
			return err
		}
		task.ID = id
		if err := s.db.Store().Insert(task.ID, task); err != nil {
			return fmt.Errorf("failed to create task: %w", err)
		}
	}
	return nil
}

func (s *TaskStorage) GetTask(ctx context.Context, id uint64) (*models.Task, error) {
	var task models.Task
	if err := s.db.Store().Get(id, &task); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}

func (s *TaskStorage) TasksByJob(ctx context.Context, jobID uint64) ([]*models.Task, error) {
	var tasks []models.Task
	if err := s.db.Store().Find(&tasks, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return nil, fmt.Errorf("failed to list tasks for job %d: %w", jobID, err)
	}
	sortByFrame(tasks)
	return toPointers(tasks), nil
}

func (s *TaskStorage) NonTerminalTasksByJob(ctx context.Context, jobID uint64) ([]*models.Task, error) {
	var tasks []models.Task
	query := badgerhold.Where("JobID").Eq(jobID).
		And("State").Ne(models.WorkStateDone).
		And("State").Ne(models.WorkStateFailed)
	if err := s.db.Store().Find(&tasks, query); err != nil {
		return nil, fmt.Errorf("failed to list non-terminal tasks for job %d: %w", jobID, err)
	}
	sortByFrame(tasks)
	return toPointers(tasks), nil
}

func (s *TaskStorage) NonTerminalTasksByAgent(ctx context.Context, agentID string) ([]*models.Task, error) {
	var tasks []models.Task
	query := badgerhold.Where("AgentID").Eq(agentID).
		And("State").Ne(models.WorkStateDone).
		And("State").Ne(models.WorkStateFailed)
	if err := s.db.Store().Find(&tasks, query); err != nil {
		return nil, fmt.Errorf("failed to list tasks for agent %s: %w", agentID, err)
	}
	sortByFrame(tasks)
	return toPointers(tasks), nil
}

func (s *TaskStorage) NonTerminalAssignedTasks(ctx context.Context) ([]*models.Task, error) {
	var tasks []models.Task
	query := badgerhold.Where("AgentID").Ne("").
		And("State").Ne(models.WorkStateDone).
		And("State").Ne(models.WorkStateFailed)
	if err := s.db.Store().Find(&tasks, query); err != nil {
		return nil, fmt.Errorf("failed to list assigned tasks: %w", err)
	}
	return toPointers(tasks), nil
}

// BatchableTasks returns the job's non-terminal tasks at the given priority
// that no reachable agent holds, ascending by frame. An assignment to an
// offline or disabled agent does not count as held, so work stranded on a
// dead agent comes back around for reassignment.
func (s *TaskStorage) BatchableTasks(ctx context.Context, jobID uint64, priority int, offlineAgents map[string]bool) ([]*models.Task, error) {
	var tasks []models.Task
	query := badgerhold.Where("JobID").Eq(jobID).
		And("State").Ne(models.WorkStateDone).
		And("State").Ne(models.WorkStateFailed).
		And("Priority").Eq(priority).
		And("Hidden").Eq(false)
	if err := s.db.Store().Find(&tasks, query); err != nil {
		return nil, fmt.Errorf("failed to list batchable tasks for job %d: %w", jobID, err)
	}

	eligible := tasks[:0]
	for _, t := range tasks {
		if t.AgentID == "" || offlineAgents[t.AgentID] {
			eligible = append(eligible, t)
		}
	}
	sortByFrame(eligible)
	return toPointers(eligible), nil
}

// ApplyStateChange routes a reported state transition through the lifecycle
// hooks and commits the rewritten task together with any job roll-up.
func (s *TaskStorage) ApplyStateChange(ctx context.Context, taskID uint64, state models.WorkState, lastError string) (*lifecycle.Result, error) {
	var result *lifecycle.Result

	err := s.db.Store().Badger().Update(func(tx *badgerdb.Txn) error {
		var before models.Task
		if err := s.db.Store().TxGet(tx, taskID, &before); err != nil {
			if err == badgerhold.ErrNotFound {
				return interfaces.ErrNotFound
			}
			return fmt.Errorf("failed to get task: %w", err)
		}

		after := before
		after.State = state
		if lastError != "" {
			after.LastError = lastError
		}

		var job *models.Job
		if before.JobID != 0 {
			var j models.Job
			if err := s.db.Store().TxGet(tx, before.JobID, &j); err == nil {
				job = &j
			} else if err != badgerhold.ErrNotFound {
				return fmt.Errorf("failed to get job %d: %w", before.JobID, err)
			}
		}

		var siblings []*models.Task
		if job != nil {
			var all []models.Task
			if err := s.db.Store().TxFind(tx, &all, badgerhold.Where("JobID").Eq(job.ID)); err != nil {
				return fmt.Errorf("failed to list sibling tasks: %w", err)
			}
			siblings = toPointers(all)
		}

		res := lifecycle.ApplyTaskChange(job, siblings, before, after, time.Now().UTC())

		if err := s.db.Store().TxUpdate(tx, taskID, &res.Task); err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}
		if res.Job != nil {
			if err := s.db.Store().TxUpdate(tx, res.Job.ID, res.Job); err != nil {
				return fmt.Errorf("failed to update job: %w", err)
			}
		}

		result = &res
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug().
		Int64("task_id", int64(taskID)).
		Str("state", string(result.Task.State)).
		Bool("job_completed", result.JobCompleted).
		Msg("Task state change applied")
	return result, nil
}

// AssignBatch sets the agent on every listed task and moves the owning job
// into running, all in one transaction. Attempt counting happens here, at
// assignment time, through the same hooks a state report uses.
func (s *TaskStorage) AssignBatch(ctx context.Context, jobID uint64, taskIDs []uint64, agentID string) error {
	now := time.Now().UTC()

	return s.db.Store().Badger().Update(func(tx *badgerdb.Txn) error {
		var job models.Job
		if err := s.db.Store().TxGet(tx, jobID, &job); err != nil {
			if err == badgerhold.ErrNotFound {
				return interfaces.ErrNotFound
			}
			return fmt.Errorf("failed to get job: %w", err)
		}

		for _, taskID := range taskIDs {
			var before models.Task
			if err := s.db.Store().TxGet(tx, taskID, &before); err != nil {
				if err == badgerhold.ErrNotFound {
					return interfaces.ErrNotFound
				}
				return fmt.Errorf("failed to get task %d: %w", taskID, err)
			}

			after := before
			after.AgentID = agentID

			res := lifecycle.ApplyTaskChange(&job, nil, before, after, now)
			if err := s.db.Store().TxUpdate(tx, taskID, &res.Task); err != nil {
				return fmt.Errorf("failed to update task %d: %w", taskID, err)
			}
		}

		if job.State == models.WorkStateQueued {
			job.State = models.WorkStateRunning
			if job.TimeStarted == nil {
				t := now
				job.TimeStarted = &t
			}
			if err := s.db.Store().TxUpdate(tx, jobID, &job); err != nil {
				return fmt.Errorf("failed to update job: %w", err)
			}
		}

		return nil
	})
}

// UnassignTasks clears the agent from the listed tasks. With cancelAttempt
// the attempt counted at assignment is rolled back; used when the agent
// refused the batch before starting any work.
func (s *TaskStorage) UnassignTasks(ctx context.Context, taskIDs []uint64, cancelAttempt bool) error {
	return s.db.Store().Badger().Update(func(tx *badgerdb.Txn) error {
		for _, taskID := range taskIDs {
			var task models.Task
			if err := s.db.Store().TxGet(tx, taskID, &task); err != nil {
				if err == badgerhold.ErrNotFound {
					continue
				}
				return fmt.Errorf("failed to get task %d: %w", taskID, err)
			}

			task.AgentID = ""
			if cancelAttempt && task.Attempts > 0 {
				task.Attempts--
			}
			if err := s.db.Store().TxUpdate(tx, taskID, &task); err != nil {
				return fmt.Errorf("failed to update task %d: %w", taskID, err)
			}
		}
		return nil
	})
}

func (s *TaskStorage) DeleteTask(ctx context.Context, id uint64) error {
	if err := s.db.Store().Delete(id, &models.Task{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

func (s *TaskStorage) CountTasksByJob(ctx context.Context, jobID uint64) (int, error) {
	count, err := s.db.Store().Count(&models.Task{}, badgerhold.Where("JobID").Eq(jobID))
	if err != nil {
		return 0, fmt.Errorf("failed to count tasks for job %d: %w", jobID, err)
	}
	return int(count), nil
}

func sortByFrame(tasks []models.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].Frame < tasks[j].Frame
	})
}
