package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/farmd/internal/lifecycle"
	"github.com/ternarybob/farmd/internal/models"
)

// Sentinel errors shared by every storage implementation. Handlers map these
// to HTTP status codes (404 and 409).
var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicateName = errors.New("duplicate name")
	ErrHasChildren   = errors.New("has children")
)

// AgentStorage persists agents.
type AgentStorage interface {
	// SaveAgent upserts by (hostname, port): posting the same pair twice
	// updates the existing agent and fills in its ID.
	SaveAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgents(ctx context.Context) ([]*models.Agent, error)
	AgentsByState(ctx context.Context, state models.AgentState) ([]*models.Agent, error)
	UpdateAgentState(ctx context.Context, id string, state models.AgentState) error
	DeleteAgent(ctx context.Context, id string) error
}

// JobListOptions filters job listings.
type JobListOptions struct {
	QueueID *uint64
	States  []models.WorkState
	Limit   int
	Offset  int
}

// JobStorage persists jobs.
type JobStorage interface {
	CreateJob(ctx context.Context, job *models.Job) error
	SaveJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uint64) (*models.Job, error)
	GetJobByTitle(ctx context.Context, title string) (*models.Job, error)
	GetJobs(ctx context.Context, ids []uint64) (map[uint64]*models.Job, error)
	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.Job, error)
	// ActiveJobs returns every job in queued or running state.
	ActiveJobs(ctx context.Context) ([]*models.Job, error)
	DeleteJob(ctx context.Context, id uint64) error
}

// TaskStorage persists tasks. All state and assignment mutations route
// through the lifecycle hooks and commit atomically with their side effects
// on the owning job.
type TaskStorage interface {
	CreateTasks(ctx context.Context, tasks []*models.Task) error
	GetTask(ctx context.Context, id uint64) (*models.Task, error)
	TasksByJob(ctx context.Context, jobID uint64) ([]*models.Task, error)
	NonTerminalTasksByJob(ctx context.Context, jobID uint64) ([]*models.Task, error)
	NonTerminalTasksByAgent(ctx context.Context, agentID string) ([]*models.Task, error)
	// NonTerminalAssignedTasks returns every non-terminal task with an agent
	// set, in one scan. The tree walker aggregates these into per-job
	// distinct agent counts.
	NonTerminalAssignedTasks(ctx context.Context) ([]*models.Task, error)
	// BatchableTasks returns the job's tasks eligible for batching at the
	// given priority, ordered by ascending frame. offlineAgents lists agents
	// whose assignments no longer count.
	BatchableTasks(ctx context.Context, jobID uint64, priority int, offlineAgents map[string]bool) ([]*models.Task, error)

	// ApplyStateChange persists a state transition through the lifecycle
	// hooks and returns the result, including any job roll-up.
	ApplyStateChange(ctx context.Context, taskID uint64, state models.WorkState, lastError string) (*lifecycle.Result, error)
	// AssignBatch sets the agent on every listed task (counting attempts)
	// and moves the job to running, in one transaction.
	AssignBatch(ctx context.Context, jobID uint64, taskIDs []uint64, agentID string) error
	// UnassignTasks clears the agent from the listed tasks. When
	// cancelAttempt is true the attempt counted at assignment is rolled
	// back, used when an agent refuses a batch it never started.
	UnassignTasks(ctx context.Context, taskIDs []uint64, cancelAttempt bool) error

	DeleteTask(ctx context.Context, id uint64) error
	CountTasksByJob(ctx context.Context, jobID uint64) (int, error)
}

// QueueStorage persists the job queue tree.
type QueueStorage interface {
	// CreateQueue fails with ErrDuplicateName when (parent, name) is taken,
	// including two roots of the same name.
	CreateQueue(ctx context.Context, queue *models.JobQueue) error
	SaveQueue(ctx context.Context, queue *models.JobQueue) error
	GetQueue(ctx context.Context, id uint64) (*models.JobQueue, error)
	ListQueues(ctx context.Context) ([]*models.JobQueue, error)
	// ChildQueues lists queues under the given parent; zero means top level.
	ChildQueues(ctx context.Context, parentID uint64) ([]*models.JobQueue, error)
	// DeleteQueue rejects queues that still have child queues or jobs.
	DeleteQueue(ctx context.Context, id uint64) error
	// RebuildFullPath recomputes the denormalized path for the queue and
	// every descendant.
	RebuildFullPath(ctx context.Context, id uint64) (string, error)
}

// JobTypeStorage persists job types and their versions.
type JobTypeStorage interface {
	CreateJobType(ctx context.Context, jt *models.JobType) error
	GetJobType(ctx context.Context, id uint64) (*models.JobType, error)
	GetJobTypeByName(ctx context.Context, name string) (*models.JobType, error)
	ListJobTypes(ctx context.Context) ([]*models.JobType, error)
	DeleteJobType(ctx context.Context, id uint64) error

	CreateVersion(ctx context.Context, v *models.JobTypeVersion) error
	GetVersion(ctx context.Context, id uint64) (*models.JobTypeVersion, error)
	VersionsByJobType(ctx context.Context, jobTypeID uint64) ([]*models.JobTypeVersion, error)
	LatestVersion(ctx context.Context, jobTypeID uint64) (*models.JobTypeVersion, error)
	ListVersions(ctx context.Context) ([]*models.JobTypeVersion, error)
}

// SoftwareStorage persists software and versions.
type SoftwareStorage interface {
	CreateSoftware(ctx context.Context, s *models.Software) error
	GetSoftware(ctx context.Context, id uint64) (*models.Software, error)
	GetSoftwareByName(ctx context.Context, name string) (*models.Software, error)
	ListSoftware(ctx context.Context) ([]*models.Software, error)
	DeleteSoftware(ctx context.Context, id uint64) error

	CreateSoftwareVersion(ctx context.Context, v *models.SoftwareVersion) error
	GetSoftwareVersion(ctx context.Context, id uint64) (*models.SoftwareVersion, error)
	GetSoftwareVersions(ctx context.Context, ids []uint64) (map[uint64]*models.SoftwareVersion, error)
	VersionsBySoftware(ctx context.Context, softwareID uint64) ([]*models.SoftwareVersion, error)
	DeleteSoftwareVersion(ctx context.Context, id uint64) error
}

// TagStorage persists tags.
type TagStorage interface {
	// EnsureTag returns the existing tag of that name or creates it.
	EnsureTag(ctx context.Context, name string) (*models.Tag, error)
	GetTag(ctx context.Context, id uint64) (*models.Tag, error)
	GetTagByName(ctx context.Context, name string) (*models.Tag, error)
	ListTags(ctx context.Context) ([]*models.Tag, error)
	DeleteTag(ctx context.Context, id uint64) error
}

// TaskLogStorage persists task log identifiers and their per-attempt
// associations.
type TaskLogStorage interface {
	CreateLog(ctx context.Context, log *models.TaskLog) error
	GetLogByIdentifier(ctx context.Context, identifier string) (*models.TaskLog, error)
	ListLogs(ctx context.Context) ([]*models.TaskLog, error)
	Associate(ctx context.Context, taskID uint64, attempt int, logID uint64) error
	AssociationsByTask(ctx context.Context, taskID uint64) ([]*models.TaskLogAssociation, error)
	DeleteAssociationsByTask(ctx context.Context, taskID uint64) error
	// OrphanLogs returns logs with no remaining associations.
	OrphanLogs(ctx context.Context) ([]*models.TaskLog, error)
	DeleteLog(ctx context.Context, id uint64) error
}

// StorageManager aggregates the entity storages over one store.
type StorageManager interface {
	AgentStorage() AgentStorage
	JobStorage() JobStorage
	TaskStorage() TaskStorage
	QueueStorage() QueueStorage
	JobTypeStorage() JobTypeStorage
	SoftwareStorage() SoftwareStorage
	TagStorage() TagStorage
	TaskLogStorage() TaskLogStorage
	Close() error
}
