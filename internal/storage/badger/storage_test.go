package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/farmd/internal/interfaces"
	"github.com/ternarybob/farmd/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

func newTestDB(t *testing.T) *BadgerDB {
	t.Helper()

	options := badgerhold.DefaultOptions
	options.Dir = t.TempDir()
	options.ValueDir = options.Dir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &BadgerDB{store: store, logger: arbor.NewLogger()}
}

func TestAgentRegistrationUpserts(t *testing.T) {
	db := newTestDB(t)
	storage := NewAgentStorage(db, arbor.NewLogger())
	ctx := context.Background()

	first := &models.Agent{Hostname: "render01", Port: 50000, CPUs: 8, RAM: 16384, State: models.AgentStateOnline}
	require.NoError(t, storage.SaveAgent(ctx, first))
	require.NotEmpty(t, first.ID)

	// Same (hostname, port) again: updates in place, keeps the ID.
	second := &models.Agent{Hostname: "render01", Port: 50000, CPUs: 16, RAM: 32768, State: models.AgentStateOnline}
	require.NoError(t, storage.SaveAgent(ctx, second))
	assert.Equal(t, first.ID, second.ID)

	agents, err := storage.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, 16, agents[0].CPUs)

	// Different port on the same host is a different agent.
	third := &models.Agent{Hostname: "render01", Port: 50001, State: models.AgentStateOnline}
	require.NoError(t, storage.SaveAgent(ctx, third))
	assert.NotEqual(t, first.ID, third.ID)

	agents, err = storage.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 2)
}

func TestCreateAssignsPersistentIDs(t *testing.T) {
	db := newTestDB(t)
	jobs := NewJobStorage(db, arbor.NewLogger())
	queues := NewQueueStorage(db, arbor.NewLogger())
	ctx := context.Background()

	first := &models.Job{Title: "first"}
	require.NoError(t, jobs.CreateJob(ctx, first))
	second := &models.Job{Title: "second"}
	require.NoError(t, jobs.CreateJob(ctx, second))

	assert.Equal(t, uint64(1), first.ID)
	assert.Equal(t, uint64(2), second.ID)

	// The persisted record carries the ID, not just the in-memory struct.
	got, err := jobs.GetJob(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
	assert.Equal(t, "second", got.Title)

	listed, err := jobs.ListJobs(ctx, nil)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "first", listed[0].Title)

	// Counters are per kind: the first queue also starts at one.
	q := &models.JobQueue{Name: "q"}
	require.NoError(t, queues.CreateQueue(ctx, q))
	assert.Equal(t, uint64(1), q.ID)
}

func TestEnsureTagIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	storage := NewTagStorage(db, arbor.NewLogger())
	ctx := context.Background()

	first, err := storage.EnsureTag(ctx, "gpu")
	require.NoError(t, err)

	second, err := storage.EnsureTag(ctx, "gpu")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	tags, err := storage.ListTags(ctx)
	require.NoError(t, err)
	assert.Len(t, tags, 1)
}

func TestQueueDuplicateNames(t *testing.T) {
	db := newTestDB(t)
	storage := NewQueueStorage(db, arbor.NewLogger())
	ctx := context.Background()

	root := &models.JobQueue{Name: "production", Weight: 10}
	require.NoError(t, storage.CreateQueue(ctx, root))

	// A second top level queue of the same name is rejected.
	err := storage.CreateQueue(ctx, &models.JobQueue{Name: "production"})
	assert.ErrorIs(t, err, interfaces.ErrDuplicateName)

	// The same name under a parent is fine.
	child := &models.JobQueue{Name: "production", ParentID: root.ID}
	require.NoError(t, storage.CreateQueue(ctx, child))

	// But not twice under the same parent.
	err = storage.CreateQueue(ctx, &models.JobQueue{Name: "production", ParentID: root.ID})
	assert.ErrorIs(t, err, interfaces.ErrDuplicateName)
}

func TestQueueDeleteRejectsNonEmpty(t *testing.T) {
	db := newTestDB(t)
	storage := NewQueueStorage(db, arbor.NewLogger())
	jobs := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	parent := &models.JobQueue{Name: "parent"}
	require.NoError(t, storage.CreateQueue(ctx, parent))
	child := &models.JobQueue{Name: "child", ParentID: parent.ID}
	require.NoError(t, storage.CreateQueue(ctx, child))

	assert.ErrorIs(t, storage.DeleteQueue(ctx, parent.ID), interfaces.ErrHasChildren)

	job := &models.Job{Title: "render", QueueID: child.ID}
	require.NoError(t, jobs.CreateJob(ctx, job))
	assert.ErrorIs(t, storage.DeleteQueue(ctx, child.ID), interfaces.ErrHasChildren)

	require.NoError(t, jobs.DeleteJob(ctx, job.ID))
	require.NoError(t, storage.DeleteQueue(ctx, child.ID))
	require.NoError(t, storage.DeleteQueue(ctx, parent.ID))
}

func TestQueueFullPath(t *testing.T) {
	db := newTestDB(t)
	storage := NewQueueStorage(db, arbor.NewLogger())
	ctx := context.Background()

	top := &models.JobQueue{Name: "studio"}
	require.NoError(t, storage.CreateQueue(ctx, top))
	mid := &models.JobQueue{Name: "show", ParentID: top.ID}
	require.NoError(t, storage.CreateQueue(ctx, mid))
	leaf := &models.JobQueue{Name: "shot", ParentID: mid.ID}
	require.NoError(t, storage.CreateQueue(ctx, leaf))

	path, err := storage.RebuildFullPath(ctx, top.ID)
	require.NoError(t, err)
	assert.Equal(t, "/studio", path)

	got, err := storage.GetQueue(ctx, leaf.ID)
	require.NoError(t, err)
	assert.Equal(t, "/studio/show/shot", got.FullPath)
}

func TestRequeueThenPermanentFailure(t *testing.T) {
	db := newTestDB(t)
	jobs := NewJobStorage(db, arbor.NewLogger())
	tasks := NewTaskStorage(db, arbor.NewLogger())
	ctx := context.Background()

	job := &models.Job{Title: "flaky", Requeue: 2}
	require.NoError(t, jobs.CreateJob(ctx, job))
	task := &models.Task{JobID: job.ID, Frame: 1}
	require.NoError(t, tasks.CreateTasks(ctx, []*models.Task{task}))

	// Two failures within the retry budget return the task to the queue.
	for round := 1; round <= 2; round++ {
		require.NoError(t, tasks.AssignBatch(ctx, job.ID, []uint64{task.ID}, "agent-1"))

		res, err := tasks.ApplyStateChange(ctx, task.ID, models.WorkStateFailed, "render error")
		require.NoError(t, err)
		assert.Equal(t, models.WorkStateQueued, res.Task.State, "round %d", round)
		assert.Empty(t, res.Task.AgentID)
		assert.Equal(t, round, res.Task.Attempts)
		assert.Equal(t, round, res.Task.Failures)
		assert.Nil(t, res.Job)
	}

	// The third failure exceeds the budget and sticks, failing the job.
	require.NoError(t, tasks.AssignBatch(ctx, job.ID, []uint64{task.ID}, "agent-2"))
	res, err := tasks.ApplyStateChange(ctx, task.ID, models.WorkStateFailed, "render error")
	require.NoError(t, err)
	assert.Equal(t, models.WorkStateFailed, res.Task.State)
	assert.Equal(t, 3, res.Task.Attempts)
	assert.Equal(t, 3, res.Task.Failures)
	require.NotNil(t, res.Job)
	assert.Equal(t, models.WorkStateFailed, res.Job.State)
	assert.True(t, res.JobCompleted)

	got, err := jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkStateFailed, got.State)
}

func TestAssignBatchStartsJob(t *testing.T) {
	db := newTestDB(t)
	jobs := NewJobStorage(db, arbor.NewLogger())
	tasks := NewTaskStorage(db, arbor.NewLogger())
	ctx := context.Background()

	job := &models.Job{Title: "render"}
	require.NoError(t, jobs.CreateJob(ctx, job))
	t1 := &models.Task{JobID: job.ID, Frame: 1}
	t2 := &models.Task{JobID: job.ID, Frame: 2}
	require.NoError(t, tasks.CreateTasks(ctx, []*models.Task{t1, t2}))

	require.NoError(t, tasks.AssignBatch(ctx, job.ID, []uint64{t1.ID, t2.ID}, "agent-1"))

	got, err := jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkStateRunning, got.State)
	require.NotNil(t, got.TimeStarted)

	task, err := tasks.GetTask(ctx, t1.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", task.AgentID)
	assert.Equal(t, 1, task.Attempts)
	// Assignment alone does not start the task; the agent reports that.
	assert.Equal(t, models.WorkStateQueued, task.State)
}

func TestUnassignCancelsAttempt(t *testing.T) {
	db := newTestDB(t)
	jobs := NewJobStorage(db, arbor.NewLogger())
	tasks := NewTaskStorage(db, arbor.NewLogger())
	ctx := context.Background()

	job := &models.Job{Title: "render"}
	require.NoError(t, jobs.CreateJob(ctx, job))
	task := &models.Task{JobID: job.ID, Frame: 1}
	require.NoError(t, tasks.CreateTasks(ctx, []*models.Task{task}))

	require.NoError(t, tasks.AssignBatch(ctx, job.ID, []uint64{task.ID}, "agent-1"))
	require.NoError(t, tasks.UnassignTasks(ctx, []uint64{task.ID}, true))

	got, err := tasks.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, got.AgentID)
	assert.Equal(t, 0, got.Attempts)
}

func TestJobRollUpDone(t *testing.T) {
	db := newTestDB(t)
	jobs := NewJobStorage(db, arbor.NewLogger())
	tasks := NewTaskStorage(db, arbor.NewLogger())
	ctx := context.Background()

	job := &models.Job{Title: "render", State: models.WorkStateRunning}
	require.NoError(t, jobs.CreateJob(ctx, job))
	t1 := &models.Task{JobID: job.ID, Frame: 1}
	t2 := &models.Task{JobID: job.ID, Frame: 2}
	require.NoError(t, tasks.CreateTasks(ctx, []*models.Task{t1, t2}))

	res, err := tasks.ApplyStateChange(ctx, t1.ID, models.WorkStateDone, "")
	require.NoError(t, err)
	assert.Nil(t, res.Job, "job must wait for the second task")

	res, err = tasks.ApplyStateChange(ctx, t2.ID, models.WorkStateDone, "")
	require.NoError(t, err)
	require.NotNil(t, res.Job)
	assert.Equal(t, models.WorkStateDone, res.Job.State)
	assert.True(t, res.JobCompleted)

	got, err := jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkStateDone, got.State)
	assert.NotNil(t, got.TimeFinished)
}

func TestBatchableTasksSkipsHeldFrames(t *testing.T) {
	db := newTestDB(t)
	jobs := NewJobStorage(db, arbor.NewLogger())
	tasks := NewTaskStorage(db, arbor.NewLogger())
	ctx := context.Background()

	job := &models.Job{Title: "render"}
	require.NoError(t, jobs.CreateJob(ctx, job))

	free := &models.Task{JobID: job.ID, Frame: 1}
	held := &models.Task{JobID: job.ID, Frame: 2, AgentID: "agent-live"}
	stale := &models.Task{JobID: job.ID, Frame: 3, AgentID: "agent-dead"}
	require.NoError(t, tasks.CreateTasks(ctx, []*models.Task{free, held, stale}))

	got, err := tasks.BatchableTasks(ctx, job.ID, 0, map[string]bool{"agent-dead": true})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1.0, got[0].Frame)
	assert.Equal(t, 3.0, got[1].Frame)
}

func TestBatchableTasksReclaimsStrandedWork(t *testing.T) {
	db := newTestDB(t)
	jobs := NewJobStorage(db, arbor.NewLogger())
	tasks := NewTaskStorage(db, arbor.NewLogger())
	ctx := context.Background()

	job := &models.Job{Title: "render", State: models.WorkStateRunning}
	require.NoError(t, jobs.CreateJob(ctx, job))

	task := &models.Task{JobID: job.ID, Frame: 1}
	finished := &models.Task{JobID: job.ID, Frame: 2}
	require.NoError(t, tasks.CreateTasks(ctx, []*models.Task{task, finished}))

	require.NoError(t, tasks.AssignBatch(ctx, job.ID, []uint64{task.ID, finished.ID}, "agent-dead"))
	_, err := tasks.ApplyStateChange(ctx, task.ID, models.WorkStateRunning, "")
	require.NoError(t, err)
	_, err = tasks.ApplyStateChange(ctx, finished.ID, models.WorkStateDone, "")
	require.NoError(t, err)

	// While the agent is reachable its running task stays held.
	got, err := tasks.BatchableTasks(ctx, job.ID, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	// Once the agent goes dark the running task comes back up for grabs;
	// the completed one stays finished.
	got, err = tasks.BatchableTasks(ctx, job.ID, 0, map[string]bool{"agent-dead": true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, task.ID, got[0].ID)
	assert.Equal(t, models.WorkStateRunning, got[0].State)
}

func TestSoftwareVersionRanks(t *testing.T) {
	db := newTestDB(t)
	storage := NewSoftwareStorage(db, arbor.NewLogger())
	ctx := context.Background()

	sw := &models.Software{Software: "blender"}
	require.NoError(t, storage.CreateSoftware(ctx, sw))
	assert.ErrorIs(t, storage.CreateSoftware(ctx, &models.Software{Software: "blender"}), interfaces.ErrDuplicateName)

	v1 := &models.SoftwareVersion{SoftwareID: sw.ID, Version: "3.6"}
	require.NoError(t, storage.CreateSoftwareVersion(ctx, v1))
	assert.Equal(t, 100, v1.Rank)

	v2 := &models.SoftwareVersion{SoftwareID: sw.ID, Version: "4.0"}
	require.NoError(t, storage.CreateSoftwareVersion(ctx, v2))
	assert.Equal(t, 200, v2.Rank)

	versions, err := storage.VersionsBySoftware(ctx, sw.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "3.6", versions[0].Version)
}

func TestOrphanLogs(t *testing.T) {
	db := newTestDB(t)
	storage := NewTaskLogStorage(db, arbor.NewLogger())
	ctx := context.Background()

	linked := &models.TaskLog{Identifier: "log_linked"}
	orphan := &models.TaskLog{Identifier: "log_orphan"}
	require.NoError(t, storage.CreateLog(ctx, linked))
	require.NoError(t, storage.CreateLog(ctx, orphan))
	require.NoError(t, storage.Associate(ctx, 7, 1, linked.ID))

	orphans, err := storage.OrphanLogs(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "log_orphan", orphans[0].Identifier)

	require.NoError(t, storage.DeleteAssociationsByTask(ctx, 7))
	orphans, err = storage.OrphanLogs(ctx)
	require.NoError(t, err)
	assert.Len(t, orphans, 2)
}
