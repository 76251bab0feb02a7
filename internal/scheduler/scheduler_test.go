package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/farmd/internal/common"
	"github.com/ternarybob/farmd/internal/dispatch"
	"github.com/ternarybob/farmd/internal/interfaces"
	"github.com/ternarybob/farmd/internal/models"
	badgerstore "github.com/ternarybob/farmd/internal/storage/badger"
)

func newTestStorage(t *testing.T) interfaces.StorageManager {
	t.Helper()
	manager, err := badgerstore.NewManager(arbor.NewLogger(), &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })
	return manager
}

func testConfig() *common.Config {
	cfg := common.DefaultConfig()
	cfg.Agents.RequestTimeout = "2s"
	cfg.Agents.MaxRetries = 1
	cfg.Agents.RetryBackoff = "1ms"
	return cfg
}

func intp(v int) *int { return &v }

func onlineAgent(t *testing.T, storage interfaces.StorageManager, hostname string, port int, ram int64) *models.Agent {
	t.Helper()
	agent := &models.Agent{
		Hostname: hostname,
		Port:     port,
		CPUs:     8,
		RAM:      ram,
		FreeRAM:  ram,
		State:    models.AgentStateOnline,
	}
	require.NoError(t, storage.AgentStorage().SaveAgent(context.Background(), agent))
	return agent
}

func TestFairnessScoreFallbacks(t *testing.T) {
	queued := &Node{Job: &models.Job{Weight: 0}, TotalAssigned: 0}
	// Zero total assigned: assigned ratio falls back to zero.
	assert.Equal(t, 0.0, fairnessScore(queued, 0, 10))

	// Zero weight: weight ratio falls back to one, score is the plain share.
	loaded := &Node{Job: &models.Job{Weight: 0}, TotalAssigned: 2}
	assert.Equal(t, 0.5, fairnessScore(loaded, 4, 10))

	// Weighted item: share divided by weight share.
	weighted := &Node{Job: &models.Job{Weight: 5}, TotalAssigned: 2}
	assert.Equal(t, 1.0, fairnessScore(weighted, 4, 10))
}

func TestFormBatchContiguousFractionalStep(t *testing.T) {
	job := &models.Job{Batch: 10, By: 0.5}
	jtv := &models.JobTypeVersion{BatchContiguous: true, MaxBatch: 10}
	tasks := []*models.Task{
		{ID: 1, Frame: 1.0},
		{ID: 2, Frame: 1.5},
		{ID: 3, Frame: 2.0},
		{ID: 4, Frame: 3.0},
	}

	batch := FormBatch(tasks, job, jtv)
	require.Len(t, batch, 3)
	assert.Equal(t, 2.0, batch[2].Frame)

	// Without contiguity the gap does not stop the batch.
	jtv.BatchContiguous = false
	batch = FormBatch(tasks, job, jtv)
	assert.Len(t, batch, 4)
}

func TestFormBatchHonorsLimits(t *testing.T) {
	tasks := []*models.Task{{Frame: 1}, {Frame: 2}, {Frame: 3}}

	batch := FormBatch(tasks, &models.Job{Batch: 2, By: 1}, nil)
	assert.Len(t, batch, 2)

	// The job type's max batch caps the job's own setting.
	batch = FormBatch(tasks, &models.Job{Batch: 3, By: 1}, &models.JobTypeVersion{MaxBatch: 1})
	assert.Len(t, batch, 1)

	// Batch zero still sends one task.
	batch = FormBatch(tasks, &models.Job{By: 1}, nil)
	assert.Len(t, batch, 1)
}

func TestAgentLockSteal(t *testing.T) {
	locks := NewAgentLocks(20 * time.Millisecond)
	require.True(t, locks.TryLock("a1"))
	assert.False(t, locks.TryLock("a1"))
	assert.True(t, locks.TryLock("a2"))

	time.Sleep(30 * time.Millisecond)
	assert.True(t, locks.TryLock("a1"), "stale lock should be stolen")

	locks.Unlock("a2")
	assert.True(t, locks.TryLock("a2"))
}

func TestTreeCountsDistinctAgentsAcrossJobs(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	q := &models.JobQueue{Name: "q"}
	require.NoError(t, storage.QueueStorage().CreateQueue(ctx, q))

	j1 := &models.Job{Title: "j1", QueueID: q.ID, State: models.WorkStateRunning}
	require.NoError(t, storage.JobStorage().CreateJob(ctx, j1))
	j2 := &models.Job{Title: "j2", QueueID: q.ID, State: models.WorkStateRunning}
	require.NoError(t, storage.JobStorage().CreateJob(ctx, j2))

	agent := onlineAgent(t, storage, "render01", 50000, 2048)

	// One agent holds tasks of both jobs under the same queue.
	t1 := &models.Task{JobID: j1.ID, Frame: 1}
	require.NoError(t, storage.TaskStorage().CreateTasks(ctx, []*models.Task{t1}))
	require.NoError(t, storage.TaskStorage().AssignBatch(ctx, j1.ID, []uint64{t1.ID}, agent.ID))
	t2 := &models.Task{JobID: j2.ID, Frame: 1}
	require.NoError(t, storage.TaskStorage().CreateTasks(ctx, []*models.Task{t2}))
	require.NoError(t, storage.TaskStorage().AssignBatch(ctx, j2.ID, []uint64{t2.ID}, agent.ID))

	tree, err := ReadSubtree(ctx, storage, nil)
	require.NoError(t, err)

	require.Len(t, tree.Root.Branches, 1)
	queueNode := tree.Root.Branches[0]
	require.NotNil(t, queueNode.Queue)

	for _, br := range queueNode.Branches {
		assert.Equal(t, 1, br.TotalAssigned)
	}
	assert.Equal(t, 1, queueNode.TotalAssigned, "one agent counts once however many jobs it serves")
	assert.Equal(t, 1, tree.Root.TotalAssigned)
}

func TestPriorityBeatsWeight(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	q1 := &models.JobQueue{Name: "q1", Priority: 10, Weight: 1}
	require.NoError(t, storage.QueueStorage().CreateQueue(ctx, q1))
	q2 := &models.JobQueue{Name: "q2", Priority: 5, Weight: 10}
	require.NoError(t, storage.QueueStorage().CreateQueue(ctx, q2))

	j1 := &models.Job{Title: "j1", QueueID: q1.ID, State: models.WorkStateRunning, Weight: 1}
	require.NoError(t, storage.JobStorage().CreateJob(ctx, j1))
	j2 := &models.Job{Title: "j2", QueueID: q2.ID, State: models.WorkStateRunning, Weight: 1}
	require.NoError(t, storage.JobStorage().CreateJob(ctx, j2))

	agent := onlineAgent(t, storage, "render01", 50000, 2048)

	tree, err := ReadSubtree(ctx, storage, nil)
	require.NoError(t, err)

	matcher := NewMatcher(storage, arbor.NewLogger())
	matcher.PreferRunningJobs = true
	found, err := matcher.GetJobForAgent(ctx, tree, tree.Root, agent, nil)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, j1.ID, found.Job.ID, "higher priority queue wins regardless of weight")
}

func TestMinimumOverridesPriority(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	q := &models.JobQueue{Name: "q"}
	require.NoError(t, storage.QueueStorage().CreateQueue(ctx, q))

	j1 := &models.Job{Title: "j1", QueueID: q.ID, State: models.WorkStateRunning, Priority: 1, MinimumAgents: intp(2)}
	require.NoError(t, storage.JobStorage().CreateJob(ctx, j1))
	j2 := &models.Job{Title: "j2", QueueID: q.ID, State: models.WorkStateRunning, Priority: 10}
	require.NoError(t, storage.JobStorage().CreateJob(ctx, j2))

	agent := onlineAgent(t, storage, "render01", 50000, 2048)

	tree, err := ReadSubtree(ctx, storage, nil)
	require.NoError(t, err)

	matcher := NewMatcher(storage, arbor.NewLogger())
	matcher.PreferRunningJobs = true

	// Both available agents land on the under-minimum job despite its low
	// priority.
	for placement := 0; placement < 2; placement++ {
		found, err := matcher.GetJobForAgent(ctx, tree, tree.Root, agent, nil)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, j1.ID, found.Job.ID)
		found.TotalAssigned++
	}

	// With the minimum satisfied, priority takes over.
	found, err := matcher.GetJobForAgent(ctx, tree, tree.Root, agent, nil)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, j2.ID, found.Job.ID)
}

func TestMatcherRAMAndSoftwareFilters(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	sw := &models.Software{Software: "blender"}
	require.NoError(t, storage.SoftwareStorage().CreateSoftware(ctx, sw))
	v10 := &models.SoftwareVersion{SoftwareID: sw.ID, Version: "1.0"}
	require.NoError(t, storage.SoftwareStorage().CreateSoftwareVersion(ctx, v10))
	v20 := &models.SoftwareVersion{SoftwareID: sw.ID, Version: "2.0"}
	require.NoError(t, storage.SoftwareStorage().CreateSoftwareVersion(ctx, v20))

	heavy := &models.Job{Title: "heavy", RAM: 4096, State: models.WorkStateQueued}
	require.NoError(t, storage.JobStorage().CreateJob(ctx, heavy))
	needsV2 := &models.Job{
		Title: "needs-v2",
		State: models.WorkStateQueued,
		SoftwareRequirements: []models.SoftwareRequirement{
			{SoftwareID: sw.ID, MinVersionID: &v20.ID},
		},
	}
	require.NoError(t, storage.JobStorage().CreateJob(ctx, needsV2))
	fits := &models.Job{
		Title: "fits",
		RAM:   512,
		State: models.WorkStateQueued,
		SoftwareRequirements: []models.SoftwareRequirement{
			{SoftwareID: sw.ID, MinVersionID: &v10.ID, MaxVersionID: &v10.ID},
		},
	}
	require.NoError(t, storage.JobStorage().CreateJob(ctx, fits))

	agent := &models.Agent{
		Hostname:           "render01",
		Port:               50000,
		RAM:                2048,
		FreeRAM:            2048,
		State:              models.AgentStateOnline,
		SoftwareVersionIDs: []uint64{v10.ID},
	}
	require.NoError(t, storage.AgentStorage().SaveAgent(ctx, agent))

	tree, err := ReadSubtree(ctx, storage, nil)
	require.NoError(t, err)

	matcher := NewMatcher(storage, arbor.NewLogger())
	found, err := matcher.GetJobForAgent(ctx, tree, tree.Root, agent, nil)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, fits.ID, found.Job.ID)
}

func TestParentJobsGateChildren(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	parent := &models.Job{Title: "parent", State: models.WorkStateRunning}
	require.NoError(t, storage.JobStorage().CreateJob(ctx, parent))
	child := &models.Job{Title: "child", State: models.WorkStateQueued, ParentIDs: []uint64{parent.ID}}
	require.NoError(t, storage.JobStorage().CreateJob(ctx, child))

	agent := onlineAgent(t, storage, "render01", 50000, 2048)

	tree, err := ReadSubtree(ctx, storage, nil)
	require.NoError(t, err)
	matcher := NewMatcher(storage, arbor.NewLogger())
	matcher.PreferRunningJobs = true

	found, err := matcher.GetJobForAgent(ctx, tree, tree.Root, agent, nil)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, parent.ID, found.Job.ID, "child must wait for its parent")

	parent.State = models.WorkStateDone
	require.NoError(t, storage.JobStorage().SaveJob(ctx, parent))

	tree, err = ReadSubtree(ctx, storage, nil)
	require.NoError(t, err)
	found, err = matcher.GetJobForAgent(ctx, tree, tree.Root, agent, nil)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, child.ID, found.Job.ID)
}

func TestAllocatorWeightProportionalSplit(t *testing.T) {
	// Two running jobs, weights 3:1, three agents per tick over 12 ticks.
	assignedA, assignedB := 0, 0

	for tick := 0; tick < 12; tick++ {
		a := &Node{Job: &models.Job{ID: 1, State: models.WorkStateRunning, Weight: 3}, TotalAssigned: assignedA, CanUseMore: true}
		b := &Node{Job: &models.Job{ID: 2, State: models.WorkStateRunning, Weight: 1}, TotalAssigned: assignedB, CanUseMore: true}
		root := &Node{Branches: []*Node{a, b}, TotalAssigned: assignedA + assignedB, CanUseMore: true}

		assign := func(ctx context.Context, job *Node) (bool, error) {
			if job.Job.ID == 1 {
				assignedA++
			} else {
				assignedB++
			}
			return true, nil
		}

		placed, err := AssignAgentsToQueue(context.Background(), root, 3, assign)
		require.NoError(t, err)
		assert.Equal(t, 3, placed)
	}

	assert.InDelta(t, 27, assignedA, 1)
	assert.InDelta(t, 9, assignedB, 1)
}

func TestAllocatorMinimaFirst(t *testing.T) {
	low := &Node{Job: &models.Job{ID: 1, State: models.WorkStateRunning, Priority: 1, MinimumAgents: intp(2)}, CanUseMore: true}
	high := &Node{Job: &models.Job{ID: 2, State: models.WorkStateRunning, Priority: 10}, CanUseMore: true}
	root := &Node{Branches: []*Node{high, low}, CanUseMore: true}

	var order []uint64
	assign := func(ctx context.Context, job *Node) (bool, error) {
		order = append(order, job.Job.ID)
		return true, nil
	}

	placed, err := AssignAgentsToQueue(context.Background(), root, 2, assign)
	require.NoError(t, err)
	assert.Equal(t, 2, placed)
	assert.Equal(t, []uint64{1, 1}, order, "both agents satisfy the minimum before priority applies")
}

func TestAllocatorLatchesCanUseMore(t *testing.T) {
	job := &Node{Job: &models.Job{ID: 1, State: models.WorkStateRunning}, CanUseMore: true}
	root := &Node{Branches: []*Node{job}, CanUseMore: true}

	assign := func(ctx context.Context, n *Node) (bool, error) { return false, nil }

	placed, err := AssignAgentsToQueue(context.Background(), root, 3, assign)
	require.NoError(t, err)
	assert.Equal(t, 0, placed)
	assert.False(t, job.CanUseMore)
	assert.False(t, root.CanUseMore)
}

func TestBasicMatchEndToEnd(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	var received []interfaces.AssignMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg interfaces.AssignMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		received = append(received, msg)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	sw := &models.Software{Software: "foo"}
	require.NoError(t, storage.SoftwareStorage().CreateSoftware(ctx, sw))
	v10 := &models.SoftwareVersion{SoftwareID: sw.ID, Version: "1.0"}
	require.NoError(t, storage.SoftwareStorage().CreateSoftwareVersion(ctx, v10))
	v11 := &models.SoftwareVersion{SoftwareID: sw.ID, Version: "1.1"}
	require.NoError(t, storage.SoftwareStorage().CreateSoftwareVersion(ctx, v11))

	jt := &models.JobType{Name: "TJT"}
	require.NoError(t, storage.JobTypeStorage().CreateJobType(ctx, jt))
	jtv := &models.JobTypeVersion{
		JobTypeID:       jt.ID,
		MaxBatch:        2,
		BatchContiguous: true,
		SoftwareRequirements: []models.SoftwareRequirement{
			{SoftwareID: sw.ID, MinVersionID: &v10.ID, MaxVersionID: &v11.ID},
		},
	}
	require.NoError(t, storage.JobTypeStorage().CreateVersion(ctx, jtv))

	job := &models.Job{
		Title:            "J",
		JobTypeVersionID: jtv.ID,
		RAM:              32,
		Batch:            2,
		By:               1.0,
	}
	require.NoError(t, storage.JobStorage().CreateJob(ctx, job))
	tasks := []*models.Task{
		{JobID: job.ID, Frame: 1.0},
		{JobID: job.ID, Frame: 2.0},
	}
	require.NoError(t, storage.TaskStorage().CreateTasks(ctx, tasks))

	agent := &models.Agent{
		Hostname:           u.Hostname(),
		Port:               port,
		CPUs:               8,
		RAM:                2048,
		FreeRAM:            2048,
		State:              models.AgentStateOnline,
		SoftwareVersionIDs: []uint64{v10.ID},
	}
	require.NoError(t, storage.AgentStorage().SaveAgent(ctx, agent))

	cfg := testConfig()
	client := dispatch.NewClient(&cfg.Agents, arbor.NewLogger())
	dispatcher := dispatch.NewDispatcher(storage, client, nil, arbor.NewLogger())
	service := NewService(storage, dispatcher, client, nil, cfg, arbor.NewLogger())

	require.NoError(t, service.Tick(ctx))

	require.Len(t, received, 1, "both tasks arrive in one /assign")
	assert.Equal(t, job.ID, received[0].Job.ID)
	assert.Equal(t, "TJT", received[0].JobType.Name)
	require.Len(t, received[0].Tasks, 2)

	got, err := storage.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkStateRunning, got.State)

	for _, task := range tasks {
		reloaded, err := storage.TaskStorage().GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, agent.ID, reloaded.AgentID)
		assert.Equal(t, 1, reloaded.Attempts)
	}
}

func TestRefusedBatchGetsReassigned(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	// First agent refuses, second accepts.
	refusing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer refusing.Close()
	var accepted []interfaces.AssignMessage
	accepting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg interfaces.AssignMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		accepted = append(accepted, msg)
		w.WriteHeader(http.StatusOK)
	}))
	defer accepting.Close()

	job := &models.Job{Title: "J", Batch: 3, By: 1}
	require.NoError(t, storage.JobStorage().CreateJob(ctx, job))
	tasks := []*models.Task{
		{JobID: job.ID, Frame: 1},
		{JobID: job.ID, Frame: 2},
		{JobID: job.ID, Frame: 3},
	}
	require.NoError(t, storage.TaskStorage().CreateTasks(ctx, tasks))

	serverAgent := func(serverURL string) *models.Agent {
		u, err := url.Parse(serverURL)
		require.NoError(t, err)
		port, err := strconv.Atoi(u.Port())
		require.NoError(t, err)
		return &models.Agent{Hostname: u.Hostname(), Port: port, RAM: 1024, FreeRAM: 1024, State: models.AgentStateOnline}
	}

	bad := serverAgent(refusing.URL)
	require.NoError(t, storage.AgentStorage().SaveAgent(ctx, bad))

	cfg := testConfig()
	client := dispatch.NewClient(&cfg.Agents, arbor.NewLogger())
	dispatcher := dispatch.NewDispatcher(storage, client, nil, arbor.NewLogger())
	service := NewService(storage, dispatcher, client, nil, cfg, arbor.NewLogger())

	require.NoError(t, service.Tick(ctx))

	got, err := storage.AgentStorage().GetAgent(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStateOffline, got.State)

	// A later tick with a healthy agent picks the work back up.
	good := serverAgent(accepting.URL)
	require.NoError(t, storage.AgentStorage().SaveAgent(ctx, good))
	require.NoError(t, service.Tick(ctx))

	require.Len(t, accepted, 1)
	require.Len(t, accepted[0].Tasks, 3)
	for _, task := range tasks {
		reloaded, err := storage.TaskStorage().GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, good.ID, reloaded.AgentID)
		assert.Equal(t, 1, reloaded.Attempts, "refused attempt was cancelled")
	}
}
