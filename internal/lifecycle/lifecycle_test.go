package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/farmd/internal/models"
)

func testJob(requeue int) *models.Job {
	return &models.Job{ID: 1, Title: "render", State: models.WorkStateRunning, Requeue: requeue}
}

func TestAssignmentIncrementsAttempts(t *testing.T) {
	before := models.Task{ID: 10, JobID: 1, Attempts: 0}
	after := before
	after.AgentID = "agent-a"

	res := ApplyTaskChange(testJob(0), nil, before, after, time.Now())
	assert.Equal(t, 1, res.Task.Attempts)

	// Re-setting the same agent is not a new attempt.
	res = ApplyTaskChange(testJob(0), nil, res.Task, res.Task, time.Now())
	assert.Equal(t, 1, res.Task.Attempts)
}

func TestClearAgentDoesNotIncrementAttempts(t *testing.T) {
	before := models.Task{ID: 10, JobID: 1, AgentID: "agent-a", Attempts: 3}
	after := before
	after.AgentID = ""

	res := ApplyTaskChange(testJob(0), nil, before, after, time.Now())
	assert.Equal(t, 3, res.Task.Attempts)
}

func TestFailureWithinBudgetRequeues(t *testing.T) {
	job := testJob(2)
	before := models.Task{ID: 10, JobID: 1, AgentID: "agent-a", Attempts: 1,
		State: models.WorkStateRunning}
	after := before
	after.State = models.WorkStateFailed

	res := ApplyTaskChange(job, nil, before, after, time.Now())

	assert.Equal(t, models.WorkStateQueued, res.Task.State)
	assert.Empty(t, res.Task.AgentID)
	assert.Equal(t, 1, res.Task.Failures)
	assert.Nil(t, res.Task.TimeFinished)
	assert.Nil(t, res.Job)
}

func TestFailureBeyondBudgetSticks(t *testing.T) {
	job := testJob(2)
	before := models.Task{ID: 10, JobID: 1, AgentID: "agent-c", Attempts: 3,
		State: models.WorkStateRunning, Failures: 2}
	after := before
	after.State = models.WorkStateFailed

	res := ApplyTaskChange(job, nil, before, after, time.Now())

	assert.Equal(t, models.WorkStateFailed, res.Task.State)
	assert.Equal(t, 3, res.Task.Failures)
	require.NotNil(t, res.Task.TimeFinished)
	require.NotNil(t, res.Job)
	assert.Equal(t, models.WorkStateFailed, res.Job.State)
	assert.True(t, res.JobCompleted)
}

// Requeue flow end to end: a task with requeue=2 fails three times. The
// first two failures send it back to the queue with attempts 2 and 3 after
// reassignment; the third sticks.
func TestRequeueSequence(t *testing.T) {
	job := testJob(2)
	task := models.Task{ID: 10, JobID: 1}

	for round := 1; round <= 3; round++ {
		// Assignment bumps attempts.
		assigned := task
		assigned.AgentID = "agent-a"
		res := ApplyTaskChange(job, nil, task, assigned, time.Now())
		assert.Equal(t, round, res.Task.Attempts)
		task = res.Task

		running := task
		running.State = models.WorkStateRunning
		task = ApplyTaskChange(job, nil, task, running, time.Now()).Task

		failed := task
		failed.State = models.WorkStateFailed
		res = ApplyTaskChange(job, nil, task, failed, time.Now())
		task = res.Task

		assert.Equal(t, round, task.Failures)
		if round <= 2 {
			assert.Equal(t, models.WorkStateQueued, task.State)
			assert.Empty(t, task.AgentID)
		} else {
			assert.Equal(t, models.WorkStateFailed, task.State)
			require.NotNil(t, res.Job)
			assert.Equal(t, models.WorkStateFailed, res.Job.State)
		}
	}
}

func TestDoneClearsLastError(t *testing.T) {
	before := models.Task{ID: 10, JobID: 1, State: models.WorkStateRunning,
		LastError: "out of memory", Attempts: 1}
	after := before
	after.State = models.WorkStateDone

	res := ApplyTaskChange(testJob(0), nil, before, after, time.Now())
	assert.Empty(t, res.Task.LastError)
	require.NotNil(t, res.Task.TimeFinished)
}

func TestRollUpWaitsForSiblings(t *testing.T) {
	job := testJob(0)
	siblings := []*models.Task{
		{ID: 11, JobID: 1, State: models.WorkStateRunning},
	}
	before := models.Task{ID: 10, JobID: 1, State: models.WorkStateRunning, Attempts: 1}
	after := before
	after.State = models.WorkStateDone

	res := ApplyTaskChange(job, siblings, before, after, time.Now())
	assert.Nil(t, res.Job)
	assert.False(t, res.JobCompleted)
}

func TestRollUpDone(t *testing.T) {
	job := testJob(0)
	siblings := []*models.Task{
		{ID: 11, JobID: 1, State: models.WorkStateDone},
		{ID: 12, JobID: 1, State: models.WorkStateDone},
	}
	before := models.Task{ID: 10, JobID: 1, State: models.WorkStateRunning, Attempts: 1}
	after := before
	after.State = models.WorkStateDone

	res := ApplyTaskChange(job, siblings, before, after, time.Now())
	require.NotNil(t, res.Job)
	assert.Equal(t, models.WorkStateDone, res.Job.State)
	assert.True(t, res.JobCompleted)
	assert.NotNil(t, res.Job.TimeFinished)
}

func TestRollUpFailedSibling(t *testing.T) {
	job := testJob(0)
	siblings := []*models.Task{
		{ID: 11, JobID: 1, State: models.WorkStateFailed},
	}
	before := models.Task{ID: 10, JobID: 1, State: models.WorkStateRunning, Attempts: 1}
	after := before
	after.State = models.WorkStateDone

	res := ApplyTaskChange(job, siblings, before, after, time.Now())
	require.NotNil(t, res.Job)
	assert.Equal(t, models.WorkStateFailed, res.Job.State)
}

func TestTimestamps(t *testing.T) {
	now := time.Now()
	before := models.Task{ID: 10, JobID: 1}
	after := before
	after.AgentID = "agent-a"
	after.State = models.WorkStateRunning

	res := ApplyTaskChange(testJob(0), nil, before, after, now)
	require.NotNil(t, res.Task.TimeStarted)
	assert.Equal(t, now, *res.Task.TimeStarted)
	assert.Nil(t, res.Task.TimeFinished)
}
