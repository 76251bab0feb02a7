// Package lifecycle implements the task state-change hook sequence. All task
// mutations go through ApplyTaskChange so the consequences of a change
// (attempt counting, requeue-on-failure, job roll-up) are computed in one
// place and can be committed atomically with the triggering change.
package lifecycle

import (
	"time"

	"github.com/ternarybob/farmd/internal/models"
)

// Result is the outcome of applying a task change. Task is the record to
// persist in place of the proposed change; Job is non-nil when the owning job
// record changed too and must be persisted in the same transaction.
type Result struct {
	Task models.Task
	Job  *models.Job

	// JobCompleted is true when the job just reached a terminal state and a
	// completion notification should be scheduled.
	JobCompleted bool
}

// ApplyTaskChange runs the hook sequence for a proposed task mutation.
// before is the persisted record, after the proposed one. siblings are the
// other tasks of the same job, used for the completion roll-up. job may be
// nil for detached tasks; every job-related hook is skipped then.
//
// The hooks run in a fixed order: error clearing, timestamps, failure
// counting, attempt counting, requeue cancellation, job roll-up. Requeue
// cancellation may rewrite the state change itself: a failure within the
// retry budget is persisted as queued with no agent.
func ApplyTaskChange(job *models.Job, siblings []*models.Task, before, after models.Task, now time.Time) Result {
	task := after

	stateChanged := task.State != before.State

	// A task that finished successfully has no current error.
	if task.State == models.WorkStateDone && task.LastError != "" {
		task.LastError = ""
	}

	if stateChanged {
		switch task.State {
		case models.WorkStateRunning:
			if task.TimeStarted == nil {
				t := now
				task.TimeStarted = &t
			}
		case models.WorkStateDone, models.WorkStateFailed:
			t := now
			task.TimeFinished = &t
		}
	}

	if stateChanged && task.State == models.WorkStateFailed {
		task.Failures = before.Failures + 1
	}

	// Every new assignment is an attempt, counted when the agent is set.
	if task.AgentID != before.AgentID && task.AgentID != "" {
		task.Attempts = before.Attempts + 1
	}

	// Requeue-on-failure: while the retry budget permits, a failure is
	// persisted as a return to the queue instead.
	if stateChanged && task.State == models.WorkStateFailed &&
		job != nil && task.Attempts <= job.Requeue {
		task.State = models.WorkStateQueued
		task.AgentID = ""
		task.TimeFinished = nil
	}

	res := Result{Task: task}

	if job != nil && task.State.IsTerminal() && task.State != before.State {
		res.Job, res.JobCompleted = rollUpJob(job, siblings, &task, now)
	}

	return res
}

// rollUpJob decides the job's terminal state once its last active task
// finishes. Returns nil when other tasks are still non-terminal.
func rollUpJob(job *models.Job, siblings []*models.Task, changed *models.Task, now time.Time) (*models.Job, bool) {
	anyFailed := changed.State == models.WorkStateFailed
	for _, t := range siblings {
		if t.ID == changed.ID {
			continue
		}
		if !t.State.IsTerminal() {
			return nil, false
		}
		if t.State == models.WorkStateFailed {
			anyFailed = true
		}
	}

	next := models.WorkStateDone
	if anyFailed {
		next = models.WorkStateFailed
	}
	if job.State == next {
		return nil, false
	}

	updated := *job
	updated.State = next
	t := now
	updated.TimeFinished = &t
	return &updated, true
}
