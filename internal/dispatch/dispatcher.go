package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/farmd/internal/interfaces"
	"github.com/ternarybob/farmd/internal/models"
)

// Dispatcher pushes assignments and control commands to agents and applies
// the store-side consequences of their responses. It never chooses work; the
// scheduler does.
type Dispatcher struct {
	storage interfaces.StorageManager
	client  interfaces.AgentClient
	events  interfaces.EventService
	logger  arbor.ILogger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(storage interfaces.StorageManager, client interfaces.AgentClient, events interfaces.EventService, logger arbor.ILogger) *Dispatcher {
	return &Dispatcher{
		storage: storage,
		client:  client,
		events:  events,
		logger:  logger,
	}
}

// SendTasksToAgent delivers the agent's current non-terminal tasks, one
// /assign message per job. A 503 marks the agent offline, unassigns the
// message's tasks and rolls back the attempt counted at assignment. An
// unreachable agent is marked offline with its tasks left assigned; polling
// sorts it out.
func (d *Dispatcher) SendTasksToAgent(ctx context.Context, agentID string) error {
	agent, err := d.storage.AgentStorage().GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.State.Unreachable() {
		return fmt.Errorf("%w: %s is %s", ErrAgentUnavailable, agent.Hostname, agent.State)
	}
	if agent.UseAddress == models.UseAddressPassive {
		// Passive agents pull their own work.
		return nil
	}

	tasks, err := d.storage.TaskStorage().NonTerminalTasksByAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	byJob := make(map[uint64][]*models.Task)
	var jobOrder []uint64
	for _, t := range tasks {
		if _, seen := byJob[t.JobID]; !seen {
			jobOrder = append(jobOrder, t.JobID)
		}
		byJob[t.JobID] = append(byJob[t.JobID], t)
	}

	for _, jobID := range jobOrder {
		if err := d.sendJobBatch(ctx, agent, jobID, byJob[jobID]); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) sendJobBatch(ctx context.Context, agent *models.Agent, jobID uint64, tasks []*models.Task) error {
	job, err := d.storage.JobStorage().GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	msg := &interfaces.AssignMessage{}
	msg.Job.ID = job.ID
	msg.Job.Title = job.Title
	msg.Job.By = job.By
	msg.Job.Environ = job.Environ
	if len(job.Data) > 0 {
		msg.Job.Data = job.Data
	}

	if job.JobTypeVersionID != 0 {
		jtv, err := d.storage.JobTypeStorage().GetVersion(ctx, job.JobTypeVersionID)
		if err == nil {
			msg.JobType.Version = jtv.Version
			if jt, err := d.storage.JobTypeStorage().GetJobType(ctx, jtv.JobTypeID); err == nil {
				msg.JobType.Name = jt.Name
			}
		} else if err != interfaces.ErrNotFound {
			return err
		}
	}

	taskIDs := make([]uint64, len(tasks))
	for i, t := range tasks {
		taskIDs[i] = t.ID
		msg.Tasks = append(msg.Tasks, interfaces.TaskAssignment{
			ID:      t.ID,
			Frame:   t.Frame,
			Attempt: t.Attempts,
		})
	}

	err = d.client.Assign(ctx, agent, msg)
	switch {
	case err == nil:
		d.logger.Info().
			Str("agent_id", agent.ID).
			Int64("job_id", int64(job.ID)).
			Int("tasks", len(tasks)).
			Msg("Batch dispatched")
		d.publish(ctx, interfaces.EventAssignmentSent, map[string]interface{}{
			"agent_id": agent.ID,
			"job_id":   job.ID,
			"tasks":    len(tasks),
		})
		return nil

	case errors.Is(err, ErrAgentUnavailable):
		// The agent refused the work it never started: take it back and
		// cancel the attempt bump.
		d.logger.Warn().
			Str("agent_id", agent.ID).
			Int64("job_id", int64(job.ID)).
			Msg("Agent refused batch, marking offline and unassigning")
		if serr := d.storage.AgentStorage().UpdateAgentState(ctx, agent.ID, models.AgentStateOffline); serr != nil {
			return serr
		}
		if serr := d.storage.TaskStorage().UnassignTasks(ctx, taskIDs, true); serr != nil {
			return serr
		}
		d.publish(ctx, interfaces.EventAgentStateChanged, map[string]interface{}{
			"agent_id": agent.ID,
			"state":    string(models.AgentStateOffline),
		})
		return err

	case errors.Is(err, ErrAgentUnreachable):
		if serr := d.storage.AgentStorage().UpdateAgentState(ctx, agent.ID, models.AgentStateOffline); serr != nil {
			return serr
		}
		d.publish(ctx, interfaces.EventAgentStateChanged, map[string]interface{}{
			"agent_id": agent.ID,
			"state":    string(models.AgentStateOffline),
		})
		return err

	default:
		// Unexpected response: no state change, polling reconciles.
		return err
	}
}

// StopTask tells the assigned agent to drop the task, then returns the task
// to the queue with no agent.
func (d *Dispatcher) StopTask(ctx context.Context, taskID uint64) error {
	task, err := d.storage.TaskStorage().GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.State.IsTerminal() || task.AgentID == "" {
		return nil
	}

	agent, err := d.storage.AgentStorage().GetAgent(ctx, task.AgentID)
	if err == nil && !agent.State.Unreachable() && agent.UseAddress != models.UseAddressPassive {
		if cerr := d.client.StopTask(ctx, agent, taskID); cerr != nil {
			if errors.Is(cerr, ErrAgentUnreachable) {
				if serr := d.storage.AgentStorage().UpdateAgentState(ctx, agent.ID, models.AgentStateOffline); serr != nil {
					return serr
				}
			} else {
				return cerr
			}
		}
	} else if err != nil && err != interfaces.ErrNotFound {
		return err
	}

	if err := d.storage.TaskStorage().UnassignTasks(ctx, []uint64{taskID}, false); err != nil {
		return err
	}
	if _, err := d.storage.TaskStorage().ApplyStateChange(ctx, taskID, models.WorkStateQueued, ""); err != nil {
		return err
	}
	return nil
}

// DeleteTask removes the task, telling its agent first when one is assigned.
// An agent that cannot be reached does not prevent local deletion. When the
// owning job is marked to_be_deleted and this was its last task, the job is
// removed too; a short re-check papers over read/write skew.
func (d *Dispatcher) DeleteTask(ctx context.Context, taskID uint64) error {
	task, err := d.storage.TaskStorage().GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	if task.AgentID != "" && !task.State.IsTerminal() {
		agent, err := d.storage.AgentStorage().GetAgent(ctx, task.AgentID)
		if err == nil && !agent.State.Unreachable() && agent.UseAddress != models.UseAddressPassive {
			if cerr := d.client.StopTask(ctx, agent, taskID); cerr != nil {
				d.logger.Warn().Err(cerr).
					Int64("task_id", int64(taskID)).
					Str("agent_id", agent.ID).
					Msg("Could not stop task on agent, deleting locally")
				if errors.Is(cerr, ErrAgentUnreachable) {
					if serr := d.storage.AgentStorage().UpdateAgentState(ctx, agent.ID, models.AgentStateOffline); serr != nil {
						return serr
					}
				}
			}
		} else if err != nil && err != interfaces.ErrNotFound {
			return err
		}
	}

	if err := d.storage.TaskLogStorage().DeleteAssociationsByTask(ctx, taskID); err != nil {
		return err
	}
	if err := d.storage.TaskStorage().DeleteTask(ctx, taskID); err != nil {
		return err
	}

	job, err := d.storage.JobStorage().GetJob(ctx, task.JobID)
	if err == interfaces.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if job.ToBeDeleted {
		d.maybeDeleteJob(ctx, job.ID, true)
	}
	return nil
}

// maybeDeleteJob removes a to_be_deleted job once its task count reaches
// zero. recheck schedules one delayed second look to cover a concurrent
// deletion that has not become visible yet.
func (d *Dispatcher) maybeDeleteJob(ctx context.Context, jobID uint64, recheck bool) {
	count, err := d.storage.TaskStorage().CountTasksByJob(ctx, jobID)
	if err != nil {
		d.logger.Warn().Err(err).Int64("job_id", int64(jobID)).Msg("Failed to count remaining tasks")
		return
	}
	if count == 0 {
		if err := d.storage.JobStorage().DeleteJob(ctx, jobID); err != nil && err != interfaces.ErrNotFound {
			d.logger.Warn().Err(err).Int64("job_id", int64(jobID)).Msg("Failed to delete job")
			return
		}
		d.logger.Info().Int64("job_id", int64(jobID)).Msg("Deferred job deletion completed")
		return
	}
	if recheck {
		time.AfterFunc(100*time.Millisecond, func() {
			d.maybeDeleteJob(context.Background(), jobID, false)
		})
	}
}

// UpdateAgent triggers the agent's self-update to its UpgradeTo version.
func (d *Dispatcher) UpdateAgent(ctx context.Context, agentID string) error {
	agent, err := d.storage.AgentStorage().GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.UpgradeTo == "" {
		return nil
	}
	if agent.State.Unreachable() {
		return fmt.Errorf("%w: %s is %s", ErrAgentUnavailable, agent.Hostname, agent.State)
	}
	return d.client.Update(ctx, agent, agent.UpgradeTo)
}

func (d *Dispatcher) publish(ctx context.Context, eventType interfaces.EventType, payload map[string]interface{}) {
	if d.events == nil {
		return
	}
	if err := d.events.Publish(ctx, interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		d.logger.Debug().Err(err).Str("event", string(eventType)).Msg("Event publish failed")
	}
}
