package interfaces

import "context"

// Dispatcher delivers work and control commands to agents. Implementations
// mutate the store in reaction to agent responses (offline marking, task
// unassignment) but never choose what to assign; that is the scheduler's job.
type Dispatcher interface {
	// SendTasksToAgent pushes the agent's currently assigned non-terminal
	// tasks, one /assign message per job.
	SendTasksToAgent(ctx context.Context, agentID string) error

	// StopTask tells the assigned agent to drop the task, then clears the
	// assignment and resets the task to queued.
	StopTask(ctx context.Context, taskID uint64) error

	// DeleteTask removes the task, contacting the assigned agent first when
	// there is one. Unreachable agents do not prevent local deletion.
	DeleteTask(ctx context.Context, taskID uint64) error

	// UpdateAgent triggers the agent's self-update to its UpgradeTo version.
	UpdateAgent(ctx context.Context, agentID string) error
}
