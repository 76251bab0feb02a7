package interfaces

import "context"

// SchedulerService drives the periodic beats: the assignment tick, the agent
// poller, orphan log cleanup and deferred job deletion.
type SchedulerService interface {
	Start() error
	Stop() error
	IsRunning() bool

	// AssignToAgent runs one assignment pass for a single agent under the
	// per-agent lock. Safe to call concurrently for different agents.
	AssignToAgent(ctx context.Context, agentID string) error

	// Tick runs one scheduler pass over all idle agents. Called by the cron
	// beat; exposed for manual triggering.
	Tick(ctx context.Context) error
}
