// -----------------------------------------------------------------------
// Work and agent state enumerations shared across the master.
// -----------------------------------------------------------------------

package models

// WorkState is the lifecycle state of a job or task. The empty string means
// "queued": the work exists but nothing has picked it up yet.
type WorkState string

const (
	WorkStateQueued  WorkState = ""
	WorkStatePaused  WorkState = "paused"
	WorkStateRunning WorkState = "running"
	WorkStateDone    WorkState = "done"
	WorkStateFailed  WorkState = "failed"
)

// IsTerminal reports whether no further state transitions are expected.
func (s WorkState) IsTerminal() bool {
	return s == WorkStateDone || s == WorkStateFailed
}

// IsActive reports whether the work still wants agent time. Paused work is
// neither active nor terminal.
func (s WorkState) IsActive() bool {
	return s == WorkStateQueued || s == WorkStateRunning
}

// AgentState is the liveness state of an agent.
type AgentState string

const (
	AgentStateOnline   AgentState = "online"
	AgentStateRunning  AgentState = "running"
	AgentStateOffline  AgentState = "offline"
	AgentStateDisabled AgentState = "disabled"
)

// Unreachable reports whether the agent's claim on tasks is revoked. Tasks
// assigned to an offline or disabled agent are treated as unassigned by the
// scheduler.
func (s AgentState) Unreachable() bool {
	return s == AgentStateOffline || s == AgentStateDisabled
}

// UseAddress controls how the master contacts an agent.
type UseAddress string

const (
	UseAddressRemote   UseAddress = "remote"
	UseAddressHostname UseAddress = "hostname"
	// UseAddressPassive means the master never pushes to the agent; the agent
	// pulls its own work.
	UseAddressPassive UseAddress = "passive"
)
