package interfaces

import (
	"context"

	"github.com/ternarybob/farmd/internal/models"
)

// TaskAssignment is one task entry of an /assign message.
type TaskAssignment struct {
	ID      uint64  `json:"id"`
	Frame   float64 `json:"frame"`
	Attempt int     `json:"attempt"`
}

// AssignMessage is the body the master POSTs to an agent's /assign endpoint.
// One message carries the batch of exactly one job.
type AssignMessage struct {
	Job struct {
		ID      uint64            `json:"id"`
		Title   string            `json:"title"`
		Data    interface{}       `json:"data,omitempty"`
		Environ map[string]string `json:"environ,omitempty"`
		By      float64           `json:"by"`
	} `json:"job"`
	JobType struct {
		Name    string `json:"name"`
		Version int    `json:"version"`
	} `json:"jobtype"`
	Tasks []TaskAssignment `json:"tasks"`
}

// AgentTaskInfo is one entry of an agent's GET /tasks/ response.
type AgentTaskInfo struct {
	ID uint64 `json:"id"`
}

// AgentClient is the HTTP face of a remote agent. Implementations retry
// connection failures up to the configured budget and honor the request
// timeout through ctx.
type AgentClient interface {
	Assign(ctx context.Context, agent *models.Agent, msg *AssignMessage) error
	ListTasks(ctx context.Context, agent *models.Agent) ([]AgentTaskInfo, error)
	StopTask(ctx context.Context, agent *models.Agent, taskID uint64) error
	Update(ctx context.Context, agent *models.Agent, version string) error
}
