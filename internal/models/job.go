package models

import (
	"encoding/json"
	"time"
)

// Job is a unit of submitted work: one frame range rendered by one job type
// version, split into tasks. A job always belongs to exactly one queue.
type Job struct {
	ID      uint64 `json:"id" badgerhold:"key"`
	QueueID uint64 `json:"job_queue_id" badgerhold:"index"`
	Title   string `json:"title"`

	JobTypeVersionID uint64 `json:"jobtype_version_id" badgerhold:"index"`

	State    WorkState `json:"state" badgerhold:"index"`
	Priority int       `json:"priority"`
	Weight   int       `json:"weight"`

	// Batch is the maximum number of tasks sent to an agent in one
	// assignment; By is the frame step between consecutive tasks.
	Batch int     `json:"batch"`
	By    float64 `json:"by"`

	// RAM is the amount of memory in MiB an agent must have available.
	RAM int64 `json:"ram"`

	// Requeue is the number of failures after which a task's failure
	// becomes permanent.
	Requeue int `json:"requeue"`

	MinimumAgents *int `json:"minimum_agents,omitempty"`
	MaximumAgents *int `json:"maximum_agents,omitempty"`

	TimeSubmitted time.Time  `json:"time_submitted"`
	TimeStarted   *time.Time `json:"time_started,omitempty"`
	TimeFinished  *time.Time `json:"time_finished,omitempty"`

	// ParentIDs are jobs that must be done before this one may start.
	ParentIDs []uint64 `json:"parents,omitempty"`

	ToBeDeleted bool `json:"to_be_deleted"`

	OutputLink    string   `json:"output_link,omitempty"`
	NotifiedUsers []string `json:"notified_users,omitempty"`

	// Data is opaque job-type input passed through to the agent.
	Data    json.RawMessage   `json:"data,omitempty"`
	Environ map[string]string `json:"environ,omitempty"`

	SoftwareRequirements []SoftwareRequirement `json:"software_requirements,omitempty"`

	Tags []string `json:"tags,omitempty"`
}

// Min returns the minimum agent quota, zero when unset.
func (j *Job) Min() int {
	if j.MinimumAgents == nil {
		return 0
	}
	return *j.MinimumAgents
}

// Max returns the maximum agent cap, or a value callers treat as unbounded.
func (j *Job) Max() int {
	if j.MaximumAgents == nil {
		return int(^uint(0) >> 1)
	}
	return *j.MaximumAgents
}

func JobSchema() map[string]string {
	return map[string]string{
		"id":                 "INTEGER",
		"job_queue_id":       "INTEGER",
		"title":              "VARCHAR(255)",
		"jobtype_version_id": "INTEGER",
		"state":              "WorkStateEnum",
		"priority":           "INTEGER",
		"weight":             "INTEGER",
		"batch":              "INTEGER",
		"by":                 "NUMERIC(10,4)",
		"ram":                "INTEGER",
		"requeue":            "INTEGER",
		"minimum_agents":     "INTEGER",
		"maximum_agents":     "INTEGER",
		"time_submitted":     "DATETIME",
		"time_started":       "DATETIME",
		"time_finished":      "DATETIME",
		"to_be_deleted":      "BOOLEAN",
		"output_link":        "VARCHAR(255)",
	}
}
