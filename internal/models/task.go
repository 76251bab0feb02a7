package models

import "time"

// Task is one frame of a job. Frame is numeric rather than integral: steps
// like 0.5 are legal and batch contiguity compares exact sums.
type Task struct {
	ID    uint64 `json:"id" badgerhold:"key"`
	JobID uint64 `json:"job_id" badgerhold:"index"`

	Frame    float64   `json:"frame"`
	Priority int       `json:"priority"`
	State    WorkState `json:"state" badgerhold:"index"`

	// Attempts counts every time work on this task has been started;
	// Failures every transition into the failed state. Both only grow.
	Attempts int `json:"attempts"`
	Failures int `json:"failures"`

	// AgentID is the agent currently expected to execute the task, empty
	// when unassigned.
	AgentID string `json:"agent_id,omitempty" badgerhold:"index"`

	LastError string `json:"last_error,omitempty"`

	TimeSubmitted time.Time  `json:"time_submitted"`
	TimeStarted   *time.Time `json:"time_started,omitempty"`
	TimeFinished  *time.Time `json:"time_finished,omitempty"`

	// Hidden tasks are excluded from the queue and listings but still exist.
	Hidden bool `json:"hidden,omitempty"`
}

func TaskSchema() map[string]string {
	return map[string]string{
		"id":             "INTEGER",
		"job_id":         "INTEGER",
		"frame":          "NUMERIC(10,4)",
		"priority":       "INTEGER",
		"state":          "WorkStateEnum",
		"attempts":       "INTEGER",
		"failures":       "INTEGER",
		"agent_id":       "UUID",
		"last_error":     "TEXT",
		"time_submitted": "DATETIME",
		"time_started":   "DATETIME",
		"time_finished":  "DATETIME",
		"hidden":         "BOOLEAN",
	}
}
