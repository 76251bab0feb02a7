package models

import "time"

// TaskLog names one log file on disk under the logfiles directory. The
// identifier doubles as the file name, optionally with a .gz suffix on disk.
type TaskLog struct {
	ID         uint64    `json:"id" badgerhold:"key"`
	Identifier string    `json:"identifier" badgerhold:"unique"`
	AgentID    string    `json:"agent_id,omitempty"`
	CreatedOn  time.Time `json:"created_on"`
}

// TaskLogAssociation links a task attempt to the log it produced. A log with
// no remaining associations is an orphan and gets cleaned up.
type TaskLogAssociation struct {
	ID      uint64 `json:"id" badgerhold:"key"`
	TaskID  uint64 `json:"task_id" badgerhold:"index"`
	LogID   uint64 `json:"log_id" badgerhold:"index"`
	Attempt int    `json:"attempt"`
}
