package models

// JobQueue is an interior node of the scheduling tree. Jobs attach to a
// queue; queues nest via ParentID, zero meaning "top level". (ParentID, Name)
// is unique and top level names are globally unique.
type JobQueue struct {
	ID       uint64 `json:"id" badgerhold:"key"`
	ParentID uint64 `json:"parent_jobqueue_id,omitempty" badgerhold:"index"`
	Name     string `json:"name"`

	Priority int `json:"priority"`
	Weight   int `json:"weight"`

	// MinimumAgents is a quota the scheduler tries to satisfy before any
	// other consideration; MaximumAgents is a hard cap. Nil means no
	// minimum / unbounded.
	MinimumAgents *int `json:"minimum_agents,omitempty"`
	MaximumAgents *int `json:"maximum_agents,omitempty"`

	// FullPath denormalizes /root/.../name. Empty means "not yet computed";
	// it is rebuilt lazily.
	FullPath string `json:"fullpath,omitempty"`
}

// Min returns the minimum agent quota, zero when unset.
func (q *JobQueue) Min() int {
	if q.MinimumAgents == nil {
		return 0
	}
	return *q.MinimumAgents
}

// Max returns the maximum agent cap, or a value callers treat as unbounded.
func (q *JobQueue) Max() int {
	if q.MaximumAgents == nil {
		return int(^uint(0) >> 1)
	}
	return *q.MaximumAgents
}

func JobQueueSchema() map[string]string {
	return map[string]string{
		"id":                 "INTEGER",
		"parent_jobqueue_id": "INTEGER",
		"name":               "VARCHAR(255)",
		"priority":           "INTEGER",
		"weight":             "INTEGER",
		"minimum_agents":     "INTEGER",
		"maximum_agents":     "INTEGER",
		"fullpath":           "VARCHAR(1024)",
	}
}
