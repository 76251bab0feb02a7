package models

import "time"

// JobType groups the versions of one executable job kind. (Name, Version) of
// its versions is unique.
type JobType struct {
	ID          uint64 `json:"id" badgerhold:"key"`
	Name        string `json:"name" badgerhold:"unique"`
	Description string `json:"description,omitempty"`
}

// JobTypeVersion carries the executable definition a job pins. MaxBatch
// bounds how many tasks are handed to one agent per assignment;
// BatchContiguous additionally requires consecutive frames within a batch.
type JobTypeVersion struct {
	ID        uint64 `json:"id" badgerhold:"key"`
	JobTypeID uint64 `json:"jobtype_id" badgerhold:"index"`
	Version   int    `json:"version"`

	ClassName string `json:"classname,omitempty"`
	Code      string `json:"code,omitempty"`

	MaxBatch        int  `json:"max_batch"`
	BatchContiguous bool `json:"batch_contiguous"`

	// NoAutomaticStartTime suppresses setting time_started when the first
	// task of a job starts running.
	NoAutomaticStartTime bool `json:"no_automatic_start_time,omitempty"`

	SoftwareRequirements []SoftwareRequirement `json:"software_requirements,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func JobTypeSchema() map[string]string {
	return map[string]string{
		"id":          "INTEGER",
		"name":        "VARCHAR(64)",
		"description": "TEXT",
	}
}

func JobTypeVersionSchema() map[string]string {
	return map[string]string{
		"id":               "INTEGER",
		"jobtype_id":       "INTEGER",
		"version":          "INTEGER",
		"classname":        "VARCHAR(64)",
		"code":             "TEXT",
		"max_batch":        "INTEGER",
		"batch_contiguous": "BOOLEAN",
	}
}
