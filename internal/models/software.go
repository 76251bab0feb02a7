package models

// Software is a named piece of software agents may carry and jobs may
// require. The name is globally unique.
type Software struct {
	ID       uint64 `json:"id" badgerhold:"key"`
	Software string `json:"software" badgerhold:"unique"`
}

// SoftwareVersion is one version of a Software. Rank provides a total order
// among the versions of the same software; requirement intervals compare
// ranks, never version strings.
type SoftwareVersion struct {
	ID         uint64 `json:"id" badgerhold:"key"`
	SoftwareID uint64 `json:"software_id" badgerhold:"index"`
	Version    string `json:"version"`
	Rank       int    `json:"rank"`

	// Optional code the agent runs to detect this version locally.
	DiscoveryCode         string `json:"discovery_code,omitempty"`
	DiscoveryFunctionName string `json:"discovery_function_name,omitempty"`
}

// SoftwareRequirement restricts which agents may run a job or job type.
// Min/max are inclusive bounds on the version rank; zero means unbounded.
type SoftwareRequirement struct {
	SoftwareID   uint64  `json:"software_id"`
	MinVersionID *uint64 `json:"min_version_id,omitempty"`
	MaxVersionID *uint64 `json:"max_version_id,omitempty"`
}

func SoftwareSchema() map[string]string {
	return map[string]string{
		"id":       "INTEGER",
		"software": "VARCHAR(255)",
	}
}

func SoftwareVersionSchema() map[string]string {
	return map[string]string{
		"id":          "INTEGER",
		"software_id": "INTEGER",
		"version":     "VARCHAR(255)",
		"rank":        "INTEGER",
	}
}
