package models

import (
	"fmt"
	"time"
)

// Agent is a remote worker process reachable over HTTP. Identity is a UUID
// assigned by the master; (Hostname, Port) is unique so re-registration of
// the same host updates the existing row instead of creating a duplicate.
type Agent struct {
	ID string `json:"id" badgerhold:"key"`

	Hostname string `json:"hostname" badgerhold:"index"`
	IP       string `json:"ip,omitempty"`
	RemoteIP string `json:"remote_ip,omitempty"`
	Port     int    `json:"port"`

	// Capacity as reported by the agent.
	CPUs          int   `json:"cpus"`
	RAM           int64 `json:"ram"`
	FreeRAM       int64 `json:"free_ram"`
	CPUAllocation float64 `json:"cpu_allocation"`
	RAMAllocation float64 `json:"ram_allocation"`

	State         AgentState `json:"state" badgerhold:"index"`
	LastHeardFrom time.Time  `json:"last_heard_from"`
	// TimeOffset is the clock skew between master and agent, in seconds.
	TimeOffset int `json:"time_offset"`

	UseAddress UseAddress `json:"use_address"`

	Version   string `json:"version,omitempty"`
	UpgradeTo string `json:"upgrade_to,omitempty"`

	Notes string `json:"notes,omitempty"`

	Tags               []string `json:"tags,omitempty"`
	SoftwareVersionIDs []uint64 `json:"software_version_ids,omitempty"`
}

// ContactAddress returns the host the master should use to reach the agent,
// honoring the agent's use_address policy. Passive agents have no contact
// address; callers must not push to them.
func (a *Agent) ContactAddress() string {
	switch a.UseAddress {
	case UseAddressRemote:
		if a.RemoteIP != "" {
			return a.RemoteIP
		}
		return a.Hostname
	case UseAddressPassive:
		return ""
	default:
		return a.Hostname
	}
}

// BaseURL returns the root URL of the agent's HTTP API.
func (a *Agent) BaseURL() string {
	return fmt.Sprintf("http://%s:%d/api/v1", a.ContactAddress(), a.Port)
}

// AgentSchema describes the REST-visible fields for the schema endpoint.
func AgentSchema() map[string]string {
	return map[string]string{
		"id":              "UUID",
		"hostname":        "VARCHAR(255)",
		"ip":              "IPv4Address",
		"remote_ip":       "IPv4Address",
		"port":            "INTEGER",
		"cpus":            "INTEGER",
		"ram":             "INTEGER",
		"free_ram":        "INTEGER",
		"cpu_allocation":  "FLOAT",
		"ram_allocation":  "FLOAT",
		"state":           "AgentStateEnum",
		"last_heard_from": "DATETIME",
		"time_offset":     "INTEGER",
		"use_address":     "UseAgentAddressEnum",
		"version":         "VARCHAR(64)",
		"upgrade_to":      "VARCHAR(64)",
		"notes":           "TEXT",
	}
}
