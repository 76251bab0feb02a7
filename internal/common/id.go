package common

import (
	"strings"

	"github.com/google/uuid"
)

// NewAgentID generates an agent identity. Agents keep their ID across
// re-registrations of the same (hostname, port).
func NewAgentID() string {
	return uuid.New().String()
}

// NewTaskLogIdentifier generates a filesystem-safe log identifier. The
// identifier doubles as the file name under the logfiles directory.
func NewTaskLogIdentifier() string {
	return "log_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}
