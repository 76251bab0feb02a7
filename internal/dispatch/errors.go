// Package dispatch delivers assignments and control commands to agents over
// HTTP and reacts to their responses.
package dispatch

import "errors"

var (
	// ErrAgentUnavailable means the agent is offline or disabled, or refused
	// work with a 503. The caller logs and moves on; polling reconciles.
	ErrAgentUnavailable = errors.New("agent unavailable")

	// ErrAgentUnreachable means the agent did not answer within the retry
	// budget. The agent has been marked offline.
	ErrAgentUnreachable = errors.New("agent unreachable")

	// ErrUnexpectedResponse means the agent answered with a status code
	// outside the accepted set. No state was mutated.
	ErrUnexpectedResponse = errors.New("unexpected agent response")
)
