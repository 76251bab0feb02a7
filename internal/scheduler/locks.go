package scheduler

import (
	"sync"
	"time"
)

// AgentLocks is an in-process advisory lock registry keyed by agent id. It
// serializes assignment passes per agent; different agents proceed in
// parallel. Acquisition is non-blocking. A lock held longer than the timeout
// is considered abandoned and may be stolen, matching the behavior of the
// lockfile scheme this replaces.
type AgentLocks struct {
	mu      sync.Mutex
	held    map[string]time.Time
	timeout time.Duration
}

// NewAgentLocks creates a lock registry with the given steal timeout.
func NewAgentLocks(timeout time.Duration) *AgentLocks {
	return &AgentLocks{
		held:    make(map[string]time.Time),
		timeout: timeout,
	}
}

// TryLock acquires the agent's lock without blocking. Returns false when
// another holder has it and the hold is younger than the steal timeout.
func (l *AgentLocks) TryLock(agentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if acquired, ok := l.held[agentID]; ok && time.Since(acquired) < l.timeout {
		return false
	}
	l.held[agentID] = time.Now()
	return true
}

// Unlock releases the agent's lock. Releasing an unheld lock is a no-op.
func (l *AgentLocks) Unlock(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, agentID)
}
