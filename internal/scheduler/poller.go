package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/farmd/internal/common"
	"github.com/ternarybob/farmd/internal/interfaces"
	"github.com/ternarybob/farmd/internal/models"
)

// Poller periodically reconciles agents against the store. Busy agents
// (running tasks) are polled more often than idle ones; passive agents are
// never polled because the master cannot reach them.
type Poller struct {
	storage    interfaces.StorageManager
	client     interfaces.AgentClient
	dispatcher interfaces.Dispatcher
	logger     arbor.ILogger

	busyInterval time.Duration
	idleInterval time.Duration

	mu         sync.Mutex
	lastPolled map[string]time.Time
}

// NewPoller creates an agent poller with the configured intervals.
func NewPoller(storage interfaces.StorageManager, client interfaces.AgentClient, dispatcher interfaces.Dispatcher, config *common.Config, logger arbor.ILogger) *Poller {
	return &Poller{
		storage:      storage,
		client:       client,
		dispatcher:   dispatcher,
		logger:       logger,
		busyInterval: config.Scheduler.PollBusyIntervalDuration(),
		idleInterval: config.Scheduler.PollIdleIntervalDuration(),
		lastPolled:   make(map[string]time.Time),
	}
}

// PollAgents runs one poll pass over every due agent.
func (p *Poller) PollAgents(ctx context.Context) error {
	agents, err := p.storage.AgentStorage().ListAgents(ctx)
	if err != nil {
		return err
	}
	assigned, err := p.storage.TaskStorage().NonTerminalAssignedTasks(ctx)
	if err != nil {
		return err
	}

	running := make(map[string]bool)
	knownTasks := make(map[string]map[uint64]bool)
	for _, t := range assigned {
		if t.State == models.WorkStateRunning {
			running[t.AgentID] = true
		}
		set := knownTasks[t.AgentID]
		if set == nil {
			set = make(map[uint64]bool)
			knownTasks[t.AgentID] = set
		}
		set[t.ID] = true
	}

	for _, agent := range agents {
		if agent.UseAddress == models.UseAddressPassive || agent.State.Unreachable() {
			continue
		}
		if !p.due(agent.ID, running[agent.ID]) {
			continue
		}
		p.pollOne(ctx, agent, knownTasks[agent.ID])
	}
	return nil
}

// due checks and refreshes the agent's poll deadline.
func (p *Poller) due(agentID string, busy bool) bool {
	interval := p.idleInterval
	if busy {
		interval = p.busyInterval
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.lastPolled[agentID]; ok && time.Since(last) < interval {
		return false
	}
	p.lastPolled[agentID] = time.Now()
	return true
}

// pollOne fetches the agent's task list. An unreachable agent is marked
// offline. A task the agent holds that the store no longer assigns to it
// triggers a reconciliation push of the store's view.
func (p *Poller) pollOne(ctx context.Context, agent *models.Agent, known map[uint64]bool) {
	infos, err := p.client.ListTasks(ctx, agent)
	if err != nil {
		p.logger.Warn().Err(err).
			Str("agent_id", agent.ID).
			Str("hostname", agent.Hostname).
			Msg("Agent poll failed, marking offline")
		if err := p.storage.AgentStorage().UpdateAgentState(ctx, agent.ID, models.AgentStateOffline); err != nil {
			p.logger.Error().Err(err).Str("agent_id", agent.ID).Msg("Failed to mark agent offline")
		}
		return
	}

	for _, info := range infos {
		if known[info.ID] {
			continue
		}
		p.logger.Debug().
			Str("agent_id", agent.ID).
			Int64("task_id", int64(info.ID)).
			Msg("Agent holds unassigned task, pushing current assignments")
		if err := p.dispatcher.SendTasksToAgent(ctx, agent.ID); err != nil {
			p.logger.Warn().Err(err).Str("agent_id", agent.ID).Msg("Reconciliation push failed")
		}
		return
	}
}
