package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/farmd/internal/common"
	"github.com/ternarybob/farmd/internal/dispatch"
	"github.com/ternarybob/farmd/internal/interfaces"
	"github.com/ternarybob/farmd/internal/models"
	"golang.org/x/time/rate"
)

// Service runs the periodic scheduler: the assignment tick, the agent
// poller and orphan log cleanup. It implements interfaces.SchedulerService.
type Service struct {
	storage    interfaces.StorageManager
	dispatcher interfaces.Dispatcher
	events     interfaces.EventService
	matcher    *Matcher
	locks      *AgentLocks
	poller     *Poller
	config     *common.Config
	logger     arbor.ILogger

	cron    *cron.Cron
	limiter *rate.Limiter

	mu      sync.Mutex
	running bool
}

// NewService creates the scheduler service.
func NewService(storage interfaces.StorageManager, dispatcher interfaces.Dispatcher, client interfaces.AgentClient, events interfaces.EventService, config *common.Config, logger arbor.ILogger) *Service {
	matcher := NewMatcher(storage, logger)
	matcher.UseTotalRAM = config.Scheduler.UseTotalRAM
	matcher.PreferRunningJobs = config.Scheduler.PreferRunningJobs

	tickInterval := config.Scheduler.TickIntervalDuration()

	return &Service{
		storage:    storage,
		dispatcher: dispatcher,
		events:     events,
		matcher:    matcher,
		locks:      NewAgentLocks(config.Scheduler.LockTimeoutDuration()),
		poller:     NewPoller(storage, client, dispatcher, config, logger),
		config:     config,
		logger:     logger,
		cron:       cron.New(),
		limiter:    rate.NewLimiter(rate.Every(tickInterval), 1),
	}
}

// Start registers the periodic beats and starts the cron scheduler.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	tick := fmt.Sprintf("@every %s", s.config.Scheduler.TickInterval)
	if _, err := s.cron.AddFunc(tick, s.tickBeat); err != nil {
		return fmt.Errorf("failed to register scheduler tick: %w", err)
	}
	if _, err := s.cron.AddFunc("@every 30s", s.pollBeat); err != nil {
		return fmt.Errorf("failed to register agent poller: %w", err)
	}
	if _, err := s.cron.AddFunc("@every 1h", s.cleanupBeat); err != nil {
		return fmt.Errorf("failed to register log cleanup: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info().
		Str("strategy", s.config.Scheduler.Strategy).
		Str("tick", s.config.Scheduler.TickInterval).
		Msg("Scheduler started")
	return nil
}

// Stop halts the cron scheduler and waits for running beats.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// IsRunning reports whether the beats are active.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) tickBeat() {
	if !s.limiter.Allow() {
		return
	}
	if err := s.Tick(context.Background()); err != nil {
		s.logger.Error().Err(err).Msg("Scheduler tick failed")
	}
}

func (s *Service) pollBeat() {
	if err := s.poller.PollAgents(context.Background()); err != nil {
		s.logger.Error().Err(err).Msg("Agent poll failed")
	}
}

func (s *Service) cleanupBeat() {
	if err := CleanupOrphanLogs(context.Background(), s.storage, s.config.Logfiles.Dir, s.logger); err != nil {
		s.logger.Error().Err(err).Msg("Orphan log cleanup failed")
	}
}

// Tick runs one scheduling pass over the current idle agents.
func (s *Service) Tick(ctx context.Context) error {
	idle, err := s.idleAgents(ctx)
	if err != nil {
		return err
	}
	if len(idle) == 0 {
		return nil
	}

	if s.config.Scheduler.Strategy == "queue" {
		return s.tickByQueue(ctx, idle)
	}

	for _, agent := range idle {
		if err := s.AssignToAgent(ctx, agent.ID); err != nil {
			s.logger.Warn().Err(err).Str("agent_id", agent.ID).Msg("Assignment pass failed")
		}
	}
	return nil
}

// idleAgents lists online agents with no non-terminal task, using one scan
// of assigned tasks for the busy set.
func (s *Service) idleAgents(ctx context.Context) ([]*models.Agent, error) {
	online, err := s.storage.AgentStorage().AgentsByState(ctx, models.AgentStateOnline)
	if err != nil {
		return nil, err
	}
	assigned, err := s.storage.TaskStorage().NonTerminalAssignedTasks(ctx)
	if err != nil {
		return nil, err
	}
	busy := make(map[string]bool, len(assigned))
	for _, t := range assigned {
		busy[t.AgentID] = true
	}

	var idle []*models.Agent
	for _, a := range online {
		if !busy[a.ID] {
			idle = append(idle, a)
		}
	}
	return idle, nil
}

// AssignToAgent runs one matcher pass for a single agent under its advisory
// lock. Lock contention skips the pass; a stale lock is stolen.
func (s *Service) AssignToAgent(ctx context.Context, agentID string) error {
	if !s.locks.TryLock(agentID) {
		s.logger.Debug().Str("agent_id", agentID).Msg("Agent lock held, skipping")
		return nil
	}
	defer s.locks.Unlock(agentID)

	agent, err := s.storage.AgentStorage().GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.State != models.AgentStateOnline {
		return nil
	}

	// An agent that still holds work gets nothing new.
	held, err := s.storage.TaskStorage().NonTerminalTasksByAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if len(held) > 0 {
		return nil
	}

	tree, err := ReadSubtree(ctx, s.storage, nil)
	if err != nil {
		return err
	}

	excluded := make(map[uint64]bool)
	for {
		jobNode, err := s.matcher.GetJobForAgent(ctx, tree, tree.Root, agent, excluded)
		if err != nil {
			return err
		}
		if jobNode == nil {
			return nil
		}

		taskIDs, err := s.commitAssignment(ctx, tree, jobNode.Job, agent)
		if err != nil {
			return err
		}
		if len(taskIDs) == 0 {
			// Selected job had no batchable tasks; look for another.
			excluded[jobNode.Job.ID] = true
			continue
		}

		s.dispatch(ctx, agentID)
		return nil
	}
}

// tickByQueue pushes the idle agent pool down the tree with the
// weighted-fair allocator instead of matching per agent.
func (s *Service) tickByQueue(ctx context.Context, idle []*models.Agent) error {
	tree, err := ReadSubtree(ctx, s.storage, nil)
	if err != nil {
		return err
	}

	pool := make([]*models.Agent, len(idle))
	copy(pool, idle)
	var dispatched []string

	assign := func(ctx context.Context, jobNode *Node) (bool, error) {
		for i, agent := range pool {
			if agent == nil {
				continue
			}
			fits, err := s.matcher.AgentCanRun(ctx, tree, jobNode.Job, agent)
			if err != nil {
				return false, err
			}
			if !fits {
				continue
			}

			taskIDs, err := s.commitAssignment(ctx, tree, jobNode.Job, agent)
			if err != nil {
				return false, err
			}
			if len(taskIDs) == 0 {
				// Nothing batchable left; the job cannot take this or any
				// other agent this tick.
				return false, nil
			}

			pool[i] = nil
			dispatched = append(dispatched, agent.ID)
			return true, nil
		}
		return false, nil
	}

	if _, err := AssignAgentsToQueue(ctx, tree.Root, len(pool), assign); err != nil {
		return err
	}

	for _, agentID := range dispatched {
		s.dispatch(ctx, agentID)
	}
	return nil
}

// commitAssignment forms a batch for the job and assigns it to the agent in
// one transaction. Returns the assigned task ids, empty when the job has no
// batchable tasks.
func (s *Service) commitAssignment(ctx context.Context, tree *Tree, job *models.Job, agent *models.Agent) ([]uint64, error) {
	var jtv *models.JobTypeVersion
	if job.JobTypeVersionID != 0 {
		v, err := s.storage.JobTypeStorage().GetVersion(ctx, job.JobTypeVersionID)
		if err != nil && err != interfaces.ErrNotFound {
			return nil, err
		}
		jtv = v
	}

	tasks, err := s.storage.TaskStorage().BatchableTasks(ctx, job.ID, job.Priority, tree.UnreachableAgents)
	if err != nil {
		return nil, err
	}
	batch := FormBatch(tasks, job, jtv)
	if len(batch) == 0 {
		return nil, nil
	}

	taskIDs := make([]uint64, len(batch))
	for i, t := range batch {
		taskIDs[i] = t.ID
	}
	if err := s.storage.TaskStorage().AssignBatch(ctx, job.ID, taskIDs, agent.ID); err != nil {
		return nil, err
	}

	s.logger.Info().
		Int64("job_id", int64(job.ID)).
		Str("agent_id", agent.ID).
		Int("tasks", len(taskIDs)).
		Msg("Batch assigned")

	if s.events != nil {
		s.events.Publish(ctx, interfaces.Event{
			Type: interfaces.EventAssignmentSent,
			Payload: map[string]interface{}{
				"job_id":   job.ID,
				"agent_id": agent.ID,
				"tasks":    len(taskIDs),
			},
		})
	}
	return taskIDs, nil
}

// dispatch pushes the agent's work and logs the outcome; dispatch problems
// never fail the tick, polling reconciles later.
func (s *Service) dispatch(ctx context.Context, agentID string) {
	err := s.dispatcher.SendTasksToAgent(ctx, agentID)
	switch {
	case err == nil:
	case errors.Is(err, dispatch.ErrAgentUnavailable):
		s.logger.Warn().Str("agent_id", agentID).Msg("Agent unavailable at dispatch")
	case errors.Is(err, dispatch.ErrAgentUnreachable):
		s.logger.Warn().Str("agent_id", agentID).Msg("Agent unreachable, marked offline")
	default:
		s.logger.Error().Err(err).Str("agent_id", agentID).Msg("Dispatch failed")
	}
}
