package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/farmd/internal/common"
	"github.com/ternarybob/farmd/internal/interfaces"
	"github.com/ternarybob/farmd/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// AgentStorage implements the AgentStorage interface for Badger
type AgentStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewAgentStorage creates a new AgentStorage instance
func NewAgentStorage(db *BadgerDB, logger arbor.ILogger) interfaces.AgentStorage {
	return &AgentStorage{
		db:     db,
		logger: logger,
	}
}

// SaveAgent upserts by (hostname, port). A second registration of the same
// host and port updates the existing record and the incoming struct gets the
// existing ID filled in, so agents that lose their stored ID re-register
// cleanly instead of duplicating.
func (s *AgentStorage) SaveAgent(ctx context.Context, agent *models.Agent) error {
	if agent.Hostname == "" {
		return fmt.Errorf("agent hostname is required")
	}

	var existing []models.Agent
	err := s.db.Store().Find(&existing,
		badgerhold.Where("Hostname").Eq(agent.Hostname).And("Port").Eq(agent.Port))
	if err != nil {
		return fmt.Errorf("failed to look up agent by address: %w", err)
	}

	if len(existing) > 0 {
		agent.ID = existing[0].ID
	} else if agent.ID == "" {
		agent.ID = common.NewAgentID()
	}

	if err := s.db.Store().Upsert(agent.ID, agent); err != nil {
		return fmt.Errorf("failed to save agent: %w", err)
	}

	s.logger.Debug().
		Str("agent_id", agent.ID).
		Str("hostname", agent.Hostname).
		Int("port", agent.Port).
		Msg("Agent saved")
	return nil
}

func (s *AgentStorage) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	var agent models.Agent
	if err := s.db.Store().Get(id, &agent); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return &agent, nil
}

func (s *AgentStorage) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	var agents []models.Agent
	if err := s.db.Store().Find(&agents, badgerhold.Where("ID").Ne("").SortBy("Hostname")); err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return toPointers(agents), nil
}

func (s *AgentStorage) AgentsByState(ctx context.Context, state models.AgentState) ([]*models.Agent, error) {
	var agents []models.Agent
	if err := s.db.Store().Find(&agents, badgerhold.Where("State").Eq(state)); err != nil {
		return nil, fmt.Errorf("failed to list agents by state: %w", err)
	}
	return toPointers(agents), nil
}

func (s *AgentStorage) UpdateAgentState(ctx context.Context, id string, state models.AgentState) error {
	var agent models.Agent
	if err := s.db.Store().Get(id, &agent); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("failed to get agent: %w", err)
	}
	if agent.State == state {
		return nil
	}

	agent.State = state
	if err := s.db.Store().Update(id, &agent); err != nil {
		return fmt.Errorf("failed to update agent state: %w", err)
	}

	s.logger.Debug().
		Str("agent_id", id).
		Str("state", string(state)).
		Msg("Agent state updated")
	return nil
}

func (s *AgentStorage) DeleteAgent(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.Agent{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	return nil
}

// toPointers converts a found slice into the pointer slice the interfaces
// traffic in.
func toPointers[T any](items []T) []*T {
	out := make([]*T, len(items))
	for i := range items {
		out[i] = &items[i]
	}
	return out
}
