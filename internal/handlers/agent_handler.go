package handlers

import (
	"net"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/farmd/internal/common"
	"github.com/ternarybob/farmd/internal/interfaces"
	"github.com/ternarybob/farmd/internal/models"
)

// AgentHandler serves /api/v1/agents. Registration is an upsert keyed on
// (hostname, port): the same agent announcing itself twice updates the
// existing row.
type AgentHandler struct {
	storage    interfaces.StorageManager
	dispatcher interfaces.Dispatcher
	events     interfaces.EventService
	config     *common.Config
	logger     arbor.ILogger
}

func NewAgentHandler(storage interfaces.StorageManager, dispatcher interfaces.Dispatcher, events interfaces.EventService, config *common.Config, logger arbor.ILogger) *AgentHandler {
	return &AgentHandler{
		storage:    storage,
		dispatcher: dispatcher,
		events:     events,
		config:     config,
		logger:     logger,
	}
}

// HandleAgents serves the collection: GET lists, POST registers.
func (h *AgentHandler) HandleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		agents, err := h.storage.AgentStorage().ListAgents(r.Context())
		if err != nil {
			WriteStorageError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, agents)

	case http.MethodPost, http.MethodPut:
		h.register(w, r)

	default:
		MethodNotAllowed(w)
	}
}

func (h *AgentHandler) register(w http.ResponseWriter, r *http.Request) {
	var agent models.Agent
	if !DecodeJSON(w, r, &agent) {
		return
	}
	if agent.Hostname == "" {
		WriteError(w, http.StatusBadRequest, "hostname is required")
		return
	}
	if agent.Port < 1 || agent.Port > 65535 {
		WriteError(w, http.StatusBadRequest, "port must be between 1 and 65535")
		return
	}

	remoteIP := remoteHost(r)
	if !h.config.Agents.AllowFromLoopback {
		if ip := net.ParseIP(remoteIP); ip != nil && ip.IsLoopback() {
			WriteError(w, http.StatusBadRequest, "agent registration from loopback is not allowed")
			return
		}
	}
	agent.RemoteIP = remoteIP
	agent.LastHeardFrom = time.Now().UTC()
	if agent.State == "" {
		agent.State = models.AgentStateOnline
	}

	created, err := h.isNewAgent(r, &agent)
	if err != nil {
		WriteStorageError(w, err)
		return
	}

	if err := h.storage.AgentStorage().SaveAgent(r.Context(), &agent); err != nil {
		WriteStorageError(w, err)
		return
	}

	h.logger.Info().
		Str("agent_id", agent.ID).
		Str("hostname", agent.Hostname).
		Int("port", agent.Port).
		Bool("created", created).
		Msg("Agent registered")

	h.publish(r, interfaces.EventAgentStateChanged, map[string]interface{}{
		"agent_id": agent.ID,
		"state":    string(agent.State),
	})

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	WriteJSON(w, status, &agent)
}

func (h *AgentHandler) isNewAgent(r *http.Request, agent *models.Agent) (bool, error) {
	existing, err := h.storage.AgentStorage().ListAgents(r.Context())
	if err != nil {
		return false, err
	}
	for _, a := range existing {
		if a.Hostname == agent.Hostname && a.Port == agent.Port {
			return false, nil
		}
	}
	return true, nil
}

// HandleAgentRoutes serves /api/v1/agents/{id}[...] and the schema endpoint.
func (h *AgentHandler) HandleAgentRoutes(w http.ResponseWriter, r *http.Request) {
	segments := PathSegments(r, "/api/v1/agents/")
	if len(segments) == 0 {
		h.HandleAgents(w, r)
		return
	}

	if segments[0] == "schema" {
		if r.Method != http.MethodGet {
			MethodNotAllowed(w)
			return
		}
		WriteJSON(w, http.StatusOK, models.AgentSchema())
		return
	}

	agentID := segments[0]
	if len(segments) == 1 {
		h.handleAgent(w, r, agentID)
		return
	}

	switch segments[1] {
	case "update":
		if r.Method != http.MethodPost {
			MethodNotAllowed(w)
			return
		}
		if err := h.dispatcher.UpdateAgent(r.Context(), agentID); err != nil {
			WriteStorageError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, map[string]string{"agent_id": agentID})

	case "tasks":
		if r.Method != http.MethodGet {
			MethodNotAllowed(w)
			return
		}
		tasks, err := h.storage.TaskStorage().NonTerminalTasksByAgent(r.Context(), agentID)
		if err != nil {
			WriteStorageError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, tasks)

	default:
		WriteError(w, http.StatusNotFound, "unknown agent subresource")
	}
}

func (h *AgentHandler) handleAgent(w http.ResponseWriter, r *http.Request, agentID string) {
	switch r.Method {
	case http.MethodGet:
		agent, err := h.storage.AgentStorage().GetAgent(r.Context(), agentID)
		if err != nil {
			WriteStorageError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, agent)

	case http.MethodPost, http.MethodPut:
		agent, err := h.storage.AgentStorage().GetAgent(r.Context(), agentID)
		if err != nil {
			WriteStorageError(w, err)
			return
		}
		prevState := agent.State
		if !DecodeJSON(w, r, agent) {
			return
		}
		agent.ID = agentID
		if err := h.storage.AgentStorage().SaveAgent(r.Context(), agent); err != nil {
			WriteStorageError(w, err)
			return
		}
		if agent.State != prevState {
			h.publish(r, interfaces.EventAgentStateChanged, map[string]interface{}{
				"agent_id": agent.ID,
				"state":    string(agent.State),
			})
		}
		WriteJSON(w, http.StatusOK, agent)

	case http.MethodDelete:
		if err := h.storage.AgentStorage().DeleteAgent(r.Context(), agentID); err != nil {
			WriteStorageError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		MethodNotAllowed(w)
	}
}

func (h *AgentHandler) publish(r *http.Request, eventType interfaces.EventType, payload map[string]interface{}) {
	if h.events == nil {
		return
	}
	h.events.Publish(r.Context(), interfaces.Event{Type: eventType, Payload: payload})
}

// remoteHost strips the port from the request's remote address.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
