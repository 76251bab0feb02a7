package server

import (
	"net/http"

	"github.com/ternarybob/farmd/internal/handlers"
)

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket event/log stream
	mux.HandleFunc("/ws", s.wsHandler.HandleWebSocket)

	// REST resources. The bare path serves the collection, the trailing-slash
	// variant parses ids and subresources from the path.
	mux.HandleFunc("/api/v1/agents", s.agentHandler.HandleAgents)
	mux.HandleFunc("/api/v1/agents/", s.agentHandler.HandleAgentRoutes)

	mux.HandleFunc("/api/v1/jobs", s.jobHandler.HandleJobs)
	mux.HandleFunc("/api/v1/jobs/", s.jobHandler.HandleJobRoutes)

	mux.HandleFunc("/api/v1/jobqueues", s.jobQueueHandler.HandleJobQueues)
	mux.HandleFunc("/api/v1/jobqueues/", s.jobQueueHandler.HandleJobQueueRoutes)

	mux.HandleFunc("/api/v1/tags", s.tagHandler.HandleTags)
	mux.HandleFunc("/api/v1/tags/", s.tagHandler.HandleTagRoutes)

	mux.HandleFunc("/api/v1/software", s.softwareHandler.HandleSoftware)
	mux.HandleFunc("/api/v1/software/", s.softwareHandler.HandleSoftwareRoutes)

	mux.HandleFunc("/api/v1/jobtypes", s.jobTypeHandler.HandleJobTypes)
	mux.HandleFunc("/api/v1/jobtypes/", s.jobTypeHandler.HandleJobTypeRoutes)

	// Manual scheduler pass, for tooling and tests
	mux.HandleFunc("/api/v1/scheduler/tick", s.handleSchedulerTick)

	// System
	mux.HandleFunc("/api/version", s.apiHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.apiHandler.HealthHandler)

	return mux
}

// Handler returns the routed handler with middleware, for tests.
func (s *Server) Handler() http.Handler {
	return s.withConditionalMiddleware(s.router)
}

func (s *Server) handleSchedulerTick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		handlers.MethodNotAllowed(w)
		return
	}
	if s.scheduler == nil {
		handlers.WriteError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	if err := s.scheduler.Tick(r.Context()); err != nil {
		handlers.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	handlers.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "tick completed"})
}
