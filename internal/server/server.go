package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/farmd/internal/common"
	"github.com/ternarybob/farmd/internal/handlers"
	"github.com/ternarybob/farmd/internal/interfaces"
)

// Server owns the HTTP control plane: the REST resources, the websocket
// stream and the system endpoints.
type Server struct {
	config *common.Config
	logger arbor.ILogger

	agentHandler    *handlers.AgentHandler
	jobHandler      *handlers.JobHandler
	jobQueueHandler *handlers.JobQueueHandler
	tagHandler      *handlers.TagHandler
	softwareHandler *handlers.SoftwareHandler
	jobTypeHandler  *handlers.JobTypeHandler
	apiHandler      *handlers.APIHandler
	wsHandler       *handlers.WebSocketHandler

	scheduler interfaces.SchedulerService

	router *http.ServeMux
	server *http.Server
}

// New wires the handlers and builds the HTTP server.
func New(
	config *common.Config,
	logger arbor.ILogger,
	storage interfaces.StorageManager,
	dispatcher interfaces.Dispatcher,
	scheduler interfaces.SchedulerService,
	events interfaces.EventService,
) *Server {
	s := &Server{
		config:          config,
		logger:          logger,
		agentHandler:    handlers.NewAgentHandler(storage, dispatcher, events, config, logger),
		jobHandler:      handlers.NewJobHandler(storage, dispatcher, events, logger),
		jobQueueHandler: handlers.NewJobQueueHandler(storage, logger),
		tagHandler:      handlers.NewTagHandler(storage, logger),
		softwareHandler: handlers.NewSoftwareHandler(storage, logger),
		jobTypeHandler:  handlers.NewJobTypeHandler(storage, logger),
		apiHandler:      handlers.NewAPIHandler(logger),
		wsHandler:       handlers.NewWebSocketHandler(events, logger),
		scheduler:       scheduler,
	}

	s.router = s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.withConditionalMiddleware(s.router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// WebSocketHandler exposes the websocket handler so main can attach the log
// writer bridge.
func (s *Server) WebSocketHandler() *handlers.WebSocketHandler {
	return s.wsHandler
}

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start() error {
	s.logger.Info().
		Str("address", s.server.Addr).
		Msg("HTTP server starting")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server...")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info().Msg("HTTP server stopped")
	return nil
}
