package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"
	arbormodels "github.com/ternarybob/arbor/models"
	"github.com/ternarybob/farmd/internal/common"
	"github.com/ternarybob/farmd/internal/dispatch"
	"github.com/ternarybob/farmd/internal/handlers"
	"github.com/ternarybob/farmd/internal/interfaces"
	"github.com/ternarybob/farmd/internal/models"
	"github.com/ternarybob/farmd/internal/scheduler"
	"github.com/ternarybob/farmd/internal/server"
	"github.com/ternarybob/farmd/internal/services/events"
	"github.com/ternarybob/farmd/internal/services/mailer"
	badgerstore "github.com/ternarybob/farmd/internal/storage/badger"
)

// configPaths is a custom flag type that allows multiple -config flags.
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles configPaths
	serverPort  = flag.Int("port", 0, "Server port (overrides config)")
	serverHost  = flag.String("host", "", "Server host (overrides config)")
	showVersion = flag.Bool("version", false, "Print version information")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("farmd version %s\n", common.GetVersion())
		os.Exit(0)
	}

	// Startup order: config, CLI overrides, logger, banner.
	if len(configFiles) == 0 {
		if _, err := os.Stat("farmd.toml"); err == nil {
			configFiles = append(configFiles, "farmd.toml")
		}
	}

	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		arbor.NewLogger().Fatal().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	common.ApplyFlagOverrides(config, *serverPort, *serverHost)

	logger := common.InitLogger(config)

	common.PrintBanner(common.GetVersion())

	logger.Info().
		Strs("config_files", configFiles).
		Str("host", config.Server.Host).
		Int("port", config.Server.Port).
		Str("strategy", config.Scheduler.Strategy).
		Msg("Configuration loaded")

	// Storage
	storage, err := badgerstore.NewManager(logger, &config.Storage.Badger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open entity store")
		os.Exit(1)
	}
	defer storage.Close()

	// Services
	eventService := events.NewService(logger)
	notifier := mailer.NewService(&config.Mail, logger)
	agentClient := dispatch.NewClient(&config.Agents, logger)
	dispatcher := dispatch.NewDispatcher(storage, agentClient, eventService, logger)
	schedulerService := scheduler.NewService(storage, dispatcher, agentClient, eventService, config, logger)

	// Completion notices go out when a job rolls up to a terminal state.
	eventService.Subscribe(interfaces.EventJobCompleted, func(ctx context.Context, event interfaces.Event) error {
		job, ok := event.Payload["job"].(*models.Job)
		if !ok {
			return nil
		}
		succeeded, _ := event.Payload["succeeded"].(bool)
		return notifier.NotifyJobComplete(ctx, job, succeeded)
	})

	if err := schedulerService.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start scheduler")
		os.Exit(1)
	}
	defer schedulerService.Stop()

	// HTTP control plane
	srv := server.New(config, logger, storage, dispatcher, schedulerService, eventService)

	// Bridge log output to websocket clients.
	if _, err := handlers.NewWebSocketWriter(srv.WebSocketHandler(), arbormodels.WriterConfiguration{
		Type: arbormodels.LogWriterTypeConsole,
	}); err != nil {
		logger.Warn().Err(err).Msg("Failed to start websocket log writer")
	}

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)).
		Msg("Master ready - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Interrupt signal received, shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}

	logger.Info().Msg("Master stopped")
}
