package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/farmd/internal/common"
	"github.com/ternarybob/farmd/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db       *BadgerDB
	agent    interfaces.AgentStorage
	job      interfaces.JobStorage
	task     interfaces.TaskStorage
	queue    interfaces.QueueStorage
	jobtype  interfaces.JobTypeStorage
	software interfaces.SoftwareStorage
	tag      interfaces.TagStorage
	tasklog  interfaces.TaskLogStorage
	logger   arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:       db,
		agent:    NewAgentStorage(db, logger),
		job:      NewJobStorage(db, logger),
		task:     NewTaskStorage(db, logger),
		queue:    NewQueueStorage(db, logger),
		jobtype:  NewJobTypeStorage(db, logger),
		software: NewSoftwareStorage(db, logger),
		tag:      NewTagStorage(db, logger),
		tasklog:  NewTaskLogStorage(db, logger),
		logger:   logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

func (m *Manager) AgentStorage() interfaces.AgentStorage       { return m.agent }
func (m *Manager) JobStorage() interfaces.JobStorage           { return m.job }
func (m *Manager) TaskStorage() interfaces.TaskStorage         { return m.task }
func (m *Manager) QueueStorage() interfaces.QueueStorage       { return m.queue }
func (m *Manager) JobTypeStorage() interfaces.JobTypeStorage   { return m.jobtype }
func (m *Manager) SoftwareStorage() interfaces.SoftwareStorage { return m.software }
func (m *Manager) TagStorage() interfaces.TagStorage           { return m.tag }
func (m *Manager) TaskLogStorage() interfaces.TaskLogStorage   { return m.tasklog }

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
