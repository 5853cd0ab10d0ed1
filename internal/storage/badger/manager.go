package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/promptrelay/internal/common"
	"github.com/ternarybob/promptrelay/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db      *BadgerDB
	job     interfaces.JobStorage
	batch   interfaces.BatchStorage
	state   interfaces.ExecutionStateStorage
	metrics interfaces.MetricsStorage
	logger  arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := newManager(db, logger)
	logger.Info().Str("path", config.Path).Msg("Badger storage manager initialized")

	return manager, nil
}

func newManager(db *BadgerDB, logger arbor.ILogger) *Manager {
	return &Manager{
		db:      db,
		job:     NewJobStorage(db, logger),
		batch:   NewBatchStorage(db, logger),
		state:   NewExecutionStateStorage(db, logger),
		metrics: NewMetricsStorage(db, logger),
		logger:  logger,
	}
}

// JobStorage returns the Job storage interface
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// BatchStorage returns the Batch storage interface
func (m *Manager) BatchStorage() interfaces.BatchStorage {
	return m.batch
}

// ExecutionStateStorage returns the execution state storage interface
func (m *Manager) ExecutionStateStorage() interfaces.ExecutionStateStorage {
	return m.state
}

// MetricsStorage returns the metrics storage interface
func (m *Manager) MetricsStorage() interfaces.MetricsStorage {
	return m.metrics
}

// Close closes the database connection
func (m *Manager) Close() error {
	m.logger.Info().Msg("Closing Badger storage")
	return m.db.Close()
}
