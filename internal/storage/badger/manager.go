package badger

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tabula/internal/common"
	"github.com/ternarybob/tabula/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db      *BadgerDB
	project interfaces.ProjectStorage
	batch   interfaces.BatchStorage
	image   interfaces.ImageStorage
	row     interfaces.RowStorage
	queue   interfaces.QueueStorage
	metric  interfaces.MetricStorage
	preset  interfaces.PresetStorage
	logger  arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.Config) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, &config.Storage.Badger)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:      db,
		project: NewProjectStorage(db, logger),
		batch:   NewBatchStorage(db, logger),
		image:   NewImageStorage(db, logger),
		row:     NewRowStorage(db, logger),
		queue:   NewQueueStorage(db, config.Queue.RetryDelayDuration(), logger),
		metric:  NewMetricStorage(db, logger),
		preset:  NewPresetStorage(db, logger),
		logger:  logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// ProjectStorage returns the Project storage interface
func (m *Manager) ProjectStorage() interfaces.ProjectStorage {
	return m.project
}

// BatchStorage returns the Batch storage interface
func (m *Manager) BatchStorage() interfaces.BatchStorage {
	return m.batch
}

// ImageStorage returns the Image storage interface
func (m *Manager) ImageStorage() interfaces.ImageStorage {
	return m.image
}

// RowStorage returns the Row storage interface
func (m *Manager) RowStorage() interfaces.RowStorage {
	return m.row
}

// QueueStorage returns the Queue storage interface
func (m *Manager) QueueStorage() interfaces.QueueStorage {
	return m.queue
}

// MetricStorage returns the Metric storage interface
func (m *Manager) MetricStorage() interfaces.MetricStorage {
	return m.metric
}

// PresetStorage returns the Preset storage interface
func (m *Manager) PresetStorage() interfaces.PresetStorage {
	return m.preset
}

// LoadPresetsFromFiles loads the embedded built-in presets, then
// overlays TOML and YAML files from dirPath. Directory presets win on
// id collisions.
func (m *Manager) LoadPresetsFromFiles(ctx context.Context, dirPath string) error {
	if err := LoadEmbeddedPresets(ctx, m.preset, m.logger); err != nil {
		return err
	}
	return LoadPresetsFromFiles(ctx, m.preset, dirPath, m.logger)
}

// DB returns the underlying database connection
func (m *Manager) DB() interface{} {
	if m.db != nil {
		return m.db.Store()
	}
	return nil
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
