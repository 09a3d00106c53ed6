// -----------------------------------------------------------------------
// Storage Interfaces - Durable persistence contracts
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/tabula/internal/models"
)

// ProjectStorage persists extraction projects.
type ProjectStorage interface {
	SaveProject(ctx context.Context, project *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	ListProjects(ctx context.Context, userID string) ([]*models.Project, error)
	// DeleteProject removes the project and cascades through its batches.
	DeleteProject(ctx context.Context, id string) error
}

// BatchStorage persists image batches.
type BatchStorage interface {
	SaveBatch(ctx context.Context, batch *models.ImageBatch) error
	GetBatch(ctx context.Context, id string) (*models.ImageBatch, error)
	ListBatches(ctx context.Context, projectID string) ([]*models.ImageBatch, error)
	// DeleteBatch removes the batch after deleting its child rows and
	// images, all in one transaction.
	DeleteBatch(ctx context.Context, id string) error
}

// ImageStorage persists batch images and serves their bytes and OCR
// text. This is the object-store surface the pipelines read from.
type ImageStorage interface {
	SaveImage(ctx context.Context, image *models.Image) error
	GetImage(ctx context.Context, id string) (*models.Image, error)
	// ListImages returns a batch's images ordered by position.
	ListImages(ctx context.Context, batchID string) ([]*models.Image, error)
	CountImages(ctx context.Context, batchID string) (int, error)
	DeleteImagesForBatch(ctx context.Context, batchID string) error
}

// RowStorage reads extraction rows. Mutation goes through QueueStorage
// so status transitions stay transactional.
type RowStorage interface {
	GetRow(ctx context.Context, batchID string, rowIndex int) (*models.ExtractionRow, error)
	// ListRows returns a batch's rows ordered by row index. Deleted rows
	// are excluded unless includeDeleted is set.
	ListRows(ctx context.Context, batchID string, includeDeleted bool) ([]*models.ExtractionRow, error)
}

// MetricStorage persists processing metrics.
type MetricStorage interface {
	SaveMetric(ctx context.Context, metric *models.ProcessingMetric) error
	ListMetrics(ctx context.Context, projectID string, limit int) ([]*models.ProcessingMetric, error)
	// PruneMetrics deletes records older than the cutoff, returning the
	// number removed.
	PruneMetrics(ctx context.Context, cutoff time.Time) (int, error)
}

// PresetStorage persists loaded schema presets.
type PresetStorage interface {
	SavePreset(ctx context.Context, preset *models.SchemaPreset) error
	GetPreset(ctx context.Context, id string) (*models.SchemaPreset, error)
	ListPresets(ctx context.Context) ([]*models.SchemaPreset, error)
}

// StorageManager bundles the storage interfaces over one database.
type StorageManager interface {
	ProjectStorage() ProjectStorage
	BatchStorage() BatchStorage
	ImageStorage() ImageStorage
	RowStorage() RowStorage
	QueueStorage() QueueStorage
	MetricStorage() MetricStorage
	PresetStorage() PresetStorage

	// LoadPresetsFromFiles loads the embedded built-in presets, then
	// overlays TOML and YAML files from the directory into PresetStorage.
	LoadPresetsFromFiles(ctx context.Context, dirPath string) error

	// DB exposes the underlying store handle for components that need
	// raw transactions.
	DB() interface{}
	Close() error
}
