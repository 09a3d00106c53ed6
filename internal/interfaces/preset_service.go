package interfaces

import (
	"context"

	"github.com/ternarybob/tabula/internal/models"
)

// PresetService exposes the loaded schema presets.
type PresetService interface {
	List(ctx context.Context) ([]*models.SchemaPreset, error)
	Get(ctx context.Context, id string) (*models.SchemaPreset, error)
}
