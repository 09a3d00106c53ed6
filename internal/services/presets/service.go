// -----------------------------------------------------------------------
// Preset Service - Read surface over the loaded schema presets
// -----------------------------------------------------------------------

package presets

import (
	"context"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tabula/internal/interfaces"
	"github.com/ternarybob/tabula/internal/models"
)

// Service exposes the schema presets loaded at startup. Presets are
// read-only at runtime; editing one means editing its file and
// restarting.
type Service struct {
	storage interfaces.PresetStorage
	logger  arbor.ILogger
}

// Compile-time interface assertion
var _ interfaces.PresetService = (*Service)(nil)

// NewService creates a new preset service
func NewService(storage interfaces.PresetStorage, logger arbor.ILogger) *Service {
	return &Service{
		storage: storage,
		logger:  logger,
	}
}

// List returns all loaded presets ordered by name.
func (s *Service) List(ctx context.Context) ([]*models.SchemaPreset, error) {
	presets, err := s.storage.ListPresets(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list schema presets")
		return nil, err
	}
	return presets, nil
}

// Get returns one preset by id.
func (s *Service) Get(ctx context.Context, id string) (*models.SchemaPreset, error) {
	preset, err := s.storage.GetPreset(ctx, id)
	if err != nil {
		s.logger.Warn().Err(err).Str("preset_id", id).Msg("Schema preset lookup failed")
		return nil, err
	}
	return preset, nil
}
