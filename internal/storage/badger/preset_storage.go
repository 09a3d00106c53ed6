package badger

import (
	"context"
	"fmt"
	"sort"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tabula/internal/interfaces"
	"github.com/ternarybob/tabula/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// PresetStorage implements the PresetStorage interface for Badger
type PresetStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewPresetStorage creates a new PresetStorage instance
func NewPresetStorage(db *BadgerDB, logger arbor.ILogger) interfaces.PresetStorage {
	return &PresetStorage{
		db:     db,
		logger: logger,
	}
}

func (s *PresetStorage) SavePreset(ctx context.Context, preset *models.SchemaPreset) error {
	if err := s.db.Store().Upsert(preset.ID, *preset); err != nil {
		return fmt.Errorf("failed to save preset: %w", err)
	}
	return nil
}

func (s *PresetStorage) GetPreset(ctx context.Context, id string) (*models.SchemaPreset, error) {
	var preset models.SchemaPreset
	if err := s.db.Store().Get(id, &preset); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("%w: preset %s", models.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get preset: %w", err)
	}
	return &preset, nil
}

func (s *PresetStorage) ListPresets(ctx context.Context) ([]*models.SchemaPreset, error) {
	var presets []models.SchemaPreset
	if err := s.db.Store().Find(&presets, nil); err != nil {
		return nil, fmt.Errorf("failed to list presets: %w", err)
	}

	sort.Slice(presets, func(i, j int) bool {
		return presets[i].Name < presets[j].Name
	})

	result := make([]*models.SchemaPreset, len(presets))
	for i := range presets {
		result[i] = &presets[i]
	}
	return result, nil
}
