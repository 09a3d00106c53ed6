package badger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tabula/internal/interfaces"
	"github.com/ternarybob/tabula/internal/models"
	"github.com/ternarybob/tabula/internal/schemas"
	"gopkg.in/yaml.v3"
)

// presetFile is the on-disk shape of a schema preset. TOML and YAML
// carry the same structure.
type presetFile struct {
	Name        string         `toml:"name" yaml:"name"`
	Description string         `toml:"description" yaml:"description"`
	Columns     []presetColumn `toml:"columns" yaml:"columns"`
	Flags       presetFlags    `toml:"flags" yaml:"flags"`
}

type presetColumn struct {
	ID                string   `toml:"id" yaml:"id"`
	Name              string   `toml:"name" yaml:"name"`
	Type              string   `toml:"type" yaml:"type"`
	Description       string   `toml:"description" yaml:"description"`
	AllowedValues     []string `toml:"allowed_values" yaml:"allowed_values"`
	ValidationPattern string   `toml:"validation_pattern" yaml:"validation_pattern"`
}

type presetFlags struct {
	BoundingBoxes      bool `toml:"bounding_boxes" yaml:"bounding_boxes"`
	ConfidenceScores   bool `toml:"confidence_scores" yaml:"confidence_scores"`
	MultiRowExtraction bool `toml:"multi_row_extraction" yaml:"multi_row_extraction"`
	ToonOutput         bool `toml:"toon_output" yaml:"toon_output"`
}

func (f *presetFile) toPreset(id string) *models.SchemaPreset {
	columns := make([]models.ColumnDefinition, len(f.Columns))
	for i, col := range f.Columns {
		columns[i] = models.ColumnDefinition{
			ID:                col.ID,
			Name:              col.Name,
			Type:              models.ColumnType(col.Type),
			Description:       col.Description,
			AllowedValues:     col.AllowedValues,
			ValidationPattern: col.ValidationPattern,
		}
	}
	return &models.SchemaPreset{
		ID:          id,
		Name:        f.Name,
		Description: f.Description,
		Columns:     columns,
		Flags: models.FeatureFlags{
			BoundingBoxes:      f.Flags.BoundingBoxes,
			ConfidenceScores:   f.Flags.ConfidenceScores,
			MultiRowExtraction: f.Flags.MultiRowExtraction,
			ToonOutput:         f.Flags.ToonOutput,
		},
		LoadedAt: time.Now().UTC(),
	}
}

// loadPresetDefinition parses one preset definition and saves it under
// the id derived from its file name. Returns false when the definition
// was skipped.
func loadPresetDefinition(ctx context.Context, presetStorage interfaces.PresetStorage, name string, raw []byte, logger arbor.ILogger) bool {
	ext := filepath.Ext(name)

	var file presetFile
	var err error
	if ext == ".toml" {
		err = toml.Unmarshal(raw, &file)
	} else {
		err = yaml.Unmarshal(raw, &file)
	}
	if err != nil {
		logger.Warn().Err(err).Str("file", name).Msg("Failed to parse preset file")
		return false
	}

	preset := file.toPreset(strings.TrimSuffix(name, ext))
	if err := preset.Validate(); err != nil {
		logger.Warn().Err(err).Str("file", name).Msg("Preset validation failed, skipping")
		return false
	}

	if err := presetStorage.SavePreset(ctx, preset); err != nil {
		logger.Warn().Err(err).Str("file", name).Str("preset_id", preset.ID).Msg("Failed to save preset")
		return false
	}

	logger.Info().Str("file", name).Str("preset_id", preset.ID).Str("name", preset.Name).Msg("Schema preset loaded")
	return true
}

// LoadEmbeddedPresets loads the built-in presets compiled into the
// binary. Directory presets with the same id override them when loaded
// afterwards.
func LoadEmbeddedPresets(ctx context.Context, presetStorage interfaces.PresetStorage, logger arbor.ILogger) error {
	files, err := schemas.PresetFiles()
	if err != nil {
		return fmt.Errorf("failed to read embedded presets: %w", err)
	}

	loadedCount := 0
	for name, raw := range files {
		if loadPresetDefinition(ctx, presetStorage, name, raw, logger) {
			loadedCount++
		}
	}

	logger.Info().Int("count", loadedCount).Msg("Built-in schema presets loaded")
	return nil
}

// LoadPresetsFromFiles loads schema presets from TOML and YAML files in
// the specified directory. The file name (without extension) is the
// preset id, so reloading a changed file updates in place.
func LoadPresetsFromFiles(ctx context.Context, presetStorage interfaces.PresetStorage, presetsDir string, logger arbor.ILogger) error {
	// Check if directory exists
	if _, err := os.Stat(presetsDir); os.IsNotExist(err) {
		logger.Debug().Str("dir", presetsDir).Msg("Presets directory does not exist, skipping")
		return nil
	}

	logger.Info().Str("dir", presetsDir).Msg("Loading schema presets from files")

	entries, err := os.ReadDir(presetsDir)
	if err != nil {
		return fmt.Errorf("failed to read presets directory: %w", err)
	}

	loadedCount := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".toml" && ext != ".yaml" && ext != ".yml" {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(presetsDir, entry.Name()))
		if err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to read preset file")
			continue
		}

		if loadPresetDefinition(ctx, presetStorage, entry.Name(), raw, logger) {
			loadedCount++
		}
	}

	if loadedCount > 0 {
		logger.Info().Int("count", loadedCount).Msg("Schema presets loaded from files")
	} else {
		logger.Debug().Msg("No schema presets loaded from files")
	}

	return nil
}
