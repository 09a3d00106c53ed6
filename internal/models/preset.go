package models

import "time"

// SchemaPreset is a named, shippable column-schema template (bank
// statement, receipt, invoice). Presets seed new projects; they carry no
// credentials or limits of their own.
type SchemaPreset struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Columns     []ColumnDefinition `json:"columns"`
	Flags       FeatureFlags       `json:"feature_flags"`
	LoadedAt    time.Time          `json:"loaded_at"`
}

// Validate checks the preset can actually seed a project.
func (p *SchemaPreset) Validate() error {
	probe := Project{
		UserID:                "preset",
		Columns:               p.Columns,
		RequestsPerMinute:     1,
		RequestTimeoutSeconds: 1,
		CoordinateFormat:      CoordinateFormatXYXY,
	}
	return probe.Validate()
}
