package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ColumnType tags the kind of value a column extracts.
type ColumnType string

const (
	ColumnTypeText     ColumnType = "text"
	ColumnTypeNumber   ColumnType = "number"
	ColumnTypeDate     ColumnType = "date"
	ColumnTypeCurrency ColumnType = "currency"
	ColumnTypeBoolean  ColumnType = "boolean"
)

// IsValid reports whether the column type is one of the supported tags.
func (t ColumnType) IsValid() bool {
	switch t {
	case ColumnTypeText, ColumnTypeNumber, ColumnTypeDate, ColumnTypeCurrency, ColumnTypeBoolean:
		return true
	}
	return false
}

// CoordinateFormat selects the bounding-box tuple order on the wire.
// Both variants use integers 0-1000 with x and y normalized independently.
type CoordinateFormat string

const (
	// CoordinateFormatXYXY is [x1, y1, x2, y2].
	CoordinateFormatXYXY CoordinateFormat = "x1y1x2y2"
	// CoordinateFormatYXYX is [y_min, x_min, y_max, x_max].
	CoordinateFormatYXYX CoordinateFormat = "ymin_xmin_ymax_xmax"
)

// IsValid reports whether the format is a supported variant.
func (f CoordinateFormat) IsValid() bool {
	return f == CoordinateFormatXYXY || f == CoordinateFormatYXYX
}

// ColumnDefinition is the unit of extraction: one typed column of the
// output table. The ID is stable within its project; the display name is
// what the model sees and may echo back in place of the id.
type ColumnDefinition struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Type              ColumnType `json:"type"`
	Description       string     `json:"description,omitempty"`
	AllowedValues     []string   `json:"allowed_values,omitempty"`
	ValidationPattern string     `json:"validation_pattern,omitempty"`
}

// FeatureFlags toggle the extraction behaviors a project has enabled.
// Each flag adds a rules block to the prompt and widens the expected
// response shape.
type FeatureFlags struct {
	BoundingBoxes      bool `json:"bounding_boxes"`
	ConfidenceScores   bool `json:"confidence_scores"`
	MultiRowExtraction bool `json:"multi_row_extraction"`
	ToonOutput         bool `json:"toon_output"`
}

// Project owns the extraction configuration: the ordered column schema,
// feature flags, the LLM endpoint settings, and the per-project rate
// limits the pool enforces.
type Project struct {
	ID     string `json:"id"`
	UserID string `json:"user_id" badgerhold:"index"`
	Name   string `json:"name"`

	Columns []ColumnDefinition `json:"columns"`
	Flags   FeatureFlags       `json:"feature_flags"`

	// LLM endpoint settings. Empty endpoint/model/key fall back to the
	// server-wide defaults at call time.
	LLMEndpoint string `json:"llm_endpoint,omitempty"`
	LLMModel    string `json:"llm_model,omitempty"`
	LLMAPIKey   string `json:"llm_api_key,omitempty"`

	RequestsPerMinute      int  `json:"requests_per_minute"`
	EnableParallelRequests bool `json:"enable_parallel_requests"`

	RequestTimeoutSeconds int              `json:"request_timeout_seconds"`
	CoordinateFormat      CoordinateFormat `json:"coordinate_format"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewProject creates a project with house defaults: 10 requests/minute,
// sequential requests, 120s request timeout, x1y1x2y2 coordinates.
func NewProject(userID, name string, columns []ColumnDefinition) *Project {
	now := time.Now().UTC()
	return &Project{
		ID:                    uuid.New().String(),
		UserID:                userID,
		Name:                  name,
		Columns:               columns,
		RequestsPerMinute:     10,
		RequestTimeoutSeconds: 120,
		CoordinateFormat:      CoordinateFormatXYXY,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// Validate checks the structural invariants: at least one column, unique
// column ids, known column types, sane limits, a supported coordinate
// format.
func (p *Project) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("project user_id is required")
	}
	if len(p.Columns) == 0 {
		return fmt.Errorf("project requires at least one column")
	}
	seen := make(map[string]struct{}, len(p.Columns))
	for i, col := range p.Columns {
		if col.ID == "" {
			return fmt.Errorf("column %d: id is required", i)
		}
		if _, dup := seen[col.ID]; dup {
			return fmt.Errorf("column id %q is not unique", col.ID)
		}
		seen[col.ID] = struct{}{}
		if !col.Type.IsValid() {
			return fmt.Errorf("column %q: unknown type %q", col.ID, col.Type)
		}
	}
	if p.RequestsPerMinute < 1 {
		return fmt.Errorf("requests_per_minute must be >= 1")
	}
	if p.RequestTimeoutSeconds < 1 {
		return fmt.Errorf("request_timeout_seconds must be >= 1")
	}
	if !p.CoordinateFormat.IsValid() {
		return fmt.Errorf("unknown coordinate_format %q", p.CoordinateFormat)
	}
	return nil
}

// ColumnByID returns the column with the given id, or nil.
func (p *Project) ColumnByID(id string) *ColumnDefinition {
	for i := range p.Columns {
		if p.Columns[i].ID == id {
			return &p.Columns[i]
		}
	}
	return nil
}

// ColumnByName returns the first column whose display name matches
// exactly (case-sensitive), or nil.
func (p *Project) ColumnByName(name string) *ColumnDefinition {
	for i := range p.Columns {
		if p.Columns[i].Name == name {
			return &p.Columns[i]
		}
	}
	return nil
}

// MaxConcurrency resolves the project's concurrency cap: parallelCount
// when parallel requests are enabled, otherwise 1.
func (p *Project) MaxConcurrency(parallelCount int) int {
	if p.EnableParallelRequests && parallelCount > 1 {
		return parallelCount
	}
	return 1
}

// RequestTimeout returns the per-request deadline as a duration.
func (p *Project) RequestTimeout() time.Duration {
	return time.Duration(p.RequestTimeoutSeconds) * time.Second
}
