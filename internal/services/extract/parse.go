// -----------------------------------------------------------------------
// Response Parser - Decodes assistant output into extraction results
// -----------------------------------------------------------------------

package extract

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/ternarybob/tabula/internal/models"
)

// rawExtraction is one decoded wire record before column resolution.
// Both wire decoders produce this shape.
type rawExtraction struct {
	columnID   string
	columnName string
	value      *string
	imageIndex int
	rowIndex   *int
	bbox       []float64
	confidence *float64
}

// Parse decodes assistant content in the project's wire format and
// resolves every record against the project schema. Records matching
// no column are dropped; bounding boxes are clamped, never rejected;
// a missing row_index reads as 0.
func Parse(project *models.Project, content string) ([]models.ExtractionResult, error) {
	body := stripFences(content)
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("%w: empty response", models.ErrParse)
	}

	var records []rawExtraction
	var err error
	if project.Flags.ToonOutput {
		records, err = decodeToon(body)
	} else {
		records, err = decodeJSON(body)
	}
	if err != nil {
		return nil, err
	}
	return resolve(project, records), nil
}

// stripFences removes a surrounding markdown code fence, with or
// without a language tag. Anything else is returned trimmed.
func stripFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	nl := strings.IndexByte(trimmed, '\n')
	if nl < 0 {
		return strings.TrimSpace(strings.Trim(trimmed, "`"))
	}
	trimmed = trimmed[nl+1:]
	if end := strings.LastIndex(trimmed, "```"); end >= 0 {
		trimmed = trimmed[:end]
	}
	return strings.Trim(trimmed, "\r\n")
}

// jsonExtraction is the JSON wire shape of one extraction. Indices
// decode as floats so models that emit 0.0 instead of 0 still parse.
type jsonExtraction struct {
	ColumnID   string          `json:"column_id"`
	ColumnName string          `json:"column_name"`
	Value      json.RawMessage `json:"value"`
	ImageIndex *float64        `json:"image_index"`
	RowIndex   *float64        `json:"row_index"`
	BBox2D     []float64       `json:"bbox_2d"`
	Confidence *float64        `json:"confidence"`
}

// decodeJSON accepts the documented envelope {"extractions": [...]},
// a bare extraction array, or a bare single extraction object (a shape
// some models produce for one-field redos).
func decodeJSON(body string) ([]rawExtraction, error) {
	data := []byte(body)

	var envelope struct {
		Extractions []jsonExtraction `json:"extractions"`
	}
	envErr := json.Unmarshal(data, &envelope)
	if envErr == nil && envelope.Extractions != nil {
		return fromJSONList(envelope.Extractions), nil
	}

	var list []jsonExtraction
	if err := json.Unmarshal(data, &list); err == nil && list != nil {
		return fromJSONList(list), nil
	}

	var single jsonExtraction
	if err := json.Unmarshal(data, &single); err == nil && (single.ColumnID != "" || single.ColumnName != "") {
		return fromJSONList([]jsonExtraction{single}), nil
	}

	if envErr == nil {
		envErr = fmt.Errorf("no extractions array")
	}
	return nil, fmt.Errorf("%w: %v", models.ErrParse, envErr)
}

func fromJSONList(list []jsonExtraction) []rawExtraction {
	records := make([]rawExtraction, 0, len(list))
	for _, e := range list {
		records = append(records, rawExtraction{
			columnID:   e.ColumnID,
			columnName: e.ColumnName,
			value:      decodeValue(e.Value),
			imageIndex: intFrom(e.ImageIndex),
			rowIndex:   intPtrFrom(e.RowIndex),
			bbox:       e.BBox2D,
			confidence: e.Confidence,
		})
	}
	return records
}

// decodeValue reads the value field: null stays nil, strings unquote,
// and bare numbers or booleans keep their literal text.
func decodeValue(raw json.RawMessage) *string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return &s
	}
	v := strings.TrimSpace(string(raw))
	return &v
}

func intFrom(f *float64) int {
	if f == nil {
		return 0
	}
	return int(*f)
}

func intPtrFrom(f *float64) *int {
	if f == nil {
		return nil
	}
	v := int(*f)
	return &v
}

// resolve maps wire records onto schema columns: exact column-id match
// first, then exact case-sensitive column-name match, else the record
// is dropped. Matched records are rewritten to the canonical column id
// and name.
func resolve(project *models.Project, records []rawExtraction) []models.ExtractionResult {
	results := make([]models.ExtractionResult, 0, len(records))
	for _, rec := range records {
		column := project.ColumnByID(rec.columnID)
		if column == nil {
			column = project.ColumnByName(rec.columnName)
		}
		if column == nil {
			continue
		}

		rowIndex := 0
		if rec.rowIndex != nil && *rec.rowIndex > 0 {
			rowIndex = *rec.rowIndex
		}

		result := models.ExtractionResult{
			ColumnID:   column.ID,
			ColumnName: column.Name,
			Value:      rec.value,
			ImageIndex: rec.imageIndex,
			RowIndex:   &rowIndex,
		}
		if len(rec.bbox) == 4 {
			result.BBox2D = clampBBox(rec.bbox)
		}
		if rec.confidence != nil {
			result.Confidence = clampConfidence(*rec.confidence)
		}
		results = append(results, result)
	}
	return results
}

// clampBBox rounds coordinates to integers and clamps each to
// [0, 1000].
func clampBBox(coords []float64) []int {
	out := make([]int, len(coords))
	for i, c := range coords {
		v := int(math.Round(c))
		if v < 0 {
			v = 0
		}
		if v > 1000 {
			v = 1000
		}
		out[i] = v
	}
	return out
}

func clampConfidence(c float64) *float64 {
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return &c
}
