// -----------------------------------------------------------------------
// Prompt Builder - Renders extraction and redo prompts deterministically
// -----------------------------------------------------------------------

package extract

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ternarybob/tabula/internal/models"
)

const extractionPreamble = `You are a data extraction engine. Read the attached document images and extract the requested fields exactly as they appear. Never invent values: when the document does not contain a value, report null.`

const redoPreamble = `You are a data extraction engine re-reading specific fields of a document. Each attached image is a cropped region containing exactly one field. Extract the requested fields exactly as they appear. Never invent values: when the region does not contain a value, report null.`

// exampleExtraction mirrors the JSON wire shape of one extraction so
// output examples are produced by the same encoder the parser reverses.
type exampleExtraction struct {
	ColumnID   string   `json:"column_id"`
	ColumnName string   `json:"column_name"`
	Value      string   `json:"value"`
	ImageIndex int      `json:"image_index"`
	RowIndex   *int     `json:"row_index,omitempty"`
	BBox2D     []int    `json:"bbox_2d,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// BuildExtractionPrompt renders the full-batch prompt: preamble, the
// schema in stored column order, the rules implied by the project's
// feature flags, and an output example in the project's wire format.
func BuildExtractionPrompt(project *models.Project) string {
	var b strings.Builder

	b.WriteString(extractionPreamble)

	b.WriteString("\n\n## Columns\n\n")
	b.WriteString("Extract a value for every column below:\n\n")
	writeSchema(&b, project.Columns)

	b.WriteString("\n## Rules\n\n")
	if project.Flags.MultiRowExtraction {
		b.WriteString("- The document contains one row per logical item (for example one row per transaction or line item). Extract every row.\n")
		b.WriteString("- row_index is the 0-based number of the row an extraction belongs to; rows are numbered in document order starting at 0.\n")
		b.WriteString("- Return one extraction per column per row.\n")
	} else {
		b.WriteString("- The document describes a single item. Return exactly one extraction per column.\n")
	}
	writeCommonRules(&b, project, "the image the value was read from")

	b.WriteString("\n## Output\n\n")
	writeOutputFormat(&b, project, batchExampleRecords(project))

	return b.String()
}

// BuildRedoPrompt renders the prompt for a single-row redo: only the
// redo columns, the row's remaining values as read-only context, and an
// example describing exactly len(columns) extractions for the target
// row.
func BuildRedoPrompt(project *models.Project, row *models.ExtractionRow, columns []models.ColumnDefinition, rowIndex int) string {
	var b strings.Builder

	b.WriteString(redoPreamble)

	b.WriteString("\n\n## Columns to re-extract\n\n")
	writeSchema(&b, columns)

	b.WriteString("\n## Images\n\n")
	for i, col := range columns {
		fmt.Fprintf(&b, "- Image %d is the cropped region for column %q (%s).\n", i, col.ID, col.Name)
	}

	writeRowContext(&b, row, columns)

	b.WriteString("\n## Rules\n\n")
	fmt.Fprintf(&b, "- Return exactly one extraction per listed column (%d total), each read from its own image.\n", len(columns))
	if project.Flags.MultiRowExtraction {
		fmt.Fprintf(&b, "- Every extraction carries row_index %d.\n", rowIndex)
	}
	writeCommonRules(&b, project, "the cropped image the value was read from")

	b.WriteString("\n## Output\n\n")
	writeOutputFormat(&b, project, redoExampleRecords(project, columns, rowIndex))

	return b.String()
}

// writeSchema renders columns in their stored order; the render is the
// contract the model echoes back, so it never reorders or omits.
func writeSchema(b *strings.Builder, columns []models.ColumnDefinition) {
	for i, col := range columns {
		fmt.Fprintf(b, "%d. id: %s | name: %s | type: %s\n", i+1, col.ID, col.Name, col.Type)
		if col.Description != "" {
			fmt.Fprintf(b, "   Description: %s\n", col.Description)
		}
		if len(col.AllowedValues) > 0 {
			fmt.Fprintf(b, "   Allowed values: %s\n", strings.Join(col.AllowedValues, ", "))
		}
		if col.ValidationPattern != "" {
			fmt.Fprintf(b, "   Validation pattern: %s\n", col.ValidationPattern)
		}
	}
}

// writeCommonRules renders the rule lines shared by both prompts.
// imageRef names what image_index points at, which differs between
// full pages and crops.
func writeCommonRules(b *strings.Builder, project *models.Project, imageRef string) {
	b.WriteString("- column_id must be the column id exactly as listed; column_name is the column's display name.\n")
	b.WriteString("- value is the extracted text, or null when the document does not contain it.\n")
	fmt.Fprintf(b, "- image_index is the 0-based position of %s.\n", imageRef)

	if project.Flags.BoundingBoxes {
		fmt.Fprintf(b, "- bbox_2d is the bounding box of the value on its image as %s.\n", bboxTupleLabel(project.CoordinateFormat))
		b.WriteString("- Bounding-box coordinates are integers from 0 to 1000; x and y are each normalized to the image width and height independently of aspect ratio.\n")
	}
	if project.Flags.ConfidenceScores {
		b.WriteString("- confidence is your certainty in the value, from 0.0 to 1.0.\n")
	}
}

// writeRowContext lists the row's values outside the redo set so the
// model sees the row it is correcting without re-extracting it.
func writeRowContext(b *strings.Builder, row *models.ExtractionRow, redoColumns []models.ColumnDefinition) {
	if row == nil {
		return
	}
	redoSet := make(map[string]bool, len(redoColumns))
	for _, col := range redoColumns {
		redoSet[col.ID] = true
	}

	var wrote bool
	for _, field := range row.RowData {
		if redoSet[field.ColumnID] {
			continue
		}
		if !wrote {
			b.WriteString("\n## Current row values (read-only context, do not re-extract)\n\n")
			wrote = true
		}
		value := "null"
		if field.Value != nil {
			value = *field.Value
		}
		fmt.Fprintf(b, "- %s (%s): %s\n", field.ColumnName, field.ColumnID, value)
	}
}

func bboxTupleLabel(format models.CoordinateFormat) string {
	if format == models.CoordinateFormatYXYX {
		return "[y_min, x_min, y_max, x_max]"
	}
	return "[x1, y1, x2, y2]"
}

// exampleBBox returns a representative tuple in the given format.
func exampleBBox(format models.CoordinateFormat) []int {
	if format == models.CoordinateFormatYXYX {
		return []int{80, 120, 108, 260}
	}
	return []int{120, 80, 260, 108}
}

// exampleValue returns a plausible value for a column type, used only
// inside output examples.
func exampleValue(columnType models.ColumnType) string {
	switch columnType {
	case models.ColumnTypeNumber:
		return "3"
	case models.ColumnTypeDate:
		return "2024-03-15"
	case models.ColumnTypeCurrency:
		return "42.00"
	case models.ColumnTypeBoolean:
		return "true"
	default:
		return "example text"
	}
}

// batchExampleRecords builds the example extraction set for a full
// batch: one extraction per column, over two rows when multi-row mode
// is on.
func batchExampleRecords(project *models.Project) []exampleExtraction {
	rowCount := 1
	if project.Flags.MultiRowExtraction {
		rowCount = 2
	}
	records := make([]exampleExtraction, 0, rowCount*len(project.Columns))
	for r := 0; r < rowCount; r++ {
		for _, col := range project.Columns {
			records = append(records, newExampleRecord(project, col, 0, r))
		}
	}
	return records
}

// redoExampleRecords builds the example set for a redo: one extraction
// per redo column, image_index following crop order, all on the target
// row.
func redoExampleRecords(project *models.Project, columns []models.ColumnDefinition, rowIndex int) []exampleExtraction {
	records := make([]exampleExtraction, 0, len(columns))
	for i, col := range columns {
		records = append(records, newExampleRecord(project, col, i, rowIndex))
	}
	return records
}

func newExampleRecord(project *models.Project, col models.ColumnDefinition, imageIndex, rowIndex int) exampleExtraction {
	record := exampleExtraction{
		ColumnID:   col.ID,
		ColumnName: col.Name,
		Value:      exampleValue(col.Type),
		ImageIndex: imageIndex,
	}
	if project.Flags.MultiRowExtraction {
		r := rowIndex
		record.RowIndex = &r
	}
	if project.Flags.BoundingBoxes {
		record.BBox2D = exampleBBox(project.CoordinateFormat)
	}
	if project.Flags.ConfidenceScores {
		c := 0.95
		record.Confidence = &c
	}
	return record
}

// writeOutputFormat renders the response-format section: instructions
// plus an example produced by the same encoding the parser accepts.
func writeOutputFormat(b *strings.Builder, project *models.Project, records []exampleExtraction) {
	if project.Flags.ToonOutput {
		b.WriteString("Respond in TOON and nothing else. The header declares the extraction count and field order; every following line is one extraction, indented two spaces, values TAB-separated in header order. Use the literal null for a missing value. Wrap a value in double quotes (escaping \" as \\\") when it contains a tab or newline or starts with a quote. For example:\n\n")
		b.WriteString(renderToonExample(project, records))
		b.WriteString("\n")
		return
	}
	b.WriteString("Respond with a single JSON object in exactly this shape and nothing else:\n\n")
	b.WriteString(renderJSONExample(records))
	b.WriteString("\n")
}

// renderJSONExample marshals the example records through the real wire
// structs, so the example shape cannot drift from the parser.
func renderJSONExample(records []exampleExtraction) string {
	envelope := struct {
		Extractions []exampleExtraction `json:"extractions"`
	}{Extractions: records}
	data, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return "{\"extractions\": []}"
	}
	return string(data)
}

// renderToonExample encodes the example records in the TOON wire format.
func renderToonExample(project *models.Project, records []exampleExtraction) string {
	fields := wireFields(project.Flags)
	rows := make([][]string, len(records))
	for i, record := range records {
		row := make([]string, 0, len(fields))
		for _, field := range fields {
			row = append(row, toonExampleValue(field, record))
		}
		rows[i] = row
	}
	return encodeToon(fields, rows)
}

// wireFields lists the TOON header fields implied by the feature flags,
// in the declared order the examples use.
func wireFields(flags models.FeatureFlags) []string {
	fields := []string{"column_id", "column_name", "value", "image_index"}
	if flags.MultiRowExtraction {
		fields = append(fields, "row_index")
	}
	if flags.BoundingBoxes {
		fields = append(fields, "bbox_2d")
	}
	if flags.ConfidenceScores {
		fields = append(fields, "confidence")
	}
	return fields
}

func toonExampleValue(field string, record exampleExtraction) string {
	switch field {
	case "column_id":
		return record.ColumnID
	case "column_name":
		return record.ColumnName
	case "value":
		return record.Value
	case "image_index":
		return strconv.Itoa(record.ImageIndex)
	case "row_index":
		if record.RowIndex == nil {
			return "null"
		}
		return strconv.Itoa(*record.RowIndex)
	case "bbox_2d":
		if len(record.BBox2D) != 4 {
			return "null"
		}
		return fmt.Sprintf("[%d,%d,%d,%d]", record.BBox2D[0], record.BBox2D[1], record.BBox2D[2], record.BBox2D[3])
	case "confidence":
		if record.Confidence == nil {
			return "null"
		}
		return strconv.FormatFloat(*record.Confidence, 'f', 2, 64)
	default:
		return "null"
	}
}
