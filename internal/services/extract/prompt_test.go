package extract

import (
	"strings"
	"testing"

	"github.com/ternarybob/tabula/internal/models"
)

func TestExtractionPromptRendersSchemaInOrder(t *testing.T) {
	project := testProject(func(p *models.Project) {
		p.Columns[0].Description = "Transaction date"
		p.Columns[1].AllowedValues = []string{"debit", "credit"}
	})

	prompt := BuildExtractionPrompt(project)

	dateAt := strings.Index(prompt, "id: date | name: Date | type: date")
	totalAt := strings.Index(prompt, "id: total | name: Total | type: currency")
	if dateAt < 0 || totalAt < 0 {
		t.Fatalf("Prompt missing column lines:\n%s", prompt)
	}
	if dateAt > totalAt {
		t.Errorf("Columns rendered out of stored order")
	}
	if !strings.Contains(prompt, "Description: Transaction date") {
		t.Errorf("Prompt missing column description")
	}
	if !strings.Contains(prompt, "Allowed values: debit, credit") {
		t.Errorf("Prompt missing allowed values")
	}
}

func TestExtractionPromptIsDeterministic(t *testing.T) {
	project := testProject(func(p *models.Project) {
		p.Flags = models.FeatureFlags{MultiRowExtraction: true, BoundingBoxes: true, ConfidenceScores: true}
	})
	if BuildExtractionPrompt(project) != BuildExtractionPrompt(project) {
		t.Fatal("Prompt is not deterministic")
	}
}

func TestExtractionPromptFlagConditionalRules(t *testing.T) {
	single := BuildExtractionPrompt(testProject(nil))
	if strings.Contains(single, "row_index") {
		t.Errorf("Single-row prompt should not mention row_index")
	}
	if strings.Contains(single, "bbox_2d") || strings.Contains(single, "confidence") {
		t.Errorf("Prompt mentions disabled features")
	}

	full := BuildExtractionPrompt(testProject(func(p *models.Project) {
		p.Flags = models.FeatureFlags{MultiRowExtraction: true, BoundingBoxes: true, ConfidenceScores: true}
	}))
	for _, want := range []string{"row_index", "bbox_2d", "[x1, y1, x2, y2]", "0 to 1000", "confidence"} {
		if !strings.Contains(full, want) {
			t.Errorf("Full-flag prompt missing %q", want)
		}
	}

	yxyx := BuildExtractionPrompt(testProject(func(p *models.Project) {
		p.Flags.BoundingBoxes = true
		p.CoordinateFormat = models.CoordinateFormatYXYX
	}))
	if !strings.Contains(yxyx, "[y_min, x_min, y_max, x_max]") {
		t.Errorf("Prompt did not describe the ymin_xmin_ymax_xmax tuple order")
	}
}

// The output example embedded in a prompt must parse under the same
// project settings, for every flag combination.
func TestPromptExamplesParseBack(t *testing.T) {
	for mask := 0; mask < 16; mask++ {
		flags := models.FeatureFlags{
			BoundingBoxes:      mask&1 != 0,
			ConfidenceScores:   mask&2 != 0,
			MultiRowExtraction: mask&4 != 0,
			ToonOutput:         mask&8 != 0,
		}
		project := testProject(func(p *models.Project) { p.Flags = flags })

		records := batchExampleRecords(project)
		var example string
		if flags.ToonOutput {
			example = renderToonExample(project, records)
		} else {
			example = renderJSONExample(records)
		}

		results, err := Parse(project, example)
		if err != nil {
			t.Fatalf("Flags %+v: example does not parse: %v\n%s", flags, err, example)
		}
		if len(results) != len(records) {
			t.Errorf("Flags %+v: parsed %d of %d example records", flags, len(results), len(records))
		}
		for _, result := range results {
			if flags.BoundingBoxes && len(result.BBox2D) != 4 {
				t.Errorf("Flags %+v: example record lost its bbox", flags)
			}
			if flags.ConfidenceScores && result.Confidence == nil {
				t.Errorf("Flags %+v: example record lost its confidence", flags)
			}
		}
	}
}

func TestRedoPromptScopesToRedoColumns(t *testing.T) {
	project := testProject(func(p *models.Project) {
		p.Columns = append(p.Columns, models.ColumnDefinition{ID: "desc", Name: "Description", Type: models.ColumnTypeText})
	})
	dateVal := "2024-03-15"
	descVal := "coffee"
	row := models.NewExtractionRow("b1", project.ID, 0, []models.ExtractionResult{
		{ColumnID: "date", ColumnName: "Date", Value: &dateVal},
		{ColumnID: "total", ColumnName: "Total", Value: nil},
		{ColumnID: "desc", ColumnName: "Description", Value: &descVal},
	})
	redoColumns := []models.ColumnDefinition{*project.ColumnByID("total")}

	prompt := BuildRedoPrompt(project, row, redoColumns, 0)

	if !strings.Contains(prompt, "id: total | name: Total") {
		t.Errorf("Redo prompt missing the redo column")
	}
	if strings.Contains(prompt, "id: date | name: Date") {
		t.Errorf("Redo prompt should not list non-redo columns for extraction")
	}
	if !strings.Contains(prompt, "Date (date): 2024-03-15") {
		t.Errorf("Redo prompt missing read-only context for date")
	}
	if !strings.Contains(prompt, "Description (desc): coffee") {
		t.Errorf("Redo prompt missing read-only context for desc")
	}
	if strings.Contains(prompt, "Total (total)") {
		t.Errorf("Redo prompt leaked the redo column into the context block")
	}
	if !strings.Contains(prompt, "Image 0 is the cropped region for column \"total\"") {
		t.Errorf("Redo prompt missing the crop image mapping")
	}
	if !strings.Contains(prompt, "one extraction per listed column (1 total)") {
		t.Errorf("Redo prompt should pin the expected extraction count")
	}
}

func TestRedoPromptExampleParsesBack(t *testing.T) {
	project := testProject(func(p *models.Project) {
		p.Flags = models.FeatureFlags{MultiRowExtraction: true, ToonOutput: true}
	})
	columns := []models.ColumnDefinition{*project.ColumnByID("total")}

	records := redoExampleRecords(project, columns, 4)
	example := renderToonExample(project, records)

	results, err := Parse(project, example)
	if err != nil {
		t.Fatalf("Redo example does not parse: %v\n%s", err, example)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 parsed record, got %d", len(results))
	}
	if results[0].RowIndex == nil || *results[0].RowIndex != 4 {
		t.Errorf("Redo example should carry the target row index, got %v", results[0].RowIndex)
	}
}
