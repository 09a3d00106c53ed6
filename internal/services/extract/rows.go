// -----------------------------------------------------------------------
// Row Grouping - Partitions extraction results into dense rows
// -----------------------------------------------------------------------

package extract

import (
	"github.com/ternarybob/tabula/internal/models"
)

// GroupRows partitions results into extraction rows. Multi-row mode
// yields rows 0..max(row_index) with empty rows filling any gaps so
// indices stay dense. Single-row mode always yields exactly one row;
// higher indices collapse onto it. Within a row, the last result per
// column wins.
func GroupRows(batchID, projectID string, multiRow bool, results []models.ExtractionResult) []*models.ExtractionRow {
	if !multiRow {
		return []*models.ExtractionRow{
			models.NewExtractionRow(batchID, projectID, 0, collapse(results, 0)),
		}
	}

	maxIndex := -1
	byRow := make(map[int][]models.ExtractionResult)
	for _, result := range results {
		index := 0
		if result.RowIndex != nil && *result.RowIndex > 0 {
			index = *result.RowIndex
		}
		byRow[index] = append(byRow[index], result)
		if index > maxIndex {
			maxIndex = index
		}
	}

	rows := make([]*models.ExtractionRow, 0, maxIndex+1)
	for i := 0; i <= maxIndex; i++ {
		rows = append(rows, models.NewExtractionRow(batchID, projectID, i, collapse(byRow[i], i)))
	}
	return rows
}

// collapse deduplicates results by column id, keeping each column's
// first position but the last value seen, and stamps the row index into
// every result.
func collapse(results []models.ExtractionResult, rowIndex int) []models.ExtractionResult {
	out := make([]models.ExtractionResult, 0, len(results))
	position := make(map[string]int, len(results))
	for _, result := range results {
		idx := rowIndex
		result.RowIndex = &idx
		if at, seen := position[result.ColumnID]; seen {
			out[at] = result
			continue
		}
		position[result.ColumnID] = len(out)
		out = append(out, result)
	}
	return out
}
