// Package spreadsheet converts uploaded workbooks into a bounded text block
// suitable for inclusion in a session's context data.
package spreadsheet

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

// maxPreviewRows caps how many records per sheet are rendered into the
// context block; the full workbook never reaches the model.
const maxPreviewRows = 10

// Sheet summarizes one worksheet.
type Sheet struct {
	Name     string   `json:"name"`
	RowCount int      `json:"row_count"`
	Columns  []string `json:"columns"`
}

// Result is the outcome of parsing one workbook.
type Result struct {
	Sheets           []Sheet `json:"sheets"`
	FormattedContext string  `json:"formatted_context"`
}

// Parse reads an xlsx workbook and renders each sheet into the uploaded-data
// context block: header row becomes the column list, each record becomes one
// "key: value | key: value" line, capped at maxPreviewRows with a truncation
// notice.
func Parse(r io.Reader) (*Result, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	b.WriteString("=== UPLOADED DATA CONTEXT ===\n\n")

	result := &Result{}
	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name)
		if err != nil {
			return nil, fmt.Errorf("read sheet %q: %w", name, err)
		}

		var columns []string
		var dataRows [][]string
		if len(rows) > 0 {
			columns = rows[0]
			for _, row := range rows[1:] {
				if isEmptyRow(row) {
					continue
				}
				dataRows = append(dataRows, row)
			}
		}

		sheet := Sheet{Name: name, RowCount: len(dataRows), Columns: columns}
		result.Sheets = append(result.Sheets, sheet)

		fmt.Fprintf(&b, "## %s DATA\n", strings.ToUpper(name))
		fmt.Fprintf(&b, "Columns: %s\n", strings.Join(columns, ", "))
		fmt.Fprintf(&b, "Total Records: %d\n\n", len(dataRows))

		preview := len(dataRows)
		if preview > maxPreviewRows {
			preview = maxPreviewRows
		}
		for _, row := range dataRows[:preview] {
			b.WriteString("- " + renderRecord(columns, row) + "\n")
		}
		if len(dataRows) > maxPreviewRows {
			fmt.Fprintf(&b, "... and %d more records\n", len(dataRows)-maxPreviewRows)
		}
		b.WriteString("\n")
	}

	result.FormattedContext = strings.TrimSpace(b.String())
	return result, nil
}

// renderRecord joins a row's non-empty cells as "column: value" pairs.
func renderRecord(columns, row []string) string {
	pairs := make([]string, 0, len(columns))
	for i, col := range columns {
		if i >= len(row) || row[i] == "" {
			continue
		}
		pairs = append(pairs, col+": "+row[i])
	}
	return strings.Join(pairs, " | ")
}

func isEmptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
