package readers

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

type XlsxFileReader struct{}

func (r *XlsxFileReader) CanRead(path string) bool {
	return hasExt(path, ".xlsx", ".xlsm")
}

// ReadText renders every sheet of the workbook, one table per sheet.
func (r *XlsxFileReader) ReadText(path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	var sb strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("failed to read sheet %s: %w", sheet, err)
		}
		sb.WriteString(renderTable(fmt.Sprintf("spreadsheet: %s / %s", filepath.Base(path), sheet), rows))
	}

	return sb.String(), nil
}
