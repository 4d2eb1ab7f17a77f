package readers

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
)

type CsvFileReader struct{}

func (r *CsvFileReader) CanRead(path string) bool {
	return hasExt(path, ".csv")
}

func (r *CsvFileReader) ReadText(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open csv file: %w", err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	rows, err := cr.ReadAll()
	if err != nil {
		return "", fmt.Errorf("failed to parse csv file: %w", err)
	}

	return renderTable("csv file: "+filepath.Base(path), rows), nil
}
