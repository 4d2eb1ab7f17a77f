package readers

import (
	"strconv"
	"strings"
)

// renderTable flattens rows into text: a title line, the header, the row count
// and every data row with cells joined by " | ".
func renderTable(title string, rows [][]string) string {
	var sb strings.Builder
	sb.WriteString(title + "\n")

	if len(rows) == 0 {
		return sb.String()
	}

	sb.WriteString("columns: " + strings.Join(rows[0], ", ") + "\n")
	sb.WriteString("rows: " + strconv.Itoa(len(rows)-1) + "\n")
	for _, row := range rows[1:] {
		sb.WriteString(strings.Join(row, " | ") + "\n")
	}

	return sb.String()
}
