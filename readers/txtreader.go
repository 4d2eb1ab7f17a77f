package readers

import (
	"fmt"
	"os"
	"strings"
)

const bom = "\uFEFF"

// TextReader reads plain text and markdown files. A leading byte order mark
// is dropped and invalid UTF-8 sequences are replaced.
type TextReader struct{}

func (r *TextReader) CanRead(path string) bool {
	return hasExt(path, ".txt", ".md", ".rst")
}

func (r *TextReader) ReadText(path string) (string, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read text file: %w", err)
	}

	text := strings.TrimPrefix(string(buf), bom)
	text = strings.ReplaceAll(text, "\r\n", "\n")

	return strings.ToValidUTF8(text, "\uFFFD"), nil
}
