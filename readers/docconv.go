package readers

import (
	"fmt"
	"strings"

	"code.sajari.com/docconv/v2"
)

// DocconvReader extracts the body text of binary documents with docconv.
// PDF extraction needs the pdftotext binary, .doc needs wv.
type DocconvReader struct {
	kind string
	exts []string
}

func NewPdfReader() *DocconvReader {
	return &DocconvReader{kind: "pdf", exts: []string{".pdf"}}
}

func NewOfficeReader() *DocconvReader {
	return &DocconvReader{kind: "office", exts: []string{".docx", ".doc", ".odt", ".rtf", ".xml"}}
}

func (r *DocconvReader) CanRead(path string) bool {
	return hasExt(path, r.exts...)
}

func (r *DocconvReader) ReadText(path string) (string, error) {
	res, err := docconv.ConvertPath(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s document: %w", r.kind, err)
	}

	return strings.TrimSpace(res.Body), nil
}
