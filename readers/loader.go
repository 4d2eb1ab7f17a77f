package readers

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var ErrUnsupportedFormat = errors.New("unsupported format")

// Format tags the kind of source a document was extracted from.
type Format string

const (
	FormatText        Format = "text"
	FormatTabular     Format = "tabular"
	FormatSpreadsheet Format = "spreadsheet"
	FormatWord        Format = "word"
	FormatPdf         Format = "pdf"
)

type Document struct {
	Text   string
	Format Format
}

type FileReader interface {
	CanRead(path string) bool
	ReadText(path string) (string, error)
}

type entry struct {
	format Format
	reader FileReader
}

// Loader picks the first registered reader able to handle a path.
type Loader struct {
	readers []entry
}

func NewLoader() *Loader {
	l := &Loader{}
	l.Register(FormatText, &TextReader{})
	l.Register(FormatTabular, &CsvFileReader{})
	l.Register(FormatSpreadsheet, &XlsxFileReader{})
	l.Register(FormatPdf, NewPdfReader())
	l.Register(FormatWord, NewOfficeReader())
	return l
}

func (l *Loader) Register(f Format, r FileReader) {
	l.readers = append(l.readers, entry{format: f, reader: r})
}

func (l *Loader) CanLoad(path string) bool {
	_, ok := l.find(path)
	return ok
}

func (l *Loader) Load(path string) (Document, error) {
	e, ok := l.find(path)
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}

	text, err := e.reader.ReadText(path)
	if err != nil {
		return Document{}, fmt.Errorf("failed to load %s: %w", path, err)
	}

	return Document{Text: text, Format: e.format}, nil
}

func (l *Loader) find(path string) (entry, bool) {
	for _, e := range l.readers {
		if e.reader.CanRead(path) {
			return e, true
		}
	}
	return entry{}, false
}

func hasExt(path string, exts ...string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}
