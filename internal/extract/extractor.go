// Package extract turns document files into plain text for ingestion.
package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

// Func extracts text from raw file content.
type Func func(content []byte) (string, error)

// Extractor dispatches on file extension. Unknown extensions are read as UTF-8 text.
type Extractor struct {
	byExt map[string]Func
}

// NewExtractor returns an Extractor with every built-in format registered.
func NewExtractor() *Extractor {
	e := &Extractor{byExt: make(map[string]Func)}
	for _, ext := range []string{".txt", ".md", ".rst", ".csv", ".json", ".html"} {
		e.Register(ext, plainText)
	}
	e.Register(".pdf", pdfText)
	e.Register(".xlsx", excelText)
	e.Register(".docx", officeText(docxParts, "t"))
	e.Register(".pptx", officeText(pptxParts, "t"))
	e.Register(".odt", officeText(odfParts, "p", "h", "span"))
	e.Register(".odp", officeText(odfParts, "p", "h", "span"))
	e.Register(".ods", officeText(odfParts, "p", "span"))
	return e
}

// Register sets the extraction func for ext (with leading dot).
func (e *Extractor) Register(ext string, fn Func) {
	e.byExt[strings.ToLower(ext)] = fn
}

// Extensions returns the registered extensions, sorted.
func (e *Extractor) Extensions() []string {
	out := make([]string, 0, len(e.byExt))
	for ext := range e.byExt {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Extract reads the file at path and returns its text content.
func (e *Extractor) Extract(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return e.ExtractBytes(content, filepath.Ext(path))
}

// ExtractBytes extracts text from content based on ext (e.g. ".pdf").
func (e *Extractor) ExtractBytes(content []byte, ext string) (string, error) {
	fn, ok := e.byExt[strings.ToLower(ext)]
	if !ok {
		fn = plainText
	}
	text, err := fn(content)
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", ext, err)
	}
	return text, nil
}

func plainText(content []byte) (string, error) {
	if !utf8.Valid(content) {
		return strings.ToValidUTF8(string(content), "�"), nil
	}
	return string(content), nil
}
