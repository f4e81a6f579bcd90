// Package ingest turns uploaded document bytes into ordered, overlapping
// text segments and their embeddings.
package ingest

import (
	"fmt"
	"path/filepath"
	"strings"

	"gwi.com/doc-chat/internal/apperr"
)

type Format string

const (
	FormatPDF           Format = "pdf"
	FormatWordProcessor Format = "word-processor"
	FormatPlainText     Format = "plain-text"
)

var (
	ErrUnsupportedFormat = apperr.New(apperr.Validation, "unsupported format")
	ErrFileTooLarge      = apperr.New(apperr.Validation, "file too large")
)

var formatsByExt = map[string]Format{
	".pdf":  FormatPDF,
	".docx": FormatWordProcessor,
	".txt":  FormatPlainText,
}

// FormatFromFilename maps a file extension to its format tag.
func FormatFromFilename(name string) (Format, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if f, ok := formatsByExt[ext]; ok {
		return f, nil
	}
	return "", fmt.Errorf("%w %q (supported: %s)", ErrUnsupportedFormat, ext, strings.Join(SupportedExtensions(), ", "))
}

// SupportedExtensions lists the accepted file extensions.
func SupportedExtensions() []string {
	return []string{".pdf", ".docx", ".txt"}
}
