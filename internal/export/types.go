// Package export renders a user's timeline as HTML or PDF.
package export

import (
	"errors"
	"strings"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// ParseFormat accepts a case-insensitive format name. An empty name means HTML.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatHTML:
		return FormatHTML, nil
	case FormatPDF:
		return FormatPDF, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Request contains parameters for an export operation
type Request struct {
	UserID      string
	DisplayName string
	Format      Format
}

// Result contains the export output. When the artifact was archived, URL is
// set and Data is empty.
type Result struct {
	Data      []byte
	Filename  string
	MimeType  string
	URL       string
	ExpiresAt *time.Time
}

var (
	// ErrUnsupportedFormat is returned for formats other than html and pdf.
	ErrUnsupportedFormat = errors.New("export format unsupported")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)

