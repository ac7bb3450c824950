package export

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Constructor is the Highcharts entry point used to build a chart.
type Constructor string

const (
	ConstructorChart      Constructor = "chart"
	ConstructorStockChart Constructor = "stockChart"
	ConstructorMapChart   Constructor = "mapChart"
	ConstructorGanttChart Constructor = "ganttChart"
)

// ParseConstructor validates a constructor name. Unknown constructors are
// rejected rather than silently defaulted.
func ParseConstructor(s string) (Constructor, error) {
	switch Constructor(s) {
	case ConstructorChart, ConstructorStockChart, ConstructorMapChart, ConstructorGanttChart:
		return Constructor(s), nil
	}
	return "", &InvalidInputError{Reason: fmt.Sprintf("unknown constructor %q", s)}
}

// Format is the output format of a render.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatPDF  Format = "pdf"
	FormatSVG  Format = "svg"
)

// MIME returns the MIME type for the format.
func (f Format) MIME() string {
	switch f {
	case FormatPNG:
		return "image/png"
	case FormatJPEG:
		return "image/jpeg"
	case FormatPDF:
		return "application/pdf"
	case FormatSVG:
		return "image/svg+xml"
	}
	return "image/png"
}

// NormalizeFormat reconciles a requested type with an output filename.
// "jpg" maps to "jpeg"; an outfile extension that contradicts the type wins;
// anything unsupported falls back to PNG.
func NormalizeFormat(typ, outfile string) Format {
	if outfile != "" {
		if ext := strings.TrimPrefix(filepath.Ext(outfile), "."); ext != "" {
			typ = ext
		}
	}
	switch strings.ToLower(typ) {
	case "jpg", "jpeg":
		return FormatJPEG
	case "pdf":
		return FormatPDF
	case "svg":
		return FormatSVG
	case "png":
		return FormatPNG
	}
	return FormatPNG
}

// Resources are user-declared assets injected into the page for one render.
type Resources struct {
	// JS is inline JavaScript appended as a script tag.
	JS string `json:"js,omitempty" yaml:"js,omitempty"`
	// CSS is a stylesheet; @import url(...) entries are expanded into link
	// tags (URLs) or inline styles (local files), the rest becomes one
	// style tag.
	CSS string `json:"css,omitempty" yaml:"css,omitempty"`
	// Files are local script paths, honored only with AllowFileResources.
	Files []string `json:"files,omitempty" yaml:"files,omitempty"`
}

// Request describes one render. Exactly one of Options or SVG must be set.
// Options is an opaque value tree; its semantics belong to Highcharts.
type Request struct {
	Options json.RawMessage
	SVG     string

	Width  int
	Height int
	Scale  float64

	Constructor Constructor
	Format      Format

	GlobalOptions json.RawMessage
	ThemeOptions  json.RawMessage

	// CustomCode and Callback are user-supplied JavaScript, executed only
	// when the configuration switch is on AND AllowCodeExecution is set on
	// the request. This is a trust boundary: never enable by default.
	CustomCode string
	Callback   string

	Resources          *Resources
	AllowCodeExecution bool
	AllowFileResources bool

	RasterizationTimeout time.Duration

	RequestID string
}

// Result is the outcome of one render. Data is the raw UTF-8 document for
// SVG output and base64 for PNG, JPEG and PDF.
type Result struct {
	Data       string
	MIME       string
	ProducedBy string
	Elapsed    time.Duration
}
