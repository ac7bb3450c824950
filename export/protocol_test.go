package export

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/hazyhaar/hcexport/export/internal/browser"
)

func TestClampScale(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0.05, 0.1},
		{0.1, 0.1},
		{1, 1},
		{2.5, 2.5},
		{5, 5},
		{7, 5},
		{100, 5},
	}
	for _, tt := range tests {
		if got := clampScale(tt.in); got != tt.want {
			t.Errorf("clampScale(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestResolveDimensions(t *testing.T) {
	cfg := ExportConfig{DefaultWidth: 600, DefaultHeight: 400, DefaultScale: 1}

	tests := []struct {
		name    string
		req     Request
		width   int
		height  int
		scale   float64
	}{
		{
			name:  "defaults",
			req:   Request{Options: json.RawMessage(`{}`)},
			width: 600, height: 400, scale: 1,
		},
		{
			name:  "request wins over everything",
			req:   Request{Options: json.RawMessage(`{"chart":{"width":800,"height":500},"exporting":{"sourceWidth":900,"sourceHeight":700,"scale":3}}`), Width: 1000, Height: 200, Scale: 2},
			width: 1000, height: 200, scale: 2,
		},
		{
			name:  "chart options beat exporting source size",
			req:   Request{Options: json.RawMessage(`{"chart":{"width":800,"height":500},"exporting":{"sourceWidth":900,"sourceHeight":700}}`)},
			width: 800, height: 500, scale: 1,
		},
		{
			name:  "exporting source size beats defaults",
			req:   Request{Options: json.RawMessage(`{"exporting":{"sourceWidth":900,"sourceHeight":700}}`)},
			width: 900, height: 700, scale: 1,
		},
		{
			name:  "exporting scale honored",
			req:   Request{Options: json.RawMessage(`{"exporting":{"scale":2}}`)},
			width: 600, height: 400, scale: 2,
		},
		{
			name:  "request scale clamped",
			req:   Request{Options: json.RawMessage(`{}`), Scale: 50},
			width: 600, height: 400, scale: 5,
		},
		{
			name:  "unparsable options fall back to defaults",
			req:   Request{Options: json.RawMessage(`{"chart":`)},
			width: 600, height: 400, scale: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := resolveDimensions(&tt.req, &cfg)
			if d.width != tt.width || d.height != tt.height || d.scale != tt.scale {
				t.Errorf("got %dx%d @%v, want %dx%d @%v",
					d.width, d.height, d.scale, tt.width, tt.height, tt.scale)
			}
		})
	}
}

func TestPixelDimensions(t *testing.T) {
	d := dimensions{width: 600, height: 400, scale: 2}
	if d.pixelWidth() != 1200 || d.pixelHeight() != 800 {
		t.Errorf("pixel dims = %dx%d, want 1200x800", d.pixelWidth(), d.pixelHeight())
	}
}

func TestNormalizeFormat(t *testing.T) {
	tests := []struct {
		typ, outfile string
		want         Format
	}{
		{"png", "", FormatPNG},
		{"jpg", "", FormatJPEG},
		{"jpeg", "", FormatJPEG},
		{"pdf", "", FormatPDF},
		{"svg", "", FormatSVG},
		{"bmp", "", FormatPNG},
		{"", "", FormatPNG},
		// The outfile extension wins over a contradicting type.
		{"png", "chart.pdf", FormatPDF},
		{"pdf", "chart.jpg", FormatJPEG},
		{"svg", "chart", FormatSVG},
		{"png", "chart.tiff", FormatPNG},
	}
	for _, tt := range tests {
		if got := NormalizeFormat(tt.typ, tt.outfile); got != tt.want {
			t.Errorf("NormalizeFormat(%q, %q) = %v, want %v", tt.typ, tt.outfile, got, tt.want)
		}
	}
}

func TestParseConstructor(t *testing.T) {
	for _, ok := range []string{"chart", "stockChart", "mapChart", "ganttChart"} {
		if _, err := ParseConstructor(ok); err != nil {
			t.Errorf("ParseConstructor(%q) = %v", ok, err)
		}
	}
	for _, bad := range []string{"Chart", "pieChart", "eval", ""} {
		if _, err := ParseConstructor(bad); err == nil {
			t.Errorf("ParseConstructor(%q) should be rejected", bad)
		}
	}
}

func TestClassifyCustomCode(t *testing.T) {
	tests := []struct {
		name string
		code string
		want customCodeKind
	}{
		{"file path", "hooks/setup.js", customCodeFile},
		{"bare file", "setup.js", customCodeFile},
		{"function keyword", "function () { Highcharts.setOptions({}); }", customCodeFunction},
		{"arrow no args", "() => { Highcharts.setOptions({}); }", customCodeFunction},
		{"arrow one arg", "h => h.setOptions({})", customCodeFunction},
		{"inline statements", "Highcharts.setOptions({lang: {decimalPoint: ','}});", customCodeInline},
		{"js-suffixed expression is not a file", "loadHelpers(); initCharts.js()", customCodeInline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyCustomCode(tt.code); got != tt.want {
				t.Errorf("classifyCustomCode(%q) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestCustomCodeScript(t *testing.T) {
	got, err := customCodeScript("function () { return 1; }", customCodeFunction, false)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got, "(") || !strings.HasSuffix(got, ")()") {
		t.Errorf("function literal not invoked: %q", got)
	}

	got, err = customCodeScript("var x = 1;", customCodeInline, false)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "var x = 1;") || !strings.HasSuffix(got, "})()") {
		t.Errorf("inline code not wrapped: %q", got)
	}

	if _, err := customCodeScript("hooks/setup.js", customCodeFile, false); err == nil {
		t.Error("file custom code without file resources should be refused")
	}
}

func TestPDFPaperInchesIgnoresScale(t *testing.T) {
	wantW, wantH := 600.0/96.0, 400.0/96.0

	for _, scale := range []float64{1, 2, 5} {
		w, h := pdfPaperInches(dimensions{width: 600, height: 400, scale: scale})
		if w != wantW || h != wantH {
			t.Errorf("scale %v: paper = %vx%v in, want %vx%v (print layout is CSS size)",
				scale, w, h, wantW, wantH)
		}
	}
}

func TestCodeExecutionRequiresConfigAndRequest(t *testing.T) {
	tests := []struct {
		cfg, req, want bool
	}{
		{false, false, false},
		{true, false, false},
		{false, true, false},
		{true, true, true},
	}
	for _, tt := range tests {
		e := New(Config{CustomLogic: CustomLogicConfig{AllowCodeExecution: tt.cfg}})
		got := e.codeExecutionAllowed(&Request{AllowCodeExecution: tt.req})
		if got != tt.want {
			t.Errorf("config %v request %v: allowed = %v, want %v", tt.cfg, tt.req, got, tt.want)
		}
	}
}

func TestInjectionErrorWrapsInternal(t *testing.T) {
	cause := errors.New("node rejected")
	err := injectionError(&browser.InjectionError{Kind: "css", Item: "theme.css", Cause: cause})

	var rie *ResourceInjectionError
	if !errors.As(err, &rie) {
		t.Fatalf("expected ResourceInjectionError, got %T", err)
	}
	if rie.Kind != "css" || rie.Item != "theme.css" {
		t.Errorf("wrapped error = %+v", rie)
	}
	if !errors.Is(err, cause) {
		t.Error("cause must stay reachable through Unwrap")
	}

	if got := injectionError(cause); got.Cause != cause {
		t.Errorf("non-injection error not carried as cause: %+v", got)
	}
}
