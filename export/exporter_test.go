package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hazyhaar/hcexport/export/internal/pool"
)

func testExporter(t *testing.T) *Exporter {
	t.Helper()
	return New(Config{})
}

func TestValidateExactlyOneInput(t *testing.T) {
	e := testExporter(t)

	tests := []struct {
		name    string
		req     Request
		invalid bool
	}{
		{"options only", Request{Options: json.RawMessage(`{"series":[]}`)}, false},
		{"svg only", Request{SVG: `<svg></svg>`}, false},
		{"both", Request{Options: json.RawMessage(`{}`), SVG: `<svg></svg>`}, true},
		{"neither", Request{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.validate(&tt.req)
			var iie *InvalidInputError
			if got := errors.As(err, &iie); got != tt.invalid {
				t.Errorf("validate() = %v, invalid = %v, want %v", err, got, tt.invalid)
			}
		})
	}
}

func TestValidateDefaultsConstructorAndFormat(t *testing.T) {
	e := testExporter(t)

	req := Request{Options: json.RawMessage(`{}`)}
	if err := e.validate(&req); err != nil {
		t.Fatal(err)
	}
	if req.Constructor != ConstructorChart {
		t.Errorf("constructor = %q, want chart", req.Constructor)
	}
	if req.Format != FormatPNG {
		t.Errorf("format = %q, want png", req.Format)
	}
}

func TestValidateRejectsUnknownConstructor(t *testing.T) {
	e := testExporter(t)

	req := Request{Options: json.RawMessage(`{}`), Constructor: "pieChart"}
	var iie *InvalidInputError
	if err := e.validate(&req); !errors.As(err, &iie) {
		t.Fatalf("expected InvalidInputError, got %v", err)
	}
}

func TestValidateRefusesPrivateSVGBeforeAcquire(t *testing.T) {
	e := testExporter(t)

	req := Request{SVG: `<svg><image href="http://127.0.0.1/x"/></svg>`}
	var iie *InvalidInputError
	if err := e.validate(&req); !errors.As(err, &iie) {
		t.Fatalf("expected InvalidInputError, got %v", err)
	}
}

func TestClassifyAcquire(t *testing.T) {
	e := testExporter(t)

	var bue *BrowserUnavailableError
	if err := e.classifyAcquire(pool.ErrClosed); !errors.As(err, &bue) {
		t.Errorf("pool closed should map to BrowserUnavailableError, got %v", err)
	}

	plain := &pool.AcquireTimeoutError{Timeout: time.Second}
	var ate *AcquireTimeoutError
	if err := e.classifyAcquire(plain); !errors.As(err, &ate) {
		t.Errorf("expected AcquireTimeoutError, got %v", err)
	}

	// A creation failure behind the timeout surfaces as CreateFailed.
	withCreate := &pool.AcquireTimeoutError{
		Timeout: time.Second,
		Cause:   &pool.CreateError{Cause: fmt.Errorf("chrome gone")},
	}
	err := e.classifyAcquire(withCreate)
	if !errors.As(err, &ate) {
		t.Fatalf("expected AcquireTimeoutError, got %v", err)
	}
	var cfe *CreateFailedError
	if !errors.As(err, &cfe) {
		t.Errorf("expected CreateFailedError cause, got %v", err)
	}
}

func TestRenderDropsInvalidInput(t *testing.T) {
	e := testExporter(t)

	_, err := e.Render(t.Context(), Request{})
	var iie *InvalidInputError
	if !errors.As(err, &iie) {
		t.Fatalf("expected InvalidInputError, got %v", err)
	}

	snap := e.Stats()
	if snap.ExportAttempts != 1 || snap.DroppedExports != 1 {
		t.Errorf("stats = %+v, want 1 attempt 1 dropped", snap)
	}
}

type recordingSink struct {
	events []Event
}

func (s *recordingSink) Record(ev Event) { s.events = append(s.events, ev) }

func TestRenderEmitsEvent(t *testing.T) {
	e := testExporter(t)
	sink := &recordingSink{}
	e.SetEventSink(sink)

	_, _ = e.Render(t.Context(), Request{SVG: `<svg><image href="http://10.0.0.1/x"/></svg>`})

	if len(sink.events) != 1 {
		t.Fatalf("events = %d, want 1", len(sink.events))
	}
	ev := sink.events[0]
	if !ev.FromSVG || ev.Err == "" || ev.RequestID == "" {
		t.Errorf("event = %+v, want svg attempt with error and request id", ev)
	}
}
