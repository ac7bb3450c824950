package export

import (
	"fmt"
	"time"
)

// AssetFetchError is returned when a Highcharts script could not be
// downloaded after all retries.
type AssetFetchError struct {
	URL      string
	Attempts int
	Cause    error
}

func (e *AssetFetchError) Error() string {
	return fmt.Sprintf("export: asset fetch failed after %d attempts: %s: %v", e.Attempts, e.URL, e.Cause)
}

func (e *AssetFetchError) Unwrap() error { return e.Cause }

// BrowserUnavailableError is returned when the browser could not be
// launched, or reconnect attempts after a disconnect were exhausted.
type BrowserUnavailableError struct {
	Cause error
}

func (e *BrowserUnavailableError) Error() string {
	return fmt.Sprintf("export: browser unavailable: %v", e.Cause)
}

func (e *BrowserUnavailableError) Unwrap() error { return e.Cause }

// AcquireTimeoutError is returned when no pool worker became available
// within the acquire timeout. Retryable by the caller.
type AcquireTimeoutError struct {
	Timeout time.Duration
	Cause   error
}

func (e *AcquireTimeoutError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("export: acquire timed out after %s: %v", e.Timeout, e.Cause)
	}
	return fmt.Sprintf("export: acquire timed out after %s", e.Timeout)
}

func (e *AcquireTimeoutError) Unwrap() error { return e.Cause }

// CreateFailedError is returned when page creation kept failing until the
// create timeout. The dispatcher surfaces it wrapped in AcquireTimeoutError.
type CreateFailedError struct {
	Cause error
}

func (e *CreateFailedError) Error() string {
	return fmt.Sprintf("export: worker creation failed: %v", e.Cause)
}

func (e *CreateFailedError) Unwrap() error { return e.Cause }

// RasterizationTimeoutError is returned when the chart did not reach a
// stable state within the deadline. The page is marked unhealthy.
type RasterizationTimeoutError struct {
	Timeout time.Duration
}

func (e *RasterizationTimeoutError) Error() string {
	return fmt.Sprintf("export: rasterization timed out after %s", e.Timeout)
}

// InvalidInputError is returned for render requests the core refuses:
// both or neither of options/svg, unknown constructors, or SVG input
// referencing private-range URLs.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return "export: invalid render input: " + e.Reason
}

// ExportError is a rendering failure surfaced from in-page execution.
type ExportError struct {
	Message string
	Stack   string
	Cause   error
}

func (e *ExportError) Error() string {
	if e.Message != "" {
		return "export: in-page export failed: " + e.Message
	}
	return fmt.Sprintf("export: in-page export failed: %v", e.Cause)
}

func (e *ExportError) Unwrap() error { return e.Cause }

// ResourceInjectionError reports a single failed resource injection.
// Non-fatal: the render continues without the item.
type ResourceInjectionError struct {
	Kind  string // "js", "css", "file"
	Item  string
	Cause error
}

func (e *ResourceInjectionError) Error() string {
	return fmt.Sprintf("export: resource injection failed (%s %s): %v", e.Kind, e.Item, e.Cause)
}

func (e *ResourceInjectionError) Unwrap() error { return e.Cause }
