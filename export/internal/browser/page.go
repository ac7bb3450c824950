package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/hcexport/export/internal/assets"
)

// shellBody is the fixed DOM the page holds between renders: exactly one
// container element. softResetJS restores body innerHTML to this value, so
// the two must stay in sync.
const shellBody = `<div id="container"></div>`

const shellHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<style>html, body { margin: 0; padding: 0; } #container { display: block; }</style>
</head>
<body>` + shellBody + `</body>
</html>`

// animationStubJS disables every Highcharts animation path. Installed once
// per setup; renders must never animate, a chart is done when its first
// paint is done.
const animationStubJS = `() => {
	if (!window.Highcharts) {
		throw new Error('Highcharts not present after bundle injection');
	}
	Highcharts.setOptions({
		chart: { animation: false },
		plotOptions: { series: { animation: false, dataLabels: { defer: false } } },
		drilldown: { animation: false },
		tooltip: { animation: false }
	});
	window.__hcAnimationDisabled = true;
}`

const softResetJS = `() => {
	if (window.Highcharts && Highcharts.charts) {
		for (const c of Highcharts.charts) {
			if (c) { try { c.destroy(); } catch (e) {} }
		}
		Highcharts.charts.length = 0;
	}
	window.__chart = undefined;
	document.body.innerHTML = '<div id="container"></div>';
}`

// Page is a single reusable tab pre-seeded with the asset bundle and the
// shell document. Exactly one render runs on a Page at a time; that is
// enforced by pool ownership, not locking.
type Page struct {
	id      string
	pg      *rod.Page
	bundle  *assets.Bundle
	log     *slog.Logger
	healthy atomic.Bool
}

func newPage(id string, pg *rod.Page, bundle *assets.Bundle, log *slog.Logger) *Page {
	p := &Page{id: id, pg: pg, bundle: bundle, log: log}
	p.healthy.Store(true)

	// A detached main frame or crashed target makes the page unusable; it
	// must be recreated, never reused.
	go pg.EachEvent(
		func(e *proto.PageFrameDetached) {
			p.healthy.Store(false)
		},
		func(e *proto.InspectorTargetCrashed) {
			p.healthy.Store(false)
		},
	)()

	return p
}

// ID returns the page's opaque worker identifier.
func (p *Page) ID() string { return p.id }

// Healthy reports whether the page is reusable.
func (p *Page) Healthy() bool { return p.healthy.Load() }

// MarkUnhealthy flags the page for destruction on release.
func (p *Page) MarkUnhealthy() { p.healthy.Store(false) }

// setup installs the shell document, the script bundle, and the animation
// stub. After setup the page is idle and ready for a render.
func (p *Page) setup(ctx context.Context) error {
	pg := p.pg.Context(ctx)

	if err := pg.SetDocumentContent(shellHTML); err != nil {
		return fmt.Errorf("shell: %w", err)
	}
	if err := p.EvalRaw(ctx, p.bundle.Script); err != nil {
		return fmt.Errorf("bundle injection: %w", err)
	}
	if _, err := pg.Eval(animationStubJS); err != nil {
		return fmt.Errorf("animation stub: %w", err)
	}
	return nil
}

// Reset is the soft reset: restore the shell DOM and destroy chart
// registry entries, leaving the bundle in place. Idempotent. A soft reset
// that throws means the page JS state is corrupt while the tab is still
// attached; the page falls back to a hard reset before giving up.
func (p *Page) Reset(ctx context.Context) error {
	if _, err := p.pg.Context(ctx).Eval(softResetJS); err != nil {
		p.log.Warn("browser: soft reset failed, hard resetting", "page", p.id, "error", err)
		return p.HardReset(ctx)
	}
	return nil
}

// HardReset navigates to about:blank and reinstalls the bundle. Used when
// page JS state may be corrupt.
func (p *Page) HardReset(ctx context.Context) error {
	pg := p.pg.Context(ctx)
	if err := pg.Navigate("about:blank"); err != nil {
		return fmt.Errorf("browser: hard reset navigate: %w", err)
	}
	if err := pg.WaitLoad(); err != nil {
		return fmt.Errorf("browser: hard reset load: %w", err)
	}
	if err := p.setup(ctx); err != nil {
		return fmt.Errorf("browser: hard reset: %w", err)
	}
	return nil
}

// SetViewport sets the page viewport in CSS pixels with the given device
// scale factor.
func (p *Page) SetViewport(ctx context.Context, width, height int, scale float64) error {
	return (proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: scale,
	}).Call(p.pg.Context(ctx))
}

// Eval runs a JS function with arguments on the page, awaiting promises.
func (p *Page) Eval(ctx context.Context, js string, args ...any) (*proto.RuntimeRemoteObject, error) {
	return p.pg.Context(ctx).Eval(js, args...)
}

// EvalRaw evaluates a raw multi-statement script (not a function literal),
// awaiting promises. Used for the bundle blob and user-supplied code.
func (p *Page) EvalRaw(ctx context.Context, script string) error {
	res, err := proto.RuntimeEvaluate{
		Expression:    script,
		AwaitPromise:  true,
		ReturnByValue: true,
	}.Call(p.pg.Context(ctx))
	if err != nil {
		return err
	}
	if res.ExceptionDetails != nil {
		return fmt.Errorf("browser: script exception: %s", exceptionText(res.ExceptionDetails))
	}
	return nil
}

// PrintToPDF renders the current document to PDF via DevTools printing.
// Paper dimensions are in inches, background included, no margins.
func (p *Page) PrintToPDF(ctx context.Context, widthInch, heightInch float64) ([]byte, error) {
	zero := 0.0
	res, err := proto.PagePrintToPDF{
		PrintBackground: true,
		PaperWidth:      &widthInch,
		PaperHeight:     &heightInch,
		MarginTop:       &zero,
		MarginBottom:    &zero,
		MarginLeft:      &zero,
		MarginRight:     &zero,
	}.Call(p.pg.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("browser: print to pdf: %w", err)
	}
	return res.Data, nil
}

// Close destroys the tab.
func (p *Page) Close(ctx context.Context) error {
	if p.pg == nil {
		return nil
	}
	return p.pg.Context(ctx).Close()
}

func exceptionText(d *proto.RuntimeExceptionDetails) string {
	if d.Exception != nil && d.Exception.Description != "" {
		return d.Exception.Description
	}
	return d.Text
}
