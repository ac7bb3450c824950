package export

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/hazyhaar/hcexport/export/internal/browser"
)

// Scale bounds. Values outside are clamped, never rejected.
const (
	minScale = 0.1
	maxScale = 5.0
)

func clampScale(s float64) float64 {
	if s < minScale {
		return minScale
	}
	if s > maxScale {
		return maxScale
	}
	return s
}

// dimensions is the effective render geometry in CSS pixels plus the
// device scale factor. Raster output is width*scale by height*scale.
type dimensions struct {
	width  int
	height int
	scale  float64
}

func (d dimensions) pixelWidth() int  { return int(float64(d.width) * d.scale) }
func (d dimensions) pixelHeight() int { return int(float64(d.height) * d.scale) }

// optionsProbe reads only the size-related fields out of the opaque
// options tree. Everything else stays untouched.
type optionsProbe struct {
	Chart struct {
		Width  *float64 `json:"width"`
		Height *float64 `json:"height"`
	} `json:"chart"`
	Exporting struct {
		SourceWidth  *float64 `json:"sourceWidth"`
		SourceHeight *float64 `json:"sourceHeight"`
		Scale        *float64 `json:"scale"`
	} `json:"exporting"`
}

// resolveDimensions applies the size precedence: explicit request values,
// then chart options, then exporting source size, then configured defaults.
func resolveDimensions(req *Request, cfg *ExportConfig) dimensions {
	var probe optionsProbe
	if len(req.Options) > 0 {
		// Best effort: an unparsable options tree falls through to defaults
		// here and fails properly at construction time.
		_ = json.Unmarshal(req.Options, &probe)
	}

	d := dimensions{
		width:  cfg.DefaultWidth,
		height: cfg.DefaultHeight,
		scale:  cfg.DefaultScale,
	}

	if probe.Exporting.SourceWidth != nil && *probe.Exporting.SourceWidth > 0 {
		d.width = int(*probe.Exporting.SourceWidth)
	}
	if probe.Exporting.SourceHeight != nil && *probe.Exporting.SourceHeight > 0 {
		d.height = int(*probe.Exporting.SourceHeight)
	}
	if probe.Chart.Width != nil && *probe.Chart.Width > 0 {
		d.width = int(*probe.Chart.Width)
	}
	if probe.Chart.Height != nil && *probe.Chart.Height > 0 {
		d.height = int(*probe.Chart.Height)
	}
	if req.Width > 0 {
		d.width = req.Width
	}
	if req.Height > 0 {
		d.height = req.Height
	}

	if probe.Exporting.Scale != nil && *probe.Exporting.Scale > 0 {
		d.scale = *probe.Exporting.Scale
	}
	if req.Scale > 0 {
		d.scale = req.Scale
	}
	d.scale = clampScale(d.scale)
	return d
}

// customCodeKind classifies the user-supplied custom code: a path ending
// in .js is loaded from disk, a function literal is invoked, anything else
// is wrapped in an IIFE.
type customCodeKind int

const (
	customCodeInline customCodeKind = iota
	customCodeFunction
	customCodeFile
)

var functionArrowRe = regexp.MustCompile(`^(\([^)]*\)|[\w$]+)\s*=>`)

func classifyCustomCode(code string) customCodeKind {
	trimmed := strings.TrimSpace(code)
	if strings.HasSuffix(trimmed, ".js") && !strings.ContainsAny(trimmed, "\n;{}()") {
		return customCodeFile
	}
	if strings.HasPrefix(trimmed, "function") || functionArrowRe.MatchString(trimmed) {
		return customCodeFunction
	}
	return customCodeInline
}

// customCodeScript turns the classified code into one executable script.
func customCodeScript(code string, kind customCodeKind, allowFiles bool) (string, error) {
	switch kind {
	case customCodeFile:
		if !allowFiles {
			return "", &InvalidInputError{Reason: "custom code file requires file resources to be allowed"}
		}
		body, err := os.ReadFile(strings.TrimSpace(code))
		if err != nil {
			return "", &InvalidInputError{Reason: fmt.Sprintf("custom code file: %v", err)}
		}
		return string(body), nil
	case customCodeFunction:
		return "(" + strings.TrimSpace(code) + ")()", nil
	default:
		return "(() => {" + code + "})()", nil
	}
}

const setOptionsJS = `(global, theme) => {
	if (global) Highcharts.setOptions(global);
	if (theme) Highcharts.setOptions(theme);
}`

// injectSVGJS places raw SVG input into the container. SVG input is
// already rendered, so the page is stable as soon as it parses.
const injectSVGJS = `(svg) => {
	const c = document.getElementById('container');
	c.innerHTML = svg;
	if (!c.querySelector('svg')) {
		throw new Error('input contains no svg element');
	}
	window.__hcRendered = true;
}`

// constructTmpl builds the chart: exporting UI off, render target and size
// pinned, the load event flags completion. The callback slot is spliced in
// only when code execution is allowed.
const constructTmpl = `(() => {
window.__hcRendered = false;
const opts = %s;
opts.chart = opts.chart || {};
opts.chart.renderTo = 'container';
opts.chart.width = %d;
opts.chart.height = %d;
opts.chart.animation = false;
opts.exporting = opts.exporting || {};
opts.exporting.enabled = false;
opts.chart.events = opts.chart.events || {};
const userLoad = opts.chart.events.load;
opts.chart.events.load = function () {
	if (typeof userLoad === 'function') userLoad.call(this);
	window.__hcRendered = true;
};
window.__chart = Highcharts[%q](opts%s);
})()`

// stabilizeJS resolves once the chart reported load and two animation
// frames have painted. The surrounding context deadline bounds it.
const stabilizeJS = `(async () => {
	while (!window.__hcRendered) {
		await new Promise(r => setTimeout(r, 10));
	}
	await new Promise(r => requestAnimationFrame(() => requestAnimationFrame(r)));
})()`

const serializeSVGJS = `() => {
	const el = document.querySelector('#container svg');
	if (!el) throw new Error('no rendered svg to export');
	return new XMLSerializer().serializeToString(el);
}`

// rasterizeJS draws the rendered SVG onto an offscreen canvas of exactly
// the pixel dimensions and reads it back as base64. JPEG gets a white
// background first, the format has no alpha.
const rasterizeJS = `(mime, w, h) => new Promise((resolve, reject) => {
	const el = document.querySelector('#container svg');
	if (!el) { reject(new Error('no rendered svg to export')); return; }
	const svg = new XMLSerializer().serializeToString(el);
	const blob = new Blob([svg], { type: 'image/svg+xml;charset=utf-8' });
	const url = URL.createObjectURL(blob);
	const img = new Image();
	img.onload = () => {
		const canvas = document.createElement('canvas');
		canvas.width = w;
		canvas.height = h;
		const cx = canvas.getContext('2d');
		if (mime === 'image/jpeg') {
			cx.fillStyle = '#ffffff';
			cx.fillRect(0, 0, w, h);
		}
		cx.drawImage(img, 0, 0, w, h);
		URL.revokeObjectURL(url);
		resolve(canvas.toDataURL(mime, 0.9).split(',')[1]);
	};
	img.onerror = () => {
		URL.revokeObjectURL(url);
		reject(new Error('svg rasterization failed'));
	};
	img.src = url;
})`

// cssPixelsPerInch is the CSS reference pixel density used to size PDF
// paper to the chart.
const cssPixelsPerInch = 96.0

// pdfPaperInches sizes PDF paper to the chart's CSS dimensions. Scale
// applies to raster targets only; print layout happens at CSS size.
func pdfPaperInches(d dimensions) (w, h float64) {
	return float64(d.width) / cssPixelsPerInch, float64(d.height) / cssPixelsPerInch
}

// renderOnPage runs the render protocol on a leased page: viewport, merged
// options, resources, custom code, construction or SVG injection,
// stabilization, export, cleanup. Cleanup failure discards the output and
// flags the page.
func (e *Exporter) renderOnPage(ctx context.Context, pg *browser.Page, req *Request) (*Result, error) {
	log := e.log.With("request", req.RequestID)
	dims := resolveDimensions(req, &e.cfg.Export)

	if err := pg.SetViewport(ctx, dims.width, dims.height, dims.scale); err != nil {
		return nil, e.pageErr(ctx, pg, "viewport", err)
	}

	if len(req.GlobalOptions) > 0 || len(req.ThemeOptions) > 0 {
		global := rawOrNull(req.GlobalOptions)
		theme := rawOrNull(req.ThemeOptions)
		if _, err := pg.Eval(ctx, setOptionsJS, global, theme); err != nil {
			return nil, e.pageErr(ctx, pg, "set options", err)
		}
	}

	var handles *browser.Handles
	if req.Resources != nil {
		var errs []error
		handles, errs = pg.InjectResources(ctx, browser.Resources{
			JS:    req.Resources.JS,
			CSS:   req.Resources.CSS,
			Files: req.Resources.Files,
		}, req.AllowFileResources)
		for _, err := range errs {
			log.Warn("export: resource injection failed, continuing", "error", injectionError(err))
		}
	}

	cleanup := func() error {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Export.rasterizationTimeout())
		defer cancel()
		if err := pg.DisposeResources(cctx, handles); err != nil {
			return err
		}
		return pg.Reset(cctx)
	}

	allowCode := e.codeExecutionAllowed(req)

	if req.CustomCode != "" {
		if !allowCode {
			log.Warn("export: custom code skipped, code execution not allowed")
		} else {
			script, err := customCodeScript(req.CustomCode, classifyCustomCode(req.CustomCode), req.AllowFileResources)
			if err != nil {
				cleanupOrFlag(pg, cleanup, log)
				return nil, err
			}
			if err := pg.EvalRaw(ctx, script); err != nil {
				cleanupOrFlag(pg, cleanup, log)
				return nil, e.pageErr(ctx, pg, "custom code", err)
			}
		}
	}

	if req.SVG != "" {
		if _, err := pg.Eval(ctx, injectSVGJS, req.SVG); err != nil {
			cleanupOrFlag(pg, cleanup, log)
			return nil, e.pageErr(ctx, pg, "svg injection", err)
		}
	} else {
		callbackArg := ""
		if req.Callback != "" {
			if allowCode {
				callbackArg = ", " + strings.TrimSpace(req.Callback)
			} else {
				log.Warn("export: callback skipped, code execution not allowed")
			}
		}
		script := fmt.Sprintf(constructTmpl, req.Options, dims.width, dims.height, string(req.Constructor), callbackArg)
		if err := pg.EvalRaw(ctx, script); err != nil {
			cleanupOrFlag(pg, cleanup, log)
			return nil, e.pageErr(ctx, pg, "chart construction", err)
		}
	}

	if err := pg.EvalRaw(ctx, stabilizeJS); err != nil {
		cleanupOrFlag(pg, cleanup, log)
		return nil, e.pageErr(ctx, pg, "stabilization", err)
	}

	data, err := e.exportFromPage(ctx, pg, req.Format, dims)
	if err != nil {
		cleanupOrFlag(pg, cleanup, log)
		return nil, err
	}

	// Output is returned only when the page came back clean. A page that
	// cannot be cleaned may leak state into the next render.
	if err := cleanup(); err != nil {
		pg.MarkUnhealthy()
		return nil, fmt.Errorf("export: post-render cleanup: %w", err)
	}

	return &Result{
		Data:       data,
		MIME:       req.Format.MIME(),
		ProducedBy: pg.ID(),
	}, nil
}

// exportFromPage reads the rendered chart out of the page in the requested
// format.
func (e *Exporter) exportFromPage(ctx context.Context, pg *browser.Page, format Format, dims dimensions) (string, error) {
	switch format {
	case FormatSVG:
		res, err := pg.Eval(ctx, serializeSVGJS)
		if err != nil {
			return "", e.pageErr(ctx, pg, "svg export", err)
		}
		return res.Value.Str(), nil

	case FormatPDF:
		paperW, paperH := pdfPaperInches(dims)
		pdf, err := pg.PrintToPDF(ctx, paperW, paperH)
		if err != nil {
			return "", e.pageErr(ctx, pg, "pdf export", err)
		}
		if _, err := api.ReadValidateAndOptimize(bytes.NewReader(pdf), model.NewDefaultConfiguration()); err != nil {
			return "", &ExportError{Message: "produced pdf failed validation", Cause: err}
		}
		return base64.StdEncoding.EncodeToString(pdf), nil

	default: // png, jpeg
		res, err := pg.Eval(ctx, rasterizeJS, format.MIME(), dims.pixelWidth(), dims.pixelHeight())
		if err != nil {
			return "", e.pageErr(ctx, pg, "rasterization", err)
		}
		return res.Value.Str(), nil
	}
}

// pageErr classifies an in-page failure: a blown deadline means the chart
// never stabilized and the page cannot be trusted, anything else is an
// export failure with the in-page message attached.
func (e *Exporter) pageErr(ctx context.Context, pg *browser.Page, step string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		pg.MarkUnhealthy()
		return &RasterizationTimeoutError{Timeout: e.cfg.Export.rasterizationTimeout()}
	}
	return &ExportError{Message: step, Cause: err}
}

// codeExecutionAllowed gates user-supplied JS: the configuration switch
// must be on and the request must opt in. Both default to off.
func (e *Exporter) codeExecutionAllowed(req *Request) bool {
	return e.cfg.CustomLogic.AllowCodeExecution && req.AllowCodeExecution
}

// injectionError lifts internal injection failures into the exported
// taxonomy for logs and sinks.
func injectionError(err error) *ResourceInjectionError {
	var ie *browser.InjectionError
	if errors.As(err, &ie) {
		return &ResourceInjectionError{Kind: ie.Kind, Item: ie.Item, Cause: ie.Cause}
	}
	return &ResourceInjectionError{Cause: err}
}

func cleanupOrFlag(pg *browser.Page, cleanup func() error, log *slog.Logger) {
	if err := cleanup(); err != nil {
		pg.MarkUnhealthy()
		log.Warn("export: cleanup after failed render", "error", err)
	}
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
