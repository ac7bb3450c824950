// Package export renders Highcharts option trees and raw SVG documents to
// PNG, JPEG, PDF and SVG using a pool of preloaded headless Chrome pages.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/hcexport/export/internal/assets"
	"github.com/hazyhaar/hcexport/export/internal/browser"
	"github.com/hazyhaar/hcexport/export/internal/pool"
	"github.com/hazyhaar/hcexport/idgen"
)

// setupBudget is added on top of the rasterization timeout to cover
// viewport, option and resource setup before the chart stabilizes.
const setupBudget = 2 * time.Second

// Event describes one finished render attempt for observability sinks.
type Event struct {
	RequestID string
	Worker    string
	Format    Format
	FromSVG   bool
	Elapsed   time.Duration
	Err       string
}

// EventSink receives render events. Implementations must not block.
type EventSink interface {
	Record(Event)
}

// Exporter is the render dispatcher: it owns the asset cache, the browser
// supervisor and the page pool, and runs the render protocol on leased
// pages. Safe for concurrent use.
type Exporter struct {
	cfg Config
	log *slog.Logger

	cache   *assets.Cache
	manager *browser.Manager
	pool    *pool.Pool

	stats    Stats
	sink     EventSink
	newReqID idgen.Generator

	stopWatch chan struct{}
	started   time.Time
}

// New creates an Exporter. Call Start before the first Render.
func New(cfg Config) *Exporter {
	cfg.defaults()
	return &Exporter{
		cfg: cfg,
		log: cfg.Logger,
		cache: assets.New(assets.Config{
			Version:    cfg.Highcharts.Version,
			CDNURL:     cfg.Highcharts.CDNURL,
			CachePath:  cfg.Highcharts.CachePath,
			ForceFetch: cfg.Highcharts.ForceFetch,
			Core:       cfg.Highcharts.CoreScripts,
			Modules:    cfg.Highcharts.ModuleScripts,
			Indicators: cfg.Highcharts.IndicatorScripts,
			Custom:     cfg.Highcharts.CustomScripts,
			Logger:     cfg.Logger,
		}),
		manager: browser.NewManager(browser.Config{
			Args:         cfg.Browser.Args,
			HeadlessMode: cfg.Browser.HeadlessMode,
			DebugPort:    cfg.Browser.DebugPort,
			SlowMo:       time.Duration(cfg.Browser.SlowMoMs) * time.Millisecond,
			Logger:       cfg.Logger,
		}),
		newReqID:  idgen.Prefixed("req_", idgen.Default),
		stopWatch: make(chan struct{}),
	}
}

// SetEventSink installs an observability sink. Call before Start.
func (e *Exporter) SetEventSink(s EventSink) { e.sink = s }

// Start fetches the script bundle, launches Chrome and warms the pool.
func (e *Exporter) Start(ctx context.Context) error {
	if _, err := e.cache.Ensure(ctx); err != nil {
		return e.classifyAssets(err)
	}

	if err := e.manager.Start(ctx); err != nil {
		return &BrowserUnavailableError{Cause: err}
	}

	e.pool = pool.New(pool.Config{
		MinWorkers:          e.cfg.Pool.MinWorkers,
		MaxWorkers:          e.cfg.Pool.MaxWorkers,
		WorkLimit:           e.cfg.Pool.WorkLimit,
		AcquireTimeout:      e.cfg.Pool.acquireTimeout(),
		CreateTimeout:       time.Duration(e.cfg.Pool.CreateTimeoutMs) * time.Millisecond,
		DestroyTimeout:      time.Duration(e.cfg.Pool.DestroyTimeoutMs) * time.Millisecond,
		IdleTimeout:         time.Duration(e.cfg.Pool.IdleTimeoutMs) * time.Millisecond,
		CreateRetryInterval: time.Duration(e.cfg.Pool.CreateRetryIntervalMs) * time.Millisecond,
		ReaperInterval:      time.Duration(e.cfg.Pool.ReaperIntervalMs) * time.Millisecond,
		Benchmarking:        e.cfg.Pool.Benchmarking,
		Logger:              e.cfg.Logger,
	}, e.createPage)

	if err := e.pool.Start(ctx); err != nil {
		e.manager.Close()
		return fmt.Errorf("export: pool start: %w", err)
	}

	go e.watchDisconnects()
	e.started = time.Now()
	e.log.Info("export: started",
		"highcharts", e.Version(),
		"pool_min", e.cfg.Pool.MinWorkers,
		"pool_max", e.cfg.Pool.MaxWorkers)
	return nil
}

// createPage is the pool factory: a fresh tab carrying the current bundle.
func (e *Exporter) createPage(ctx context.Context, id string) (pool.Page, error) {
	bundle := e.cache.Current()
	if bundle == nil {
		return nil, fmt.Errorf("export: no asset bundle available")
	}
	return e.manager.NewPage(ctx, bundle, id)
}

// watchDisconnects invalidates every pooled page when the browser drops.
// Pages from a dead browser cannot be reused after reconnect.
func (e *Exporter) watchDisconnects() {
	sub := e.manager.Subscribe()
	for {
		select {
		case <-e.stopWatch:
			return
		case <-sub:
			e.log.Warn("export: browser disconnected, invalidating pool")
			e.pool.InvalidateAll()
		}
	}
}

// Shutdown drains the pool and stops Chrome.
func (e *Exporter) Shutdown(ctx context.Context) {
	close(e.stopWatch)
	if e.pool != nil {
		e.pool.Shutdown(ctx)
	}
	e.manager.Close()
	e.log.Info("export: stopped", "stats", e.stats.Snapshot())
}

// Render performs one export. Re-entrant; each call leases its own page.
// Caller cancellation discards the result and routes the lease through
// destroy.
func (e *Exporter) Render(ctx context.Context, req Request) (*Result, error) {
	fromSVG := req.SVG != ""
	e.stats.attempt(fromSVG)

	if req.RequestID == "" {
		req.RequestID = e.newReqID()
	}

	res, err := e.render(ctx, &req)

	elapsed := res.elapsedOrZero()
	ev := Event{
		RequestID: req.RequestID,
		Format:    req.Format,
		FromSVG:   fromSVG,
		Elapsed:   elapsed,
	}
	if err != nil {
		e.stats.dropped()
		ev.Err = err.Error()
	} else {
		e.stats.performed(elapsed)
		ev.Worker = res.ProducedBy
	}
	if e.sink != nil {
		e.sink.Record(ev)
	}
	return res, err
}

func (e *Exporter) render(ctx context.Context, req *Request) (*Result, error) {
	if err := e.validate(req); err != nil {
		return nil, err
	}

	start := time.Now()
	w, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, e.classifyAcquire(err)
	}

	pg, ok := w.Page().(*browser.Page)
	if !ok {
		e.pool.Release(context.WithoutCancel(ctx), w)
		return nil, fmt.Errorf("export: unexpected page type %T", w.Page())
	}

	timeout := req.RasterizationTimeout
	if timeout <= 0 {
		timeout = e.cfg.Export.rasterizationTimeout()
	}
	rctx, cancel := context.WithTimeout(ctx, timeout+setupBudget)
	res, rerr := e.renderOnPage(rctx, pg, req)
	cancel()

	if ctx.Err() != nil {
		// The caller is gone. The page may hold a half-built chart; destroy
		// rather than reuse.
		pg.MarkUnhealthy()
		e.pool.Release(context.WithoutCancel(ctx), w)
		return nil, ctx.Err()
	}

	e.pool.Release(context.WithoutCancel(ctx), w)

	if rerr != nil {
		return nil, rerr
	}
	res.Elapsed = time.Since(start)
	return res, nil
}

// validate enforces request consistency before any pool work: exactly one
// input, a known constructor, a normalized format, and SVG input free of
// private-range references.
func (e *Exporter) validate(req *Request) error {
	hasOptions := len(req.Options) > 0
	hasSVG := req.SVG != ""
	if hasOptions == hasSVG {
		return &InvalidInputError{Reason: "exactly one of options or svg must be provided"}
	}

	if hasSVG {
		if err := auditSVG(req.SVG); err != nil {
			return err
		}
	} else {
		if req.Constructor == "" {
			req.Constructor = Constructor(e.cfg.Export.Constr)
		}
		if _, err := ParseConstructor(string(req.Constructor)); err != nil {
			return err
		}
	}

	if req.Format == "" {
		req.Format = NormalizeFormat(e.cfg.Export.Type, "")
	}
	switch req.Format {
	case FormatPNG, FormatJPEG, FormatPDF, FormatSVG:
	default:
		req.Format = FormatPNG
	}
	return nil
}

// classifyAcquire maps pool failures onto the exported error taxonomy.
// Creation failures surface as acquire timeouts carrying the cause.
func (e *Exporter) classifyAcquire(err error) error {
	if errors.Is(err, pool.ErrClosed) {
		return &BrowserUnavailableError{Cause: err}
	}
	var ate *pool.AcquireTimeoutError
	if errors.As(err, &ate) {
		cause := ate.Cause
		var ce *pool.CreateError
		if errors.As(err, &ce) {
			cause = &CreateFailedError{Cause: ce.Cause}
		}
		return &AcquireTimeoutError{Timeout: ate.Timeout, Cause: cause}
	}
	return err
}

func (e *Exporter) classifyAssets(err error) error {
	var fe *assets.FetchError
	if errors.As(err, &fe) {
		return &AssetFetchError{URL: fe.URL, Attempts: fe.Attempts, Cause: fe.Cause}
	}
	return err
}

// UpdateVersion switches the Highcharts version at runtime. On success the
// pool is invalidated so new pages pick up the new bundle; on failure the
// old bundle stays active.
func (e *Exporter) UpdateVersion(ctx context.Context, version string) error {
	if _, err := e.cache.UpdateVersion(ctx, version); err != nil {
		return e.classifyAssets(err)
	}
	e.pool.InvalidateAll()
	e.log.Info("export: highcharts version changed", "version", e.Version())
	return nil
}

// Version returns the active Highcharts version string.
func (e *Exporter) Version() string {
	if b := e.cache.Current(); b != nil {
		return b.Version
	}
	return ""
}

// Stats returns a snapshot of the render counters.
func (e *Exporter) Stats() StatsSnapshot { return e.stats.Snapshot() }

// Uptime is the time since Start.
func (e *Exporter) Uptime() time.Duration {
	if e.started.IsZero() {
		return 0
	}
	return time.Since(e.started)
}

// PoolStatus reports live pool occupancy for health reporting.
func (e *Exporter) PoolStatus() (size, inUse, free int) {
	if e.pool == nil {
		return 0, 0, 0
	}
	return e.pool.Size(), e.pool.InUse(), e.pool.Free()
}

func (r *Result) elapsedOrZero() time.Duration {
	if r == nil {
		return 0
	}
	return r.Elapsed
}
