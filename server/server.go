// Package server exposes the exporter over HTTP: render endpoints, a
// health probe and an admin endpoint to switch the Highcharts version.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/hcexport/export"
	"github.com/hazyhaar/hcexport/kit"
)

// Renderer is the slice of the exporter the server needs. Narrow so tests
// can fake it.
type Renderer interface {
	Render(ctx context.Context, req export.Request) (*export.Result, error)
	UpdateVersion(ctx context.Context, version string) error
	Version() string
	Stats() export.StatsSnapshot
	PoolStatus() (size, inUse, free int)
	Uptime() time.Duration
}

// Config configures the HTTP surface.
type Config struct {
	Addr string `json:"addr" yaml:"addr"`
	// MaxBodyBytes caps request bodies. Charts with embedded data can be
	// large; the default is 50 MB.
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes"`
	// AdminTokenHash is the bcrypt hash of the admin token gating
	// /version/change. Empty disables the endpoint.
	AdminTokenHash string `json:"admin_token_hash" yaml:"admin_token_hash"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.Addr == "" {
		c.Addr = ":7801"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 50 << 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Server routes render requests to a Renderer.
type Server struct {
	cfg      Config
	renderer Renderer
	log      *slog.Logger
	router   chi.Router
}

// New builds the server and its routes.
func New(cfg Config, renderer Renderer) *Server {
	cfg.defaults()
	s := &Server{cfg: cfg, renderer: renderer, log: cfg.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.maxBody)

	r.Get("/health", s.handleHealth)
	r.Post("/version/change", s.handleVersionChange)
	r.Post("/", s.handleExport)
	r.Post("/{filename}", s.handleExport)

	s.router = r
	return s
}

// Handler returns the HTTP handler for mounting.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then drains with a 10s grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server: listening", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// maxBody bounds request bodies; an oversized body fails the JSON decode
// with a clear 400 instead of consuming memory.
func (s *Server) maxBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// exportRequest is the wire shape of a render request. infile is accepted
// as an alias for options.
type exportRequest struct {
	Infile  json.RawMessage `json:"infile,omitempty"`
	Options json.RawMessage `json:"options,omitempty"`
	SVG     string          `json:"svg,omitempty"`

	Type    string  `json:"type,omitempty"`
	Constr  string  `json:"constr,omitempty"`
	Outfile string  `json:"outfile,omitempty"`
	Width   int     `json:"width,omitempty"`
	Height  int     `json:"height,omitempty"`
	Scale   float64 `json:"scale,omitempty"`

	GlobalOptions json.RawMessage `json:"globalOptions,omitempty"`
	ThemeOptions  json.RawMessage `json:"themeOptions,omitempty"`
	CustomCode    string          `json:"customCode,omitempty"`
	Callback      string          `json:"callback,omitempty"`

	Resources *export.Resources `json:"resources,omitempty"`

	// B64 returns base64 text instead of raw bytes; NoDownload skips the
	// attachment disposition. Both are transport concerns, the core never
	// sees them.
	B64        bool   `json:"b64,omitempty"`
	NoDownload bool   `json:"noDownload,omitempty"`
	Filename   string `json:"filename,omitempty"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	options := req.Options
	if len(options) == 0 {
		options = req.Infile
	}

	// The URL filename, then the outfile field, decide the format when
	// they carry an extension.
	outfile := chi.URLParam(r, "filename")
	if outfile == "" {
		outfile = req.Outfile
	}
	if outfile == "" {
		outfile = req.Filename
	}
	format := export.NormalizeFormat(req.Type, outfile)

	ctx := kit.WithTransport(r.Context(), "http")
	ctx = kit.WithRemoteAddr(ctx, r.RemoteAddr)
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		ctx = kit.WithRequestID(ctx, reqID)
	}

	res, err := s.renderer.Render(ctx, export.Request{
		Options:       options,
		SVG:           req.SVG,
		Width:         req.Width,
		Height:        req.Height,
		Scale:         req.Scale,
		Constructor:   export.Constructor(req.Constr),
		Format:        format,
		GlobalOptions: req.GlobalOptions,
		ThemeOptions:  req.ThemeOptions,
		CustomCode:    req.CustomCode,
		Callback:      req.Callback,
		Resources:     req.Resources,
		// HTTP callers cannot grant code execution themselves; the request
		// opts in and the exporter's config switch decides.
		AllowCodeExecution: true,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	if req.B64 {
		data := res.Data
		if format == export.FormatSVG {
			data = base64.StdEncoding.EncodeToString([]byte(res.Data))
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(data))
		return
	}

	var body []byte
	if format == export.FormatSVG {
		body = []byte(res.Data)
	} else {
		var derr error
		body, derr = base64.StdEncoding.DecodeString(res.Data)
		if derr != nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("decode render output: %w", derr))
			return
		}
	}

	w.Header().Set("Content-Type", res.MIME)
	if !req.NoDownload {
		name := outfile
		if name == "" {
			name = "chart." + string(format)
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	}
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	size, inUse, free := s.renderer.PoolStatus()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    s.renderer.Version(),
		"uptime_ms":  s.renderer.Uptime().Milliseconds(),
		"pool":       map[string]int{"size": size, "in_use": inUse, "free": free},
		"statistics": s.renderer.Stats(),
	})
}

func (s *Server) handleVersionChange(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AdminTokenHash == "" {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("version change is not enabled"))
		return
	}

	var req struct {
		Version string `json:"version"`
		Token   string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Version == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("version is required"))
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(s.cfg.AdminTokenHash), []byte(req.Token)) != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid admin token"})
		return
	}

	if err := s.renderer.UpdateVersion(r.Context(), req.Version); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.renderer.Version(),
	})
}

// statusFor maps the export error taxonomy to HTTP statuses. Acquire
// timeouts are retryable and answer 503.
func statusFor(err error) int {
	var (
		invalid   *export.InvalidInputError
		acquire   *export.AcquireTimeoutError
		rasterTO  *export.RasterizationTimeoutError
		exportErr *export.ExportError
	)
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.As(err, &acquire):
		return http.StatusServiceUnavailable
	case errors.As(err, &rasterTO), errors.As(err, &exportErr):
		return http.StatusBadRequest
	default:
		// AssetFetch, BrowserUnavailable and everything unclassified are
		// server-side failures.
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
