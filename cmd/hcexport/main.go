// Command hcexport renders Highcharts charts to PNG, JPEG, PDF and SVG.
//
// Default mode serves HTTP (plus optional MCP over stdio); -infile/-svg
// renders once to -outfile; -batch renders several files concurrently over
// the same page pool.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/hcexport/dbopen"
	"github.com/hazyhaar/hcexport/export"
	"github.com/hazyhaar/hcexport/observability"
	"github.com/hazyhaar/hcexport/server"
)

type appConfig struct {
	export.Config `yaml:",inline"`
	Server        server.Config `yaml:"server"`
	Observability struct {
		DBPath           string `yaml:"db_path"`
		SampleIntervalMs int    `yaml:"sample_interval_ms"`
		RetentionDays    int    `yaml:"retention_days"`
	} `yaml:"observability"`
}

func loadConfig(path string) (*appConfig, error) {
	cfg := &appConfig{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func main() {
	var (
		configPath = flag.String("config", env("HCEXPORT_CONFIG", ""), "YAML config file")
		infile     = flag.String("infile", "", "options JSON file for one-shot mode")
		svgfile    = flag.String("svg", "", "SVG input file for one-shot mode")
		outfile    = flag.String("outfile", "chart.png", "output file for one-shot mode")
		batch      = flag.String("batch", "", `batch mode: "in1.json=out1.png;in2.json=out2.pdf"`)
		typ        = flag.String("type", "", "output type (png, jpeg, pdf, svg)")
		constr     = flag.String("constr", "", "constructor (chart, stockChart, mapChart, ganttChart)")
		width      = flag.Int("width", 0, "chart width in CSS pixels")
		height     = flag.Int("height", 0, "chart height in CSS pixels")
		scale      = flag.Float64("scale", 0, "device scale factor")
		addr       = flag.String("addr", "", "HTTP listen address (serve mode)")
	)
	flag.Parse()

	mcpTransport := env("MCP_TRANSPORT", "")

	// Stdio MCP owns stdout; logs must go to stderr then.
	logOut := os.Stdout
	if mcpTransport == "stdio" {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: logLevel()}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	applyEnv(cfg)
	cfg.Logger = logger
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	cfg.Server.Logger = logger

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	exporter := export.New(cfg.Config)

	// Observability is optional: without a db path, renders are only
	// counted in memory.
	var obsClose func()
	if cfg.Observability.DBPath != "" {
		obsClose, err = setupObservability(cfg, exporter)
		if err != nil {
			logger.Error("observability", "error", err)
			os.Exit(1)
		}
	}

	if err := exporter.Start(ctx); err != nil {
		logger.Error("exporter start", "error", err)
		os.Exit(1)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 15*time.Second)
		exporter.Shutdown(sctx)
		scancel()
		if obsClose != nil {
			obsClose()
		}
	}()

	oneShot := export.Request{
		Width:       *width,
		Height:      *height,
		Scale:       *scale,
		Constructor: export.Constructor(*constr),
	}

	switch {
	case *batch != "":
		if err := runBatch(ctx, exporter, *batch, oneShot); err != nil {
			logger.Error("batch", "error", err)
			os.Exit(1)
		}
	case *infile != "" || *svgfile != "":
		if err := runOnce(ctx, exporter, *infile, *svgfile, *outfile, *typ, oneShot); err != nil {
			logger.Error("export", "error", err)
			os.Exit(1)
		}
	default:
		if err := serve(ctx, cfg, exporter, mcpTransport); err != nil {
			logger.Error("serve", "error", err)
			os.Exit(1)
		}
	}
}

func serve(ctx context.Context, cfg *appConfig, exporter *export.Exporter, mcpTransport string) error {
	if mcpTransport == "stdio" {
		srv := mcp.NewServer(&mcp.Implementation{
			Name:    "hcexport",
			Version: "1.0.0",
		}, nil)
		exporter.RegisterMCPTools(srv)
		go func() {
			if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				slog.Error("mcp stdio", "error", err)
			}
		}()
	}

	return server.New(cfg.Server, exporter).Run(ctx)
}

// runOnce renders a single chart to a file. The outfile extension decides
// the format over -type.
func runOnce(ctx context.Context, exporter *export.Exporter, infile, svgfile, outfile, typ string, base export.Request) error {
	req := base
	req.Format = export.NormalizeFormat(typ, outfile)

	if infile != "" {
		data, err := os.ReadFile(infile)
		if err != nil {
			return fmt.Errorf("read infile: %w", err)
		}
		req.Options = json.RawMessage(data)
	} else {
		data, err := os.ReadFile(svgfile)
		if err != nil {
			return fmt.Errorf("read svg: %w", err)
		}
		req.SVG = string(data)
	}

	res, err := exporter.Render(ctx, req)
	if err != nil {
		return err
	}
	if err := writeResult(outfile, req.Format, res); err != nil {
		return err
	}
	slog.Info("exported", "outfile", outfile, "format", req.Format, "elapsed_ms", res.Elapsed.Milliseconds())
	return nil
}

// runBatch renders "in=out" pairs concurrently over the shared pool. One
// failed entry fails the run after the others finish.
func runBatch(ctx context.Context, exporter *export.Exporter, spec string, base export.Request) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, entry := range strings.Split(spec, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		in, out, ok := strings.Cut(entry, "=")
		if !ok {
			return fmt.Errorf("batch entry %q: want in=out", entry)
		}

		g.Go(func() error {
			req := base
			req.Format = export.NormalizeFormat("", out)
			data, err := os.ReadFile(in)
			if err != nil {
				return fmt.Errorf("batch %s: %w", in, err)
			}
			req.Options = json.RawMessage(data)

			res, err := exporter.Render(gctx, req)
			if err != nil {
				return fmt.Errorf("batch %s: %w", in, err)
			}
			if err := writeResult(out, req.Format, res); err != nil {
				return fmt.Errorf("batch %s: %w", in, err)
			}
			slog.Info("exported", "infile", in, "outfile", out, "elapsed_ms", res.Elapsed.Milliseconds())
			return nil
		})
	}
	return g.Wait()
}

func writeResult(path string, format export.Format, res *export.Result) error {
	var body []byte
	if format == export.FormatSVG {
		body = []byte(res.Data)
	} else {
		var err error
		body, err = base64.StdEncoding.DecodeString(res.Data)
		if err != nil {
			return fmt.Errorf("decode output: %w", err)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, body, 0o644)
}

func setupObservability(cfg *appConfig, exporter *export.Exporter) (func(), error) {
	db, err := dbopen.Open(cfg.Observability.DBPath,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(observability.Schema))
	if err != nil {
		return nil, fmt.Errorf("open observability db: %w", err)
	}

	exportLog := observability.NewExportLog(db, 256, 5*time.Second)
	exporter.SetEventSink(exportLog)

	metrics := observability.NewMetricsManager(db, 100, 5*time.Second)
	interval := time.Duration(cfg.Observability.SampleIntervalMs) * time.Millisecond
	sampler := observability.NewSampler(exporter, metrics, interval)

	if days := cfg.Observability.RetentionDays; days > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := metrics.Cleanup(ctx, days); err != nil {
			slog.Warn("metrics retention cleanup", "error", err)
		}
		if _, err := exportLog.Cleanup(ctx, days); err != nil {
			slog.Warn("export log retention cleanup", "error", err)
		}
	}

	return func() {
		sampler.Close()
		metrics.Close()
		exportLog.Close()
		db.Close()
	}, nil
}

func applyEnv(cfg *appConfig) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Addr = ":" + v
	}
	if v := os.Getenv("HIGHCHARTS_VERSION"); v != "" {
		cfg.Highcharts.Version = v
	}
	if v := os.Getenv("HIGHCHARTS_CDN"); v != "" {
		cfg.Highcharts.CDNURL = v
	}
	if v := os.Getenv("CACHE_PATH"); v != "" {
		cfg.Highcharts.CachePath = v
	}
	if v := os.Getenv("ADMIN_TOKEN_HASH"); v != "" {
		cfg.Server.AdminTokenHash = v
	}
	if v := os.Getenv("OBSERVABILITY_DB"); v != "" {
		cfg.Observability.DBPath = v
	}
	if v := os.Getenv("BROWSER_ARGS"); v != "" {
		cfg.Browser.Args = strings.Split(v, ",")
	}
}

func logLevel() slog.Level {
	switch env("LOG_LEVEL", "info") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
