package export

import (
	"log/slog"
	"time"
)

// HighchartsConfig describes the script bundle to cache.
type HighchartsConfig struct {
	// Version pins the Highcharts release fetched from the CDN.
	Version string `json:"version" yaml:"version"`
	// CDNURL is the base URL scripts are fetched from.
	CDNURL string `json:"cdn_url" yaml:"cdn_url"`
	// ForceFetch bypasses the on-disk cache.
	ForceFetch bool `json:"force_fetch" yaml:"force_fetch"`
	// CachePath is the directory holding fetched scripts and the manifest.
	CachePath string `json:"cache_path" yaml:"cache_path"`

	CoreScripts      []string `json:"core_scripts" yaml:"core_scripts"`
	ModuleScripts    []string `json:"module_scripts" yaml:"module_scripts"`
	IndicatorScripts []string `json:"indicator_scripts" yaml:"indicator_scripts"`
	// CustomScripts are absolute URLs appended after the CDN scripts.
	CustomScripts []string `json:"custom_scripts" yaml:"custom_scripts"`
}

// PoolConfig bounds the page worker pool.
type PoolConfig struct {
	MinWorkers int `json:"min_workers" yaml:"min_workers"`
	MaxWorkers int `json:"max_workers" yaml:"max_workers"`
	// WorkLimit is the number of renders a page performs before it is
	// destroyed and replaced.
	WorkLimit int `json:"work_limit" yaml:"work_limit"`

	AcquireTimeoutMs      int `json:"acquire_timeout_ms" yaml:"acquire_timeout_ms"`
	CreateTimeoutMs       int `json:"create_timeout_ms" yaml:"create_timeout_ms"`
	DestroyTimeoutMs      int `json:"destroy_timeout_ms" yaml:"destroy_timeout_ms"`
	IdleTimeoutMs         int `json:"idle_timeout_ms" yaml:"idle_timeout_ms"`
	CreateRetryIntervalMs int `json:"create_retry_interval_ms" yaml:"create_retry_interval_ms"`
	ReaperIntervalMs      int `json:"reaper_interval_ms" yaml:"reaper_interval_ms"`

	Benchmarking bool `json:"benchmarking" yaml:"benchmarking"`
}

// ExportConfig holds render defaults applied when a request leaves them out.
type ExportConfig struct {
	Type   string `json:"type" yaml:"type"`
	Constr string `json:"constr" yaml:"constr"`

	DefaultWidth  int     `json:"default_width" yaml:"default_width"`
	DefaultHeight int     `json:"default_height" yaml:"default_height"`
	DefaultScale  float64 `json:"default_scale" yaml:"default_scale"`

	RasterizationTimeoutMs int `json:"rasterization_timeout_ms" yaml:"rasterization_timeout_ms"`
}

// CustomLogicConfig gates user-supplied code execution. A trust boundary:
// both default to off.
type CustomLogicConfig struct {
	AllowCodeExecution bool `json:"allow_code_execution" yaml:"allow_code_execution"`
	AllowFileResources bool `json:"allow_file_resources" yaml:"allow_file_resources"`
}

// BrowserConfig is passed through to the Chrome launcher.
type BrowserConfig struct {
	// Args are extra Chrome flags, e.g. "--no-sandbox".
	Args []string `json:"args" yaml:"args"`
	// HeadlessMode is "true" (new headless) or "shell" (headless shell).
	HeadlessMode string `json:"headless_mode" yaml:"headless_mode"`
	DebugPort    int    `json:"debug_port" yaml:"debug_port"`
	SlowMoMs     int    `json:"slow_mo_ms" yaml:"slow_mo_ms"`
}

// Config is the full configuration consumed by the Exporter.
type Config struct {
	Highcharts  HighchartsConfig  `json:"highcharts" yaml:"highcharts"`
	Pool        PoolConfig        `json:"pool" yaml:"pool"`
	Export      ExportConfig      `json:"export" yaml:"export"`
	CustomLogic CustomLogicConfig `json:"custom_logic" yaml:"custom_logic"`
	Browser     BrowserConfig     `json:"browser" yaml:"browser"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.Highcharts.Version == "" {
		c.Highcharts.Version = "latest"
	}
	if c.Highcharts.CDNURL == "" {
		c.Highcharts.CDNURL = "https://code.highcharts.com"
	}
	if c.Highcharts.CachePath == "" {
		c.Highcharts.CachePath = ".cache"
	}
	if len(c.Highcharts.CoreScripts) == 0 {
		c.Highcharts.CoreScripts = []string{"highcharts", "highcharts-more", "highcharts-3d"}
	}
	if len(c.Highcharts.ModuleScripts) == 0 {
		c.Highcharts.ModuleScripts = []string{
			"stock", "map", "gantt", "exporting", "export-data",
			"accessibility", "annotations", "boost", "data",
		}
	}

	if c.Pool.MinWorkers <= 0 {
		c.Pool.MinWorkers = 4
	}
	if c.Pool.MaxWorkers <= 0 {
		c.Pool.MaxWorkers = 8
	}
	if c.Pool.MinWorkers > c.Pool.MaxWorkers {
		c.Pool.MinWorkers = c.Pool.MaxWorkers
	}
	if c.Pool.WorkLimit <= 0 {
		c.Pool.WorkLimit = 40
	}
	if c.Pool.AcquireTimeoutMs < 0 {
		c.Pool.AcquireTimeoutMs = 0
	} else if c.Pool.AcquireTimeoutMs == 0 {
		c.Pool.AcquireTimeoutMs = 5000
	}
	if c.Pool.CreateTimeoutMs <= 0 {
		c.Pool.CreateTimeoutMs = 10000
	}
	if c.Pool.DestroyTimeoutMs <= 0 {
		c.Pool.DestroyTimeoutMs = 5000
	}
	if c.Pool.IdleTimeoutMs <= 0 {
		c.Pool.IdleTimeoutMs = 30000
	}
	if c.Pool.CreateRetryIntervalMs <= 0 {
		c.Pool.CreateRetryIntervalMs = 200
	}
	if c.Pool.ReaperIntervalMs <= 0 {
		c.Pool.ReaperIntervalMs = 1000
	}

	if c.Export.Type == "" {
		c.Export.Type = string(FormatPNG)
	}
	if c.Export.Constr == "" {
		c.Export.Constr = string(ConstructorChart)
	}
	if c.Export.DefaultWidth <= 0 {
		c.Export.DefaultWidth = 600
	}
	if c.Export.DefaultHeight <= 0 {
		c.Export.DefaultHeight = 400
	}
	if c.Export.DefaultScale <= 0 {
		c.Export.DefaultScale = 1
	}
	if c.Export.RasterizationTimeoutMs <= 0 {
		c.Export.RasterizationTimeoutMs = 1500
	}

	if c.Browser.HeadlessMode == "" {
		c.Browser.HeadlessMode = "true"
	}

	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c *PoolConfig) acquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeoutMs) * time.Millisecond
}

func (c *ExportConfig) rasterizationTimeout() time.Duration {
	return time.Duration(c.RasterizationTimeoutMs) * time.Millisecond
}
