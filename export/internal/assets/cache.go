// Package assets fetches, concatenates and memoizes the Highcharts script
// bundle for a pinned version. The bundle is immutable once published;
// version changes swap the whole bundle atomically.
package assets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Bundle is one published script set. Immutable after creation.
type Bundle struct {
	// Version is the Highcharts banner version found in the core script,
	// or the configured literal when no banner is present.
	Version string
	// Script is the concatenation of every script in Manifest order.
	// Concatenation order is the in-page load order; reordering changes
	// observable behavior.
	Script string
	// Manifest lists the script identifiers in load order.
	Manifest []string
	FetchedAt time.Time
}

// FetchError reports a script download that failed after all retries.
type FetchError struct {
	URL      string
	Attempts int
	Cause    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("assets: fetch failed after %d attempts: %s: %v", e.Attempts, e.URL, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// Config configures the cache.
type Config struct {
	Version    string
	CDNURL     string
	CachePath  string
	ForceFetch bool

	Core       []string
	Modules    []string
	Indicators []string
	// Custom entries are absolute URLs appended after the CDN scripts.
	Custom []string

	// FetchAttempts and FetchBackoff control the retry loop: backoff
	// doubles each attempt starting at FetchBackoff.
	FetchAttempts int
	FetchBackoff  time.Duration

	Client *http.Client
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.CDNURL == "" {
		c.CDNURL = "https://code.highcharts.com"
	}
	if c.CachePath == "" {
		c.CachePath = ".cache"
	}
	if c.FetchAttempts <= 0 {
		c.FetchAttempts = 6
	}
	if c.FetchBackoff <= 0 {
		c.FetchBackoff = time.Second
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// manifestFile is the on-disk manifest layout under CachePath.
type manifestFile struct {
	Version   string   `json:"version"`
	FetchedAt int64    `json:"fetched_at"`
	Scripts   []string `json:"scripts"`
}

// Cache assembles and publishes bundles. Ensure and UpdateVersion are
// serialized with each other; Current is lock-free.
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	current atomic.Pointer[Bundle]
}

// New creates a Cache. Call Ensure before the first Current.
func New(cfg Config) *Cache {
	cfg.defaults()
	return &Cache{cfg: cfg}
}

// Current returns the active bundle, or nil before the first Ensure.
func (c *Cache) Current() *Bundle {
	return c.current.Load()
}

// Ensure assembles the bundle for the configured version, reading from the
// cache directory where possible and fetching the rest. A partial fetch
// publishes nothing.
func (c *Cache) Ensure(ctx context.Context) (*Bundle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureLocked(ctx, c.cfg.Version, c.cfg.ForceFetch)
}

// UpdateVersion re-assembles the bundle for a new pinned version and swaps
// it atomically. On failure the previous bundle stays active.
func (c *Cache) UpdateVersion(ctx context.Context, version string) (*Bundle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, err := c.ensureLocked(ctx, version, true)
	if err != nil {
		return nil, err
	}
	c.cfg.Version = version
	return b, nil
}

func (c *Cache) ensureLocked(ctx context.Context, version string, forceFetch bool) (*Bundle, error) {
	log := c.cfg.Logger
	scripts := c.scriptList(version)

	cached := map[string]string{}
	if !forceFetch {
		cached = c.readCached(version, scripts)
	}

	var blob strings.Builder
	contents := make(map[string]string, len(scripts))
	fetched := 0
	for _, s := range scripts {
		body, ok := cached[s.name]
		if !ok {
			var err error
			body, err = c.fetch(ctx, s.url)
			if err != nil {
				return nil, err
			}
			fetched++
		}
		contents[s.name] = body
		blob.WriteString(body)
		blob.WriteString(";\n")
	}

	names := make([]string, len(scripts))
	for i, s := range scripts {
		names[i] = s.name
	}

	b := &Bundle{
		Version:   detectVersion(contents[scripts[0].name], version),
		Script:    blob.String(),
		Manifest:  names,
		FetchedAt: time.Now(),
	}

	if err := c.persist(b, scripts, contents); err != nil {
		log.Warn("assets: cache persist failed", "path", c.cfg.CachePath, "error", err)
	}

	c.current.Store(b)
	log.Info("assets: bundle published",
		"version", b.Version, "scripts", len(names), "fetched", fetched, "bytes", len(b.Script))
	return b, nil
}

type scriptRef struct {
	name string // manifest identifier, e.g. "highcharts", "modules/stock"
	url  string
	file string // cache filename
}

func (c *Cache) scriptList(version string) []scriptRef {
	base := strings.TrimSuffix(c.cfg.CDNURL, "/")
	if version != "" && version != "latest" {
		base += "/" + version
	}

	var out []scriptRef
	add := func(name string) {
		out = append(out, scriptRef{
			name: name,
			url:  base + "/" + name + ".js",
			file: strings.ReplaceAll(name, "/", "_") + ".js",
		})
	}
	for _, s := range c.cfg.Core {
		add(s)
	}
	for _, s := range c.cfg.Modules {
		add("modules/" + s)
	}
	for _, s := range c.cfg.Indicators {
		add("indicators/" + s)
	}
	for _, u := range c.cfg.Custom {
		name := u
		out = append(out, scriptRef{
			name: name,
			url:  u,
			file: "custom_" + sanitizeFilename(u) + ".js",
		})
	}
	return out
}

// readCached returns script bodies readable from the cache directory, but
// only when the on-disk manifest matches the requested version.
func (c *Cache) readCached(version string, scripts []scriptRef) map[string]string {
	data, err := os.ReadFile(filepath.Join(c.cfg.CachePath, "manifest.json"))
	if err != nil {
		return nil
	}
	var m manifestFile
	if err := json.Unmarshal(data, &m); err != nil || m.Version != version {
		return nil
	}

	out := make(map[string]string, len(scripts))
	for _, s := range scripts {
		body, err := os.ReadFile(filepath.Join(c.cfg.CachePath, s.file))
		if err != nil {
			continue
		}
		out[s.name] = string(body)
	}
	return out
}

func (c *Cache) persist(b *Bundle, scripts []scriptRef, contents map[string]string) error {
	if err := os.MkdirAll(c.cfg.CachePath, 0o755); err != nil {
		return err
	}
	for _, s := range scripts {
		if err := os.WriteFile(filepath.Join(c.cfg.CachePath, s.file), []byte(contents[s.name]), 0o644); err != nil {
			return err
		}
	}
	if err := os.WriteFile(filepath.Join(c.cfg.CachePath, "sources.js"), []byte(b.Script), 0o644); err != nil {
		return err
	}
	m := manifestFile{
		Version:   b.Version,
		FetchedAt: b.FetchedAt.Unix(),
		Scripts:   b.Manifest,
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.cfg.CachePath, "manifest.json"), data, 0o644)
}

// fetch downloads one script with exponential backoff: FetchBackoff base,
// doubled each attempt, up to FetchAttempts.
func (c *Cache) fetch(ctx context.Context, url string) (string, error) {
	log := c.cfg.Logger
	var lastErr error

	for attempt := 0; attempt < c.cfg.FetchAttempts; attempt++ {
		if attempt > 0 {
			wait := c.cfg.FetchBackoff * (1 << uint(attempt-1))
			log.Warn("assets: retrying fetch",
				"url", url, "attempt", attempt+1, "backoff_ms", wait.Milliseconds(), "error", lastErr)
			select {
			case <-ctx.Done():
				return "", &FetchError{URL: url, Attempts: attempt, Cause: ctx.Err()}
			case <-time.After(wait):
			}
		}

		body, err := c.fetchOnce(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return "", &FetchError{URL: url, Attempts: c.cfg.FetchAttempts, Cause: lastErr}
}

func (c *Cache) fetchOnce(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

var bannerRe = regexp.MustCompile(`Highcharts(?: JS)? v?(\d+\.\d+\.\d+)`)

// detectVersion extracts the version banner from the core script, falling
// back to the configured literal.
func detectVersion(core, configured string) string {
	if m := bannerRe.FindStringSubmatch(core); m != nil {
		return "Highcharts " + m[1]
	}
	return configured
}

var unsafeFilenameRe = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func sanitizeFilename(s string) string {
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimSuffix(s, ".js")
	return unsafeFilenameRe.ReplaceAllString(s, "_")
}
