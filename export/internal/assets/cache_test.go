package assets

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig(t *testing.T, cdn string) Config {
	t.Helper()
	return Config{
		Version:      "11.4.8",
		CDNURL:       cdn,
		CachePath:    t.TempDir(),
		Core:         []string{"highcharts", "highcharts-more"},
		Modules:      []string{"stock", "exporting"},
		FetchBackoff: time.Millisecond,
	}
}

func newCDN(t *testing.T, fn http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(fn)
	t.Cleanup(srv.Close)
	return srv
}

func TestEnsureOrderAndManifest(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := newCDN(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.Write([]byte("/*" + r.URL.Path + "*/"))
	})

	c := New(testConfig(t, srv.URL))
	b, err := c.Ensure(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	wantManifest := []string{"highcharts", "highcharts-more", "modules/stock", "modules/exporting"}
	if len(b.Manifest) != len(wantManifest) {
		t.Fatalf("manifest length %d, want %d", len(b.Manifest), len(wantManifest))
	}
	for i, name := range wantManifest {
		if b.Manifest[i] != name {
			t.Errorf("manifest[%d] = %q, want %q", i, b.Manifest[i], name)
		}
	}

	// Concatenation must follow manifest order.
	prev := -1
	for _, p := range []string{
		"/11.4.8/highcharts.js", "/11.4.8/highcharts-more.js",
		"/11.4.8/modules/stock.js", "/11.4.8/modules/exporting.js",
	} {
		idx := strings.Index(b.Script, "/*"+p+"*/")
		if idx < 0 {
			t.Fatalf("script %s missing from blob", p)
		}
		if idx < prev {
			t.Errorf("script %s out of order in blob", p)
		}
		prev = idx
	}

	if c.Current() != b {
		t.Error("Current() should return the published bundle")
	}
}

func TestEnsurePersistsCache(t *testing.T) {
	srv := newCDN(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	})

	cfg := testConfig(t, srv.URL)
	c := New(cfg)
	if _, err := c.Ensure(context.Background()); err != nil {
		t.Fatal(err)
	}

	for _, f := range []string{"highcharts.js", "modules_stock.js", "sources.js", "manifest.json"} {
		if _, err := os.Stat(filepath.Join(cfg.CachePath, f)); err != nil {
			t.Errorf("expected cache file %s: %v", f, err)
		}
	}

	data, err := os.ReadFile(filepath.Join(cfg.CachePath, "manifest.json"))
	if err != nil {
		t.Fatal(err)
	}
	var m manifestFile
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m.Version != "11.4.8" {
		t.Errorf("manifest version %q", m.Version)
	}
	if len(m.Scripts) != 4 {
		t.Errorf("manifest scripts %d", len(m.Scripts))
	}
}

func TestEnsureReusesCache(t *testing.T) {
	var hits atomic.Int64
	srv := newCDN(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("y"))
	})

	cfg := testConfig(t, srv.URL)
	c := New(cfg)
	if _, err := c.Ensure(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := hits.Load()

	// Second cache over the same directory: everything readable from disk.
	c2 := New(cfg)
	if _, err := c2.Ensure(context.Background()); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != first {
		t.Errorf("expected no extra fetches, got %d -> %d", first, hits.Load())
	}

	// ForceFetch bypasses the cache.
	cfg.ForceFetch = true
	c3 := New(cfg)
	if _, err := c3.Ensure(context.Background()); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != first*2 {
		t.Errorf("expected forced refetch of all scripts, got %d hits total", hits.Load())
	}
}

func TestFetchRetriesWithBackoff(t *testing.T) {
	var hits atomic.Int64
	srv := newCDN(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	})

	cfg := testConfig(t, srv.URL)
	cfg.Core = []string{"highcharts"}
	cfg.Modules = nil

	c := New(cfg)
	if _, err := c.Ensure(context.Background()); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if hits.Load() != 4 {
		t.Errorf("expected 4 requests (3 failures + 1 success), got %d", hits.Load())
	}
}

func TestFetchExhaustionPublishesNothing(t *testing.T) {
	var hits atomic.Int64
	srv := newCDN(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	cfg := testConfig(t, srv.URL)
	cfg.Core = []string{"highcharts"}
	cfg.Modules = nil
	cfg.FetchAttempts = 6

	c := New(cfg)
	_, err := c.Ensure(context.Background())
	if err == nil {
		t.Fatal("expected fetch error")
	}
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %T", err)
	}
	if fe.Attempts != 6 {
		t.Errorf("expected 6 attempts, got %d", fe.Attempts)
	}
	if hits.Load() != 6 {
		t.Errorf("expected 6 requests, got %d", hits.Load())
	}
	if c.Current() != nil {
		t.Error("partial fetch must not publish a bundle")
	}
}

func TestUpdateVersionAtomicSwap(t *testing.T) {
	srv := newCDN(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("/*" + r.URL.Path + "*/"))
	})

	cfg := testConfig(t, srv.URL)
	c := New(cfg)
	old, err := c.Ensure(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	nb, err := c.UpdateVersion(context.Background(), "12.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if nb == old {
		t.Fatal("expected a new bundle")
	}
	if c.Current() != nb {
		t.Error("Current() should see the new bundle")
	}
	if !strings.Contains(nb.Script, "/12.0.0/highcharts.js") {
		t.Error("new bundle should be fetched from the new version path")
	}
}

func TestUpdateVersionFailureKeepsOldBundle(t *testing.T) {
	var fail atomic.Bool
	srv := newCDN(t, func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("ok"))
	})

	cfg := testConfig(t, srv.URL)
	cfg.FetchAttempts = 2
	c := New(cfg)
	old, err := c.Ensure(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	fail.Store(true)
	if _, err := c.UpdateVersion(context.Background(), "13.0.0"); err == nil {
		t.Fatal("expected update failure")
	}
	if c.Current() != old {
		t.Error("failed UpdateVersion must leave the previous bundle active")
	}
}

func TestDetectVersionBanner(t *testing.T) {
	tests := []struct {
		core string
		want string
	}{
		{"/* Highcharts JS v11.4.8 (2024-08-29) */ code", "Highcharts 11.4.8"},
		{"/* Highcharts v9.1.0 */", "Highcharts 9.1.0"},
		{"no banner here", "configured"},
	}
	for _, tt := range tests {
		if got := detectVersion(tt.core, "configured"); got != tt.want {
			t.Errorf("detectVersion(%q) = %q, want %q", tt.core, got, tt.want)
		}
	}
}

func TestCustomScriptURLs(t *testing.T) {
	srv := newCDN(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("/*" + r.URL.Path + "*/"))
	})

	cfg := testConfig(t, srv.URL)
	cfg.Custom = []string{srv.URL + "/extra/plugin.js"}
	c := New(cfg)
	b, err := c.Ensure(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(b.Script, "/*/extra/plugin.js*/") {
		t.Error("custom script content missing from blob")
	}
	last := b.Manifest[len(b.Manifest)-1]
	if !strings.HasSuffix(last, "/extra/plugin.js") {
		t.Errorf("custom script should be last in manifest, got %q", last)
	}
}
