// Package browser owns the headless Chrome process and the reusable pages
// rendered on. The Manager launches Chrome once, watches the connection,
// and survives transient disconnects by reconnect-or-relaunch.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/hcexport/export/internal/assets"
)

// State is the supervisor lifecycle state.
type State int32

const (
	StateUnstarted State = iota
	StateStarting
	StateRunning
	StateReconnecting
	StateRelaunching
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateReconnecting:
		return "reconnecting"
	case StateRelaunching:
		return "relaunching"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// UnavailableError is returned when the browser is not running and
// reconnect attempts were exhausted.
type UnavailableError struct {
	Cause error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("browser: unavailable: %v", e.Cause)
}

func (e *UnavailableError) Unwrap() error { return e.Cause }

// Config configures the browser supervisor.
type Config struct {
	// Args are extra Chrome flags, e.g. "--no-sandbox" or "--lang=en".
	Args []string
	// HeadlessMode is "true" (new headless) or "shell" (headless shell).
	HeadlessMode string
	DebugPort    int
	SlowMo       time.Duration

	// ReconnectAttempts and ReconnectInterval bound the reconnect loop
	// after an IPC loss, before falling back to a relaunch.
	ReconnectAttempts int
	ReconnectInterval time.Duration
	// LivenessInterval is how often the supervisor probes the connection.
	LivenessInterval time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.HeadlessMode == "" {
		c.HeadlessMode = "true"
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 25
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 4 * time.Second
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns one Chrome process. Start launches it; NewPage creates
// preloaded tabs; disconnect handling is transparent to page users except
// that affected pages report unhealthy.
type Manager struct {
	cfg Config

	mu         sync.RWMutex
	browser    *rod.Browser
	lnch       *launcher.Launcher
	controlURL string
	subs       []chan struct{}

	state  atomic.Int32
	closed atomic.Bool
	stop   chan struct{}
}

// NewManager creates a Manager. Call Start to launch Chrome.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg, stop: make(chan struct{})}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Start launches Chrome and begins supervising the connection. Cancelling
// ctx during launch kills the half-started process.
func (m *Manager) Start(ctx context.Context) error {
	if m.closed.Load() {
		return fmt.Errorf("browser: manager is closed")
	}
	m.state.Store(int32(StateStarting))

	m.mu.Lock()
	err := m.launchLocked(ctx)
	m.mu.Unlock()
	if err != nil {
		m.state.Store(int32(StateUnstarted))
		return &UnavailableError{Cause: err}
	}

	m.state.Store(int32(StateRunning))
	go m.superviseLoop()
	return nil
}

// Subscribe returns a channel that receives a notification on every
// disconnect, before reconnection is attempted. Non-blocking sends: a slow
// subscriber misses coalesced events, never blocks the supervisor.
func (m *Manager) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Close shuts down Chrome. Idempotent.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(m.stop)
	m.state.Store(int32(StateClosed))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	return nil
}

// NewPage creates a fresh tab with browser caching disabled and the shell
// document plus the given script bundle installed.
func (m *Manager) NewPage(ctx context.Context, bundle *assets.Bundle, id string) (*Page, error) {
	m.mu.RLock()
	b := m.browser
	m.mu.RUnlock()

	if b == nil || m.State() != StateRunning {
		return nil, &UnavailableError{Cause: fmt.Errorf("state %s", m.State())}
	}

	pg, err := b.Page(proto.TargetCreateTarget{URL: ""})
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	if err := (proto.NetworkSetCacheDisabled{CacheDisabled: true}).Call(pg.Context(ctx)); err != nil {
		m.cfg.Logger.Warn("browser: disable cache failed", "error", err)
	}

	p := newPage(id, pg, bundle, m.cfg.Logger)
	if err := p.setup(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("browser: page setup: %w", err)
	}
	return p, nil
}

func (m *Manager) launchLocked(ctx context.Context) error {
	log := m.cfg.Logger

	l := launcher.New().Context(ctx).Headless(true)
	if m.cfg.HeadlessMode == "shell" {
		l = l.Set("headless", "shell")
	}
	if m.cfg.DebugPort > 0 {
		l = l.Set("remote-debugging-port", strconv.Itoa(m.cfg.DebugPort))
	}
	for _, arg := range m.cfg.Args {
		key, val, hasVal := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if key == "" {
			continue
		}
		if hasVal {
			l = l.Set(flags.Flag(key), val)
		} else {
			l = l.Set(flags.Flag(key))
		}
	}

	u, err := l.Launch()
	if err != nil {
		l.Kill()
		l.Cleanup()
		return fmt.Errorf("launch: %w", err)
	}

	b := rod.New().ControlURL(u)
	if m.cfg.SlowMo > 0 {
		b = b.SlowMotion(m.cfg.SlowMo)
	}
	if err := b.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return fmt.Errorf("connect: %w", err)
	}

	m.browser = b
	m.lnch = l
	m.controlURL = u
	log.Info("browser: launched", "url", u, "headless_mode", m.cfg.HeadlessMode)
	return nil
}

func (m *Manager) cleanupLocked() {
	if m.browser != nil {
		m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Kill()
		m.lnch.Cleanup()
		m.lnch = nil
	}
}

// superviseLoop probes the CDP connection and drives the
// reconnect-or-relaunch path on failure.
func (m *Manager) superviseLoop() {
	log := m.cfg.Logger
	ticker := time.NewTicker(m.cfg.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}

		m.mu.RLock()
		b := m.browser
		m.mu.RUnlock()
		if b == nil {
			continue
		}

		if _, err := (proto.BrowserGetVersion{}).Call(b); err != nil {
			log.Warn("browser: connection lost", "error", err)
			m.notifyDisconnect()
			if err := m.recover(); err != nil {
				log.Error("browser: recovery failed", "error", err)
			}
		}
	}
}

func (m *Manager) notifyDisconnect() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// recover first tries to reconnect to the saved endpoint, then closes
// best-effort and relaunches with the same args.
func (m *Manager) recover() error {
	log := m.cfg.Logger
	m.state.Store(int32(StateReconnecting))

	m.mu.RLock()
	u := m.controlURL
	m.mu.RUnlock()

	for attempt := 1; attempt <= m.cfg.ReconnectAttempts; attempt++ {
		select {
		case <-m.stop:
			return nil
		case <-time.After(m.cfg.ReconnectInterval):
		}

		b := rod.New().ControlURL(u)
		if err := b.Connect(); err != nil {
			log.Warn("browser: reconnect failed", "attempt", attempt, "error", err)
			continue
		}

		m.mu.Lock()
		m.browser = b
		m.mu.Unlock()
		m.state.Store(int32(StateRunning))
		log.Info("browser: reconnected", "attempt", attempt)
		return nil
	}

	log.Warn("browser: reconnect exhausted, relaunching")
	m.state.Store(int32(StateRelaunching))

	m.mu.Lock()
	m.cleanupLocked()
	err := m.launchLocked(context.Background())
	m.mu.Unlock()
	if err != nil {
		return &UnavailableError{Cause: err}
	}

	m.state.Store(int32(StateRunning))
	return nil
}
