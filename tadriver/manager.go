// Package tadriver drives the TA web UI with a real browser: launch, log
// in, pick the course, open the attendance form, read it, fill it and
// submit it either programmatically or after a human confirms.
package tadriver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/tasync/horosafe"
)

// Config configures the browser manager.
type Config struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome per session.
	RemoteURL string

	// Bin overrides the Chrome binary path for local launches.
	Bin string

	// Display is exported as DISPLAY for visible (confirmation) sessions.
	Display string

	// NoSandbox disables the Chrome sandbox, needed when running as root.
	NoSandbox bool

	// ResourceBlocking lists resource types to block (images, fonts, media, stylesheets).
	ResourceBlocking []string

	Selectors Selectors
	Timeouts  Timeouts
	Logger    *slog.Logger
}

func (c *Config) defaults() {
	c.Selectors = c.Selectors.withDefaults()
	c.Timeouts = c.Timeouts.withDefaults()
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// LaunchOptions are per-session settings.
type LaunchOptions struct {
	BaseURL  string
	Headless bool
}

// Manager launches browser sessions and tracks them so Close can release
// whatever is still open at shutdown.
type Manager struct {
	cfg      Config
	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
}

// NewManager creates a browser Manager.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg, sessions: make(map[*Session]struct{})}
}

// Launch starts a browser (or connects to the remote one), opens a tab and
// returns a Session in the Launched state. The caller must Close it.
func (m *Manager) Launch(ctx context.Context, opts LaunchOptions) (*Session, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("tadriver: manager is closed")
	}
	if err := horosafe.ValidateURL(opts.BaseURL, true); err != nil {
		return nil, fmt.Errorf("tadriver: base url: %w", err)
	}

	b, lnch, err := m.launch(opts.Headless)
	if err != nil {
		return nil, err
	}

	var page *rod.Page
	if opts.Headless {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		b.Close()
		if lnch != nil {
			lnch.Cleanup()
		}
		return nil, fmt.Errorf("tadriver: create tab: %w", err)
	}

	if len(m.cfg.ResourceBlocking) > 0 {
		if err := applyResourceBlocking(page, m.cfg.ResourceBlocking); err != nil {
			m.cfg.Logger.Warn("tadriver: resource blocking failed", "error", err)
		}
	}

	s := &Session{
		browser:  b,
		lnch:     lnch,
		page:     page,
		baseURL:  opts.BaseURL,
		sel:      m.cfg.Selectors,
		timeouts: m.cfg.Timeouts,
		logger:   m.cfg.Logger.With("ta_host", horosafe.RedactURL(opts.BaseURL)),
		state:    StateLaunched,
	}
	s.release = func() { m.forget(s) }

	m.mu.Lock()
	m.sessions[s] = struct{}{}
	m.mu.Unlock()

	s.logger.Info("tadriver: session launched", "headless", opts.Headless)
	return s, nil
}

// Close closes every open session.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	open := make([]*Session, 0, len(m.sessions))
	for s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	for _, s := range open {
		s.Close()
	}
	return nil
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s)
	m.mu.Unlock()
}

func (m *Manager) launch(headless bool) (*rod.Browser, *launcher.Launcher, error) {
	log := m.cfg.Logger

	if m.cfg.RemoteURL != "" {
		log.Info("tadriver: connecting to remote chrome", "url", horosafe.RedactURL(m.cfg.RemoteURL))
		b := rod.New().ControlURL(m.cfg.RemoteURL)
		if err := b.Connect(); err != nil {
			return nil, nil, fmt.Errorf("tadriver: connect: %w", err)
		}
		return b, nil, nil
	}

	l := launcher.New().Headless(headless)
	if m.cfg.Bin != "" {
		l = l.Bin(m.cfg.Bin)
	}
	if m.cfg.NoSandbox {
		l = l.NoSandbox(true)
	}
	if !headless && m.cfg.Display != "" {
		l = l.Env("DISPLAY="+m.cfg.Display)
	}
	// Anti-detection flags.
	l = l.Set("disable-blink-features", "AutomationControlled")

	u, err := l.Launch()
	if err != nil {
		return nil, nil, fmt.Errorf("tadriver: launch: %w", err)
	}

	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		l.Cleanup()
		return nil, nil, fmt.Errorf("tadriver: connect: %w", err)
	}
	log.Info("tadriver: launched local chrome", "headless", headless)
	return b, l, nil
}
