// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
)

const shutdownGracePeriod = 15 * time.Second

// Manager owns the browser process and hands out isolated tabs. The
// underlying Chrome instance is launched lazily on the first session
// request so commands that never touch a page stay cheap.
type Manager struct {
	logger *zap.Logger
	cfg    *config.Config

	allocCtx    context.Context
	allocCancel context.CancelFunc

	sessions map[string]*Session
	mu       sync.RWMutex
	wg       sync.WaitGroup

	initOnce sync.Once
	initErr  error
}

// NewManager creates a new browser manager. Initialization is deferred until
// the first session is requested.
func NewManager(cfg *config.Config, logger *zap.Logger) *Manager {
	m := &Manager{
		logger:   logger.Named("browser_manager"),
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
	m.logger.Debug("Browser manager created (initialization deferred).")
	return m
}

// initialize builds the exec allocator that owns the Chrome process.
func (m *Manager) initialize(ctx context.Context) error {
	m.initOnce.Do(func() {
		m.logger.Info("Launching browser process.")
		opts := m.allocatorOptions()
		m.allocCtx, m.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	})
	return m.initErr
}

// allocatorOptions translates the browser configuration into Chrome launch
// flags, starting from chromedp's defaults.
func (m *Manager) allocatorOptions() []chromedp.ExecAllocatorOption {
	cfg := m.cfg.Browser

	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		// Required for stability inside containers.
		chromedp.Flag("disable-dev-shm-usage", true),
	)

	if cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight))
	}
	if cfg.DisableCache {
		opts = append(opts, chromedp.Flag("disk-cache-size", "0"))
	}
	if cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if m.cfg.Network.Proxy.Enabled && m.cfg.Network.Proxy.Address != "" {
		opts = append(opts, chromedp.ProxyServer(m.cfg.Network.Proxy.Address))
	}
	for _, arg := range cfg.Args {
		opts = append(opts, chromedp.Flag(arg, true))
	}
	return opts
}

// NewSession creates an isolated tab, applies the persona and registers the
// session with the manager. The returned session must be closed by the
// caller; Shutdown will close stragglers.
func (m *Manager) NewSession(ctx context.Context, persona schemas.Persona) (*Session, error) {
	if err := m.initialize(ctx); err != nil {
		return nil, err
	}

	var ctxOpts []chromedp.ContextOption
	if m.cfg.Browser.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(m.logger.Sugar().Debugf))
	}
	tabCtx, tabCancel := chromedp.NewContext(m.allocCtx, ctxOpts...)

	session, err := NewSession(tabCtx, tabCancel, m.cfg, persona, m.logger)
	if err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	m.mu.Lock()
	m.sessions[session.ID()] = session
	m.mu.Unlock()
	m.wg.Add(1)

	session.onClose = func() {
		m.mu.Lock()
		delete(m.sessions, session.ID())
		m.mu.Unlock()
		m.wg.Done()
	}

	if err := session.Initialize(ctx); err != nil {
		session.Close(ctx)
		return nil, fmt.Errorf("failed to initialize session: %w", err)
	}

	m.logger.Debug("Browser session created.", zap.String("session_id", session.ID()))
	return session, nil
}

// Shutdown closes every remaining session and tears the browser process
// down. Safe to call more than once.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	remaining := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		remaining = append(remaining, s)
	}
	m.mu.RUnlock()

	for _, s := range remaining {
		if err := s.Close(ctx); err != nil {
			m.logger.Warn("Session close during shutdown failed.",
				zap.String("session_id", s.ID()), zap.Error(err))
		}
	}

	// Wait for onClose callbacks, but never hang shutdown on a stuck tab.
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGracePeriod):
		m.logger.Warn("Timed out waiting for sessions to close.")
	case <-ctx.Done():
	}

	if m.allocCancel != nil {
		m.allocCancel()
	}
	m.logger.Info("Browser manager shut down.")
	return nil
}
