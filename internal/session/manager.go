// internal/session/manager.go

// Package session ties a task to the resources it borrows: one isolated
// browser tab, the shared oracle, and the shared security guard. The manager
// guarantees that every tab handed out is returned, whether the task
// finishes, fails, panics or the whole process is shutting down.
package session

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/agent"
	"github.com/xkilldash9x/webpilot/internal/browser"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/dispatch"
	"github.com/xkilldash9x/webpilot/internal/extract"
	"github.com/xkilldash9x/webpilot/internal/security"
)

const teardownTimeout = 10 * time.Second

// ErrManagerClosed is returned for tasks submitted after CloseAll.
var ErrManagerClosed = fmt.Errorf("session manager is closed")

// TaskDriver is a browser driver with a lifecycle: it can be identified and
// returned when the task is done.
type TaskDriver interface {
	browser.Driver
	ID() string
	Close(ctx context.Context) error
}

// DriverProvider hands out isolated task drivers. *browser.Manager backs the
// production implementation; tests substitute an in-memory one.
type DriverProvider interface {
	NewDriver(ctx context.Context, persona schemas.Persona) (TaskDriver, error)
	Shutdown(ctx context.Context) error
}

// browserProvider adapts *browser.Manager to the provider seam.
type browserProvider struct {
	m *browser.Manager
}

func newBrowserProvider(cfg *config.Config, logger *zap.Logger) DriverProvider {
	return &browserProvider{m: browser.NewManager(cfg, logger)}
}

func (p *browserProvider) NewDriver(ctx context.Context, persona schemas.Persona) (TaskDriver, error) {
	return p.m.NewSession(ctx, persona)
}

func (p *browserProvider) Shutdown(ctx context.Context) error {
	return p.m.Shutdown(ctx)
}

// Manager runs tasks, each in its own browser tab, against a shared oracle
// and guard. Safe for concurrent use.
type Manager struct {
	cfg      *config.Config
	logger   *zap.Logger
	provider DriverProvider
	oracle   schemas.Oracle
	guard    *security.Guard

	mu     sync.Mutex
	active map[string]TaskDriver
	closed bool
	wg     sync.WaitGroup
}

// NewManager builds a production manager backed by a real browser.
func NewManager(cfg *config.Config, orc schemas.Oracle, logger *zap.Logger) *Manager {
	return NewManagerWithProvider(cfg, orc, newBrowserProvider(cfg, logger), logger)
}

// NewManagerWithProvider builds a manager over an explicit driver provider.
func NewManagerWithProvider(cfg *config.Config, orc schemas.Oracle, provider DriverProvider, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger.Named("SessionManager"),
		provider: provider,
		oracle:   orc,
		guard:    security.NewGuard(cfg.Security, logger),
		active:   make(map[string]TaskDriver),
	}
}

// Guard exposes the shared security guard, mainly for pre-flight checks.
func (m *Manager) Guard() *security.Guard {
	return m.guard
}

// RunIsolatedTask executes one task in a fresh browser tab. The tab is torn
// down exactly once before the call returns, regardless of outcome. The
// returned error reports infrastructure trouble only; task-level failure
// lives in the result.
func (m *Manager) RunIsolatedTask(ctx context.Context, task agent.Task) (*schemas.TaskResult, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	log := m.logger.With(zap.String("task_id", task.ID))

	// Reject a hostile start URL before spending a browser tab on it.
	if task.StartURL != "" {
		if err := m.guard.ValidateURL(task.StartURL); err != nil {
			log.Warn("Task start URL refused.", zap.String("url", task.StartURL), zap.Error(err))
			return &schemas.TaskResult{
				Success: false,
				Result:  fmt.Sprintf("start url refused: %v", err),
				Reason:  schemas.TerminationFailed,
			}, nil
		}
	}

	drv, err := m.provider.NewDriver(ctx, schemas.DefaultPersona())
	if err != nil {
		return nil, fmt.Errorf("could not create browser session: %w", err)
	}

	m.mu.Lock()
	m.active[task.ID] = drv
	m.mu.Unlock()

	// Teardown runs exactly once no matter how the task ends. A fresh
	// context keeps teardown working after the task context is canceled.
	defer func() {
		m.mu.Lock()
		delete(m.active, task.ID)
		m.mu.Unlock()

		closeCtx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if cerr := drv.Close(closeCtx); cerr != nil {
			log.Warn("Session teardown reported an error.", zap.Error(cerr))
		}
	}()

	if task.StartURL != "" {
		if err := drv.Navigate(ctx, task.StartURL); err != nil {
			log.Error("Could not open the start page.", zap.String("url", task.StartURL), zap.Error(err))
			return &schemas.TaskResult{
				Success: false,
				Result:  fmt.Sprintf("could not open start page %s: %v", task.StartURL, err),
				Reason:  schemas.TerminationFailed,
			}, nil
		}
	}

	ex := extract.NewExtractor(drv, m.cfg.Agent.MaxElements, m.logger)
	disp, err := dispatch.NewDispatcher(drv, ex, m.guard, m.cfg.Agent, m.logger)
	if err != nil {
		return nil, fmt.Errorf("could not assemble action dispatcher: %w", err)
	}
	loop := agent.NewLoop(m.oracle, disp, ex, m.guard, m.cfg.Agent, m.logger)

	result, runErr := loop.Run(ctx, task)

	// Capture the final page before the teardown deferred above destroys it.
	if task.ScreenshotPath != "" && runErr == nil {
		m.saveScreenshot(ctx, drv, task.ScreenshotPath, log)
	}
	return result, runErr
}

// saveScreenshot writes a PNG of the driver's current page. Failures are
// logged, never surfaced; the screenshot is a diagnostic extra, not part of
// the task outcome.
func (m *Manager) saveScreenshot(ctx context.Context, drv TaskDriver, path string, log *zap.Logger) {
	shot, err := drv.Screenshot(ctx)
	if err != nil {
		log.Warn("Could not capture final page screenshot.", zap.Error(err))
		return
	}
	if err := os.WriteFile(path, shot, 0o644); err != nil {
		log.Warn("Could not write screenshot file.", zap.String("path", path), zap.Error(err))
		return
	}
	log.Info("Final page screenshot saved.", zap.String("path", path), zap.Int("bytes", len(shot)))
}

// ActiveTasks reports the IDs of tasks currently holding a browser tab.
func (m *Manager) ActiveTasks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll refuses new tasks, closes every live tab, waits for in-flight
// tasks to unwind and shuts the browser down. Idempotent.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	drivers := make(map[string]TaskDriver, len(m.active))
	for id, d := range m.active {
		drivers[id] = d
	}
	m.mu.Unlock()

	var g errgroup.Group
	for id, d := range drivers {
		g.Go(func() error {
			if err := d.Close(ctx); err != nil {
				m.logger.Warn("Failed to close session during shutdown.",
					zap.String("task_id", id), zap.Error(err))
				return err
			}
			return nil
		})
	}
	closeErr := g.Wait()

	m.wg.Wait()

	if err := m.provider.Shutdown(ctx); err != nil {
		m.logger.Warn("Driver provider shutdown reported an error.", zap.Error(err))
		if closeErr == nil {
			closeErr = err
		}
	}

	m.logger.Info("Session manager closed.")
	return closeErr
}
