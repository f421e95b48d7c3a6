// internal/browser/session.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/browser/stealth"
	"github.com/xkilldash9x/webpilot/internal/config"
)

// Session represents an active browser tab. Its context is derived from the
// manager's allocator; canceling it destroys the tab.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	cfg    *config.Config

	persona schemas.Persona

	onClose   func()
	closeOnce sync.Once
}

// Ensure Session satisfies the driver surface.
var _ Driver = (*Session)(nil)

// NewSession creates a new Session wrapper around a chromedp tab context.
func NewSession(
	ctx context.Context,
	cancel context.CancelFunc,
	cfg *config.Config,
	persona schemas.Persona,
	logger *zap.Logger,
) (*Session, error) {
	sessionID := uuid.New().String()
	return &Session{
		id:      sessionID,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With(zap.String("session_id", sessionID)),
		cfg:     cfg,
		persona: persona,
	}, nil
}

// Initialize spawns the tab and applies viewport and stealth overrides.
func (s *Session) Initialize(ctx context.Context) error {
	initCtx, initCancel := CombineContext(s.ctx, ctx)
	defer initCancel()

	// 1. Ensure the target is created and the CDP connection is live.
	if err := chromedp.Run(initCtx); err != nil {
		return fmt.Errorf("failed to establish target connection: %w", err)
	}

	var tasks chromedp.Tasks

	// 2. Match the emulated viewport to the persona.
	if s.persona.ViewportWidth > 0 && s.persona.ViewportHeight > 0 {
		tasks = append(tasks, chromedp.EmulateViewport(
			int64(s.persona.ViewportWidth), int64(s.persona.ViewportHeight)))
	}

	// 3. Apply stealth evasions and persona spoofing.
	if s.cfg.Browser.Stealth {
		tasks = append(tasks, stealth.Apply(s.persona, s.logger)...)
	}

	if len(tasks) > 0 {
		if err := chromedp.Run(initCtx, tasks); err != nil {
			return fmt.Errorf("failed to run session initialization tasks: %w", err)
		}
	}
	return nil
}

// ID returns the unique identifier for the session.
func (s *Session) ID() string {
	return s.id
}

// Close destroys the tab. Idempotent; the registered onClose callback runs
// exactly once.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.logger.Debug("Closing browser session.")
		if s.cancel != nil {
			s.cancel()
		}
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}

// WaitStable blocks until the DOM is ready and the configured post-load
// quiet period has elapsed. Stabilization failures are non-critical unless
// the caller's context is gone.
func (s *Session) WaitStable(ctx context.Context) error {
	return s.stabilize(ctx, s.quietPeriod())
}

func (s *Session) quietPeriod() time.Duration {
	if s.cfg.Network.PostLoadWait > 0 {
		return s.cfg.Network.PostLoadWait
	}
	return 1500 * time.Millisecond
}

func (s *Session) stabilize(ctx context.Context, quietPeriod time.Duration) error {
	stabCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.runActions(stabCtx, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Debug("WaitReady failed during stabilization.", zap.Error(err))
	}

	if err := s.runActions(stabCtx, chromedp.Sleep(quietPeriod)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// runActions executes chromedp actions, ensuring they respect both the
// session lifetime (s.ctx) and the incoming request context (ctx).
func (s *Session) runActions(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	return chromedp.Run(runCtx, actions...)
}
