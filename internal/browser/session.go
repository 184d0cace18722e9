// internal/browser/session.go
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/archetype-hq/archetype/api/schemas"
	"github.com/archetype-hq/archetype/internal/config"
)

// Session is one isolated browser tab and implements schemas.SessionContext.
// A session is owned by exactly one agent for its whole lifetime.
type Session struct {
	id     string
	cfg    config.BrowserConfig
	logger *zap.Logger

	// ctx carries the CDP target; every action runs against it.
	ctx    context.Context
	cancel context.CancelFunc

	watcher *pageWatcher

	dispose func() // releases the isolated browser context, set by the manager
	onClose func() // manager bookkeeping, runs exactly once

	mu       sync.Mutex
	isClosed bool
}

var _ schemas.SessionContext = (*Session)(nil)

// setup attaches to the fresh target and applies the emulation profile.
func (s *Session) setup(ctx context.Context, viewport schemas.Viewport) error {
	setupCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	// The first Run attaches to the target created by the manager.
	if err := chromedp.Run(setupCtx); err != nil {
		return fmt.Errorf("failed to attach to browser target: %w", err)
	}

	if err := s.watcher.Start(); err != nil {
		return fmt.Errorf("failed to start page watcher: %w", err)
	}

	tasks := chromedp.Tasks{
		emulation.SetDeviceMetricsOverride(int64(viewport.Width), int64(viewport.Height), 1.0, viewport.Mobile),
	}
	if viewport.UserAgent != "" {
		tasks = append(tasks, emulation.SetUserAgentOverride(viewport.UserAgent))
	}
	if s.cfg.DisableCache {
		tasks = append(tasks, network.SetCacheDisabled(true))
	}
	if err := chromedp.Run(setupCtx, tasks); err != nil {
		return fmt.Errorf("failed to apply session emulation settings: %w", err)
	}
	return nil
}

// ID returns the unique identifier for the session.
func (s *Session) ID() string {
	return s.id
}

// guardOpen rejects operations on a closed session.
func (s *Session) guardOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return fmt.Errorf("session %s is closed", s.id)
	}
	return nil
}

// runActions executes chromedp actions under both the session lifetime (s.ctx)
// and the caller's context.
func (s *Session) runActions(ctx context.Context, actions ...chromedp.Action) error {
	if err := s.guardOpen(); err != nil {
		return err
	}
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	return chromedp.Run(runCtx, actions...)
}

// CurrentURL reports the document location of the tab.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := s.runActions(ctx, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("could not read current location: %w", err)
	}
	return url, nil
}

// OuterHTML captures the serialized DOM of the current document.
func (s *Session) OuterHTML(ctx context.Context) (string, error) {
	var html string
	if err := s.runActions(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("could not capture page HTML: %w", err)
	}
	return html, nil
}

// CaptureScreenshot takes a PNG screenshot of the current viewport.
func (s *Session) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.runActions(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("screenshot capture failed: %w", err)
	}
	return buf, nil
}

// ExecuteScript evaluates a JavaScript expression in the current document and
// returns the raw JSON result. When args are provided the script must be a
// function literal; it is invoked with the arguments applied.
func (s *Session) ExecuteScript(ctx context.Context, script string, args []interface{}) (json.RawMessage, error) {
	expr := script
	if len(args) > 0 {
		encoded, err := jsonAPI.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("could not encode script arguments: %w", err)
		}
		expr = fmt.Sprintf("(%s).apply(null, %s)", script, encoded)
	}

	var result json.RawMessage
	if err := s.runActions(ctx, chromedp.Evaluate(expr, &result)); err != nil {
		return nil, fmt.Errorf("script evaluation failed: %w", err)
	}
	return result, nil
}

// Close terminates the session. Safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	s.mu.Unlock()

	s.logger.Debug("Closing browser session.")

	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.dispose != nil {
		s.dispose()
	}
	if s.onClose != nil {
		s.onClose()
	}
	return nil
}
