// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/archetype-hq/archetype/api/schemas"
	"github.com/archetype-hq/archetype/internal/config"
)

const sessionCleanupTimeout = 10 * time.Second

// Manager owns the headless browser process and hands out isolated sessions.
// Each session lives in its own incognito-style browser context, so agents
// never share cookies, storage or cache.
type Manager struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	// Set once by initialize. browserCtx is the long-lived controller context
	// for the browser process itself; sessions derive their tab contexts from it.
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	initOnce sync.Once
	initErr  error

	// Serializes Target.createBrowserContext calls; concurrent creation
	// against one browser process is flaky on some Chrome builds.
	createMu sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

var _ schemas.BrowserManager = (*Manager)(nil)

// NewManager creates a browser manager. The browser process is not launched
// until the first session is requested.
func NewManager(cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	m := &Manager{
		cfg:      cfg,
		logger:   logger.Named("browser_manager"),
		sessions: make(map[string]*Session),
	}
	m.logger.Info("Browser manager created (browser launch deferred).")
	return m
}

// allocatorOptions translates the browser configuration into chromedp
// allocator options.
func allocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		// Required on hardened systems where the sandbox cannot start.
		chromedp.NoSandbox,
		// Recommended for stability in containers with a small /dev/shm.
		chromedp.Flag("disable-dev-shm-usage", true),
	)

	if cfg.Headless {
		opts = append(opts, chromedp.Headless, chromedp.DisableGPU)
	}

	if cfg.DisableCache {
		opts = append(opts,
			chromedp.Flag("disable-cache", true),
			chromedp.Flag("disk-cache-size", "0"),
			chromedp.Flag("media-cache-size", "0"),
		)
	}

	if cfg.IgnoreTLSErrors {
		opts = append(opts,
			chromedp.Flag("ignore-certificate-errors", true),
			chromedp.Flag("allow-insecure-localhost", true),
		)
	}

	for _, arg := range cfg.Args {
		name, value := parseBrowserArg(arg)
		if name == "" {
			continue
		}
		opts = append(opts, chromedp.Flag(name, value))
	}
	return opts
}

// parseBrowserArg normalizes one config args entry into a chromedp flag.
// Accepts both "--flag" and "flag" forms; "key=value" entries keep their
// value, bare entries become boolean flags.
func parseBrowserArg(arg string) (string, interface{}) {
	arg = strings.TrimPrefix(arg, "--")
	if !strings.Contains(arg, "=") {
		return arg, true
	}
	parts := strings.SplitN(arg, "=", 2)
	return parts[0], parts[1]
}

// initialize launches the browser process exactly once.
func (m *Manager) initialize() error {
	m.initOnce.Do(func() {
		m.logger.Info("Launching headless browser process...")

		allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(m.cfg)...)
		m.allocCancel = allocCancel

		ctxOpts := []chromedp.ContextOption{
			chromedp.WithLogf(m.logger.Sugar().Debugf),
			chromedp.WithErrorf(m.logger.Sugar().Errorf),
		}
		if m.cfg.Debug {
			ctxOpts = append(ctxOpts, chromedp.WithDebugf(m.logger.Sugar().Debugf))
		}
		browserCtx, browserCancel := chromedp.NewContext(allocCtx, ctxOpts...)
		m.browserCtx = browserCtx
		m.browserCancel = browserCancel

		// The first Run starts the process and establishes the CDP connection.
		if err := chromedp.Run(browserCtx); err != nil {
			browserCancel()
			allocCancel()
			m.initErr = fmt.Errorf("failed to launch browser process: %w", err)
			return
		}
		m.logger.Info("Browser process launched.")
	})
	return m.initErr
}

// NewSession creates an isolated browser session emulating the given viewport.
func (m *Manager) NewSession(ctx context.Context, viewport schemas.Viewport) (schemas.SessionContext, error) {
	if err := m.initialize(); err != nil {
		return nil, err
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled before creating session: %w", err)
	}

	c := chromedp.FromContext(m.browserCtx)
	if c == nil || c.Browser == nil {
		return nil, fmt.Errorf("browser process is not available")
	}
	execCtx := cdp.WithExecutor(m.browserCtx, c.Browser)

	browserContextID, err := target.CreateBrowserContext().Do(execCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to create isolated browser context: %w", err)
	}

	targetID, err := target.CreateTarget("about:blank").
		WithBrowserContextID(browserContextID).
		Do(execCtx)
	if err != nil {
		m.bestEffortDisposeContext(browserContextID)
		return nil, fmt.Errorf("failed to create browser target: %w", err)
	}

	tabCtx, tabCancel := chromedp.NewContext(m.browserCtx, chromedp.WithTargetID(targetID))

	sessionID := uuid.New().String()
	s := &Session{
		id:     sessionID,
		cfg:    m.cfg,
		logger: m.logger.With(zap.String("session_id", sessionID), zap.String("viewport", viewport.Name)),
		ctx:    tabCtx,
		cancel: tabCancel,
		dispose: func() {
			m.bestEffortDisposeContext(browserContextID)
		},
	}
	s.watcher = newPageWatcher(tabCtx, s.logger)

	m.wg.Add(1)
	s.onClose = func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.sessions, sessionID)
		m.wg.Done()
		m.logger.Debug("Session removed from manager.", zap.String("session_id", sessionID))
	}

	if err := s.setup(ctx, viewport); err != nil {
		// Close tears down the target and the browser context, and unwinds
		// the WaitGroup through onClose.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), sessionCleanupTimeout)
		defer cancel()
		s.Close(cleanupCtx)
		return nil, fmt.Errorf("failed to initialize session: %w", err)
	}

	m.mu.Lock()
	m.sessions[sessionID] = s
	m.mu.Unlock()

	m.logger.Info("New browser session created.",
		zap.String("session_id", sessionID),
		zap.String("viewport", viewport.Name),
	)
	return s, nil
}

// bestEffortDisposeContext releases an isolated browser context. Failures are
// logged and swallowed; an orphaned context dies with the browser process.
func (m *Manager) bestEffortDisposeContext(id cdp.BrowserContextID) {
	if m.browserCtx == nil || m.browserCtx.Err() != nil {
		return
	}
	c := chromedp.FromContext(m.browserCtx)
	if c == nil || c.Browser == nil {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(m.browserCtx, 5*time.Second)
	defer cancel()
	if err := target.DisposeBrowserContext(id).Do(cdp.WithExecutor(cleanupCtx, c.Browser)); err != nil {
		m.logger.Debug("Failed to dispose browser context.",
			zap.String("browser_context_id", string(id)),
			zap.Error(err),
		)
	}
}

// Shutdown closes all sessions and stops the browser process. The context
// bounds how long the manager waits for sessions to close gracefully.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down browser manager.")

	if m.browserCtx == nil {
		m.logger.Info("Browser was never launched, nothing to shut down.")
		return nil
	}

	m.mu.RLock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.RUnlock()

	for _, s := range open {
		go func(s *Session) {
			if err := s.Close(ctx); err != nil {
				m.logger.Warn("Error closing session during shutdown.",
					zap.String("session_id", s.ID()),
					zap.Error(err),
				)
			}
		}(s)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("All browser sessions closed.")
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for sessions to close, forcing browser shutdown.", zap.Error(ctx.Err()))
	}

	m.browserCancel()
	m.allocCancel()
	m.logger.Info("Browser manager shutdown complete.")
	return nil
}
