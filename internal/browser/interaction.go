// internal/browser/interaction.go
package browser

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// scrollSettle gives smooth scrolling and lazy-loaded content a moment to land.
const scrollSettle = 500 * time.Millisecond

// isXPathSelector reports whether a selector should be resolved as an XPath
// expression rather than a CSS query.
func isXPathSelector(selector string) bool {
	return strings.HasPrefix(selector, "/") || strings.HasPrefix(selector, "(")
}

// queryOption picks the chromedp lookup strategy for a selector.
func queryOption(selector string) chromedp.QueryOption {
	if isXPathSelector(selector) {
		return chromedp.BySearch
	}
	return chromedp.ByQuery
}

// Navigate loads the URL and waits for the page to stabilize.
func (s *Session) Navigate(ctx context.Context, rawURL string) error {
	if err := s.guardOpen(); err != nil {
		return err
	}

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("invalid navigation URL %q: scheme must be http or https", rawURL)
	}

	s.logger.Debug("Navigating to URL", zap.String("url", rawURL))

	opCtx, opCancel := CombineContext(s.ctx, ctx)
	defer opCancel()

	navTimeout := s.cfg.NavigationTimeout
	if navTimeout <= 0 {
		navTimeout = 30 * time.Second
	}
	navCtx, navCancel := context.WithTimeout(opCtx, navTimeout)
	defer navCancel()

	if err := chromedp.Run(navCtx, chromedp.Navigate(rawURL)); err != nil {
		if navCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("navigation timed out after %s: %w", navTimeout, err)
		}
		if opCtx.Err() != nil {
			return fmt.Errorf("navigation canceled: %w", opCtx.Err())
		}
		return fmt.Errorf("navigation failed: %w", err)
	}

	// Stabilization failures are non-critical; a busy page is still usable.
	quietPeriod := s.cfg.PostLoadWait
	if quietPeriod <= 0 {
		quietPeriod = 1500 * time.Millisecond
	}
	if err := s.stabilize(opCtx, quietPeriod); err != nil {
		if opCtx.Err() != nil {
			return opCtx.Err()
		}
		s.logger.Warn("Page stabilization failed after navigation (non-critical).", zap.Error(err))
	}
	return nil
}

// stabilize waits for the DOM to be ready and the network to go quiet.
func (s *Session) stabilize(ctx context.Context, quietPeriod time.Duration) error {
	stabCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := chromedp.Run(stabCtx, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Debug("WaitReady failed during stabilization.", zap.Error(err))
	}

	if s.watcher != nil {
		if err := s.watcher.WaitNetworkIdle(stabCtx, quietPeriod); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Debug("Network idle wait failed during stabilization.", zap.Error(err))
		}
	}
	return nil
}

// Click scrolls the element into view and clicks it.
func (s *Session) Click(ctx context.Context, selector string) error {
	s.logger.Debug("Clicking element", zap.String("selector", selector))

	opt := queryOption(selector)
	action := chromedp.Tasks{
		chromedp.ScrollIntoView(selector, opt),
		chromedp.WaitVisible(selector, opt),
		chromedp.Click(selector, opt),
	}

	if err := s.runActions(ctx, action); err != nil {
		return fmt.Errorf("click failed for selector %q: %w", selector, err)
	}
	return nil
}

// Fill clears the element and types the value into it.
func (s *Session) Fill(ctx context.Context, selector, value string) error {
	s.logger.Debug("Filling element", zap.String("selector", selector), zap.Int("value_length", len(value)))

	opt := queryOption(selector)
	action := chromedp.Tasks{
		chromedp.ScrollIntoView(selector, opt),
		chromedp.WaitVisible(selector, opt),
		chromedp.Clear(selector, opt),
		chromedp.SendKeys(selector, value, opt),
	}

	if err := s.runActions(ctx, action); err != nil {
		return fmt.Errorf("fill failed for selector %q: %w", selector, err)
	}
	return nil
}

// scrollScript maps a scroll direction onto its JavaScript implementation.
func scrollScript(direction string) (string, error) {
	switch direction {
	case "down":
		return `window.scrollBy({top: window.innerHeight * 0.8, behavior: 'smooth'});`, nil
	case "up":
		return `window.scrollBy({top: -window.innerHeight * 0.8, behavior: 'smooth'});`, nil
	case "bottom":
		return `window.scrollTo({top: document.body.scrollHeight, behavior: 'smooth'});`, nil
	case "top":
		return `window.scrollTo({top: 0, behavior: 'smooth'});`, nil
	default:
		return "", fmt.Errorf("invalid scroll direction: %s (supported: up, down, top, bottom)", direction)
	}
}

// ScrollPage scrolls the page in the given direction.
func (s *Session) ScrollPage(ctx context.Context, direction string) error {
	s.logger.Debug("Scrolling page", zap.String("direction", direction))

	script, err := scrollScript(direction)
	if err != nil {
		return err
	}

	actions := []chromedp.Action{
		chromedp.Evaluate(script, nil),
		chromedp.Sleep(scrollSettle),
	}
	if err := s.runActions(ctx, actions...); err != nil {
		return fmt.Errorf("scroll action failed: %w", err)
	}
	return nil
}

// WaitForAsync pauses the session for the given number of milliseconds,
// letting asynchronous page activity finish.
func (s *Session) WaitForAsync(ctx context.Context, milliseconds int) error {
	if milliseconds <= 0 {
		return fmt.Errorf("wait duration must be positive, got %dms", milliseconds)
	}
	duration := time.Duration(milliseconds) * time.Millisecond
	s.logger.Debug("Waiting for async activity", zap.Duration("duration", duration))

	return s.runActions(ctx, chromedp.Sleep(duration))
}
