// internal/browser/watcher.go
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// pageWatcher listens to CDP events for one tab. It tracks in-flight network
// requests so navigation can wait for the page to go quiet, and surfaces
// console errors and uncaught exceptions into the structured log, where they
// are often the first hint of why a persona got stuck.
type pageWatcher struct {
	logger *zap.Logger

	// The context of the tab this watcher is attached to.
	sessionCtx context.Context
	// A separate context for the listener so it can be stopped cleanly.
	listenerCtx    context.Context
	cancelListener context.CancelFunc

	lock     sync.RWMutex
	inflight map[network.RequestID]bool
	started  bool
}

func newPageWatcher(sessionCtx context.Context, logger *zap.Logger) *pageWatcher {
	return &pageWatcher{
		sessionCtx: sessionCtx,
		logger:     logger.Named("watcher"),
		inflight:   make(map[network.RequestID]bool),
	}
}

// Start registers the event listener and enables the CDP domains it needs.
func (w *pageWatcher) Start() error {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.started {
		return nil
	}

	// Derived from the session, so if the tab dies the listener dies.
	w.listenerCtx, w.cancelListener = context.WithCancel(w.sessionCtx)

	chromedp.ListenTarget(w.listenerCtx, w.handleEvent)

	if err := chromedp.Run(w.sessionCtx,
		network.Enable(),
		runtime.Enable(),
		log.Enable(),
	); err != nil {
		w.cancelListener()
		return err
	}

	w.started = true
	w.logger.Debug("Page watcher attached and listening for events.")
	return nil
}

// Stop detaches the listener. The inflight map is left as-is; the watcher is
// never restarted.
func (w *pageWatcher) Stop() {
	w.lock.Lock()
	defer w.lock.Unlock()

	if !w.started {
		return
	}
	if w.cancelListener != nil {
		w.cancelListener()
		w.cancelListener = nil
	}
	w.started = false
	w.logger.Debug("Page watcher stopped.")
}

func (w *pageWatcher) handleEvent(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		w.handleRequestWillBeSent(e)
	case *network.EventLoadingFinished:
		w.handleLoadingFinished(e)
	case *network.EventLoadingFailed:
		w.handleLoadingFailed(e)
	case *runtime.EventConsoleAPICalled:
		w.handleConsoleAPICalled(e)
	case *runtime.EventExceptionThrown:
		w.handleExceptionThrown(e)
	case *log.EventEntryAdded:
		w.handleLogEntryAdded(e)
	}
}

func (w *pageWatcher) handleRequestWillBeSent(e *network.EventRequestWillBeSent) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.inflight[e.RequestID] = true
}

func (w *pageWatcher) handleLoadingFinished(e *network.EventLoadingFinished) {
	w.lock.Lock()
	defer w.lock.Unlock()
	delete(w.inflight, e.RequestID)
}

func (w *pageWatcher) handleLoadingFailed(e *network.EventLoadingFailed) {
	w.lock.Lock()
	delete(w.inflight, e.RequestID)
	w.lock.Unlock()

	if e.Canceled {
		return
	}
	w.logger.Debug("Network request failed.",
		zap.String("request_id", string(e.RequestID)),
		zap.String("error", e.ErrorText),
	)
}

func (w *pageWatcher) handleConsoleAPICalled(e *runtime.EventConsoleAPICalled) {
	if e.Type != runtime.APITypeError {
		return
	}

	var b strings.Builder
	for i, arg := range e.Args {
		if i > 0 {
			b.WriteString(" ")
		}
		// Prefer the JSON value, fall back to the object description.
		var val interface{}
		if arg.Value != nil && json.Unmarshal(arg.Value, &val) == nil {
			fmt.Fprintf(&b, "%v", val)
		} else if arg.Description != "" {
			b.WriteString(arg.Description)
		} else {
			fmt.Fprintf(&b, "[%s]", arg.Type)
		}
	}

	w.logger.Warn("Page console error.", zap.String("message", b.String()))
}

func (w *pageWatcher) handleExceptionThrown(e *runtime.EventExceptionThrown) {
	if e.ExceptionDetails == nil {
		return
	}
	// The description usually carries the most useful info, stack included.
	text := e.ExceptionDetails.Text
	if e.ExceptionDetails.Exception != nil && e.ExceptionDetails.Exception.Description != "" {
		text = e.ExceptionDetails.Exception.Description
	}
	w.logger.Warn("Uncaught exception in page.", zap.String("detail", text))
}

func (w *pageWatcher) handleLogEntryAdded(e *log.EventEntryAdded) {
	if e.Entry == nil || e.Entry.Level != log.LevelError {
		return
	}
	w.logger.Warn("Browser log error.",
		zap.String("source", string(e.Entry.Source)),
		zap.String("message", e.Entry.Text),
	)
}

// InflightCount reports how many network requests are currently in flight.
func (w *pageWatcher) InflightCount() int {
	w.lock.RLock()
	defer w.lock.RUnlock()
	return len(w.inflight)
}

// WaitNetworkIdle polls until no network request has been in flight for the
// quiet period, or the context expires.
func (w *pageWatcher) WaitNetworkIdle(ctx context.Context, quietPeriod time.Duration) error {
	if quietPeriod <= 0 {
		quietPeriod = 500 * time.Millisecond
	}

	ticker := time.NewTicker(quietPeriod / 2)
	defer ticker.Stop()

	lastActivity := time.Now()
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("WaitNetworkIdle aborted due to context cancellation.", zap.Error(ctx.Err()))
			return ctx.Err()
		case <-ticker.C:
			if n := w.InflightCount(); n > 0 {
				lastActivity = time.Now()
				w.logger.Debug("Waiting for network idle...", zap.Int("inflight_requests", n))
			} else if time.Since(lastActivity) >= quietPeriod {
				return nil
			}
		}
	}
}
