// Package capture renders target pages with a headless browser and extracts
// normalized capture data.
package capture

import (
	"context"
	"strings"
	"sync"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// EngineConfig controls the shared browser engine.
type EngineConfig struct {
	UserAgent string
}

// Engine supervises the process-wide headless browser. It starts the browser
// lazily on first use and restarts it transparently after a detected crash.
// Callers never see the raw allocator handle; they get isolated task
// contexts via newTask.
type Engine struct {
	cfg    EngineConfig
	logger *zap.Logger

	mu          sync.Mutex
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewEngine creates an Engine. The browser is not started until the first
// capture needs it.
func NewEngine(cfg EngineConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, logger: logger}
}

// newTask returns an isolated browser context for a single capture. Each
// task runs in its own incognito browser context, so cookies, cache, and
// navigation state never leak between targets.
func (e *Engine) newTask() (context.Context, context.CancelFunc) {
	allocator := e.ensureStarted()
	return chromedp.NewContext(allocator, chromedp.WithNewBrowserContext())
}

func (e *Engine) ensureStarted() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.allocator != nil && e.allocator.Err() == nil {
		return e.allocator
	}
	if e.allocCancel != nil {
		e.allocCancel()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if e.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(e.cfg.UserAgent))
	}
	e.allocator, e.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	e.logger.Info("headless engine started")
	return e.allocator
}

// noteFailure inspects a capture failure and tears the engine down when the
// browser itself died, so the next capture starts a fresh one.
func (e *Engine) noteFailure(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	crashed := e.allocator != nil && e.allocator.Err() != nil
	if !crashed && isBrowserFailure(err) {
		crashed = true
	}
	if !crashed {
		return
	}
	if e.allocCancel != nil {
		e.allocCancel()
	}
	e.allocator = nil
	e.allocCancel = nil
	e.logger.Warn("headless engine crashed, will restart on next capture", zap.Error(err))
}

// Close shuts the browser down.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.allocCancel != nil {
		e.allocCancel()
		e.allocator = nil
		e.allocCancel = nil
	}
}

func isBrowserFailure(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "chrome failed to start") ||
		strings.Contains(msg, "websocket url timeout") ||
		strings.Contains(msg, "browser is closed") ||
		strings.Contains(msg, "use of closed network connection")
}
