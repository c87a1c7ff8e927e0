package capture

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/ckessler/competitrack/internal/metrics"
	"github.com/ckessler/competitrack/internal/tracker"
)

// Config controls capture behavior.
type Config struct {
	// MaxParallel bounds concurrent captures against the shared browser.
	MaxParallel int
	// NavigationTimeout bounds the whole navigate-and-settle phase.
	NavigationTimeout time.Duration
	// SettleDelay is the quiet period after the document becomes ready.
	SettleDelay time.Duration
	// ScreenshotQuality is the JPEG-style quality knob for full screenshots.
	ScreenshotQuality int
}

// Capturer implements tracker.Capturer on top of the shared Engine.
type Capturer struct {
	engine     *Engine
	cfg        Config
	limiter    chan struct{}
	politeness *Politeness
	clock      tracker.Clock
	logger     *zap.Logger
}

// New constructs a Capturer.
func New(engine *Engine, politeness *Politeness, clock tracker.Clock, cfg Config, logger *zap.Logger) (*Capturer, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 60 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	if cfg.ScreenshotQuality <= 0 {
		cfg.ScreenshotQuality = 90
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &Capturer{
		engine:     engine,
		cfg:        cfg,
		limiter:    limiter,
		politeness: politeness,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Capture renders the URL in an isolated browser context and returns the
// normalized result. A selector that matches nothing is a soft-fail: the
// extraction fields stay empty and no error is returned.
func (c *Capturer) Capture(ctx context.Context, rawURL, selector string) (tracker.Capture, error) {
	if err := validateURL(rawURL); err != nil {
		return tracker.Capture{}, err
	}
	if c.politeness != nil {
		if err := c.politeness.Wait(ctx, rawURL); err != nil {
			return tracker.Capture{}, fmt.Errorf("politeness wait: %w", err)
		}
	}
	if err := c.acquire(ctx); err != nil {
		return tracker.Capture{}, err
	}
	defer c.release()

	start := time.Now()
	capt, err := c.run(ctx, rawURL, selector)
	if err != nil {
		c.engine.noteFailure(err)
		metrics.ObserveCapture("failure", time.Since(start))
		return tracker.Capture{}, err
	}
	metrics.ObserveCapture("success", time.Since(start))
	return capt, nil
}

func (c *Capturer) run(ctx context.Context, rawURL, selector string) (tracker.Capture, error) {
	taskCtx, taskCancel := c.engine.newTask()
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, c.cfg.NavigationTimeout)
	defer cancel()

	// Respect caller cancellation on top of the navigation budget.
	stop := propagateCancel(ctx, cancel)
	defer stop()

	// The listener fires from the CDP event loop, hence the atomic.
	var docStatus atomic.Int64
	chromedp.ListenTarget(taskCtx, func(ev interface{}) {
		if resp, ok := ev.(*network.EventResponseReceived); ok && resp.Type == network.ResourceTypeDocument {
			docStatus.CompareAndSwap(0, resp.Response.Status)
		}
	})

	if err := chromedp.Run(taskCtx,
		network.Enable(),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(c.cfg.SettleDelay),
	); err != nil {
		stage := tracker.StageNavigate
		if errors.Is(err, context.DeadlineExceeded) {
			stage = tracker.StageSettle
		}
		return tracker.Capture{}, tracker.NewCaptureError(rawURL, stage, err)
	}
	if status := docStatus.Load(); status >= 400 {
		return tracker.Capture{}, tracker.NewCaptureError(rawURL, tracker.StageNavigate,
			fmt.Errorf("page returned status %d", status))
	}

	var html string
	if err := chromedp.Run(taskCtx,
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return tracker.Capture{}, tracker.NewCaptureError(rawURL, tracker.StageContent, err)
	}

	var screenshot []byte
	if err := chromedp.Run(taskCtx,
		chromedp.FullScreenshot(&screenshot, c.cfg.ScreenshotQuality),
	); err != nil {
		return tracker.Capture{}, tracker.NewCaptureError(rawURL, tracker.StageScreenshot, err)
	}

	capt := tracker.Capture{
		HTML:       html,
		Screenshot: screenshot,
		CapturedAt: c.clock.Now(),
	}

	if selector != "" {
		extracted, found, err := extractSelector(html, selector)
		if err != nil {
			return tracker.Capture{}, tracker.NewCaptureError(rawURL, tracker.StageContent, err)
		}
		if found {
			capt.ExtractedData = extracted
			capt.DetectedText = extracted
			capt.DetectedPrice = ExtractPrice(extracted)
		} else {
			c.logger.Debug("selector matched no element",
				zap.String("url", rawURL),
				zap.String("selector", selector),
			)
		}
	}
	return capt, nil
}

func (c *Capturer) acquire(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	select {
	case c.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("capture slot wait canceled: %w", ctx.Err())
	}
}

func (c *Capturer) release() {
	if c.limiter == nil {
		return
	}
	select {
	case <-c.limiter:
	default:
	}
}

// validateURL rejects malformed URLs before any navigation is attempted.
func validateURL(rawURL string) error {
	if strings.TrimSpace(rawURL) == "" {
		return tracker.NewValidationError("url", "must not be empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return tracker.NewValidationError("url", err.Error())
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return tracker.NewValidationError("url", fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
	if u.Host == "" {
		return tracker.NewValidationError("url", "missing host")
	}
	return nil
}

// extractSelector pulls the first match's text out of the rendered HTML.
// found is false when the selector matches no element.
func extractSelector(html, selector string) (string, bool, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", false, fmt.Errorf("parse rendered html: %w", err)
	}
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return "", false, nil
	}
	return strings.TrimSpace(sel.Text()), true, nil
}

// propagateCancel cancels the task when the caller's context ends before the
// navigation budget does.
func propagateCancel(ctx context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
