package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/use-agent/scrapeflow/config"
	"github.com/use-agent/scrapeflow/models"
	"github.com/ysmood/gson"
)

// cleanupTimeout bounds the about:blank reset of a page whose render
// context has already expired.
const cleanupTimeout = 5 * time.Second

// Browser renders pages in a shared headless Chromium through a bounded
// page pool. It is safe for concurrent use.
type Browser struct {
	browser     *rod.Browser
	pagePool    rod.Pool[rod.Page]
	cfg         config.BrowserConfig
	maxPages    int
	activePages atomic.Int32
	health      *tabHealth[*rod.Page]
}

// NewBrowser launches a headless browser with a pool of maxPages tabs.
func NewBrowser(cfg config.BrowserConfig, maxPages int) (*Browser, error) {
	l := launcher.New().
		Headless(cfg.Headless).
		NoSandbox(cfg.NoSandbox)

	if cfg.BrowserBin != "" {
		l = l.Bin(cfg.BrowserBin)
	}
	if cfg.Proxy != "" {
		l = l.Proxy(cfg.Proxy)
	}

	// ── Stealth flags ────────────────────────────────────────────────
	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("no-first-run"))

	controlURL, err := l.Launch()
	if err != nil {
		return nil, models.NewScrapeError(models.ErrCodeBrowserCrash, "failed to launch browser", err)
	}
	slog.Info("browser launched", "controlURL", controlURL)

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, models.NewScrapeError(models.ErrCodeBrowserCrash, "failed to connect to browser", err)
	}

	slog.Info("page pool created", "maxPages", maxPages)
	return &Browser{
		browser:  browser,
		pagePool: rod.NewPagePool(maxPages),
		cfg:      cfg,
		maxPages: maxPages,
		health:   newTabHealth[*rod.Page](),
	}, nil
}

// Stats returns a snapshot of the pool's current state.
func (b *Browser) Stats() models.PoolStats {
	return models.PoolStats{
		Renderer:    "browser",
		MaxPages:    b.maxPages,
		ActivePages: int(b.activePages.Load()),
	}
}

// Close drains the page pool and kills the browser process.
func (b *Browser) Close() {
	slog.Info("renderer shutting down: draining page pool")
	b.pagePool.Cleanup(func(p *rod.Page) {
		_ = p.Close()
	})
	if err := b.browser.Close(); err != nil {
		slog.Warn("renderer shutting down: browser close failed", "error", err)
	}
	slog.Info("renderer shutdown complete")
}

// Render drives one page through its lifecycle:
//
//  1. Acquire page           – borrow a tab from the pool (or create one)
//  2. DEFER: cleanup         – about:blank + return to pool
//  3. Hijack mount           – block configured resource types
//  4. Context binding        – ctx cancellation aborts every CDP call
//  5. Idle listener          – registered before Navigate for strategy=auto
//  6. Navigate
//  7. Strategy wait
//  8. Status + title + final URL
//  9. Requested artifacts only
//
// Stealth JS and extra headers are installed once per tab in newPage.
func (b *Browser) Render(ctx context.Context, req Request) (res *Result, err error) {
	// ── 1. Acquire page from pool ─────────────────────────────────────
	var page *rod.Page
	acquired := make(chan error, 1)
	go func() {
		var err error
		page, err = b.pagePool.Get(b.newPage)
		acquired <- err
	}()
	select {
	case err := <-acquired:
		if err != nil {
			return nil, models.NewScrapeError(models.ErrCodeBrowserCrash, "failed to acquire page from pool", err)
		}
	case <-ctx.Done():
		// The getter still owns a slot; hand it back once it arrives.
		go func() {
			if err := <-acquired; err == nil {
				b.pagePool.Put(page)
			} else {
				b.pagePool.Put(nil)
			}
		}()
		return nil, categorizeError(ctx.Err(), models.ErrCodeBrowserCrash, "no free page before deadline")
	}

	b.activePages.Add(1)
	defer b.activePages.Add(-1)

	// ── 2. Cleanup: reset the tab, or drop it if it is wedged ─────────
	defer func() { b.release(page, err == nil) }()

	// ── 3. Mount hijack router ───────────────────────────────────────
	router := setupHijack(page, b.cfg.BlockedResourceTypes)
	if router != nil {
		defer func() { _ = router.Stop() }()
	}

	// ── 4. Bind request context to page ───────────────────────────────
	p := page.Context(ctx)

	// ── 5. Network idle waiter BEFORE navigation ─────────────────────
	// WaitRequestIdle and HijackRequests both use the Fetch domain, so the
	// idle waiter is only installed when nothing is hijacked.
	var waitIdle func()
	if req.Strategy == models.StrategyAuto && router == nil {
		waitIdle = p.WaitRequestIdle(500*time.Millisecond, nil, nil, nil)
	}

	// ── 6. Navigate ───────────────────────────────────────────────────
	if err := p.Navigate(req.URL); err != nil {
		return nil, navigationError("navigation to target URL failed", err)
	}

	// ── 7. Strategy wait ──────────────────────────────────────────────
	if err := waitForStrategy(p, req, waitIdle); err != nil {
		return nil, err
	}

	// ── 8. Status code, title, final URL ─────────────────────────────
	res = &Result{
		StatusCode: evalIntOrZero(p, `() => {
			try {
				const entries = performance.getEntriesByType("navigation");
				if (entries.length > 0) return entries[0].responseStatus || 0;
			} catch(e) {}
			return 0;
		}`),
		Title:    evalStringOrEmpty(p, `() => document.title`),
		FinalURL: evalStringOrEmpty(p, `() => window.location.href`),
	}
	if res.FinalURL == "" {
		res.FinalURL = req.URL
	}
	if res.StatusCode >= 400 {
		bodyLen := evalIntOrZero(p, `() => document.body ? document.body.innerText.trim().length : 0`)
		if bodyLen == 0 {
			return nil, navigationError(fmt.Sprintf("target responded with HTTP %d and no body", res.StatusCode), nil)
		}
	}

	// ── 9. Requested artifacts only ─────────────────────────────────
	if req.ExtractHTML {
		html, err := p.HTML()
		if err != nil {
			return nil, captureError("failed to extract page HTML", err)
		}
		res.HTML = html
	}
	if req.ExtractText {
		obj, err := p.Eval(`() => document.body ? document.body.innerText : ""`)
		if err != nil {
			return nil, captureError("failed to extract page text", err)
		}
		res.Text = strings.TrimSpace(obj.Value.Str())
	}
	if req.CaptureScreenshot {
		shot, err := p.Screenshot(true, &proto.PageCaptureScreenshot{
			Format: proto.PageCaptureScreenshotFormatPng,
		})
		if err != nil {
			return nil, captureError("failed to capture screenshot", err)
		}
		res.Screenshot = shot
	}
	return res, nil
}

func (b *Browser) newPage() (*rod.Page, error) {
	page, err := b.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, err
	}
	if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
		slog.Warn("stealth injection failed, proceeding without stealth", "error", err)
	}
	_ = proto.NetworkSetExtraHTTPHeaders{
		Headers: toHeadersMap(map[string]string{"Accept-Language": "en-US,en;q=0.9"}),
	}.Call(page)
	if b.cfg.ViewportWidth > 0 && b.cfg.ViewportHeight > 0 {
		_ = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             b.cfg.ViewportWidth,
			Height:            b.cfg.ViewportHeight,
			DeviceScaleFactor: 1,
		})
	}
	return page, nil
}

// release navigates the original page (not the request-bound clone) to
// about:blank and returns it to the pool. A page that cannot be reset, or
// that tabHealth says is worn out, is closed and its slot freed for a
// fresh tab.
func (b *Browser) release(page *rod.Page, ok bool) {
	if b.health.record(page, ok) {
		slog.Info("cleanup: retiring tab")
		_ = page.Close()
		b.pagePool.Put(nil)
		return
	}
	if err := page.Timeout(cleanupTimeout).Navigate("about:blank"); err != nil {
		slog.Warn("cleanup: failed to reset page, closing it", "error", err)
		b.health.forget(page)
		_ = page.Close()
		b.pagePool.Put(nil)
		return
	}
	b.pagePool.Put(page)
}

// evalStringOrEmpty evaluates a JS expression and returns the string result,
// swallowing any errors (useful for optional metadata extraction).
func evalStringOrEmpty(page *rod.Page, js string) string {
	res, err := page.Eval(js)
	if err != nil {
		return ""
	}
	return res.Value.Str()
}

func evalIntOrZero(page *rod.Page, js string) int {
	res, err := page.Eval(js)
	if err != nil {
		return 0
	}
	return res.Value.Int()
}

// toHeadersMap converts a plain string map to the proto.NetworkHeaders type
// (map[string]gson.JSON) required by NetworkSetExtraHTTPHeaders.
func toHeadersMap(headers map[string]string) proto.NetworkHeaders {
	m := make(proto.NetworkHeaders, len(headers))
	for k, v := range headers {
		m[k] = gson.New(v)
	}
	return m
}
