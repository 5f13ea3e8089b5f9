package scraper

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	tls "github.com/refraction-networking/utls"
	"github.com/use-agent/scrapeflow/cleaner"
	"github.com/use-agent/scrapeflow/models"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// maxBody caps the bytes read from one response.
const maxBody = 10 << 20

// chromeH1Spec is a Chrome-like ClientHello with ALPN forced to http/1.1,
// since http.Transport cannot speak h2 over a utls connection.
var chromeH1Spec tls.ClientHelloSpec

func init() {
	spec, err := tls.UTLSIdToSpec(tls.HelloChrome_Auto)
	if err != nil {
		return
	}
	for i, ext := range spec.Extensions {
		if alpn, ok := ext.(*tls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
			spec.Extensions[i] = alpn
			break
		}
	}
	chromeH1Spec = spec
}

// HTTPRenderer fetches pages without a browser. It cannot run scripts or
// take screenshots; wait_for_element only checks the fetched document.
type HTTPRenderer struct {
	client      *http.Client
	slots       chan struct{}
	activePages atomic.Int32
}

// NewHTTPRenderer creates a renderer with a Chrome TLS fingerprint that
// runs at most maxConcurrent fetches at once.
func NewHTTPRenderer(proxy string, maxConcurrent int) *HTTPRenderer {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	transport := &http.Transport{
		DialTLSContext:    dialTLSChrome,
		ForceAttemptHTTP2: false,
		IdleConnTimeout:   30 * time.Second,
	}
	if proxy != "" {
		if proxyURL, err := url.Parse(proxy); err == nil && (proxyURL.Scheme == "http" || proxyURL.Scheme == "https") {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return &HTTPRenderer{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		slots: make(chan struct{}, maxConcurrent),
	}
}

func dialTLSChrome(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	host, _, _ := net.SplitHostPort(addr)
	tlsConn := tls.UClient(conn, &tls.Config{ServerName: host}, tls.HelloCustom)
	if err := tlsConn.ApplyPreset(&chromeH1Spec); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply tls spec: %w", err)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

func (r *HTTPRenderer) Stats() models.PoolStats {
	return models.PoolStats{
		Renderer:    "http",
		MaxPages:    cap(r.slots),
		ActivePages: int(r.activePages.Load()),
	}
}

func (r *HTTPRenderer) Close() {
	r.client.CloseIdleConnections()
}

func (r *HTTPRenderer) Render(ctx context.Context, req Request) (*Result, error) {
	if req.CaptureScreenshot {
		return nil, captureError("screenshots require the browser renderer", nil)
	}

	select {
	case r.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, categorizeError(ctx.Err(), models.ErrCodeNavigation, "no free fetch slot before deadline")
	}
	defer func() { <-r.slots }()
	r.activePages.Add(1)
	defer r.activePages.Add(-1)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, navigationError("build request", err)
	}
	httpReq.Header.Set("User-Agent", chromeUA)
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, navigationError("request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, navigationError("read body", err)
	}
	if resp.StatusCode >= 400 && len(strings.TrimSpace(string(body))) == 0 {
		return nil, navigationError(fmt.Sprintf("target responded with HTTP %d and no body", resp.StatusCode), nil)
	}

	raw := string(body)
	res := &Result{
		FinalURL:   resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Title:      cleaner.Title(body),
	}
	if res.Title == "" {
		res.Title = cleaner.ReadableTitle(raw, res.FinalURL)
	}

	switch req.Strategy {
	case models.StrategyFixedDelay:
		if err := sleepCtx(ctx, req.WaitTime); err != nil {
			return nil, categorizeError(err, models.ErrCodeNavigation, "fixed delay interrupted")
		}
	case models.StrategyWaitForElement:
		n, err := cleaner.MatchCount(raw, req.Selector)
		if err != nil {
			return nil, navigationError("parse document for selector", err)
		}
		if n == 0 {
			return nil, selectorTimeout(req.Selector, nil)
		}
	}

	if req.ExtractHTML {
		res.HTML = raw
	}
	if req.ExtractText {
		res.Text = cleaner.VisibleText(raw)
	}
	return res, nil
}
