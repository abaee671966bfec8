package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// ChromedpConfig controls the browser engine.
type ChromedpConfig struct {
	UserAgent         string
	NavigationTimeout time.Duration
	Headless          bool
	// ExecPath overrides the Chrome binary chromedp looks up.
	ExecPath string
	// Settle is how long to wait after the page is ready before capturing it.
	Settle time.Duration
}

const (
	defaultNavTimeout = 45 * time.Second
	defaultSettle     = 500 * time.Millisecond
)

// Chromedp renders pages in a browser owned by an exec allocator. Recycle
// cancels the allocator, which kills the browser process, and starts a new one.
type Chromedp struct {
	cfg ChromedpConfig

	mu          sync.RWMutex
	allocator   context.Context
	allocCancel context.CancelFunc
	generation  int
}

// NewChromedp creates a browser engine. The browser starts lazily on the
// first fetch.
func NewChromedp(cfg ChromedpConfig) *Chromedp {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.Settle <= 0 {
		cfg.Settle = defaultSettle
	}
	e := &Chromedp{cfg: cfg}
	e.allocator, e.allocCancel = e.newAllocator()
	return e
}

func (e *Chromedp) newAllocator() (context.Context, context.CancelFunc) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if e.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if e.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(e.cfg.ExecPath))
	}
	return chromedp.NewExecAllocator(context.Background(), opts...)
}

// Generation counts how many browser instances this engine has started.
func (e *Chromedp) Generation() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.generation
}

// Recycle replaces the browser. It waits for any fetch in progress.
func (e *Chromedp) Recycle(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.allocCancel()
	e.allocator, e.allocCancel = e.newAllocator()
	e.generation++
	return nil
}

// Close stops the browser.
func (e *Chromedp) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.allocCancel()
}

// Fetch navigates to the page and returns the rendered DOM.
func (e *Chromedp) Fetch(ctx context.Context, req Request) (Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	taskCtx, taskCancel := chromedp.NewContext(e.allocator)
	defer taskCancel()
	// Tie the browser tab to the caller so a canceled attempt stops navigation.
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	taskCtx, cancel := context.WithTimeout(taskCtx, e.cfg.NavigationTimeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := e.run(taskCtx, req)
	if err != nil {
		return Result{}, err
	}
	status, headers, responseURL := meta.snapshotWithFallbacks(req.URL, finalURL)
	if headers == nil {
		headers = http.Header{}
	}
	return Result{
		URL:        responseURL,
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(html),
		Duration:   time.Since(start),
		Rendered:   true,
	}, nil
}

func (e *Chromedp) run(ctx context.Context, req Request) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	selector := req.WaitSelector
	if selector == "" {
		selector = "body"
	}
	actions := []chromedp.Action{
		e.networkSetup(req.Headers),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady(selector, chromedp.ByQuery),
		chromedp.Sleep(e.cfg.Settle),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (e *Chromedp) networkSetup(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if e.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(e.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// responseMeta records the main document's response as the browser sees it.
type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Keep the first successful document; redirect hops are overwritten.
	if m.status != 0 && m.status < 300 {
		return
	}
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, u := m.status, cloneHeader(m.headers), m.url
	m.mu.RUnlock()
	switch {
	case u != "":
	case finalURL != "":
		u = finalURL
	default:
		u = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, u
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
