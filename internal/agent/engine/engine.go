// Package engine holds the page engines a worker agent drives: a chromedp
// browser that can be torn down and recreated, a colly static fetcher, and a
// hybrid that promotes static fetches to the browser when a page needs
// JavaScript.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Mode selects how a page is fetched.
type Mode string

// Fetch modes.
const (
	// ModeAuto fetches statically and promotes to the browser when needed.
	ModeAuto   Mode = "auto"
	ModeStatic Mode = "static"
	ModeRender Mode = "render"
)

// ParseMode validates a mode string; empty selects ModeAuto.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeStatic:
		return ModeStatic, nil
	case ModeRender:
		return ModeRender, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, s)
	}
}

// Engine errors.
var (
	ErrInvalidRequest = errors.New("invalid scrape request")
	ErrNoRenderer     = errors.New("browser engine not configured")
)

// Request describes one page to fetch.
type Request struct {
	URL     string
	Mode    Mode
	Headers http.Header
	// WaitSelector is a CSS selector the browser waits for before capturing
	// the DOM. Defaults to "body".
	WaitSelector string
}

// Validate checks the target URL.
func (r Request) Validate() error {
	u, err := url.Parse(strings.TrimSpace(r.URL))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidRequest, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidRequest)
	}
	return nil
}

// Result is a fetched page.
type Result struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Rendered   bool
}

// Engine fetches pages and can replace its underlying automation instance.
type Engine interface {
	Fetch(ctx context.Context, req Request) (Result, error)
	// Recycle discards accumulated engine state (browser process, cookies,
	// pooled connections) and starts fresh.
	Recycle(ctx context.Context) error
	Close()
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	dst := make(http.Header, len(src))
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	return dst
}
