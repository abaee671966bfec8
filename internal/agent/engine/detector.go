package engine

import (
	"bytes"
	"net/http"
	"strings"
)

// Detector decides when a static fetch missed content only a browser would
// render.
type Detector struct {
	// BodyLengthThreshold marks bodies small enough to be an app shell.
	BodyLengthThreshold int
}

const defaultBodyThreshold = 2048

// NewDetector creates a Detector. A zero threshold selects 2 KiB.
func NewDetector(threshold int) *Detector {
	if threshold <= 0 {
		threshold = defaultBodyThreshold
	}
	return &Detector{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// NeedsRender reports whether res should be refetched in a browser.
func (d *Detector) NeedsRender(res Result) bool {
	if res.StatusCode != http.StatusOK {
		return false
	}
	body := res.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < d.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptDensityHigh reports whether <script> blocks cover at least a quarter
// of the document.
func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}
	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagEnd := strings.IndexByte(lower[start:], '>')
		if tagEnd == -1 {
			covered += total - start
			break
		}
		contentStart := start + tagEnd + 1
		next := total
		if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		covered += next - start
		pos = next
	}
	return covered*100/total >= 25
}
