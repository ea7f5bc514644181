// Package detector decides when an article page needs a browser render.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/feedcrawler/internal/crawler"
)

// DefaultMinTextChars is the visible text length above which a page is
// treated as server rendered.
const DefaultMinTextChars = 2048

// mountPoints are the root elements client-side frameworks hydrate into.
const mountPoints = "#__next, #__nuxt, #root, #app, [data-reactroot], [ng-app], [data-server-rendered]"

// Heuristic flags HTML responses whose article text is produced by scripts.
type Heuristic struct {
	MinTextChars int
}

// NewHeuristic returns a heuristic with the given visible text threshold.
func NewHeuristic(minTextChars int) *Heuristic {
	if minTextChars <= 0 {
		minTextChars = DefaultMinTextChars
	}
	return &Heuristic{MinTextChars: minTextChars}
}

// ShouldPromote reports whether resp looks like a script shell. Only 200
// HTML responses from the plain fetcher are candidates.
func (h *Heuristic) ShouldPromote(resp *crawler.FetchResponse) bool {
	if resp == nil || resp.StatusCode != http.StatusOK || resp.UsedHeadless {
		return false
	}
	if ct := resp.Headers.Get("Content-Type"); ct != "" && !strings.Contains(strings.ToLower(ct), "html") {
		return false
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return false
	}

	scriptChars := 0
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		scriptChars += len(s.Text())
	})
	hasMount := doc.Find(mountPoints).Length() > 0

	doc.Find("script, style, noscript, template").Remove()
	visible := len(strings.Join(strings.Fields(doc.Find("body").Text()), " "))
	if visible >= h.MinTextChars {
		return false
	}
	return hasMount || scriptChars*4 >= len(resp.Body)
}
