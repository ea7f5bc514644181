package scraper

import (
	"encoding/json"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"

	"github.com/JakeFAU/feedcrawler/internal/crawler"
)

// MinContentLength is the shortest body text accepted as a document.
const MinContentLength = 200

const (
	maxLinks           = 50
	maxSummarySentence = 5
	minSentenceLength  = 20
	summaryTarget      = 300
)

var noiseSelectors = []string{
	"script", "style", "noscript",
	"nav", "header", "footer", "aside",
	".navigation", ".navbar", ".nav", ".menu",
	".advertisement", ".ads", ".ad", ".advert",
	".sidebar", ".widget", ".social", ".share",
	".comments", ".comment-form", ".related-posts",
	".newsletter", ".subscription", ".popup",
	`[role="navigation"]`, `[role="banner"]`, `[role="contentinfo"]`,
}

var titleSelectors = []string{"title", "h1", ".title", ".post-title", ".article-title"}

var contentSelectors = []string{
	"article", `[role="main"]`, ".article-content", ".post-content", ".entry-content",
	".content", "main", ".main-content", "#main-content", ".story-body", ".article-body",
	".post-body", ".content-body", ".text-content",
}

var metaSelectors = []struct {
	key       string
	selectors []string
}{
	{"description", []string{`meta[name="description"]`, `meta[property="og:description"]`}},
	{"keywords", []string{`meta[name="keywords"]`}},
	{"author", []string{`meta[name="author"]`, `meta[property="article:author"]`}},
	{"published_time", []string{`meta[property="article:published_time"]`, `meta[name="date"]`}},
	{"modified_time", []string{`meta[property="article:modified_time"]`, `meta[name="last-modified"]`}},
	{"section", []string{`meta[property="article:section"]`, `meta[name="section"]`}},
	{"language", []string{`meta[name="language"]`, "html[lang]"}},
}

var (
	hiddenStyleRe = regexp.MustCompile(`(?i)display\s*:\s*none|visibility\s*:\s*hidden`)
	sentenceRe    = regexp.MustCompile(`[.!?]+`)
	boilerplateRe = []*regexp.Regexp{
		regexp.MustCompile(`(?i)cookies?\s+policy`),
		regexp.MustCompile(`(?i)privacy\s+policy`),
		regexp.MustCompile(`(?i)terms\s+(of\s+)?service`),
		regexp.MustCompile(`(?i)subscribe\s+to\s+our\s+newsletter`),
		regexp.MustCompile(`(?i)follow\s+us\s+on`),
		regexp.MustCompile(`(?i)share\s+this\s+article`),
		regexp.MustCompile(`(?i)related\s+articles?`),
		regexp.MustCompile(`(?i)you\s+may\s+also\s+like`),
		regexp.MustCompile(`(?i)advertisement`),
	}
)

// Extract builds PageData from a parsed page. It mutates doc while cleaning.
// The error is crawler.ErrContentTooShort when no cascade stage yields
// MinContentLength characters.
func Extract(doc *goquery.Document, pageURL *url.URL, headers http.Header, selectors []string) (crawler.PageData, error) {
	jsonLD := extractJSONLD(doc)
	clean(doc)

	content := extractContent(doc, pageURL, selectors)
	if crawler.CharLen(content) < MinContentLength {
		return crawler.PageData{}, crawler.ErrContentTooShort
	}

	metadata := extractMetadata(doc, headers)
	if t, ok := jsonLD["@type"].(string); ok {
		metadata["structured_type"] = t
	}
	return crawler.PageData{
		Title:     extractTitle(doc, pageURL),
		Content:   content,
		Summary:   Summarize(content),
		URL:       pageURL.String(),
		Metadata:  metadata,
		JSONLD:    jsonLD,
		Links:     extractLinks(doc, pageURL),
		WordCount: len(strings.Fields(content)),
	}, nil
}

func clean(doc *goquery.Document) {
	doc.Find(strings.Join(noiseSelectors, ", ")).Remove()
	doc.Find("[style]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		style, _ := s.Attr("style")
		return hiddenStyleRe.MatchString(style)
	}).Remove()
	for _, root := range doc.Nodes {
		removeComments(root)
	}
}

func removeComments(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.CommentNode {
			n.RemoveChild(c)
		} else {
			removeComments(c)
		}
		c = next
	}
}

func extractTitle(doc *goquery.Document, pageURL *url.URL) string {
	for _, prop := range []string{`meta[property="og:title"]`, `meta[name="twitter:title"]`} {
		if v, ok := doc.Find(prop).First().Attr("content"); ok {
			if t := crawler.CleanText(v); t != "" {
				return t
			}
		}
	}
	for _, sel := range titleSelectors {
		if t := crawler.CleanText(doc.Find(sel).First().Text()); t != "" {
			return t
		}
	}
	if seg := path.Base(strings.TrimRight(pageURL.Path, "/")); seg != "" && seg != "." && seg != "/" {
		return seg
	}
	return "Untitled"
}

func extractContent(doc *goquery.Document, pageURL *url.URL, selectors []string) string {
	var content string
	for _, sel := range selectors {
		if text := crawler.NodeText(doc.Find(sel).First(), " "); text != "" {
			content = text
			if crawler.CharLen(content) > MinContentLength {
				break
			}
		}
	}

	if crawler.CharLen(content) < MinContentLength {
		doc.Find(strings.Join(contentSelectors, ", ")).Each(func(_ int, s *goquery.Selection) {
			if text := crawler.NodeText(s, " "); crawler.CharLen(text) > crawler.CharLen(content) {
				content = text
			}
		})
	}

	if crawler.CharLen(content) < MinContentLength {
		if text := readabilityText(doc, pageURL); crawler.CharLen(text) > crawler.CharLen(content) {
			content = text
		}
	}

	if crawler.CharLen(content) < MinContentLength {
		if text := crawler.NodeText(doc.Find("body"), " "); text != "" {
			content = text
		}
	}

	content = crawler.CleanText(content)
	for _, re := range boilerplateRe {
		content = re.ReplaceAllString(content, "")
	}
	return crawler.CollapseWhitespace(content)
}

func readabilityText(doc *goquery.Document, pageURL *url.URL) string {
	markup, err := doc.Html()
	if err != nil {
		return ""
	}
	article, err := readability.FromReader(strings.NewReader(markup), pageURL)
	if err != nil {
		return ""
	}
	return crawler.StripHTML(article.Content)
}

func extractMetadata(doc *goquery.Document, headers http.Header) map[string]string {
	metadata := make(map[string]string)
	for _, m := range metaSelectors {
		for _, sel := range m.selectors {
			node := doc.Find(sel).First()
			value, ok := node.Attr("content")
			if !ok {
				value, ok = node.Attr("lang")
			}
			if ok {
				if v := crawler.CleanText(value); v != "" {
					metadata[m.key] = v
					break
				}
			}
		}
	}
	for key, header := range map[string]string{
		"content_type":   "Content-Type",
		"content_length": "Content-Length",
		"last_modified":  "Last-Modified",
		"etag":           "ETag",
	} {
		if v := headers.Get(header); v != "" {
			metadata[key] = v
		}
	}
	return metadata
}

func extractJSONLD(doc *goquery.Document) map[string]any {
	var found map[string]any
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var data map[string]any
		if err := json.Unmarshal([]byte(s.Text()), &data); err != nil {
			return true
		}
		if _, ok := data["@type"]; ok {
			found = data
			return false
		}
		return true
	})
	return found
}

func extractLinks(doc *goquery.Document, base *url.URL) []crawler.Link {
	var links []crawler.Link
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return true
		}
		ref, err := url.Parse(href)
		if err != nil {
			return true
		}
		abs := base.ResolveReference(ref)
		switch strings.ToLower(abs.Scheme) {
		case "mailto", "tel", "javascript":
			return true
		}
		text := crawler.CleanText(s.Text())
		if text == "" {
			return true
		}
		links = append(links, crawler.Link{
			URL:        abs.String(),
			Text:       text,
			IsExternal: !crawler.SameHost(abs, base),
		})
		return len(links) < maxLinks
	})
	return links
}

// Summarize picks up to five leading sentences longer than twenty
// characters, stopping once about 300 characters are collected.
func Summarize(content string) string {
	sentences := sentenceRe.Split(content, -1)
	if len(sentences) > maxSummarySentence {
		sentences = sentences[:maxSummarySentence]
	}
	var picked []string
	total := 0
	for _, s := range sentences {
		s = strings.TrimSpace(s)
		if crawler.CharLen(s) <= minSentenceLength {
			continue
		}
		picked = append(picked, s)
		total += crawler.CharLen(s)
		if total >= summaryTarget {
			break
		}
	}
	if len(picked) == 0 {
		return ""
	}
	return strings.Join(picked, ". ") + "."
}
