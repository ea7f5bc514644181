package crawler

import (
	"html"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	controlRe    = regexp.MustCompile(`[\x00-\x1f\x7f-\x9f]`)
	wordRe       = regexp.MustCompile(`\b[a-zA-Z]{3,}\b`)
	tagCleanRe   = regexp.MustCompile(`[^a-zA-Z0-9\s-]`)
)

var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "in": {}, "on": {}, "at": {},
	"to": {}, "for": {}, "of": {}, "with": {}, "by": {}, "from": {}, "up": {}, "about": {},
	"into": {}, "through": {}, "during": {}, "is": {}, "are": {}, "was": {}, "were": {}, "be": {},
	"been": {}, "being": {}, "have": {}, "has": {}, "had": {}, "do": {}, "does": {}, "did": {},
	"will": {}, "would": {}, "could": {}, "should": {}, "may": {}, "might": {}, "this": {},
	"that": {}, "these": {}, "those": {}, "i": {}, "me": {}, "my": {}, "myself": {}, "we": {},
	"our": {}, "you": {}, "your": {}, "he": {}, "him": {}, "his": {}, "she": {}, "her": {},
	"it": {}, "its": {},
}

// CollapseWhitespace trims and folds runs of whitespace into single spaces.
func CollapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// CleanText unescapes entities, collapses whitespace and drops control characters.
func CleanText(s string) string {
	if s == "" {
		return ""
	}
	s = html.UnescapeString(s)
	s = whitespaceRe.ReplaceAllString(s, " ")
	s = controlRe.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// StripHTML returns the visible text of an HTML fragment.
func StripHTML(fragment string) string {
	if fragment == "" {
		return ""
	}
	if !strings.Contains(fragment, "<") {
		return CleanText(fragment)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return CleanText(fragment)
	}
	return CleanText(NodeText(doc.Selection, " "))
}

// NodeText joins the trimmed text nodes under sel with sep.
func NodeText(sel *goquery.Selection, sep string) string {
	var parts []string
	var walk func(*goquery.Selection)
	walk = func(s *goquery.Selection) {
		s.Contents().Each(func(_ int, c *goquery.Selection) {
			if goquery.NodeName(c) == "#text" {
				if t := strings.TrimSpace(c.Text()); t != "" {
					parts = append(parts, t)
				}
				return
			}
			walk(c)
		})
	}
	walk(sel)
	return strings.Join(parts, sep)
}

// Keywords returns up to limit words of three or more letters that repeat in
// text, most frequent first, ties in order of first appearance.
func Keywords(text string, limit int) []string {
	words := wordRe.FindAllString(strings.ToLower(text), -1)
	freq := make(map[string]int)
	var order []string
	for _, w := range words {
		if _, stop := stopWords[w]; stop {
			continue
		}
		if freq[w] == 0 {
			order = append(order, w)
		}
		freq[w]++
	}
	sort.SliceStable(order, func(i, j int) bool { return freq[order[i]] > freq[order[j]] })
	out := make([]string, 0, limit)
	for _, w := range order {
		if freq[w] <= 1 || len(out) == limit {
			break
		}
		out = append(out, w)
	}
	return out
}

// NormalizeTags cleans, lowercases and dedups tags, keeping at most limit.
func NormalizeTags(tags []string, limit int) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		clean := strings.ToLower(strings.TrimSpace(tagCleanRe.ReplaceAllString(tag, "")))
		if CharLen(clean) <= 2 {
			continue
		}
		if _, dup := seen[clean]; dup {
			continue
		}
		seen[clean] = struct{}{}
		out = append(out, clean)
		if len(out) == limit {
			break
		}
	}
	return out
}

// CharLen counts the characters of s. Length limits on text are in
// characters, never bytes.
func CharLen(s string) int { return utf8.RuneCountInString(s) }

// Truncate cuts s to at most n characters.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
