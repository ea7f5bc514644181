package rss

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
	"github.com/araddon/dateparse"
	"github.com/mmcdole/gofeed"

	"github.com/JakeFAU/feedcrawler/internal/crawler"
)

// Entry is one feed item reduced to the fields the crawler uses.
type Entry struct {
	Title       string
	Link        string
	Content     string
	Description string
	Author      string
	Categories  []string
	Published   *time.Time
}

// ParseFeed reads RSS, Atom or JSON feeds. Documents gofeed rejects are
// scanned for item and entry elements before giving up.
func ParseFeed(body []byte) ([]Entry, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err == nil {
		entries := make([]Entry, 0, len(feed.Items))
		for _, item := range feed.Items {
			entries = append(entries, fromItem(item))
		}
		return entries, nil
	}

	entries, scanErr := scanEntries(body)
	if scanErr != nil || len(entries) == 0 {
		return nil, fmt.Errorf("%w: %v", crawler.ErrMalformedFeed, err)
	}
	return entries, nil
}

func fromItem(item *gofeed.Item) Entry {
	e := Entry{
		Title:       item.Title,
		Link:        item.Link,
		Content:     item.Content,
		Description: item.Description,
		Categories:  item.Categories,
	}
	if e.Link == "" && len(item.Links) > 0 {
		e.Link = item.Links[0]
	}

	switch {
	case item.PublishedParsed != nil:
		e.Published = item.PublishedParsed
	case item.UpdatedParsed != nil:
		e.Published = item.UpdatedParsed
	default:
		e.Published = parseDate(item.Published, item.Updated)
	}

	switch {
	case item.Author != nil && item.Author.Name != "":
		e.Author = item.Author.Name
	case len(item.Authors) > 0 && item.Authors[0] != nil && item.Authors[0].Name != "":
		e.Author = item.Authors[0].Name
	case item.DublinCoreExt != nil:
		e.Author = first(item.DublinCoreExt.Creator, item.DublinCoreExt.Publisher)
	}
	return e
}

// scanEntries walks any XML document for RSS items and Atom entries.
func scanEntries(body []byte) ([]Entry, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("scan feed xml: %w", err)
	}
	nodes, err := xmlquery.QueryAll(doc, "//item | //entry")
	if err != nil {
		return nil, fmt.Errorf("query feed items: %w", err)
	}

	entries := make([]Entry, 0, len(nodes))
	for _, n := range nodes {
		var e Entry
		var dates, creators []string
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != xmlquery.ElementNode {
				continue
			}
			text := strings.TrimSpace(c.InnerText())
			switch c.Data {
			case "title":
				e.Title = text
			case "link":
				if href := c.SelectAttr("href"); href != "" {
					if e.Link == "" || c.SelectAttr("rel") == "alternate" {
						e.Link = href
					}
				} else if text != "" {
					e.Link = text
				}
			case "encoded", "content":
				if crawler.CharLen(text) > crawler.CharLen(e.Content) {
					e.Content = text
				}
			case "description", "summary":
				e.Description = text
			case "pubDate", "published", "updated", "date":
				dates = append(dates, text)
			case "author":
				if name := c.SelectElement("name"); name != nil {
					text = strings.TrimSpace(name.InnerText())
				}
				if e.Author == "" {
					e.Author = text
				}
			case "creator", "publisher":
				creators = append(creators, text)
			case "category":
				if term := c.SelectAttr("term"); term != "" {
					text = term
				}
				if text != "" {
					e.Categories = append(e.Categories, text)
				}
			}
		}
		if e.Author == "" {
			e.Author = first(creators)
		}
		e.Published = parseDate(dates...)
		entries = append(entries, e)
	}
	return entries, nil
}

func parseDate(candidates ...string) *time.Time {
	for _, s := range candidates {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if t, err := dateparse.ParseAny(s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func first(lists ...[]string) string {
	for _, l := range lists {
		for _, s := range l {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}
