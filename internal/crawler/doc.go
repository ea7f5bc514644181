// Package crawler holds the shared acquisition domain: source and document
// types, the collaborator interfaces, the error taxonomy, and the retrying,
// proxy-aware HTTP client and robots.txt policy used by the RSS crawler and
// the web scraper.
package crawler
