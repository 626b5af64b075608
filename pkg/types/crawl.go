package types

import (
	"net/http"
	"net/url"
	"time"
)

// ErrorFetchFailedOrBlocked tags records whose URL was disallowed, failed to fetch, or failed to parse.
const ErrorFetchFailedOrBlocked = "fetch_failed_or_blocked"

// MaxTextLength caps PageRecord.Text in characters.
const MaxTextLength = 20000

// FrontierEntry models a work item held by the crawl frontier.
type FrontierEntry struct {
	URL   *url.URL
	Depth int
}

// Page represents the fetched content.
type Page struct {
	URL         *url.URL
	FinalURL    *url.URL
	Body        []byte
	ContentType string
	StatusCode  int
	Headers     http.Header
	FetchedAt   time.Time
	Attempts    int
	Latency     time.Duration
}

// Image is an <img> reference resolved against the page URL.
type Image struct {
	Src string `json:"src"`
	Alt string `json:"alt"`
}

// PageRecord is the normalised, storage-ready outcome of processing one URL.
// Records are values; re-crawling a URL produces a new record that replaces the stored one.
type PageRecord struct {
	URL             string    `json:"url"`
	Depth           int       `json:"depth"`
	Title           string    `json:"title"`
	MetaDescription string    `json:"meta_description"`
	Headings        []string  `json:"headings"`
	Text            string    `json:"text"`
	Images          []Image   `json:"images"`
	InternalLinks   []string  `json:"internal_links"`
	ScrapedAt       time.Time `json:"scraped_at"`
	Error           string    `json:"error,omitempty"`
}

// ErrorRecord builds a content-less record for a URL that could not be crawled.
func ErrorRecord(rawURL string, depth int, at time.Time) PageRecord {
	return PageRecord{
		URL:           rawURL,
		Depth:         depth,
		Headings:      []string{},
		Images:        []Image{},
		InternalLinks: []string{},
		ScrapedAt:     at.UTC(),
		Error:         ErrorFetchFailedOrBlocked,
	}
}
