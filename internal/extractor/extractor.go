package extractor

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/VladCristian27/rag-site-auditor/pkg/types"
)

// ParseError reports a document the extractor could not process at all.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Extractor turns raw HTML into the content fields of a PageRecord.
type Extractor interface {
	Extract(rawHTML []byte, source *url.URL) (types.PageRecord, error)
}

// HTMLExtractor implements Extractor with goquery. It performs no I/O.
type HTMLExtractor struct {
	maxText int
}

// NewHTMLExtractor constructs an extractor capping body text at types.MaxTextLength characters.
func NewHTMLExtractor() *HTMLExtractor {
	return &HTMLExtractor{maxText: types.MaxTextLength}
}

var skippedLinkSchemes = []string{"javascript:", "mailto:", "tel:"}

// Extract fills title, meta description, headings, text, images and links.
// URL, ScrapedAt and Error are left for the caller.
func (e *HTMLExtractor) Extract(rawHTML []byte, source *url.URL) (types.PageRecord, error) {
	if source == nil || !source.IsAbs() {
		return types.PageRecord{}, &ParseError{URL: fmt.Sprint(source), Err: errors.New("source url must be absolute")}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(rawHTML))
	if err != nil {
		return types.PageRecord{}, &ParseError{URL: source.String(), Err: err}
	}

	doc.Find("script,style,noscript").Remove()

	record := types.PageRecord{
		Title:           strings.TrimSpace(doc.Find("title").First().Text()),
		MetaDescription: metaDescription(doc),
		Headings:        headings(doc),
		Text:            truncate(paragraphText(doc), e.maxText),
		Images:          images(doc, source),
		InternalLinks:   links(doc, source),
	}
	return record, nil
}

func metaDescription(doc *goquery.Document) string {
	var desc string
	doc.Find("meta[name]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !strings.EqualFold(strings.TrimSpace(s.AttrOr("name", "")), "description") {
			return true
		}
		desc = strings.TrimSpace(s.AttrOr("content", ""))
		return false
	})
	return desc
}

// headings walks the tree so h1, h2 and h3 come out in document order.
func headings(doc *goquery.Document) []string {
	out := make([]string, 0)
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch strings.ToLower(n.Data) {
			case "h1", "h2", "h3":
				out = append(out, strings.TrimSpace(nodeText(n)))
				return
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	for _, root := range doc.Nodes {
		walk(root)
	}
	return out
}

func paragraphText(doc *goquery.Document) string {
	paragraphs := make([]string, 0)
	doc.Find("p").Each(func(_ int, s *goquery.Selection) {
		paragraphs = append(paragraphs, normalizeWhitespace(s.Text()))
	})
	return strings.Join(paragraphs, "\n")
}

func images(doc *goquery.Document, base *url.URL) []types.Image {
	out := make([]types.Image, 0)
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		src := strings.TrimSpace(s.AttrOr("src", ""))
		out = append(out, types.Image{
			Src: resolve(base, src),
			Alt: s.AttrOr("alt", ""),
		})
	})
	return out
}

func links(doc *goquery.Document, base *url.URL) []string {
	out := make([]string, 0)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if hasSkippedScheme(href) {
			return
		}
		u, err := base.Parse(href)
		if err != nil {
			return
		}
		out = append(out, u.String())
	})
	return out
}

func hasSkippedScheme(href string) bool {
	lower := strings.ToLower(href)
	for _, scheme := range skippedLinkSchemes {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}

func resolve(base *url.URL, ref string) string {
	u, err := base.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}

// truncate keeps the first limit characters (runes) of s.
func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	count := 0
	for i := range s {
		if count == limit {
			return s[:i]
		}
		count++
	}
	return s
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
		case html.ElementNode, html.DocumentNode:
			for child := n.FirstChild; child != nil; child = child.NextSibling {
				walk(child)
			}
		}
	}
	walk(n)
	return b.String()
}
