package fetcher

import (
	"io"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"github.com/codepr/crawlworker/page"
)

// Tag is one extracted datum from a page: an out-link, a title, a meta
// description, an email address, etc., classified per page.TagType and
// carrying whatever the matching rule asked for in Attr.
type Tag struct {
	Type page.TagType
	Attr string
}

// Parser extracts Tags from a fetched document, resolving relative
// references against baseURL. Generalizes the teacher's Parser interface
// (which only ever extracted anchor links) to the full tag taxonomy a
// worker reports back to the coordinator (spec.md §6.1 tag_rule_t).
type Parser interface {
	Parse(baseURL string, body io.Reader) ([]Tag, error)
}

// GoqueryParser is a goquery-backed Parser, driven by a caller-supplied
// set of TagRules (worker_config.parse_param, SPEC_FULL.md §6.1) that say
// which tag types to look for and, for TagMeta, which attribute to read.
type GoqueryParser struct {
	rules        []TagRule
	excludedExts map[string]bool
	seen         *sync.Map
}

// TagRule mirrors wire.TagRule without importing wire here, keeping this
// package's public surface in terms of page/Tag only.
type TagRule struct {
	Type page.TagType
	Attr string
}

// NewGoqueryParser creates a parser configured to extract the given tag
// types. An empty rule set still extracts TagURL (out-links), mirroring
// the teacher's default anchor-only behavior.
func NewGoqueryParser(rules []TagRule) *GoqueryParser {
	if len(rules) == 0 {
		rules = []TagRule{{Type: page.TagURL}}
	}
	return &GoqueryParser{
		rules:        rules,
		excludedExts: make(map[string]bool),
		seen:         new(sync.Map),
	}
}

// ExcludeExtensions adds file extensions (".pdf", ".zip", ...) that
// out-link extraction should skip, exactly as the teacher's
// GoqueryParser.ExcludeExtensions.
func (p *GoqueryParser) ExcludeExtensions(exts ...string) {
	for _, ext := range exts {
		p.excludedExts[ext] = true
	}
}

// Parse reads an HTML document and extracts every Tag its configured
// rules ask for.
func (p *GoqueryParser) Parse(baseURL string, body io.Reader) ([]Tag, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, err
	}
	var tags []Tag
	for _, rule := range p.rules {
		switch rule.Type {
		case page.TagURL:
			tags = append(tags, p.extractLinks(doc, baseURL)...)
		case page.TagTitle:
			if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
				tags = append(tags, Tag{Type: page.TagTitle, Attr: t})
			}
		case page.TagDescription:
			if d, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
				tags = append(tags, Tag{Type: page.TagDescription, Attr: strings.TrimSpace(d)})
			}
		case page.TagMeta:
			doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
				if name, ok := s.Attr(rule.Attr); ok {
					tags = append(tags, Tag{Type: page.TagMeta, Attr: name})
				}
			})
		case page.TagEmail:
			doc.Find(`a[href^="mailto:"]`).Each(func(_ int, s *goquery.Selection) {
				href, _ := s.Attr("href")
				if addr := strings.TrimPrefix(href, "mailto:"); addr != "" {
					tags = append(tags, Tag{Type: page.TagEmail, Attr: addr})
				}
			})
		case page.TagImage:
			doc.Find("img").Each(func(_ int, s *goquery.Selection) {
				if src, ok := s.Attr("src"); ok {
					if link, ok := resolveRelativeURL(baseURL, src); ok {
						tags = append(tags, Tag{Type: page.TagImage, Attr: link.String()})
					}
				}
			})
		}
	}
	return tags, nil
}

// extractLinks retrieves every anchor/canonical-link URL in doc,
// deduplicated across repeated calls to the same GoqueryParser instance
// (the teacher's seen-set logic, so the same page never re-reports a link
// it already surfaced).
func (p *GoqueryParser) extractLinks(doc *goquery.Document, baseURL string) []Tag {
	if doc == nil {
		return nil
	}
	var tags []Tag
	doc.Find("a,link").FilterFunction(func(_ int, element *goquery.Selection) bool {
		hrefLink, hrefExists := element.Attr("href")
		linkType, linkExists := element.Attr("rel")
		anchorOk := hrefExists && goquery.NodeName(element) == "a" && !p.excludedExts[filepath.Ext(hrefLink)]
		linkOk := hrefExists && linkExists && linkType == "canonical" && !p.excludedExts[filepath.Ext(hrefLink)]
		return anchorOk || linkOk
	}).Each(func(_ int, element *goquery.Selection) {
		href, _ := element.Attr("href")
		link, ok := resolveRelativeURL(baseURL, href)
		if !ok {
			return
		}
		if present, _ := p.seen.LoadOrStore(link.String(), false); !present.(bool) {
			tags = append(tags, Tag{Type: page.TagURL, Attr: link.String()})
			p.seen.Store(link.String(), true)
		}
	})
	return tags
}

// resolveRelativeURL joins a base domain to a relative path, producing an
// absolute URL to fetch.
func resolveRelativeURL(baseURL string, relative string) (*url.URL, bool) {
	u, err := url.Parse(relative)
	if err != nil {
		return nil, false
	}
	if u.Hostname() != "" {
		return u, true
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, false
	}
	return base.ResolveReference(u), true
}
