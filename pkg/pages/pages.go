package pages

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/pagepoet/pagepoet/pkg/engine"
)

// Capabilities of the built-in page inputs and pages.
const (
	CapResponseData engine.Capability = "ResponseData"
	CapWebPage      engine.Capability = "WebPage"
	CapSummaryPage  engine.Capability = "SummaryPage"
)

// ResponseData is the page input built from a downloaded response.
type ResponseData struct {
	URL  string `json:"url"`
	HTML string `json:"html"`
}

// WebPage is a page object over ResponseData with a parsed document.
type WebPage struct {
	Response ResponseData

	doc  *html.Node
	base *url.URL
}

// NewWebPage parses the response HTML.
func NewWebPage(rd ResponseData) (*WebPage, error) {
	doc, err := html.Parse(strings.NewReader(rd.HTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", rd.URL, err)
	}
	base, err := url.Parse(rd.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid page url %s: %w", rd.URL, err)
	}
	return &WebPage{Response: rd, doc: doc, base: base}, nil
}

// URL returns the page URL.
func (p *WebPage) URL() string {
	return p.Response.URL
}

// Title returns the text of the first <title> element.
func (p *WebPage) Title() string {
	if n := p.find(func(n *html.Node) bool { return n.DataAtom == atom.Title }); n != nil {
		return strings.TrimSpace(textOf(n))
	}
	return ""
}

// Meta returns the content of the <meta> element whose name or property
// attribute equals name.
func (p *WebPage) Meta(name string) string {
	n := p.find(func(n *html.Node) bool {
		if n.DataAtom != atom.Meta {
			return false
		}
		return attr(n, "name") == name || attr(n, "property") == name
	})
	if n == nil {
		return ""
	}
	return attr(n, "content")
}

// Links returns the absolute targets of the page's <a href> elements, in
// document order and without duplicates. Fragment-only and non-HTTP links
// are left out.
func (p *WebPage) Links() []string {
	seen := make(map[string]bool)
	var links []string
	p.walk(func(n *html.Node) {
		if n.DataAtom != atom.A {
			return
		}
		href := strings.TrimSpace(attr(n, "href"))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := p.base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		abs.Fragment = ""
		s := abs.String()
		if !seen[s] {
			seen[s] = true
			links = append(links, s)
		}
	})
	return links
}

// Text returns the concatenated text of all elements with the given tag.
func (p *WebPage) Text(tag string) []string {
	a := atom.Lookup([]byte(tag))
	var out []string
	p.walk(func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == a {
			if s := strings.TrimSpace(textOf(n)); s != "" {
				out = append(out, s)
			}
		}
	})
	return out
}

func (p *WebPage) find(match func(*html.Node) bool) *html.Node {
	var found *html.Node
	var visit func(*html.Node) bool
	visit = func(n *html.Node) bool {
		if n.Type == html.ElementNode && match(n) {
			found = n
			return true
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if visit(c) {
				return true
			}
		}
		return false
	}
	visit(p.doc)
	return found
}

func (p *WebPage) walk(fn func(*html.Node)) {
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		fn(n)
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(p.doc)
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return sb.String()
}

// Summary is the item extracted by SummaryPage.
type Summary struct {
	URL         string   `json:"url"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Headings    []string `json:"headings,omitempty"`
	Links       int      `json:"links"`
}

// SummaryPage is an item page describing any HTML page.
type SummaryPage struct {
	*WebPage
}

// ToItem extracts the page summary.
func (p SummaryPage) ToItem(_ context.Context) (any, error) {
	desc := p.Meta("description")
	if desc == "" {
		desc = p.Meta("og:description")
	}
	return Summary{
		URL:         p.URL(),
		Title:       p.Title(),
		Description: desc,
		Headings:    p.Text("h1"),
		Links:       len(p.Links()),
	}, nil
}

// Providers returns the built-in page providers: WebPage and the
// SummaryPage item page, both over ResponseData.
func Providers() []engine.Provider {
	webPage := engine.NewPage(CapWebPage, []engine.Capability{CapResponseData}, func(deps engine.Instances) (any, error) {
		rd, err := engine.Get[ResponseData](deps, CapResponseData)
		if err != nil {
			return nil, err
		}
		return NewWebPage(rd)
	})

	summary := engine.ItemPage(CapSummaryPage, []engine.Capability{CapResponseData},
		func(deps engine.Instances) (SummaryPage, error) {
			rd, err := engine.Get[ResponseData](deps, CapResponseData)
			if err != nil {
				return SummaryPage{}, err
			}
			wp, err := NewWebPage(rd)
			if err != nil {
				return SummaryPage{}, err
			}
			return SummaryPage{WebPage: wp}, nil
		},
		func(ctx context.Context, page SummaryPage) (any, error) {
			return page.ToItem(ctx)
		},
	)

	return []engine.Provider{webPage, summary}
}
