package websearch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/dvloznov/merchant-categorizer/internal/categorizer"
)

// DefaultHTMLEndpoint is the DuckDuckGo HTML-only results page.
const DefaultHTMLEndpoint = "https://html.duckduckgo.com/html/"

// HTMLSearch implements categorizer.LookupService by scraping an HTML
// results page. It needs no API key and serves as the fallback lookup.
type HTMLSearch struct {
	endpoint   string
	maxResults int
	client     *http.Client
}

var _ categorizer.LookupService = (*HTMLSearch)(nil)

// NewHTMLSearch wires an HTTP client; endpoint defaults to DefaultHTMLEndpoint.
func NewHTMLSearch(endpoint string, maxResults int, client *http.Client) *HTMLSearch {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if endpoint == "" {
		endpoint = DefaultHTMLEndpoint
	}
	if maxResults <= 0 {
		maxResults = 5
	}
	return &HTMLSearch{endpoint: endpoint, maxResults: maxResults, client: client}
}

// Lookup implements categorizer.LookupService.
func (h *HTMLSearch) Lookup(ctx context.Context, query string) ([]categorizer.Snippet, error) {
	pageURL, err := buildSearchURL(h.endpoint, query)
	if err != nil {
		return nil, err
	}

	doc, err := h.fetchDocument(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	return extractSnippets(doc, h.maxResults), nil
}

func (h *HTMLSearch) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "merchant-categorizer/1.0")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request document: %w", classifyTransportError(err))
	}
	defer resp.Body.Close()

	if err := checkStatus("html search", resp); err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return doc, nil
}

func buildSearchURL(endpoint, query string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	q := u.Query()
	q.Set("q", query)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// extractSnippets reads result blocks in page order. Results without any
// text are skipped.
func extractSnippets(doc *goquery.Document, limit int) []categorizer.Snippet {
	var snippets []categorizer.Snippet
	doc.Find(".result").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		link := s.Find(".result__a").First()
		title := strings.TrimSpace(link.Text())
		href, _ := link.Attr("href")
		content := strings.TrimSpace(s.Find(".result__snippet").First().Text())
		if title == "" && content == "" {
			return true
		}

		snippets = append(snippets, categorizer.Snippet{
			Title:   title,
			URL:     resolveRedirect(href),
			Content: content,
		})
		return len(snippets) < limit
	})
	return snippets
}

// resolveRedirect unwraps "/l/?uddg=<target>" redirect links.
func resolveRedirect(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme == "" && strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	return href
}
