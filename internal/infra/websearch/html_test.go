package websearch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/go-cmp/cmp"

	"github.com/dvloznov/merchant-categorizer/internal/categorizer"
)

const resultsPage = `
<html><body>
  <div class="result">
    <h2><a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fwww.repsol.es%2F&amp;rut=abc">Repsol - Estaciones de servicio</a></h2>
    <a class="result__snippet">Gasolineras y carburantes en toda España.</a>
  </div>
  <div class="result">
    <h2><a class="result__a" href="https://example.com/empty"></a></h2>
  </div>
  <div class="result">
    <h2><a class="result__a" href="https://example.com/two">Second</a></h2>
    <a class="result__snippet">Another hit</a>
  </div>
  <div class="result">
    <h2><a class="result__a" href="https://example.com/three">Third</a></h2>
  </div>
</body></html>`

func TestExtractSnippets(t *testing.T) {
	t.Parallel()

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(resultsPage))
	if err != nil {
		t.Fatalf("new document: %v", err)
	}

	got := extractSnippets(doc, 2)
	want := []categorizer.Snippet{
		{Title: "Repsol - Estaciones de servicio", URL: "https://www.repsol.es/", Content: "Gasolineras y carburantes en toda España."},
		{Title: "Second", URL: "https://example.com/two", Content: "Another hit"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("snippets mismatch (-want +got):\n%s", diff)
	}
}

func TestHTMLSearchLookup(t *testing.T) {
	t.Parallel()

	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query().Get("q")
		_, _ = w.Write([]byte(resultsPage))
	}))
	defer srv.Close()

	search := NewHTMLSearch(srv.URL, 5, srv.Client())
	snippets, err := search.Lookup(context.Background(), `"repsol" Spain`)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if query != `"repsol" Spain` {
		t.Fatalf("unexpected query %q", query)
	}
	if len(snippets) != 3 {
		t.Fatalf("expected 3 snippets, got %d", len(snippets))
	}
}

func TestHTMLSearchNoResults(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><div class="no-results">No results.</div></body></html>`))
	}))
	defer srv.Close()

	snippets, err := NewHTMLSearch(srv.URL, 5, nil).Lookup(context.Background(), "zzz")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(snippets) != 0 {
		t.Fatalf("expected no snippets, got %v", snippets)
	}
}

func TestHTMLSearchRateLimitedIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewHTMLSearch(srv.URL, 5, nil).Lookup(context.Background(), "x")
	if !errors.Is(err, categorizer.ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
}
