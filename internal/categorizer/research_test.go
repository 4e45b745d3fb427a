package categorizer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dvloznov/merchant-categorizer/internal/domain"
)

// mockLookup is a hand-written LookupService.
type mockLookup struct {
	calls  atomic.Int32
	lookup func(ctx context.Context, query string, call int) ([]Snippet, error)
}

func (m *mockLookup) Lookup(ctx context.Context, query string) ([]Snippet, error) {
	n := int(m.calls.Add(1))
	return m.lookup(ctx, query, n)
}

// mockReasoner is a hand-written ReasoningService.
type mockReasoner struct {
	calls    atomic.Int32
	complete func(ctx context.Context, prompt string, call int) (string, error)
}

func (m *mockReasoner) Complete(ctx context.Context, prompt string) (string, error) {
	n := int(m.calls.Add(1))
	return m.complete(ctx, prompt, n)
}

func staticSnippets(ctx context.Context, query string, call int) ([]Snippet, error) {
	return []Snippet{{Title: "Amazon", Content: "Online marketplace"}}, nil
}

func staticAnswer(answer string) func(context.Context, string, int) (string, error) {
	return func(ctx context.Context, prompt string, call int) (string, error) {
		return answer, nil
	}
}

func fastResearchConfig() ResearchConfig {
	return ResearchConfig{
		LookupTimeout:    30 * time.Millisecond,
		ReasoningTimeout: 30 * time.Millisecond,
		MaxAttempts:      3,
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       4 * time.Millisecond,
	}
}

func TestResearchResolver_Resolved(t *testing.T) {
	lookup := &mockLookup{lookup: staticSnippets}
	reasoner := &mockReasoner{complete: staticAnswer(`{"category": "Shopping", "confidence": 0.9, "business_type": "marketplace", "reasoning": "online store"}`)}
	r := NewResearchResolver(lookup, reasoner, fastResearchConfig())

	got := r.Research(context.Background(), "amzn mktp", -2599)
	if !got.Resolved {
		t.Fatalf("Expected resolved candidate, got err %v", got.Err)
	}
	if got.Category != domain.CategoryShopping || got.LookupConfidence != 0.9 || got.BusinessType != "marketplace" {
		t.Errorf("candidate = %+v", got)
	}
	if lookup.calls.Load() != 1 || reasoner.calls.Load() != 1 {
		t.Errorf("calls = (%d, %d), want (1, 1)", lookup.calls.Load(), reasoner.calls.Load())
	}
}

func TestResearchResolver_Unresolved(t *testing.T) {
	tests := []struct {
		name         string
		lookup       func(context.Context, string, int) ([]Snippet, error)
		complete     func(context.Context, string, int) (string, error)
		wantErr      error
		wantLookups  int32
		wantReasoner int32
	}{
		{
			name: "lookup always times out",
			lookup: func(ctx context.Context, query string, call int) ([]Snippet, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			wantErr:     ErrLookupTimeout,
			wantLookups: 3,
		},
		{
			name: "lookup has no result",
			lookup: func(ctx context.Context, query string, call int) ([]Snippet, error) {
				return nil, nil
			},
			wantErr:     ErrLookupEmpty,
			wantLookups: 1,
		},
		{
			name: "lookup transient errors exhaust retries",
			lookup: func(ctx context.Context, query string, call int) ([]Snippet, error) {
				return nil, fmt.Errorf("status 503: %w", ErrTransient)
			},
			wantErr:     ErrTransient,
			wantLookups: 3,
		},
		{
			name:         "reasoning malformed",
			lookup:       staticSnippets,
			complete:     staticAnswer("probably a shop"),
			wantErr:      ErrReasoningParse,
			wantLookups:  1,
			wantReasoner: 1,
		},
		{
			name:   "reasoning always rate limited",
			lookup: staticSnippets,
			complete: func(ctx context.Context, prompt string, call int) (string, error) {
				return "", fmt.Errorf("status 429: %w", ErrTransient)
			},
			wantErr:      ErrTransient,
			wantLookups:  1,
			wantReasoner: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lookup := &mockLookup{lookup: tt.lookup}
			complete := tt.complete
			if complete == nil {
				complete = staticAnswer(`{"category": "Shopping", "confidence": 0.9}`)
			}
			reasoner := &mockReasoner{complete: complete}
			r := NewResearchResolver(lookup, reasoner, fastResearchConfig())

			got := r.Research(context.Background(), "mystery shop", -1000)
			if got.Resolved {
				t.Fatal("Expected unresolved candidate")
			}
			if got.Category != domain.CategoryUncategorized || got.LookupConfidence != 0 {
				t.Errorf("sentinel = %+v", got)
			}
			if !errors.Is(got.Err, tt.wantErr) {
				t.Errorf("Err = %v, want %v", got.Err, tt.wantErr)
			}
			if n := lookup.calls.Load(); n != tt.wantLookups {
				t.Errorf("lookup calls = %d, want %d", n, tt.wantLookups)
			}
			if n := reasoner.calls.Load(); n != tt.wantReasoner {
				t.Errorf("reasoning calls = %d, want %d", n, tt.wantReasoner)
			}
		})
	}
}

func TestResearchResolver_RetryRecovers(t *testing.T) {
	lookup := &mockLookup{lookup: func(ctx context.Context, query string, call int) ([]Snippet, error) {
		if call < 3 {
			return nil, fmt.Errorf("connection reset: %w", ErrTransient)
		}
		return staticSnippets(ctx, query, call)
	}}
	reasoner := &mockReasoner{complete: staticAnswer(`{"category": "Shopping", "confidence": 0.8}`)}
	r := NewResearchResolver(lookup, reasoner, fastResearchConfig())

	var slept []time.Duration
	r.sleepFunc = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	got := r.Research(context.Background(), "amzn mktp", -2599)
	if !got.Resolved {
		t.Fatalf("Expected resolved after retries, got %v", got.Err)
	}
	if want := []time.Duration{time.Millisecond, 2 * time.Millisecond}; fmt.Sprint(slept) != fmt.Sprint(want) {
		t.Errorf("backoff = %v, want %v", slept, want)
	}
}

func TestResearchResolver_PermanentErrorNotRetried(t *testing.T) {
	lookup := &mockLookup{lookup: func(ctx context.Context, query string, call int) ([]Snippet, error) {
		return nil, errors.New("status 401: invalid api key")
	}}
	r := NewResearchResolver(lookup, &mockReasoner{complete: staticAnswer("{}")}, fastResearchConfig())

	got := r.Research(context.Background(), "x", -100)
	if got.Resolved {
		t.Fatal("Expected unresolved")
	}
	if n := lookup.calls.Load(); n != 1 {
		t.Errorf("lookup calls = %d, want 1", n)
	}
}

func TestResearchResolver_BuildQuery(t *testing.T) {
	r := NewResearchResolver(nil, nil, ResearchConfig{QueryHint: "Barcelona"})
	if got, want := r.BuildQuery("bar manolo"), `"bar manolo" Barcelona`; got != want {
		t.Errorf("BuildQuery = %q, want %q", got, want)
	}
}
