package websearch

import (
	"context"
	"errors"

	"github.com/dvloznov/merchant-categorizer/internal/categorizer"
)

// Chain tries each lookup in order and returns the first non-empty result.
// When every backend fails the first error is returned; when at least one
// backend answered with no results the chain reports "no result".
type Chain []categorizer.LookupService

var _ categorizer.LookupService = Chain(nil)

// Lookup implements categorizer.LookupService.
func (c Chain) Lookup(ctx context.Context, query string) ([]categorizer.Snippet, error) {
	var (
		firstErr error
		answered bool
	)
	for _, l := range c {
		snippets, err := l.Lookup(ctx, query)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if ctx.Err() != nil {
				return nil, err
			}
			continue
		}
		if len(snippets) > 0 {
			return snippets, nil
		}
		answered = true
	}
	if answered || firstErr == nil {
		return nil, nil
	}
	return nil, firstErr
}

// errNoBackends is returned by an empty chain.
var errNoBackends = errors.New("websearch: no lookup backends configured")

// Validate reports an empty chain.
func (c Chain) Validate() error {
	if len(c) == 0 {
		return errNoBackends
	}
	return nil
}
