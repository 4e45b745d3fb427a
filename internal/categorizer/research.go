package categorizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/dvloznov/merchant-categorizer/internal/domain"
	"github.com/dvloznov/merchant-categorizer/internal/logger"
)

// Snippet is one ranked search hit returned by a lookup service.
type Snippet struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

// LookupService searches for public information about a merchant. An empty
// slice with a nil error is the "no result" outcome, distinct from a failure.
type LookupService interface {
	Lookup(ctx context.Context, query string) ([]Snippet, error)
}

// ReasoningService turns a prompt into free text. The response contract is
// owned by ParseReasoning.
type ReasoningService interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ResearchAnswer is the parsed reply of the reasoning service.
type ResearchAnswer struct {
	Category         domain.Category
	Justification    string
	BusinessType     string
	LookupConfidence float64
}

// Candidate is the outcome of researching one merchant. When Resolved is
// false the candidate is the unresolved sentinel: Category is Uncategorized,
// LookupConfidence is zero and Err says why.
type Candidate struct {
	ResearchAnswer
	Resolved bool
	Err      error
}

// Unresolved builds the sentinel candidate for err.
func Unresolved(err error) Candidate {
	return Candidate{
		ResearchAnswer: ResearchAnswer{Category: domain.CategoryUncategorized},
		Err:            err,
	}
}

// Researcher resolves unknown merchants. It never returns an error: every
// failure is folded into an unresolved Candidate.
type Researcher interface {
	Research(ctx context.Context, key domain.MerchantKey, amount domain.Amount) Candidate
}

// ResearchConfig bounds the external calls made by a ResearchResolver.
type ResearchConfig struct {
	LookupTimeout    time.Duration
	ReasoningTimeout time.Duration
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	// RequestsPerSecond limits calls to each external service; zero disables limiting.
	RequestsPerSecond float64
	Burst             int
	MaxSnippets       int
	// QueryHint is appended to every lookup query (for example a region).
	QueryHint string
}

// DefaultResearchConfig returns the production timeouts and retry policy.
func DefaultResearchConfig() ResearchConfig {
	return ResearchConfig{
		LookupTimeout:     8 * time.Second,
		ReasoningTimeout:  20 * time.Second,
		MaxAttempts:       3,
		InitialBackoff:    250 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		RequestsPerSecond: 5,
		Burst:             5,
		MaxSnippets:       3,
		QueryHint:         "Spain business empresa",
	}
}

// ResearchResolver derives a candidate category for an unknown merchant from a
// knowledge-lookup service and a reasoning service.
type ResearchResolver struct {
	lookup    LookupService
	reasoner  ReasoningService
	cfg       ResearchConfig
	lookupRL  *rate.Limiter
	reasonRL  *rate.Limiter
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewResearchResolver creates a resolver. Zero fields of cfg take their
// defaults.
func NewResearchResolver(lookup LookupService, reasoner ReasoningService, cfg ResearchConfig) *ResearchResolver {
	def := DefaultResearchConfig()
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = def.LookupTimeout
	}
	if cfg.ReasoningTimeout <= 0 {
		cfg.ReasoningTimeout = def.ReasoningTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.MaxSnippets <= 0 {
		cfg.MaxSnippets = def.MaxSnippets
	}

	r := &ResearchResolver{
		lookup:    lookup,
		reasoner:  reasoner,
		cfg:       cfg,
		sleepFunc: sleepCtx,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		r.lookupRL = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
		r.reasonRL = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return r
}

// BuildQuery synthesizes the lookup query for a merchant key.
func (r *ResearchResolver) BuildQuery(key domain.MerchantKey) string {
	q := fmt.Sprintf("%q", string(key))
	if r.cfg.QueryHint != "" {
		q += " " + r.cfg.QueryHint
	}
	return q
}

// Research implements Researcher.
func (r *ResearchResolver) Research(ctx context.Context, key domain.MerchantKey, amount domain.Amount) Candidate {
	log := logger.FromContext(ctx).With().Str("merchant_key", key.String()).Logger()

	query := r.BuildQuery(key)

	var snippets []Snippet
	err := r.withRetry(ctx, "lookup", r.lookupRL, r.cfg.LookupTimeout, ErrLookupTimeout, func(callCtx context.Context) error {
		var err error
		snippets, err = r.lookup.Lookup(callCtx, query)
		return err
	})
	if err != nil {
		log.Warn().Err(err).Msg("Merchant lookup failed")
		return Unresolved(err)
	}
	if len(snippets) == 0 {
		log.Info().Msg("Merchant lookup returned nothing")
		return Unresolved(ErrLookupEmpty)
	}
	if len(snippets) > r.cfg.MaxSnippets {
		snippets = snippets[:r.cfg.MaxSnippets]
	}

	prompt := BuildResearchPrompt(key, amount, snippets)

	var raw string
	err = r.withRetry(ctx, "reasoning", r.reasonRL, r.cfg.ReasoningTimeout, ErrTransient, func(callCtx context.Context) error {
		var err error
		raw, err = r.reasoner.Complete(callCtx, prompt)
		return err
	})
	if err != nil {
		log.Warn().Err(err).Msg("Merchant reasoning failed")
		return Unresolved(err)
	}

	answer, err := ParseReasoning(raw)
	if err != nil {
		log.Warn().Err(err).Msg("Reasoning response rejected")
		log.Debug().Str("raw_response", raw).Msg("Unparseable reasoning response")
		return Unresolved(err)
	}

	log.Info().
		Str("category", string(answer.Category)).
		Float64("lookup_confidence", answer.LookupConfidence).
		Int("snippets", len(snippets)).
		Msg("Merchant researched")

	return Candidate{ResearchAnswer: answer, Resolved: true}
}

// withRetry runs call with a per-attempt timeout. Timeouts and ErrTransient
// failures are retried with exponential backoff; anything else stops at once.
// A per-attempt timeout is reported wrapped in timeoutErr.
func (r *ResearchResolver) withRetry(
	ctx context.Context,
	op string,
	limiter *rate.Limiter,
	timeout time.Duration,
	timeoutErr error,
	call func(ctx context.Context) error,
) error {
	log := logger.FromContext(ctx)
	backoff := r.cfg.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%s: rate limiter: %w", op, err)
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		err := call(callCtx)
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}

		switch {
		case timedOut || errors.Is(err, context.DeadlineExceeded):
			lastErr = fmt.Errorf("%s attempt %d: %w: %v", op, attempt, timeoutErr, err)
		case errors.Is(err, ErrTransient):
			lastErr = fmt.Errorf("%s attempt %d: %w", op, attempt, err)
		default:
			return fmt.Errorf("%s: %w", op, err)
		}

		if attempt == r.cfg.MaxAttempts {
			break
		}
		log.Debug().Err(lastErr).Dur("backoff", backoff).Msg("Retrying external call")
		if err := r.sleepFunc(ctx, backoff); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		backoff *= 2
		if backoff > r.cfg.MaxBackoff {
			backoff = r.cfg.MaxBackoff
		}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OfflineResearcher is used when no external services are configured. Every
// unknown merchant comes back unresolved and is routed to review.
type OfflineResearcher struct{}

// Research implements Researcher.
func (OfflineResearcher) Research(ctx context.Context, key domain.MerchantKey, amount domain.Amount) Candidate {
	return Unresolved(ErrResearchUnavailable)
}
