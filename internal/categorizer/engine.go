// Package categorizer implements the transaction categorization pipeline:
// merchant key normalization, deterministic rules, learned merchant memory,
// external research and amount consistency checks.
package categorizer

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dvloznov/merchant-categorizer/internal/domain"
	"github.com/dvloznov/merchant-categorizer/internal/knowledge"
	"github.com/dvloznov/merchant-categorizer/internal/logger"
)

// RuleConfidence is the confidence of every rule match.
const RuleConfidence = 1.0

// EngineConfig holds the orchestration thresholds.
type EngineConfig struct {
	// Workers bounds how many transactions are categorized concurrently.
	Workers int
	// TransactionDeadline bounds the total time spent on one transaction.
	TransactionDeadline time.Duration
	// ReinforceThreshold is the stored confidence below which a memory hit is
	// refreshed by research.
	ReinforceThreshold float64
	// ReinforceStep is added to the confidence when research agrees with the
	// stored category.
	ReinforceStep float64
	// ResearchConfidenceCap is the highest confidence research can assign.
	ResearchConfidenceCap float64
	// ReviewConfidence flags research answers below it for review.
	ReviewConfidence float64
	// MaxProfileAge is how long a learned profile is served before research
	// validates it again. Rule profiles never expire. Negative disables.
	MaxProfileAge time.Duration
	// CandidateTTL is how long a research answer is reused for the same
	// merchant instead of calling the external services. Negative disables.
	CandidateTTL time.Duration
}

// candidateCacheSize bounds the number of remembered research answers.
const candidateCacheSize = 10000

// DefaultEngineConfig returns the production thresholds.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Workers:               8,
		TransactionDeadline:   45 * time.Second,
		ReinforceThreshold:    0.70,
		ReinforceStep:         0.05,
		ResearchConfidenceCap: 0.95,
		ReviewConfidence:      0.60,
		MaxProfileAge:         30 * 24 * time.Hour,
		CandidateTTL:          24 * time.Hour,
	}
}

// Engine routes transactions through rules, merchant memory, research and
// validation. It is safe for concurrent use.
type Engine struct {
	rules      *RuleMatcher
	store      *knowledge.Store
	researcher Researcher
	validator  *ConsistencyValidator
	candidates *candidateCache
	cfg        EngineConfig
	stats      counters
}

// NewEngine wires an engine. Zero fields of cfg take their defaults.
func NewEngine(rules *RuleMatcher, store *knowledge.Store, researcher Researcher, validator *ConsistencyValidator, cfg EngineConfig) *Engine {
	def := DefaultEngineConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.TransactionDeadline <= 0 {
		cfg.TransactionDeadline = def.TransactionDeadline
	}
	if cfg.ReinforceThreshold <= 0 {
		cfg.ReinforceThreshold = def.ReinforceThreshold
	}
	if cfg.ResearchConfidenceCap <= 0 {
		cfg.ResearchConfidenceCap = def.ResearchConfidenceCap
	}
	if cfg.MaxProfileAge == 0 {
		cfg.MaxProfileAge = def.MaxProfileAge
	}
	if cfg.CandidateTTL == 0 {
		cfg.CandidateTTL = def.CandidateTTL
	}
	if validator == nil {
		validator = NewConsistencyValidator(nil)
	}
	if researcher == nil {
		researcher = OfflineResearcher{}
	}
	return &Engine{
		rules:      rules,
		store:      store,
		researcher: researcher,
		validator:  validator,
		candidates: newCandidateCache(cfg.CandidateTTL, candidateCacheSize),
		cfg:        cfg,
	}
}

// Stats returns the current counters.
func (e *Engine) Stats() Stats {
	return e.stats.snapshot()
}

// Store returns the knowledge store the engine learns into.
func (e *Engine) Store() *knowledge.Store {
	return e.store
}

// Categorize resolves one transaction. It always returns a result: failures
// of any stage degrade to a fallback flagged for review.
func (e *Engine) Categorize(ctx context.Context, tx domain.Transaction) domain.CategorizationResult {
	return e.categorizeOne(ctx, tx, nil)
}

func (e *Engine) categorizeOne(ctx context.Context, tx domain.Transaction, memo *batchMemo) domain.CategorizationResult {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.TransactionDeadline)
	defer cancel()

	key := NormalizeMerchantKey(tx.Description)
	log := logger.FromContext(ctx).With().
		Str("transaction_id", tx.ID).
		Str("merchant_key", key.String()).
		Logger()
	ctx = logger.WithContext(ctx, log)

	log.Debug().Str("description", tx.Description).Msg("Categorizing transaction")

	result := e.categorize(ctx, tx, key, memo)
	e.stats.observe(result)

	ev := log.Info()
	if result.NeedsReview {
		ev = log.Warn().Str("reason", result.Reason)
	}
	ev.Str("source", string(result.Source)).
		Str("category", string(result.Category)).
		Float64("confidence", result.Confidence).
		Bool("needs_review", result.NeedsReview).
		Msg("Transaction categorized")

	return result
}

func (e *Engine) categorize(ctx context.Context, tx domain.Transaction, key domain.MerchantKey, memo *batchMemo) domain.CategorizationResult {
	log := logger.FromContext(ctx)
	result := domain.CategorizationResult{TransactionID: tx.ID, MerchantKey: key}

	// NEW -> RULE_CHECKED
	if category, rule, ok := e.rules.Match(key); ok {
		e.learnFromRule(ctx, key, category, rule, tx.Amount)
		result.Category = category
		result.Confidence = RuleConfidence
		result.Source = domain.SourceRule
		return result
	}

	prior, found := e.store.Get(key)

	// Later transactions of a batch share the merchant's research outcome.
	if memo != nil {
		if entry, ok := memo.lookup(key); ok {
			res, err := entry.wait(ctx)
			e.observe(ctx, key, tx.Amount)
			return e.finish(ctx, result, res, true, err, prior, found)
		}
	}

	// RULE_CHECKED -> MEMORY_CHECKED
	if found {
		e.observe(ctx, key, tx.Amount)
		if e.servable(prior) {
			result.Category = prior.Category
			result.Confidence = prior.Confidence
			result.Source = domain.SourceMemory
			return result
		}
		log.Debug().
			Float64("stored_confidence", prior.Confidence).
			Time("last_validated", prior.LastValidated).
			Msg("Refreshing weak or stale merchant profile")
	}

	// No research starts once the caller's budget is spent.
	if err := ctx.Err(); err != nil {
		return e.finish(ctx, result, knowledge.Resolution{}, false, err, prior, found)
	}

	// MEMORY_CHECKED -> RESEARCHING -> VALIDATING
	flight := func(fctx context.Context) (knowledge.Resolution, error) {
		res, _, err := e.store.WithSingleFlight(fctx, key, func(gctx context.Context) (knowledge.Resolution, error) {
			return e.resolve(gctx, key, tx.Amount), nil
		})
		return res, err
	}

	var (
		res    knowledge.Resolution
		shared bool
		err    error
	)
	if memo != nil {
		res, shared, err = memo.do(ctx, key, flight)
	} else {
		res, shared, err = e.store.WithSingleFlight(ctx, key, func(gctx context.Context) (knowledge.Resolution, error) {
			return e.resolve(gctx, key, tx.Amount), nil
		})
	}
	return e.finish(ctx, result, res, shared, err, prior, found)
}

// finish turns a research resolution into the transaction's result.
// VALIDATING -> DONE
func (e *Engine) finish(ctx context.Context, result domain.CategorizationResult, res knowledge.Resolution, shared bool, err error, prior domain.MerchantProfile, found bool) domain.CategorizationResult {
	if err != nil {
		e.stats.fallbacks.Add(1)
		res = fallbackResolution(prior, found, fmt.Sprintf("research did not complete: %v", err))
	} else if shared {
		logger.FromContext(ctx).Debug().Msg("Shared research result")
	}

	result.Category = res.Profile.Category
	result.Confidence = res.Profile.Confidence
	result.Source = res.Profile.Source
	result.NeedsReview = res.NeedsReview
	result.Reason = res.Reason
	return result
}

func (e *Engine) observe(ctx context.Context, key domain.MerchantKey, amount domain.Amount) {
	if _, err := e.store.RecordObservation(ctx, key, amount); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Msg("Failed to record merchant observation")
	}
}

// servable reports whether a stored profile answers without research: it is
// confident enough and, unless it came from a rule, recent enough.
func (e *Engine) servable(p domain.MerchantProfile) bool {
	if p.Confidence < e.cfg.ReinforceThreshold {
		return false
	}
	if p.Source == domain.SourceRule || e.cfg.MaxProfileAge < 0 {
		return true
	}
	return e.store.Now().Sub(p.LastValidated) <= e.cfg.MaxProfileAge
}

func (e *Engine) learnFromRule(ctx context.Context, key domain.MerchantKey, category domain.Category, rule string, amount domain.Amount) {
	_, err := e.store.Put(ctx, key, domain.MerchantProfile{
		Category:      category,
		Confidence:    RuleConfidence,
		Source:        domain.SourceRule,
		SampleAmounts: []domain.Amount{amount},
		HitCount:      1,
		Justification: "rule " + rule,
	})
	if err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("rule", rule).Msg("Failed to store rule match")
	}
}

// resolve runs once per single-flight group. Its result is shared by every
// transaction of the group.
func (e *Engine) resolve(ctx context.Context, key domain.MerchantKey, amount domain.Amount) knowledge.Resolution {
	log := logger.FromContext(ctx)

	// An earlier group may have resolved the key after this caller's memory check.
	if p, ok := e.store.Get(key); ok && e.servable(p) {
		p.Source = domain.SourceMemory
		return knowledge.Resolution{Profile: p}
	}

	now := e.store.Now()
	cand, researchedAt, cached := e.candidates.get(key, now)
	if cached {
		e.stats.cachedCandidates.Add(1)
		log.Debug().Time("researched_at", researchedAt).Msg("Reusing recent research answer")
	} else {
		e.stats.researchCalls.Add(1)
		cand = e.researcher.Research(ctx, key, amount)
		researchedAt = now
		e.candidates.put(key, cand, now)
	}
	prior, hasPrior := e.store.Get(key)

	if !cand.Resolved {
		e.stats.unresolved.Add(1)
		reason := "research unresolved"
		if cand.Err != nil {
			reason += ": " + cand.Err.Error()
		}
		return fallbackResolution(prior, hasPrior, reason)
	}

	confidence := math.Min(cand.LookupConfidence, e.cfg.ResearchConfidenceCap)

	var samples []domain.Amount
	if hasPrior && prior.Category == cand.Category {
		samples = prior.SampleAmounts
	}
	verdict, why := e.validator.Validate(cand.Category, amount, samples)
	log.Debug().
		Str("candidate", string(cand.Category)).
		Str("verdict", verdict.String()).
		Msg("Validated research candidate")

	switch verdict {
	case Reject:
		e.stats.rejected.Add(1)
		return knowledge.Resolution{
			Profile:     domain.MerchantProfile{MerchantKey: key, Category: domain.CategoryUncategorized, Source: domain.SourceResearch},
			NeedsReview: true,
			Reason:      why,
		}
	case Uncertain:
		e.stats.uncertain.Add(1)
		return knowledge.Resolution{
			Profile: domain.MerchantProfile{
				MerchantKey:   key,
				Category:      cand.Category,
				Confidence:    confidence,
				Source:        domain.SourceResearch,
				BusinessType:  cand.BusinessType,
				Justification: cand.Justification,
			},
			NeedsReview: true,
			Reason:      why,
		}
	}

	profile := domain.MerchantProfile{
		Category:      cand.Category,
		Confidence:    confidence,
		Source:        domain.SourceResearch,
		LastValidated: researchedAt,
		SampleAmounts: []domain.Amount{amount},
		HitCount:      1,
		BusinessType:  cand.BusinessType,
		Justification: cand.Justification,
	}

	var opts []knowledge.PutOption
	if hasPrior {
		if prior.Category == cand.Category {
			// A reused answer is not a new agreement.
			step := e.cfg.ReinforceStep
			if cached {
				step = 0
			}
			profile.Confidence = math.Min(math.Max(prior.Confidence, confidence)+step, e.cfg.ResearchConfidenceCap)
		} else if v, _ := e.validator.Validate(prior.Category, amount, prior.SampleAmounts); v == Reject {
			opts = append(opts, knowledge.OverridePrior())
		}
	}

	stored, err := e.store.Put(ctx, key, profile, opts...)
	if err != nil {
		log.Error().Err(err).Msg("Failed to store researched merchant")
		profile.MerchantKey = key
		return knowledge.Resolution{
			Profile:     profile,
			NeedsReview: true,
			Reason:      fmt.Sprintf("merchant knowledge not saved: %v", err),
		}
	}

	res := knowledge.Resolution{Profile: stored}
	switch {
	case stored.Category != cand.Category:
		res.NeedsReview = true
		res.Reason = fmt.Sprintf("research suggested %s but stored %s is stronger", cand.Category, stored.Category)
	case cand.LookupConfidence < e.cfg.ReviewConfidence:
		res.NeedsReview = true
		res.Reason = fmt.Sprintf("low research confidence %.2f", cand.LookupConfidence)
	}
	return res
}

// fallbackResolution keeps the stored category when there is one, otherwise
// answers Uncategorized. Both are flagged for review.
func fallbackResolution(prior domain.MerchantProfile, found bool, reason string) knowledge.Resolution {
	if found {
		prior.Source = domain.SourceMemory
		return knowledge.Resolution{Profile: prior, NeedsReview: true, Reason: reason}
	}
	return knowledge.Resolution{
		Profile:     domain.MerchantProfile{Category: domain.CategoryUncategorized, Source: domain.SourceResearch},
		NeedsReview: true,
		Reason:      reason,
	}
}

// CategorizeBatch categorizes txs on a bounded worker pool. The result slice
// is index-aligned with txs and always has the same length.
//
// Transactions of one merchant that need research share a single outcome for
// the whole batch, however the worker pool schedules them.
func (e *Engine) CategorizeBatch(ctx context.Context, txs []domain.Transaction) []domain.CategorizationResult {
	results := make([]domain.CategorizationResult, len(txs))
	memo := newBatchMemo()

	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for i := range txs {
		g.Go(func() error {
			results[i] = e.categorizeOne(ctx, txs[i], memo)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// CategorizeStream categorizes transactions as they arrive on in and emits
// exactly one result per transaction. The output channel is closed once in is
// closed and drained. Results are not ordered. Research outcomes are shared
// per merchant for the lifetime of the stream.
func (e *Engine) CategorizeStream(ctx context.Context, in <-chan domain.Transaction) <-chan domain.CategorizationResult {
	out := make(chan domain.CategorizationResult, e.cfg.Workers)
	memo := newBatchMemo()

	var g errgroup.Group
	for w := 0; w < e.cfg.Workers; w++ {
		g.Go(func() error {
			for tx := range in {
				out <- e.categorizeOne(ctx, tx, memo)
			}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(out)
	}()

	return out
}
