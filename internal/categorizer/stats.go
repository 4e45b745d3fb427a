package categorizer

import (
	"sync/atomic"

	"github.com/dvloznov/merchant-categorizer/internal/domain"
)

// Stats is a point-in-time copy of the engine counters.
type Stats struct {
	Total         int64 `json:"total"`
	Rule          int64 `json:"rule"`
	Memory        int64 `json:"memory"`
	Research      int64 `json:"research"`
	NeedsReview   int64 `json:"needs_review"`
	ResearchCalls int64 `json:"research_calls"`
	Unresolved    int64 `json:"unresolved"`
	Rejected      int64 `json:"rejected"`
	Uncertain     int64 `json:"uncertain"`
	Fallbacks     int64 `json:"fallbacks"`
	// CachedCandidates counts research answers reused without calling the
	// external services.
	CachedCandidates int64 `json:"cached_candidates"`
}

type counters struct {
	total, rule, memory, research, needsReview atomic.Int64
	researchCalls, unresolved, rejected        atomic.Int64
	uncertain, fallbacks, cachedCandidates     atomic.Int64
}

func (c *counters) observe(r domain.CategorizationResult) {
	c.total.Add(1)
	switch r.Source {
	case domain.SourceRule:
		c.rule.Add(1)
	case domain.SourceMemory:
		c.memory.Add(1)
	case domain.SourceResearch:
		c.research.Add(1)
	}
	if r.NeedsReview {
		c.needsReview.Add(1)
	}
}

func (c *counters) snapshot() Stats {
	return Stats{
		Total:         c.total.Load(),
		Rule:          c.rule.Load(),
		Memory:        c.memory.Load(),
		Research:      c.research.Load(),
		NeedsReview:   c.needsReview.Load(),
		ResearchCalls: c.researchCalls.Load(),
		Unresolved:    c.unresolved.Load(),
		Rejected:      c.rejected.Load(),
		Uncertain:     c.uncertain.Load(),
		Fallbacks:     c.fallbacks.Load(),

		CachedCandidates: c.cachedCandidates.Load(),
	}
}
