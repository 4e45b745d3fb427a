package categorizer

import (
	"context"
	"sync"
	"time"

	"github.com/dvloznov/merchant-categorizer/internal/domain"
	"github.com/dvloznov/merchant-categorizer/internal/knowledge"
)

// batchMemo shares one research resolution per merchant key across a whole
// batch or stream, so transactions that arrive after the first group
// finished still get the same answer without researching again.
type batchMemo struct {
	mu      sync.Mutex
	entries map[domain.MerchantKey]*memoEntry
}

type memoEntry struct {
	done chan struct{}
	res  knowledge.Resolution
	err  error
}

func newBatchMemo() *batchMemo {
	return &batchMemo{entries: make(map[domain.MerchantKey]*memoEntry)}
}

// lookup returns the entry for key when one was started.
func (m *batchMemo) lookup(key domain.MerchantKey) (*memoEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return e, ok
}

// do runs resolve once per key and waits for it. resolve is detached from
// the caller's cancellation and must bound itself.
func (m *batchMemo) do(ctx context.Context, key domain.MerchantKey, resolve func(context.Context) (knowledge.Resolution, error)) (knowledge.Resolution, bool, error) {
	m.mu.Lock()
	if e, ok := m.entries[key]; ok {
		m.mu.Unlock()
		res, err := e.wait(ctx)
		return res, true, err
	}
	e := &memoEntry{done: make(chan struct{})}
	m.entries[key] = e
	m.mu.Unlock()

	go func() {
		defer close(e.done)
		e.res, e.err = resolve(context.WithoutCancel(ctx))
	}()

	res, err := e.wait(ctx)
	return res, false, err
}

func (e *memoEntry) wait(ctx context.Context) (knowledge.Resolution, error) {
	select {
	case <-e.done:
		return e.res, e.err
	case <-ctx.Done():
		return knowledge.Resolution{}, ctx.Err()
	}
}

// candidateCache remembers research answers per merchant for a while.
// Answers that are never persisted (uncertain or rejected for the amount at
// hand) are validated again against later amounts instead of being
// researched again.
type candidateCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[domain.MerchantKey]cachedCandidate
}

type cachedCandidate struct {
	cand    Candidate
	at      time.Time
	expires time.Time
}

func newCandidateCache(ttl time.Duration, max int) *candidateCache {
	return &candidateCache{ttl: ttl, max: max, entries: make(map[domain.MerchantKey]cachedCandidate)}
}

// get returns the remembered answer for key and when it was researched.
func (c *candidateCache) get(key domain.MerchantKey, now time.Time) (Candidate, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Candidate{}, time.Time{}, false
	}
	if !now.Before(e.expires) {
		delete(c.entries, key)
		return Candidate{}, time.Time{}, false
	}
	return e.cand, e.at, true
}

// put stores a resolved candidate. When full, expired entries go first and
// then the entry closest to expiry.
func (c *candidateCache) put(key domain.MerchantKey, cand Candidate, now time.Time) {
	if c.ttl <= 0 || !cand.Resolved {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.max {
		var (
			oldestKey domain.MerchantKey
			oldest    time.Time
		)
		for k, e := range c.entries {
			if !now.Before(e.expires) {
				delete(c.entries, k)
				continue
			}
			if oldest.IsZero() || e.expires.Before(oldest) {
				oldestKey, oldest = k, e.expires
			}
		}
		if len(c.entries) >= c.max {
			delete(c.entries, oldestKey)
		}
	}
	c.entries[key] = cachedCandidate{cand: cand, at: now, expires: now.Add(c.ttl)}
}
