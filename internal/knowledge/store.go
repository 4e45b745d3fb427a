// Package knowledge owns learned merchant knowledge: an in-memory index of
// merchant profiles backed by a durable Backend, with per-key linearizable
// writes and single-flight coordination of expensive resolutions.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dvloznov/merchant-categorizer/internal/domain"
	"github.com/dvloznov/merchant-categorizer/internal/logger"
)

const (
	// DefaultMaxSamples bounds the rolling list of sample amounts per merchant.
	DefaultMaxSamples = 20

	// DefaultFlightDeadline bounds every single-flight resolution.
	DefaultFlightDeadline = 45 * time.Second
)

// Resolution is the outcome shared by every caller of one single-flight group.
type Resolution struct {
	Profile     domain.MerchantProfile
	NeedsReview bool
	Reason      string
}

// ResolverFunc performs the expensive resolution of an unknown merchant. The
// context it receives carries the group deadline and is not cancelled when the
// first caller goes away.
type ResolverFunc func(ctx context.Context) (Resolution, error)

// Option configures a Store.
type Option func(*Store)

// WithMaxSamples sets the size of the rolling sample window.
func WithMaxSamples(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxSamples = n
		}
	}
}

// WithFlightDeadline sets the deadline of every single-flight resolution.
func WithFlightDeadline(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.flightDeadline = d
		}
	}
}

// WithClock overrides the time source used for LastValidated defaults.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store is the knowledge store. It is safe for concurrent use.
type Store struct {
	backend        Backend
	maxSamples     int
	flightDeadline time.Duration
	now            func() time.Time

	mu       sync.RWMutex
	profiles map[domain.MerchantKey]domain.MerchantProfile
	closed   bool

	locks keyLocks
	group singleflight.Group
}

// Open loads every persisted profile from backend and returns a ready store.
// A backend that cannot be decoded, or holds profiles violating invariants,
// yields ErrStoreCorrupted: learned knowledge is never silently dropped.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Store, error) {
	s := &Store{
		backend:        backend,
		maxSamples:     DefaultMaxSamples,
		flightDeadline: DefaultFlightDeadline,
		now:            time.Now,
		profiles:       make(map[domain.MerchantKey]domain.MerchantProfile),
	}
	for _, opt := range opts {
		opt(s)
	}

	loaded, err := backend.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrStoreCorrupted) {
			return nil, fmt.Errorf("knowledge.Open: %w", err)
		}
		return nil, fmt.Errorf("knowledge.Open: loading profiles: %w", err)
	}

	for _, p := range loaded {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("knowledge.Open: %w: %v", ErrStoreCorrupted, err)
		}
		if _, dup := s.profiles[p.MerchantKey]; dup {
			return nil, fmt.Errorf("knowledge.Open: %w: duplicate merchant key %q", ErrStoreCorrupted, p.MerchantKey)
		}
		s.profiles[p.MerchantKey] = p.Clone()
	}

	log := logger.FromContext(ctx)
	log.Info().Int("profiles", len(s.profiles)).Msg("Knowledge store loaded")

	return s, nil
}

// Get returns a copy of the profile stored for key.
func (s *Store) Get(key domain.MerchantKey) (domain.MerchantProfile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[key]
	if !ok {
		return domain.MerchantProfile{}, false
	}
	return p.Clone(), true
}

// Now returns the store's current time. Profile ages are measured against it.
func (s *Store) Now() time.Time {
	return s.now()
}

// Len returns the number of known merchants.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.profiles)
}

// Snapshot returns copies of all profiles sorted by merchant key.
func (s *Store) Snapshot() []domain.MerchantProfile {
	s.mu.RLock()
	out := make([]domain.MerchantProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].MerchantKey < out[j].MerchantKey })
	return out
}

// PutOption modifies a single Put.
type PutOption func(*putOptions)

type putOptions struct {
	overridePrior bool
}

// OverridePrior lets a research profile replace a stored profile of higher
// confidence. Callers pass it only when the validator explicitly rejected the
// stored category for the current transaction.
func OverridePrior() PutOption {
	return func(o *putOptions) { o.overridePrior = true }
}

// Put upserts the profile for key and returns what is stored afterwards.
//
// Writes to the same key are linearizable. A stored profile is only replaced
// when the incoming confidence is at least as high, or when the incoming
// source is research and OverridePrior is given. Otherwise the stored profile
// is kept and only its sample history is extended.
func (s *Store) Put(ctx context.Context, key domain.MerchantKey, incoming domain.MerchantProfile, opts ...PutOption) (domain.MerchantProfile, error) {
	var o putOptions
	for _, opt := range opts {
		opt(&o)
	}

	unlock := s.locks.lock(key)
	defer unlock()

	existing, found, err := s.current(key)
	if err != nil {
		return domain.MerchantProfile{}, err
	}

	incoming.MerchantKey = key
	if incoming.LastValidated.IsZero() {
		incoming.LastValidated = s.now()
	}
	incoming.LastValidated = incoming.LastValidated.UTC()

	merged, err := mergeProfiles(existing, found, incoming, o.overridePrior, s.maxSamples)
	if errors.Is(err, ErrStoreWriteConflict) {
		log := logger.FromContext(ctx)
		log.Debug().
			Str("merchant_key", key.String()).
			Str("stored_category", string(existing.Category)).
			Float64("stored_confidence", existing.Confidence).
			Str("incoming_category", string(incoming.Category)).
			Float64("incoming_confidence", incoming.Confidence).
			Msg("Kept stronger stored profile")
	} else if err != nil {
		return domain.MerchantProfile{}, fmt.Errorf("knowledge.Put: %w", err)
	}

	if err := merged.Validate(); err != nil {
		return domain.MerchantProfile{}, fmt.Errorf("knowledge.Put: %w", err)
	}
	if err := s.commit(ctx, merged); err != nil {
		return domain.MerchantProfile{}, fmt.Errorf("knowledge.Put: %w", err)
	}
	return merged.Clone(), nil
}

// RecordObservation appends amount to the sample history of an existing
// profile and counts the hit. Category and confidence are untouched. It
// reports false when the key is unknown.
func (s *Store) RecordObservation(ctx context.Context, key domain.MerchantKey, amount domain.Amount) (bool, error) {
	unlock := s.locks.lock(key)
	defer unlock()

	p, found, err := s.current(key)
	if err != nil || !found {
		return false, err
	}

	p.SampleAmounts = appendSamples(p.SampleAmounts, []domain.Amount{amount}, s.maxSamples)
	p.HitCount++
	if err := s.commit(ctx, p); err != nil {
		return false, fmt.Errorf("knowledge.RecordObservation: %w", err)
	}
	return true, nil
}

// Restore writes profiles verbatim, replacing whatever is stored for their
// keys. It is used to replay snapshots into a repaired or empty store.
func (s *Store) Restore(ctx context.Context, profiles []domain.MerchantProfile) error {
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("knowledge.Restore: %w: %v", ErrStoreCorrupted, err)
		}
		p.LastValidated = p.LastValidated.UTC()
		unlock := s.locks.lock(p.MerchantKey)
		err := s.commit(ctx, p.Clone())
		unlock()
		if err != nil {
			return fmt.Errorf("knowledge.Restore: %w", err)
		}
	}
	return nil
}

// WithSingleFlight runs resolve for key unless a resolution for the same key
// is already in flight, in which case the caller waits for and shares that
// result. Resolutions run under their own deadline, detached from the first
// caller's cancellation, so a group always completes and never leaves the key
// blocked. A caller whose own context ends stops waiting and gets its error.
func (s *Store) WithSingleFlight(ctx context.Context, key domain.MerchantKey, resolve ResolverFunc) (Resolution, bool, error) {
	ch := s.group.DoChan(string(key), func() (interface{}, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.flightDeadline)
		defer cancel()
		return runResolver(flightCtx, resolve)
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return Resolution{}, r.Shared, r.Err
		}
		return r.Val.(Resolution), r.Shared, nil
	case <-ctx.Done():
		return Resolution{}, false, ctx.Err()
	}
}

// Close closes the backend. The store must not be used afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.backend.Close()
}

func (s *Store) current(key domain.MerchantKey) (domain.MerchantProfile, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return domain.MerchantProfile{}, false, ErrStoreClosed
	}
	p, ok := s.profiles[key]
	if !ok {
		return domain.MerchantProfile{}, false, nil
	}
	return p.Clone(), true, nil
}

// commit persists p and then publishes it. The caller holds the key lock, so
// durable and in-memory order agree per key.
func (s *Store) commit(ctx context.Context, p domain.MerchantProfile) error {
	if err := s.backend.Save(ctx, p); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.profiles[p.MerchantKey] = p
	return nil
}

func runResolver(ctx context.Context, resolve ResolverFunc) (res interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("resolver panic: %v", r)
		}
	}()
	return resolve(ctx)
}

// mergeProfiles applies the overwrite rule. It returns ErrStoreWriteConflict
// together with the kept profile when incoming loses.
func mergeProfiles(existing domain.MerchantProfile, found bool, incoming domain.MerchantProfile, override bool, maxSamples int) (domain.MerchantProfile, error) {
	if !found {
		out := incoming.Clone()
		out.SampleAmounts = appendSamples(nil, incoming.SampleAmounts, maxSamples)
		return out, nil
	}

	replace := incoming.Confidence >= existing.Confidence ||
		(override && incoming.Source == domain.SourceResearch)

	if !replace {
		out := existing.Clone()
		if incoming.Category == existing.Category {
			out.SampleAmounts = appendSamples(out.SampleAmounts, incoming.SampleAmounts, maxSamples)
		}
		out.HitCount += incoming.HitCount
		return out, ErrStoreWriteConflict
	}

	out := incoming.Clone()
	out.HitCount = existing.HitCount + incoming.HitCount
	if incoming.Category == existing.Category {
		out.SampleAmounts = appendSamples(existing.SampleAmounts, incoming.SampleAmounts, maxSamples)
		if out.BusinessType == "" {
			out.BusinessType = existing.BusinessType
		}
	} else {
		// Samples of the old category say nothing about the new one.
		out.SampleAmounts = appendSamples(nil, incoming.SampleAmounts, maxSamples)
	}
	return out, nil
}

func appendSamples(dst, add []domain.Amount, max int) []domain.Amount {
	out := make([]domain.Amount, 0, len(dst)+len(add))
	out = append(out, dst...)
	out = append(out, add...)
	if len(out) > max {
		out = out[len(out)-max:]
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// keyLocks hands out one mutex per merchant key and forgets it once unused.
type keyLocks struct {
	mu    sync.Mutex
	locks map[domain.MerchantKey]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyLocks) lock(key domain.MerchantKey) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[domain.MerchantKey]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
