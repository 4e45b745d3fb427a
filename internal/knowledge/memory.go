package knowledge

import (
	"context"
	"sort"
	"sync"

	"github.com/dvloznov/merchant-categorizer/internal/domain"
)

// MemoryBackend keeps profiles in process memory. Data is lost on restart; it
// exists for tests and for dry runs.
type MemoryBackend struct {
	mu       sync.Mutex
	profiles map[domain.MerchantKey]domain.MerchantProfile
	saves    int
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{profiles: make(map[domain.MerchantKey]domain.MerchantProfile)}
}

// Load implements Backend.
func (b *MemoryBackend) Load(ctx context.Context) ([]domain.MerchantProfile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]domain.MerchantProfile, 0, len(b.profiles))
	for _, p := range b.profiles {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MerchantKey < out[j].MerchantKey })
	return out, nil
}

// Save implements Backend.
func (b *MemoryBackend) Save(ctx context.Context, profile domain.MerchantProfile) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.profiles[profile.MerchantKey] = profile.Clone()
	b.saves++
	return nil
}

// Reset implements Backend.
func (b *MemoryBackend) Reset(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.profiles = make(map[domain.MerchantKey]domain.MerchantProfile)
	return nil
}

// Close implements Backend.
func (b *MemoryBackend) Close() error {
	return nil
}

// Saves returns how many Save calls reached the backend.
func (b *MemoryBackend) Saves() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saves
}

var _ Backend = (*MemoryBackend)(nil)
