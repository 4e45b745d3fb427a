package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dvloznov/merchant-categorizer/internal/categorizer"
	"github.com/dvloznov/merchant-categorizer/internal/domain"
	"github.com/dvloznov/merchant-categorizer/internal/knowledge"
)

func writeSnapshotFile(store *knowledge.Store, path string) (int, error) {
	profiles := store.Snapshot()
	data, err := knowledge.EncodeSnapshot(profiles)
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return 0, fmt.Errorf("write snapshot: %w", err)
	}
	return len(profiles), nil
}

func readSnapshotFile(path string) ([]domain.MerchantProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return knowledge.DecodeSnapshot(data)
}

// restoreInto wipes backend and replays profiles through a fresh store so
// every profile is validated on the way in. It takes ownership of backend.
func restoreInto(ctx context.Context, backend knowledge.Backend, profiles []domain.MerchantProfile, maxSamples int) (int, error) {
	if err := backend.Reset(ctx); err != nil {
		backend.Close()
		return 0, fmt.Errorf("restore: reset: %w", err)
	}
	store, err := knowledge.Open(ctx, backend, knowledge.WithMaxSamples(maxSamples))
	if err != nil {
		backend.Close()
		return 0, err
	}
	defer store.Close()

	if err := store.Restore(ctx, profiles); err != nil {
		return 0, err
	}
	return store.Len(), nil
}

type storeSummary struct {
	Profiles     int
	NeedsRefresh int
	ByCategory   map[domain.Category]int
}

// inspect loads the backend without opening a store and reports what it
// holds. Corruption surfaces as knowledge.ErrStoreCorrupted.
func inspect(ctx context.Context, backend knowledge.Backend) (storeSummary, error) {
	profiles, err := backend.Load(ctx)
	if err != nil {
		return storeSummary{}, err
	}

	threshold := categorizer.DefaultEngineConfig().ReinforceThreshold
	summary := storeSummary{Profiles: len(profiles), ByCategory: map[domain.Category]int{}}
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return storeSummary{}, fmt.Errorf("inspect: %w: %v", knowledge.ErrStoreCorrupted, err)
		}
		summary.ByCategory[p.Category]++
		if p.Confidence < threshold {
			summary.NeedsRefresh++
		}
	}
	return summary, nil
}
