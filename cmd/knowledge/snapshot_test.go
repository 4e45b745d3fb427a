package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dvloznov/merchant-categorizer/internal/domain"
	"github.com/dvloznov/merchant-categorizer/internal/knowledge"
)

func profile(key string, cat domain.Category, conf float64) domain.MerchantProfile {
	return domain.MerchantProfile{
		MerchantKey:   domain.MerchantKey(key),
		Category:      cat,
		Confidence:    conf,
		Source:        domain.SourceResearch,
		LastValidated: time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		HitCount:      1,
	}
}

func TestSnapshotFileRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	src, err := knowledge.Open(ctx, knowledge.NewMemoryBackend())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := src.Restore(ctx, []domain.MerchantProfile{
		profile("repsol", domain.CategoryFuel, 0.9),
		profile("la tagliata", domain.CategoryFoodDining, 0.5),
	}); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	path := filepath.Join(dir, "snap.json")
	if n, err := writeSnapshotFile(src, path); err != nil || n != 2 {
		t.Fatalf("writeSnapshotFile = %d, %v", n, err)
	}

	profiles, err := readSnapshotFile(path)
	if err != nil {
		t.Fatalf("readSnapshotFile: %v", err)
	}

	backend := knowledge.NewMemoryBackend()
	_ = backend.Save(ctx, profile("stale", domain.CategoryShopping, 0.8))

	n, err := restoreInto(ctx, backend, profiles, 20)
	if err != nil {
		t.Fatalf("restoreInto: %v", err)
	}
	if n != 2 {
		t.Fatalf("restored %d profiles, want 2", n)
	}

	summary, err := inspect(ctx, backend)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if summary.Profiles != 2 || summary.NeedsRefresh != 1 || summary.ByCategory[domain.CategoryFuel] != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestRestoreRejectsInvalidSnapshot(t *testing.T) {
	ctx := context.Background()
	bad := profile("x", domain.Category("Spaceships"), 0.9)

	_, err := restoreInto(ctx, knowledge.NewMemoryBackend(), []domain.MerchantProfile{bad}, 20)
	if !errors.Is(err, knowledge.ErrStoreCorrupted) {
		t.Fatalf("expected ErrStoreCorrupted, got %v", err)
	}
}

func TestInspectReportsCorruption(t *testing.T) {
	ctx := context.Background()
	backend := knowledge.NewMemoryBackend()
	_ = backend.Save(ctx, profile("x", domain.CategoryFuel, 2))

	if _, err := inspect(ctx, backend); !errors.Is(err, knowledge.ErrStoreCorrupted) {
		t.Fatalf("expected ErrStoreCorrupted, got %v", err)
	}
}

func TestRequireConfirm(t *testing.T) {
	if err := requireConfirm(false, "reset"); err == nil {
		t.Fatal("expected error without -yes")
	}
	if err := requireConfirm(true, "reset"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
