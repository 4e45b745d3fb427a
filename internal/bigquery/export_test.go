package bigquery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dvloznov/merchant-categorizer/internal/domain"
	"github.com/dvloznov/merchant-categorizer/internal/knowledge"
)

type mockRepository struct {
	results  []*ResultRow
	profiles []*ProfileRow
	err      error
}

func (m *mockRepository) InsertResults(ctx context.Context, rows []*ResultRow) error {
	if m.err != nil {
		return m.err
	}
	m.results = append(m.results, rows...)
	return nil
}

func (m *mockRepository) UpsertMerchantProfiles(ctx context.Context, rows []*ProfileRow) error {
	if m.err != nil {
		return m.err
	}
	m.profiles = rows
	return nil
}

func (m *mockRepository) ListMerchantProfiles(ctx context.Context) ([]*ProfileRow, error) {
	return m.profiles, m.err
}

func TestExportResults(t *testing.T) {
	repo := &mockRepository{}
	txs := []domain.Transaction{
		{ID: "a", Date: time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), Amount: -100},
		{ID: "b", Date: time.Date(2025, 7, 2, 0, 0, 0, 0, time.UTC), Amount: 200},
	}
	results := []domain.CategorizationResult{
		{TransactionID: "a", Category: domain.CategoryFees, Source: domain.SourceRule, Confidence: 1},
		{TransactionID: "b", Category: domain.CategoryUncategorized, Source: domain.SourceResearch, NeedsReview: true, Reason: "lookup timeout"},
	}

	if err := ExportResults(context.Background(), repo, "batch", txs, results); err != nil {
		t.Fatalf("ExportResults failed: %v", err)
	}
	if len(repo.results) != 2 {
		t.Fatalf("inserted %d rows, want 2", len(repo.results))
	}
	if !repo.results[1].NeedsReview || repo.results[1].Reason.StringVal != "lookup timeout" {
		t.Errorf("row = %+v", repo.results[1])
	}

	if err := ExportResults(context.Background(), repo, "batch", txs, results[:1]); err == nil {
		t.Error("Expected error for misaligned input")
	}
}

func TestExportAndSeedProfiles(t *testing.T) {
	ctx := context.Background()
	source, err := knowledge.Open(ctx, knowledge.NewMemoryBackend())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := source.Restore(ctx, []domain.MerchantProfile{
		{MerchantKey: "amzn mktp", Category: domain.CategoryShopping, Confidence: 0.9, Source: domain.SourceResearch,
			LastValidated: time.Now().UTC(), SampleAmounts: []domain.Amount{-2599}, HitCount: 3},
		{MerchantKey: "cepsa", Category: domain.CategoryFuel, Confidence: 1, Source: domain.SourceRule,
			LastValidated: time.Now().UTC()},
	}); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	repo := &mockRepository{}
	n, err := ExportProfiles(ctx, repo, source)
	if err != nil || n != 2 {
		t.Fatalf("ExportProfiles = (%d, %v), want (2, nil)", n, err)
	}

	// An invalid exported row is skipped.
	repo.profiles = append(repo.profiles, &ProfileRow{MerchantKey: "bad", Category: "Misc", Source: "research"})

	target, err := knowledge.Open(ctx, knowledge.NewMemoryBackend())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	seeded, err := SeedStore(ctx, repo, target)
	if err != nil || seeded != 2 {
		t.Fatalf("SeedStore = (%d, %v), want (2, nil)", seeded, err)
	}

	p, ok := target.Get("amzn mktp")
	if !ok || p.Category != domain.CategoryShopping || p.Confidence != 0.9 {
		t.Errorf("seeded profile = %+v, found %v", p, ok)
	}
	if p.HitCount != 0 || p.SampleAmounts != nil {
		t.Errorf("seeded profile carried counters: %+v", p)
	}
}

func TestSeedStore_RepositoryError(t *testing.T) {
	target, err := knowledge.Open(context.Background(), knowledge.NewMemoryBackend())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	repo := &mockRepository{err: errors.New("permission denied")}
	if _, err := SeedStore(context.Background(), repo, target); err == nil {
		t.Error("Expected error")
	}
}
