package bigquery

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/merchant-categorizer/internal/domain"
	"github.com/dvloznov/merchant-categorizer/internal/knowledge"
	"github.com/dvloznov/merchant-categorizer/internal/logger"
)

// ExportResults writes one row per transaction. txs and results must be
// index-aligned, as returned by Engine.CategorizeBatch.
func ExportResults(ctx context.Context, repo ResultRepository, batchID string, txs []domain.Transaction, results []domain.CategorizationResult) error {
	if len(txs) != len(results) {
		return fmt.Errorf("ExportResults: %d transactions but %d results", len(txs), len(results))
	}

	now := time.Now()
	rows := make([]*ResultRow, len(txs))
	for i := range txs {
		rows[i] = NewResultRow(txs[i], results[i], batchID, now)
	}

	if err := repo.InsertResults(ctx, rows); err != nil {
		return fmt.Errorf("ExportResults: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Info().Str("batch_id", batchID).Int("rows", len(rows)).Msg("Exported categorization results")
	return nil
}

// ExportProfiles merges every profile of store into the profiles table.
func ExportProfiles(ctx context.Context, repo ProfileRepository, store *knowledge.Store) (int, error) {
	now := time.Now()
	profiles := store.Snapshot()
	rows := make([]*ProfileRow, len(profiles))
	for i, p := range profiles {
		rows[i] = NewProfileRow(p, now)
	}

	if err := repo.UpsertMerchantProfiles(ctx, rows); err != nil {
		return 0, fmt.Errorf("ExportProfiles: %w", err)
	}
	return len(rows), nil
}

// SeedStore loads exported profiles into store. Profiles are merged with the
// usual overwrite rule, so stronger local knowledge is kept.
func SeedStore(ctx context.Context, repo ProfileRepository, store *knowledge.Store) (int, error) {
	rows, err := repo.ListMerchantProfiles(ctx)
	if err != nil {
		return 0, fmt.Errorf("SeedStore: %w", err)
	}

	log := logger.FromContext(ctx)
	seeded := 0
	for _, row := range rows {
		p := row.Profile()
		if err := p.Validate(); err != nil {
			log.Warn().Err(err).Str("merchant_key", row.MerchantKey).Msg("Skipping invalid exported profile")
			continue
		}
		// Counts and samples were already accumulated where the export came from.
		p.HitCount = 0
		p.SampleAmounts = nil
		if _, err := store.Put(ctx, p.MerchantKey, p); err != nil {
			return seeded, fmt.Errorf("SeedStore: %s: %w", p.MerchantKey, err)
		}
		seeded++
	}
	return seeded, nil
}
