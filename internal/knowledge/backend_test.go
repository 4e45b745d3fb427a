package knowledge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dvloznov/merchant-categorizer/internal/domain"
)

func sampleProfiles(n int) []domain.MerchantProfile {
	categories := []domain.Category{domain.CategoryGroceries, domain.CategoryFuel, domain.CategoryShopping, domain.CategoryTaxes}
	out := make([]domain.MerchantProfile, 0, n)
	for i := 0; i < n; i++ {
		p := domain.MerchantProfile{
			MerchantKey:   domain.MerchantKey(fmt.Sprintf("merchant %03d", i)),
			Category:      categories[i%len(categories)],
			Confidence:    0.5 + float64(i%5)/10,
			Source:        domain.SourceResearch,
			LastValidated: time.Date(2025, 3, 1, 10, 0, i, 123456789, time.UTC),
			HitCount:      int64(i + 1),
			BusinessType:  "retail",
			Justification: "search results describe a retailer",
		}
		if i%2 == 0 {
			p.SampleAmounts = []domain.Amount{domain.Amount(-100 * (i + 1)), -4599}
		}
		out = append(out, p)
	}
	return out
}

func reopenRoundTrip(t *testing.T, open func() Backend) {
	t.Helper()
	ctx := context.Background()
	want := sampleProfiles(25)

	first := open()
	s, err := Open(ctx, first)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Restore(ctx, want); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(ctx, open())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if diff := cmp.Diff(want, reopened.Snapshot()); diff != "" {
		t.Errorf("profiles after reopen mismatch (-want +got):\n%s", diff)
	}
}

func TestFileBackend_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge", "profiles.json")
	reopenRoundTrip(t, func() Backend {
		b, err := NewFileBackend(path)
		if err != nil {
			t.Fatalf("NewFileBackend failed: %v", err)
		}
		return b
	})
}

func TestSQLiteBackend_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge.db")
	reopenRoundTrip(t, func() Backend {
		b, err := NewSQLiteBackend(path)
		if err != nil {
			t.Fatalf("NewSQLiteBackend failed: %v", err)
		}
		return b
	})
}

// writeThroughEngineRoundTrip fills the store the way categorization does,
// through Put with the store clock setting LastValidated and through
// RecordObservation, and checks the reopened store serves the same profiles.
func writeThroughEngineRoundTrip(t *testing.T, open func() Backend) {
	t.Helper()
	ctx := context.Background()

	s, err := Open(ctx, open(), WithMaxSamples(3))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for i, key := range []domain.MerchantKey{"mercadona", "repsol", "la tagliata"} {
		_, err := s.Put(ctx, key, domain.MerchantProfile{
			Category:      domain.CategoryGroceries,
			Confidence:    0.75,
			Source:        domain.SourceResearch,
			SampleAmounts: []domain.Amount{domain.Amount(-1000 * (i + 1))},
			HitCount:      1,
			BusinessType:  "supermarket",
			Justification: "ñandú café",
		})
		if err != nil {
			t.Fatalf("Put %q failed: %v", key, err)
		}
	}
	// A weaker write keeps the stored profile and extends its history.
	if _, err := s.Put(ctx, "repsol", domain.MerchantProfile{
		Category:      domain.CategoryGroceries,
		Confidence:    0.60,
		Source:        domain.SourceResearch,
		SampleAmounts: []domain.Amount{-4599},
	}); err != nil {
		t.Fatalf("weaker Put failed: %v", err)
	}
	for _, amount := range []domain.Amount{-2345, -1299, -850, -120} {
		if _, err := s.RecordObservation(ctx, "mercadona", amount); err != nil {
			t.Fatalf("RecordObservation failed: %v", err)
		}
	}
	want := s.Snapshot()
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if got := want[0]; got.MerchantKey != "la tagliata" || got.LastValidated.IsZero() {
		t.Fatalf("unexpected first profile %+v", got)
	}

	reopened, err := Open(ctx, open(), WithMaxSamples(3))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if diff := cmp.Diff(want, reopened.Snapshot()); diff != "" {
		t.Errorf("profiles after reopen mismatch (-want +got):\n%s", diff)
	}
	got, _ := reopened.Get("mercadona")
	if diff := cmp.Diff([]domain.Amount{-1299, -850, -120}, got.SampleAmounts); diff != "" {
		t.Errorf("sample history mismatch (-want +got):\n%s", diff)
	}
	if got.HitCount != 5 {
		t.Errorf("HitCount = %d, want 5", got.HitCount)
	}
}

func TestFileBackend_WriteThroughRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.json")
	writeThroughEngineRoundTrip(t, func() Backend {
		b, err := NewFileBackend(path)
		if err != nil {
			t.Fatalf("NewFileBackend failed: %v", err)
		}
		return b
	})
}

func TestSQLiteBackend_WriteThroughRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge.db")
	writeThroughEngineRoundTrip(t, func() Backend {
		b, err := NewSQLiteBackend(path)
		if err != nil {
			t.Fatalf("NewSQLiteBackend failed: %v", err)
		}
		return b
	})
}

func TestSQLiteBackend_UpsertKeepsOneRow(t *testing.T) {
	ctx := context.Background()
	b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "knowledge.db"))
	if err != nil {
		t.Fatalf("NewSQLiteBackend failed: %v", err)
	}
	defer b.Close()

	p := sampleProfiles(1)[0]
	if err := b.Save(ctx, p); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	p.Category = domain.CategoryHealthcare
	p.Confidence = 0.99
	if err := b.Save(ctx, p); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}

	got, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if diff := cmp.Diff([]domain.MerchantProfile{p}, got); diff != "" {
		t.Errorf("Load mismatch (-want +got):\n%s", diff)
	}

	if err := b.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	got, err = b.Load(ctx)
	if err != nil {
		t.Fatalf("Load after Reset failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Load after Reset returned %d profiles", len(got))
	}
}

func TestFileBackend_MissingFileIsEmpty(t *testing.T) {
	b, err := NewFileBackend(filepath.Join(t.TempDir(), "none.json"))
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}
	s, err := Open(context.Background(), b)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
}

func TestFileBackend_CorruptedFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "truncated json", content: `{"version": 1, "profiles": [`},
		{name: "unknown version", content: `{"version": 7, "profiles": []}`},
		{name: "invalid category", content: `{"version": 1, "profiles": [{"merchant_key": "x", "category": "Misc", "confidence": 0.5, "source": "research"}]}`},
		{name: "duplicate key", content: `{"version": 1, "profiles": [
			{"merchant_key": "x", "category": "Fuel", "confidence": 0.5, "source": "research"},
			{"merchant_key": "x", "category": "Fuel", "confidence": 0.6, "source": "research"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "profiles.json")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("WriteFile failed: %v", err)
			}
			b, err := NewFileBackend(path)
			if err != nil {
				t.Fatalf("NewFileBackend failed: %v", err)
			}

			_, err = Open(context.Background(), b)
			if !errors.Is(err, ErrStoreCorrupted) {
				t.Errorf("Open error = %v, want ErrStoreCorrupted", err)
			}
		})
	}
}

func TestSQLiteBackend_CorruptedRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge.db")
	b, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("NewSQLiteBackend failed: %v", err)
	}
	b.Close()

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	_, err = db.Exec(`INSERT INTO merchant_profiles
		(merchant_key, category, confidence, source, last_validated, sample_amounts, hit_count, business_type, justification, updated_at)
		VALUES ('repsol', 'Fuel', 0.8, 'research', 'not-a-time', '[]', 1, '', '', '')`)
	db.Close()
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	b, err = NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("NewSQLiteBackend failed: %v", err)
	}
	if _, err := Open(context.Background(), b); !errors.Is(err, ErrStoreCorrupted) {
		t.Errorf("Open error = %v, want ErrStoreCorrupted", err)
	}
}

func TestEncodeSnapshot_SortedAndDecodable(t *testing.T) {
	profiles := sampleProfiles(5)
	reversed := make([]domain.MerchantProfile, len(profiles))
	for i, p := range profiles {
		reversed[len(profiles)-1-i] = p
	}

	data, err := EncodeSnapshot(reversed)
	if err != nil {
		t.Fatalf("EncodeSnapshot failed: %v", err)
	}
	got, err := DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("DecodeSnapshot failed: %v", err)
	}
	if diff := cmp.Diff(profiles, got); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}
