package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dvloznov/merchant-categorizer/internal/bigquery"
	"github.com/dvloznov/merchant-categorizer/internal/config"
	"github.com/dvloznov/merchant-categorizer/internal/domain"
	"github.com/dvloznov/merchant-categorizer/internal/knowledge"
)

func testConfig(driver, dsn string) config.Config {
	cfg := config.Default()
	cfg.Store.Driver = driver
	cfg.Store.DSN = dsn
	cfg.HTML.Enabled = false
	return cfg
}

func TestBuildOffline(t *testing.T) {
	ctx := context.Background()
	a, err := Build(ctx, testConfig(config.DriverMemory, ""), Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer a.Close()

	if a.Results != nil || a.Snapshots != nil || a.Review != nil {
		t.Fatal("integrations must stay disabled without configuration")
	}

	results := a.Engine.CategorizeBatch(ctx, []domain.Transaction{
		{ID: "1", Description: "COMPRA EN MERCADONA VALENCIA", Amount: -4523},
		{ID: "2", Description: "ZZTOP UNKNOWN SHOP", Amount: -1200},
	})
	if results[0].Source != domain.SourceRule || results[0].Category != domain.CategoryGroceries {
		t.Fatalf("unexpected rule result %+v", results[0])
	}
	if !results[1].NeedsReview || results[1].Category != domain.CategoryUncategorized {
		t.Fatalf("offline research must route to review, got %+v", results[1])
	}
}

func TestBuildCorruptedStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge.json")
	if err := os.WriteFile(path, []byte(`{"version":1,"profiles":[{"merchant_key":"x"`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := Build(context.Background(), testConfig(config.DriverFile, path), Options{})
	if !errors.Is(err, knowledge.ErrStoreCorrupted) {
		t.Fatalf("expected ErrStoreCorrupted, got %v", err)
	}

	a, err := Build(context.Background(), testConfig(config.DriverFile, path), Options{SkipStore: true})
	if err != nil {
		t.Fatalf("Build with SkipStore: %v", err)
	}
	if a.Store != nil || a.Engine != nil {
		t.Fatal("SkipStore must not open the store")
	}
}

func TestBuildCustomRules(t *testing.T) {
	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "rules.yaml")
	rules := "rules:\n  - name: gym\n    category: Sports\n    keywords: [\"basic fit\"]\n"
	if err := os.WriteFile(rulesPath, []byte(rules), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := testConfig(config.DriverSQLite, filepath.Join(dir, "knowledge.db"))
	cfg.Rules.Path = rulesPath

	a, err := Build(context.Background(), cfg, Options{WithoutResearch: true})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer a.Close()

	res := a.Engine.Categorize(context.Background(), domain.Transaction{ID: "1", Description: "BASIC FIT MADRID", Amount: -2999})
	if res.Category != domain.CategorySports || res.Source != domain.SourceRule {
		t.Fatalf("unexpected result %+v", res)
	}

	cfg.Rules.Path = filepath.Join(dir, "missing.yaml")
	if _, err := Build(context.Background(), cfg, Options{}); err == nil {
		t.Fatal("expected error for missing rules file")
	}
}

type recordingResults struct {
	rows []*bigquery.ResultRow
	err  error
}

func (r *recordingResults) InsertResults(ctx context.Context, rows []*bigquery.ResultRow) error {
	r.rows = append(r.rows, rows...)
	return r.err
}

func TestExport(t *testing.T) {
	txs := []domain.Transaction{{ID: "1", Amount: -100}, {ID: "2", Amount: -200}}
	results := []domain.CategorizationResult{
		{TransactionID: "1", Category: domain.CategoryFees, Source: domain.SourceRule, Confidence: 1},
		{TransactionID: "2", Category: domain.CategoryUncategorized, Source: domain.SourceResearch, NeedsReview: true},
	}

	sink := &recordingResults{}
	a := &App{Results: sink}
	if err := a.Export(context.Background(), "batch", txs, results); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(sink.rows) != 2 {
		t.Fatalf("exported %d rows, want 2", len(sink.rows))
	}

	sink.err = errors.New("quota exceeded")
	err := a.Export(context.Background(), "batch", txs, results)
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("expected export error, got %v", err)
	}

	if err := (&App{}).Export(context.Background(), "batch", txs, results); err != nil {
		t.Fatalf("Export with no integrations: %v", err)
	}
}
