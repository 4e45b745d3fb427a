// Package app assembles a ready-to-use categorization engine and its optional
// collaborators from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dvloznov/merchant-categorizer/internal/bigquery"
	"github.com/dvloznov/merchant-categorizer/internal/categorizer"
	"github.com/dvloznov/merchant-categorizer/internal/config"
	"github.com/dvloznov/merchant-categorizer/internal/domain"
	"github.com/dvloznov/merchant-categorizer/internal/gcsbackup"
	infraBQ "github.com/dvloznov/merchant-categorizer/internal/infra/bigquery"
	"github.com/dvloznov/merchant-categorizer/internal/infra/gemini"
	"github.com/dvloznov/merchant-categorizer/internal/infra/websearch"
	"github.com/dvloznov/merchant-categorizer/internal/knowledge"
	"github.com/dvloznov/merchant-categorizer/internal/logger"
	"github.com/dvloznov/merchant-categorizer/internal/reviewsync"
)

// RepairHint is printed when the knowledge store cannot be opened.
const RepairHint = "the knowledge store is corrupted; run `knowledge -action=reset` or `knowledge -action=restore -uri=gs://...` to repair it"

// App holds the engine and every optional collaborator that was configured.
// Nil fields are disabled integrations.
type App struct {
	Config config.Config
	Engine *categorizer.Engine
	Store  *knowledge.Store

	Results   bigquery.ResultRepository
	Profiles  bigquery.ProfileRepository
	Snapshots *gcsbackup.SnapshotStore
	Review    *reviewsync.Syncer

	closers []io.Closer
}

// Options tweak Build.
type Options struct {
	// SkipStore leaves App.Store and App.Engine nil; used by maintenance
	// commands that must work on a corrupted store.
	SkipStore bool
	// WithoutResearch disables external lookup and reasoning services.
	WithoutResearch bool
}

// Build wires the application. A corrupted store surfaces as
// knowledge.ErrStoreCorrupted so callers can print RepairHint.
func Build(ctx context.Context, cfg config.Config, opts Options) (_ *App, err error) {
	log := logger.FromContext(ctx)
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err := a.buildIntegrations(ctx); err != nil {
		return nil, err
	}
	if opts.SkipStore {
		return a, nil
	}

	backend, err := OpenBackend(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	store, err := knowledge.Open(ctx, backend,
		knowledge.WithMaxSamples(cfg.Store.MaxSamples),
		knowledge.WithFlightDeadline(cfg.Engine.TransactionDeadline),
	)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("Build: open knowledge store: %w", err)
	}
	a.Store = store
	a.closers = append(a.closers, store)

	rules, err := buildRules(cfg.Rules)
	if err != nil {
		return nil, err
	}

	var researcher categorizer.Researcher = categorizer.OfflineResearcher{}
	if !opts.WithoutResearch {
		researcher, err = a.buildResearcher(ctx)
		if err != nil {
			return nil, err
		}
	}

	a.Engine = categorizer.NewEngine(rules, store, researcher, categorizer.NewConsistencyValidator(nil), cfg.CategorizerEngine())

	log.Info().
		Str("store_driver", cfg.Store.Driver).
		Int("merchants", store.Len()).
		Int("rules", rules.Len()).
		Bool("bigquery", a.Results != nil).
		Bool("snapshots", a.Snapshots != nil).
		Bool("review_queue", a.Review != nil).
		Msg("Application ready")

	return a, nil
}

// OpenBackend opens the durable backend selected by cfg.Driver.
func OpenBackend(ctx context.Context, cfg config.StoreConfig) (knowledge.Backend, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return knowledge.NewMemoryBackend(), nil
	case config.DriverFile:
		b, err := knowledge.NewFileBackend(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("OpenBackend: %w", err)
		}
		return b, nil
	case config.DriverSQLite:
		b, err := knowledge.NewSQLiteBackend(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("OpenBackend: %w", err)
		}
		return b, nil
	case config.DriverPostgres:
		b, err := knowledge.NewPostgresBackend(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("OpenBackend: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("OpenBackend: unknown driver %q", cfg.Driver)
	}
}

func buildRules(cfg config.RulesConfig) (*categorizer.RuleMatcher, error) {
	if cfg.Path == "" {
		return categorizer.DefaultRuleMatcher(), nil
	}
	rules, err := categorizer.LoadRules(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("Build: %w", err)
	}
	m, err := categorizer.NewRuleMatcher(rules)
	if err != nil {
		return nil, fmt.Errorf("Build: rules %s: %w", cfg.Path, err)
	}
	return m, nil
}

// buildResearcher chains the configured lookup services in front of Gemini.
// Without a lookup service or a Gemini key, research runs offline.
func (a *App) buildResearcher(ctx context.Context) (categorizer.Researcher, error) {
	log := logger.FromContext(ctx)
	cfg := a.Config
	httpClient := &http.Client{Timeout: 30 * time.Second}

	var lookups websearch.Chain
	if cfg.Tavily.APIKey != "" {
		lookups = append(lookups, websearch.NewTavilyClient(websearch.TavilyConfig{
			APIKey:      cfg.Tavily.APIKey,
			Endpoint:    cfg.Tavily.Endpoint,
			MaxResults:  cfg.Tavily.MaxResults,
			SearchDepth: cfg.Tavily.SearchDepth,
		}, httpClient))
	}
	if cfg.HTML.Enabled {
		lookups = append(lookups, websearch.NewHTMLSearch(cfg.HTML.Endpoint, cfg.Tavily.MaxResults, httpClient))
	}

	if err := lookups.Validate(); err != nil || cfg.Gemini.APIKey == "" {
		log.Warn().Msg("Research disabled: lookup service or Gemini API key missing; unknown merchants go to review")
		return categorizer.OfflineResearcher{}, nil
	}

	reasoner, err := gemini.NewReasoner(ctx, gemini.Config{
		APIKey:      cfg.Gemini.APIKey,
		Model:       cfg.Gemini.Model,
		Temperature: cfg.Gemini.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("Build: %w", err)
	}

	return categorizer.NewResearchResolver(lookups, reasoner, cfg.CategorizerResearch()), nil
}

func (a *App) buildIntegrations(ctx context.Context) error {
	cfg := a.Config

	if cfg.BigQuery.ProjectID != "" {
		repo, err := infraBQ.NewBigQueryRepository(ctx, cfg.BigQuery.ProjectID, cfg.BigQuery.Dataset)
		if err != nil {
			return fmt.Errorf("Build: %w", err)
		}
		a.Results, a.Profiles = repo, repo
		a.closers = append(a.closers, repo)
	}

	if cfg.GCS.Bucket != "" {
		objects, err := gcsbackup.NewGCSObjectStore(ctx)
		if err != nil {
			return fmt.Errorf("Build: %w", err)
		}
		a.Snapshots = gcsbackup.NewSnapshotStore(objects, cfg.GCS.Bucket, cfg.GCS.Prefix)
		a.closers = append(a.closers, objects)
	}

	if cfg.Notion.Token != "" {
		a.Review = reviewsync.NewSyncer(reviewsync.NewNotionClient(cfg.Notion.Token), cfg.Notion.ReviewDatabaseID, false)
	}
	return nil
}

// Export pushes a finished batch downstream: results to BigQuery and
// needs-review items to the review queue. Disabled integrations are skipped.
func (a *App) Export(ctx context.Context, batchID string, txs []domain.Transaction, results []domain.CategorizationResult) error {
	var errs []error

	if a.Results != nil {
		if err := bigquery.ExportResults(ctx, a.Results, batchID, txs, results); err != nil {
			errs = append(errs, err)
		}
	}

	if a.Review != nil {
		items := make([]reviewsync.Item, 0, len(results))
		for i := range results {
			if i < len(txs) {
				items = append(items, reviewsync.Item{Transaction: txs[i], Result: results[i]})
			}
		}
		sum, err := a.Review.Sync(ctx, items)
		if err != nil {
			errs = append(errs, err)
		} else if sum.Failed > 0 {
			errs = append(errs, fmt.Errorf("review sync: %d pages failed", sum.Failed))
		}
	}

	return errors.Join(errs...)
}

// Close releases every opened resource in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
