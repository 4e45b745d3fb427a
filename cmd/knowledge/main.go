package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/merchant-categorizer/internal/app"
	"github.com/dvloznov/merchant-categorizer/internal/bigquery"
	"github.com/dvloznov/merchant-categorizer/internal/config"
	"github.com/dvloznov/merchant-categorizer/internal/domain"
	"github.com/dvloznov/merchant-categorizer/internal/knowledge"
	"github.com/dvloznov/merchant-categorizer/internal/logger"
)

func main() {
	var (
		action = flag.String("action", "", "One of: backup, restore, reset, export, seed, inspect")
		uri    = flag.String("uri", "", "GCS snapshot URI for restore (defaults to the latest snapshot)")
		file   = flag.String("file", "", "Local snapshot file for backup/restore instead of GCS")
		yes    = flag.Bool("yes", false, "Confirm destructive actions (reset, restore)")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.NewWithLevel(cfg.Log.Level)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	switch *action {
	case "backup":
		err = runBackup(ctx, cfg, *file)
	case "restore":
		err = requireConfirm(*yes, "restore")
		if err == nil {
			err = runRestore(ctx, cfg, *uri, *file)
		}
	case "reset":
		err = requireConfirm(*yes, "reset")
		if err == nil {
			err = runReset(ctx, cfg)
		}
	case "export":
		err = runExport(ctx, cfg)
	case "seed":
		err = runSeed(ctx, cfg)
	case "inspect":
		err = runInspect(ctx, cfg, log)
	default:
		fmt.Fprintf(os.Stderr, "Unknown action %q\n\n", *action)
		flag.Usage()
		os.Exit(1)
	}

	if err != nil {
		if errors.Is(err, knowledge.ErrStoreCorrupted) {
			log.Error().Err(err).Msg(app.RepairHint)
			os.Exit(2)
		}
		log.Fatal().Err(err).Str("action", *action).Msg("Action failed")
	}
}

func requireConfirm(yes bool, action string) error {
	if !yes {
		return fmt.Errorf("%s discards the current knowledge store; rerun with -yes", action)
	}
	return nil
}

func runBackup(ctx context.Context, cfg config.Config, file string) error {
	a, err := app.Build(ctx, cfg, app.Options{WithoutResearch: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if file != "" {
		n, err := writeSnapshotFile(a.Store, file)
		if err != nil {
			return err
		}
		logger.FromContext(ctx).Info().Str("file", file).Int("profiles", n).Msg("Snapshot written")
		return nil
	}

	if a.Snapshots == nil {
		return errors.New("backup: no GCS bucket configured (set GCS_BUCKET or use -file)")
	}
	uri, err := a.Snapshots.BackupStore(ctx, a.Store)
	if err != nil {
		return err
	}
	fmt.Println(uri)
	return nil
}

// runRestore resets the backend and replays a snapshot into it. It never
// loads the existing data, so it also repairs a corrupted store.
func runRestore(ctx context.Context, cfg config.Config, uri, file string) error {
	var (
		profiles []domain.MerchantProfile
		err      error
	)
	if file != "" {
		profiles, err = readSnapshotFile(file)
	} else {
		a, berr := app.Build(ctx, cfg, app.Options{SkipStore: true})
		if berr != nil {
			return berr
		}
		defer a.Close()
		if a.Snapshots == nil {
			return errors.New("restore: no GCS bucket configured (set GCS_BUCKET or use -file)")
		}
		profiles, err = a.Snapshots.Fetch(ctx, uri)
	}
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	backend, err := app.OpenBackend(ctx, cfg.Store)
	if err != nil {
		return err
	}
	n, err := restoreInto(ctx, backend, profiles, cfg.Store.MaxSamples)
	if err != nil {
		return err
	}
	logger.FromContext(ctx).Info().Int("profiles", n).Msg("Knowledge store restored")
	return nil
}

func runReset(ctx context.Context, cfg config.Config) error {
	backend, err := app.OpenBackend(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer backend.Close()

	if err := backend.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	logger.FromContext(ctx).Warn().Str("driver", cfg.Store.Driver).Msg("Knowledge store reset")
	return nil
}

func runExport(ctx context.Context, cfg config.Config) error {
	a, err := app.Build(ctx, cfg, app.Options{WithoutResearch: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if a.Profiles == nil {
		return errors.New("export: no BigQuery project configured (set GCP_PROJECT)")
	}
	_, err = bigquery.ExportProfiles(ctx, a.Profiles, a.Store)
	return err
}

func runSeed(ctx context.Context, cfg config.Config) error {
	a, err := app.Build(ctx, cfg, app.Options{WithoutResearch: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if a.Profiles == nil {
		return errors.New("seed: no BigQuery project configured (set GCP_PROJECT)")
	}
	_, err = bigquery.SeedStore(ctx, a.Profiles, a.Store)
	return err
}

func runInspect(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	backend, err := app.OpenBackend(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer backend.Close()

	summary, err := inspect(ctx, backend)
	if err != nil {
		return err
	}

	ev := log.Info().Int("profiles", summary.Profiles).Int("needs_refresh", summary.NeedsRefresh)
	for cat, n := range summary.ByCategory {
		ev = ev.Int(string(cat), n)
	}
	ev.Msg("Knowledge store is healthy")
	return nil
}
