package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"cloud.google.com/go/bigquery"

	"github.com/dvloznov/merchant-categorizer/internal/config"
	"github.com/dvloznov/merchant-categorizer/internal/logger"
)

func main() {
	var (
		projectID     = flag.String("project", "", "GCP project ID (defaults to the configured project)")
		datasetID     = flag.String("dataset", "", "BigQuery dataset ID (defaults to the configured dataset)")
		appliedBy     = flag.String("applied-by", "migrate-cli", "Name of the tool applying migrations")
		migrationsDir = flag.String("migrations", "", "Directory of migration files (defaults to the bundled set)")
		dryRun        = flag.Bool("dry-run", false, "List pending migrations without applying them")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.NewWithLevel(cfg.Log.Level)
	ctx := logger.WithContext(context.Background(), log)

	if *projectID == "" {
		*projectID = cfg.BigQuery.ProjectID
	}
	if *datasetID == "" {
		*datasetID = cfg.BigQuery.Dataset
	}
	if *projectID == "" {
		log.Fatal().Msg("No GCP project: pass -project or set GCP_PROJECT")
	}

	var fsys fs.FS
	if *migrationsDir != "" {
		fsys = os.DirFS(*migrationsDir)
	} else {
		fsys, err = fs.Sub(embedded, embeddedDir)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open bundled migrations")
		}
	}

	migrations, skipped, err := readMigrations(fsys, *projectID, *datasetID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read migrations")
	}
	for _, name := range skipped {
		log.Warn().Str("file", name).Msg("Skipping file with invalid format")
	}

	client, err := bigquery.NewClient(ctx, *projectID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create BigQuery client")
	}
	defer client.Close()

	log.Info().Str("project", *projectID).Str("dataset", *datasetID).Msg("Connected to BigQuery")

	db := &bigQueryDB{client: client, projectID: *projectID, datasetID: *datasetID}
	count, err := runMigrations(ctx, db, migrations, *appliedBy, *dryRun)
	if err != nil {
		log.Fatal().Err(err).Int("applied", count).Msg("Migration failed")
	}

	if count == 0 {
		log.Info().Msg("No new migrations to apply. Dataset is up to date.")
	} else {
		log.Info().Int("applied", count).Msg("Migrations applied")
	}
}
