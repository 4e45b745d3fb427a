package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/merchant-categorizer/internal/logger"
)

// migrationDB is the subset of BigQuery the runner needs.
type migrationDB interface {
	EnsureSchemaMigrations(ctx context.Context) error
	Applied(ctx context.Context) ([]AppliedMigration, error)
	Execute(ctx context.Context, sql string) error
	Record(ctx context.Context, m Migration, appliedBy string) error
}

// runMigrations applies pending migrations in version order and returns how
// many ran. It stops at the first failure.
func runMigrations(ctx context.Context, db migrationDB, migrations []Migration, appliedBy string, dryRun bool) (int, error) {
	log := logger.FromContext(ctx)

	if err := db.EnsureSchemaMigrations(ctx); err != nil {
		return 0, fmt.Errorf("ensure schema_migrations table: %w", err)
	}

	applied, err := db.Applied(ctx)
	if err != nil {
		return 0, fmt.Errorf("get applied migrations: %w", err)
	}
	log.Info().Int("found", len(migrations)).Int("applied", len(applied)).Msg("Loaded migrations")

	pending, err := pendingMigrations(migrations, applied)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, m := range pending {
		mlog := log.With().Int("version", m.Version).Str("name", m.Name).Logger()
		if dryRun {
			mlog.Info().Msg("Would apply migration (dry run)")
			continue
		}

		mlog.Info().Msg("Applying migration")
		if err := db.Execute(ctx, m.SQL); err != nil {
			return count, fmt.Errorf("execute migration %04d_%s: %w", m.Version, m.Name, err)
		}
		if err := db.Record(ctx, m, appliedBy); err != nil {
			return count, fmt.Errorf("record migration %04d_%s: %w", m.Version, m.Name, err)
		}
		mlog.Info().Msg("Migration applied")
		count++
	}
	return count, nil
}

// bigQueryDB implements migrationDB against a dataset.
type bigQueryDB struct {
	client    *bigquery.Client
	projectID string
	datasetID string
}

func (b *bigQueryDB) table() string {
	return "`" + b.projectID + "." + b.datasetID + ".schema_migrations`"
}

func (b *bigQueryDB) EnsureSchemaMigrations(ctx context.Context) error {
	return b.Execute(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version       INT64 NOT NULL,
			name          STRING NOT NULL,
			applied_at    TIMESTAMP NOT NULL,
			checksum      STRING,
			applied_by    STRING
		)
	`, b.table()))
}

func (b *bigQueryDB) Applied(ctx context.Context) ([]AppliedMigration, error) {
	it, err := b.client.Query(fmt.Sprintf(`
		SELECT version, name, applied_at, checksum, applied_by
		FROM %s
		ORDER BY version ASC
	`, b.table())).Read(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "Not found") {
			return nil, nil
		}
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}

	var applied []AppliedMigration
	for {
		var row struct {
			Version   int64
			Name      string
			AppliedAt time.Time
			Checksum  bigquery.NullString
			AppliedBy bigquery.NullString
		}
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterating results: %w", err)
		}
		applied = append(applied, AppliedMigration{
			Version:   int(row.Version),
			Name:      row.Name,
			AppliedAt: row.AppliedAt,
			Checksum:  row.Checksum.StringVal,
			AppliedBy: row.AppliedBy.StringVal,
		})
	}
	return applied, nil
}

func (b *bigQueryDB) Execute(ctx context.Context, sql string) error {
	return runQuery(ctx, b.client.Query(sql))
}

func (b *bigQueryDB) Record(ctx context.Context, m Migration, appliedBy string) error {
	q := b.client.Query(fmt.Sprintf(`
		INSERT INTO %s
		(version, name, applied_at, checksum, applied_by)
		VALUES (@version, @name, CURRENT_TIMESTAMP(), @checksum, @applied_by)
	`, b.table()))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "version", Value: m.Version},
		{Name: "name", Value: m.Name},
		{Name: "checksum", Value: m.Checksum},
		{Name: "applied_by", Value: appliedBy},
	}
	return runQuery(ctx, q)
}

func runQuery(ctx context.Context, q *bigquery.Query) error {
	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}
	return nil
}
