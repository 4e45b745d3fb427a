package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/dvloznov/merchant-categorizer/internal/domain"
)

const profilesTable = "merchant_profiles"

// Dialect selects the SQL driver and placeholder style.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// Timestamps are stored as RFC3339Nano text in both dialects so that a reload
// reproduces the exact instant that was written.
const timeLayout = time.RFC3339Nano

var profileColumns = []string{
	"merchant_key",
	"category",
	"confidence",
	"source",
	"last_validated",
	"sample_amounts",
	"hit_count",
	"business_type",
	"justification",
	"updated_at",
}

// SQLBackend persists profiles in a relational table, one row per merchant key.
type SQLBackend struct {
	db      *sql.DB
	dialect Dialect
	builder sq.StatementBuilderType
}

// NewSQLiteBackend opens (and migrates) a SQLite database at path.
func NewSQLiteBackend(path string) (*SQLBackend, error) {
	expanded, err := expandHome(path)
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteBackend: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return nil, fmt.Errorf("NewSQLiteBackend: creating directory: %w", err)
	}

	db, err := sql.Open(string(DialectSQLite), expanded+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteBackend: open %s: %w", expanded, err)
	}
	// A single connection serializes writers; reads go through the in-memory index.
	db.SetMaxOpenConns(1)

	return newSQLBackend(db, DialectSQLite)
}

// NewPostgresBackend connects to Postgres using dsn and migrates the schema.
func NewPostgresBackend(ctx context.Context, dsn string) (*SQLBackend, error) {
	db, err := sql.Open(string(DialectPostgres), dsn)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresBackend: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("NewPostgresBackend: ping: %w", err)
	}
	return newSQLBackend(db, DialectPostgres)
}

func newSQLBackend(db *sql.DB, dialect Dialect) (*SQLBackend, error) {
	var placeholder sq.PlaceholderFormat = sq.Question
	if dialect == DialectPostgres {
		placeholder = sq.Dollar
	}

	b := &SQLBackend{
		db:      db,
		dialect: dialect,
		builder: sq.StatementBuilder.PlaceholderFormat(placeholder),
	}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", dialect, err)
	}
	return b, nil
}

// migrate creates the profiles table
func (b *SQLBackend) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS ` + profilesTable + ` (
			merchant_key TEXT PRIMARY KEY,
			category TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			source TEXT NOT NULL,
			last_validated TEXT NOT NULL,
			sample_amounts TEXT NOT NULL,
			hit_count BIGINT NOT NULL DEFAULT 0,
			business_type TEXT NOT NULL DEFAULT '',
			justification TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		)`

	_, err := b.db.Exec(schema)
	return err
}

// Load implements Backend.
func (b *SQLBackend) Load(ctx context.Context) ([]domain.MerchantProfile, error) {
	query, args, err := b.builder.
		Select(profileColumns...).
		From(profilesTable).
		OrderBy("merchant_key").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("SQLBackend.Load: build query: %w", err)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("SQLBackend.Load: query: %w", err)
	}
	defer rows.Close()

	var profiles []domain.MerchantProfile
	for rows.Next() {
		var (
			p             domain.MerchantProfile
			key, category string
			source        string
			validatedRaw  string
			samplesRaw    string
			updatedAt     string
		)
		if err := rows.Scan(&key, &category, &p.Confidence, &source, &validatedRaw,
			&samplesRaw, &p.HitCount, &p.BusinessType, &p.Justification, &updatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan row: %v", ErrStoreCorrupted, err)
		}

		p.MerchantKey = domain.MerchantKey(key)
		p.Category = domain.Category(category)
		p.Source = domain.Source(source)

		p.LastValidated, err = time.Parse(timeLayout, validatedRaw)
		if err != nil {
			return nil, fmt.Errorf("%w: merchant %q: last_validated %q: %v", ErrStoreCorrupted, key, validatedRaw, err)
		}
		if err := json.Unmarshal([]byte(samplesRaw), &p.SampleAmounts); err != nil {
			return nil, fmt.Errorf("%w: merchant %q: sample_amounts: %v", ErrStoreCorrupted, key, err)
		}
		if len(p.SampleAmounts) == 0 {
			p.SampleAmounts = nil
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("SQLBackend.Load: rows iteration: %w", err)
	}

	return profiles, nil
}

// Save implements Backend as an upsert keyed by merchant_key.
func (b *SQLBackend) Save(ctx context.Context, p domain.MerchantProfile) error {
	samples := p.SampleAmounts
	if samples == nil {
		samples = []domain.Amount{}
	}
	samplesJSON, err := json.Marshal(samples)
	if err != nil {
		return fmt.Errorf("SQLBackend.Save: marshal samples: %w", err)
	}

	query, args, err := b.builder.
		Insert(profilesTable).
		Columns(profileColumns...).
		Values(
			string(p.MerchantKey),
			string(p.Category),
			p.Confidence,
			string(p.Source),
			p.LastValidated.UTC().Format(timeLayout),
			string(samplesJSON),
			p.HitCount,
			p.BusinessType,
			p.Justification,
			time.Now().UTC().Format(timeLayout),
		).
		Suffix(`ON CONFLICT (merchant_key) DO UPDATE SET
			category = excluded.category,
			confidence = excluded.confidence,
			source = excluded.source,
			last_validated = excluded.last_validated,
			sample_amounts = excluded.sample_amounts,
			hit_count = excluded.hit_count,
			business_type = excluded.business_type,
			justification = excluded.justification,
			updated_at = excluded.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("SQLBackend.Save: build query: %w", err)
	}

	if _, err := b.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("SQLBackend.Save: upsert %q: %w", p.MerchantKey, err)
	}
	return nil
}

// Reset implements Backend.
func (b *SQLBackend) Reset(ctx context.Context) error {
	query, args, err := b.builder.Delete(profilesTable).ToSql()
	if err != nil {
		return fmt.Errorf("SQLBackend.Reset: build query: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("SQLBackend.Reset: %w", err)
	}
	return nil
}

// Close implements Backend.
func (b *SQLBackend) Close() error {
	return b.db.Close()
}

var _ Backend = (*SQLBackend)(nil)
