// Package config loads service configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dvloznov/merchant-categorizer/internal/categorizer"
	"github.com/dvloznov/merchant-categorizer/internal/infra/gemini"
	"github.com/dvloznov/merchant-categorizer/internal/infra/websearch"
)

const (
	configPathEnv       = "MERCHANT_CATEGORIZER_CONFIG"
	geminiAPIKeyEnv     = "GEMINI_API_KEY"
	tavilyAPIKeyEnv     = "TAVILY_API_KEY"
	notionTokenEnv      = "NOTION_TOKEN"
	notionReviewDBEnv   = "NOTION_REVIEW_DATABASE_ID"
	gcpProjectEnv       = "GCP_PROJECT"
	gcsBucketEnv        = "GCS_BUCKET"
	storeDriverEnv      = "STORE_DRIVER"
	storeDSNEnv         = "STORE_DSN"
	logLevelEnv         = "LOG_LEVEL"
	portEnv             = "PORT"
	apiTokenEnv         = "API_TOKEN"
	defaultSQLitePath   = "~/.merchant-categorizer/knowledge.db"
	defaultSnapshotPath = "~/.merchant-categorizer/knowledge.json"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverFile     = "file"
	DriverMemory   = "memory"
)

// Config holds high-level settings required across the application.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Server   ServerConfig   `yaml:"server"`
	Engine   EngineConfig   `yaml:"engine"`
	Research ResearchConfig `yaml:"research"`
	Store    StoreConfig    `yaml:"store"`
	Rules    RulesConfig    `yaml:"rules"`
	Gemini   GeminiConfig   `yaml:"gemini"`
	Tavily   TavilyConfig   `yaml:"tavily"`
	HTML     HTMLConfig     `yaml:"htmlSearch"`
	BigQuery BigQueryConfig `yaml:"bigquery"`
	GCS      GCSConfig      `yaml:"gcs"`
	Notion   NotionConfig   `yaml:"notion"`
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// ServerConfig configures the HTTP service and its job worker.
type ServerConfig struct {
	Port       string `yaml:"port"`
	AuthToken  string `yaml:"authToken"`
	QueueSize  int    `yaml:"queueSize"`
	JobWorkers int    `yaml:"jobWorkers"`
	// SyncTimeout bounds POST /api/categorize. Transactions still unresolved
	// when it passes are answered with a fallback.
	SyncTimeout time.Duration `yaml:"syncTimeout"`
}

// EngineConfig mirrors categorizer.EngineConfig.
type EngineConfig struct {
	Workers               int           `yaml:"workers"`
	TransactionDeadline   time.Duration `yaml:"transactionDeadline"`
	ReinforceThreshold    float64       `yaml:"reinforceThreshold"`
	ReinforceStep         float64       `yaml:"reinforceStep"`
	ResearchConfidenceCap float64       `yaml:"researchConfidenceCap"`
	ReviewConfidence      float64       `yaml:"reviewConfidence"`
	MaxProfileAge         time.Duration `yaml:"maxProfileAge"`
	CandidateTTL          time.Duration `yaml:"candidateTTL"`
}

// ResearchConfig mirrors categorizer.ResearchConfig.
type ResearchConfig struct {
	LookupTimeout     time.Duration `yaml:"lookupTimeout"`
	ReasoningTimeout  time.Duration `yaml:"reasoningTimeout"`
	MaxAttempts       int           `yaml:"maxAttempts"`
	InitialBackoff    time.Duration `yaml:"initialBackoff"`
	MaxBackoff        time.Duration `yaml:"maxBackoff"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Burst             int           `yaml:"burst"`
	MaxSnippets       int           `yaml:"maxSnippets"`
	QueryHint         string        `yaml:"queryHint"`
}

// StoreConfig selects the durable knowledge backend.
type StoreConfig struct {
	// Driver is one of sqlite, postgres, file or memory.
	Driver string `yaml:"driver"`
	// DSN is a file path for sqlite and file, a connection string for postgres.
	DSN        string `yaml:"dsn"`
	MaxSamples int    `yaml:"maxSamples"`
}

// RulesConfig points at an optional YAML rule table.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// GeminiConfig configures the reasoning service.
type GeminiConfig struct {
	APIKey      string  `yaml:"apiKey"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
}

// TavilyConfig configures the primary lookup service.
type TavilyConfig struct {
	APIKey      string `yaml:"apiKey"`
	Endpoint    string `yaml:"endpoint"`
	MaxResults  int    `yaml:"maxResults"`
	SearchDepth string `yaml:"searchDepth"`
}

// HTMLConfig configures the scraping lookup fallback.
type HTMLConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// BigQueryConfig configures the downstream result sink.
type BigQueryConfig struct {
	ProjectID string `yaml:"projectId"`
	Dataset   string `yaml:"dataset"`
}

// GCSConfig configures knowledge snapshots.
type GCSConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	// SnapshotCron is a cron expression; empty disables scheduled snapshots.
	SnapshotCron string `yaml:"snapshotCron"`
}

// NotionConfig configures the review queue.
type NotionConfig struct {
	Token            string `yaml:"token"`
	ReviewDatabaseID string `yaml:"reviewDatabaseId"`
}

// Default returns the built-in configuration.
func Default() Config {
	eng := categorizer.DefaultEngineConfig()
	res := categorizer.DefaultResearchConfig()
	return Config{
		Log: LogConfig{Level: "info"},
		Server: ServerConfig{
			Port:        "8080",
			QueueSize:   100,
			JobWorkers:  2,
			SyncTimeout: 45 * time.Second,
		},
		Engine: EngineConfig{
			Workers:               eng.Workers,
			TransactionDeadline:   eng.TransactionDeadline,
			ReinforceThreshold:    eng.ReinforceThreshold,
			ReinforceStep:         eng.ReinforceStep,
			ResearchConfidenceCap: eng.ResearchConfidenceCap,
			ReviewConfidence:      eng.ReviewConfidence,
			MaxProfileAge:         eng.MaxProfileAge,
			CandidateTTL:          eng.CandidateTTL,
		},
		Research: ResearchConfig{
			LookupTimeout:     res.LookupTimeout,
			ReasoningTimeout:  res.ReasoningTimeout,
			MaxAttempts:       res.MaxAttempts,
			InitialBackoff:    res.InitialBackoff,
			MaxBackoff:        res.MaxBackoff,
			RequestsPerSecond: res.RequestsPerSecond,
			Burst:             res.Burst,
			MaxSnippets:       res.MaxSnippets,
			QueryHint:         res.QueryHint,
		},
		Store: StoreConfig{
			Driver:     DriverSQLite,
			DSN:        defaultSQLitePath,
			MaxSamples: 20,
		},
		Gemini: GeminiConfig{Model: gemini.DefaultModelName},
		Tavily: TavilyConfig{
			Endpoint:    websearch.DefaultTavilyEndpoint,
			MaxResults:  5,
			SearchDepth: "basic",
		},
		HTML: HTMLConfig{
			Enabled:  true,
			Endpoint: websearch.DefaultHTMLEndpoint,
		},
		BigQuery: BigQueryConfig{Dataset: "merchant_categorizer"},
		GCS:      GCSConfig{Prefix: "knowledge"},
	}
}

// Load reads the YAML file named by MERCHANT_CATEGORIZER_CONFIG (if set) over
// the defaults, applies environment overrides and validates the result.
func Load() (Config, error) {
	return LoadFile(os.Getenv(configPathEnv))
}

// LoadFile is Load with an explicit path; an empty path skips the file.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	if cfg.Store.Driver == DriverFile && cfg.Store.DSN == defaultSQLitePath {
		cfg.Store.DSN = defaultSnapshotPath
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	overrides := []struct {
		env string
		dst *string
	}{
		{geminiAPIKeyEnv, &c.Gemini.APIKey},
		{tavilyAPIKeyEnv, &c.Tavily.APIKey},
		{notionTokenEnv, &c.Notion.Token},
		{notionReviewDBEnv, &c.Notion.ReviewDatabaseID},
		{gcpProjectEnv, &c.BigQuery.ProjectID},
		{gcsBucketEnv, &c.GCS.Bucket},
		{storeDriverEnv, &c.Store.Driver},
		{storeDSNEnv, &c.Store.DSN},
		{logLevelEnv, &c.Log.Level},
		{portEnv, &c.Server.Port},
		{apiTokenEnv, &c.Server.AuthToken},
	}
	for _, o := range overrides {
		if v := strings.TrimSpace(os.Getenv(o.env)); v != "" {
			*o.dst = v
		}
	}
	c.Store.Driver = strings.ToLower(c.Store.Driver)
}

// Validate rejects impossible values.
func (c Config) Validate() error {
	var errs []error

	if c.Engine.Workers <= 0 {
		errs = append(errs, fmt.Errorf("engine.workers must be positive, got %d", c.Engine.Workers))
	}
	if c.Engine.TransactionDeadline <= 0 {
		errs = append(errs, fmt.Errorf("engine.transactionDeadline must be positive"))
	}
	for name, v := range map[string]float64{
		"engine.reinforceThreshold":    c.Engine.ReinforceThreshold,
		"engine.reinforceStep":         c.Engine.ReinforceStep,
		"engine.researchConfidenceCap": c.Engine.ResearchConfidenceCap,
		"engine.reviewConfidence":      c.Engine.ReviewConfidence,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0,1], got %v", name, v))
		}
	}
	if c.Research.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("research.maxAttempts must be positive, got %d", c.Research.MaxAttempts))
	}
	if c.Research.LookupTimeout <= 0 || c.Research.ReasoningTimeout <= 0 {
		errs = append(errs, fmt.Errorf("research timeouts must be positive"))
	}
	if c.Research.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("research.requestsPerSecond must not be negative"))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres, DriverFile:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of sqlite, postgres, file, memory", c.Store.Driver))
	}
	if c.Store.MaxSamples <= 0 {
		errs = append(errs, fmt.Errorf("store.maxSamples must be positive, got %d", c.Store.MaxSamples))
	}
	if c.Server.QueueSize <= 0 || c.Server.JobWorkers <= 0 {
		errs = append(errs, fmt.Errorf("server.queueSize and server.jobWorkers must be positive"))
	}
	if c.Server.SyncTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.syncTimeout must be positive"))
	}
	if (c.Notion.Token == "") != (c.Notion.ReviewDatabaseID == "") {
		errs = append(errs, fmt.Errorf("notion.token and notion.reviewDatabaseId must be set together"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// CategorizerEngine converts to the engine's configuration.
func (c Config) CategorizerEngine() categorizer.EngineConfig {
	return categorizer.EngineConfig{
		Workers:               c.Engine.Workers,
		TransactionDeadline:   c.Engine.TransactionDeadline,
		ReinforceThreshold:    c.Engine.ReinforceThreshold,
		ReinforceStep:         c.Engine.ReinforceStep,
		ResearchConfidenceCap: c.Engine.ResearchConfidenceCap,
		ReviewConfidence:      c.Engine.ReviewConfidence,
		MaxProfileAge:         c.Engine.MaxProfileAge,
		CandidateTTL:          c.Engine.CandidateTTL,
	}
}

// CategorizerResearch converts to the resolver's configuration.
func (c Config) CategorizerResearch() categorizer.ResearchConfig {
	return categorizer.ResearchConfig{
		LookupTimeout:     c.Research.LookupTimeout,
		ReasoningTimeout:  c.Research.ReasoningTimeout,
		MaxAttempts:       c.Research.MaxAttempts,
		InitialBackoff:    c.Research.InitialBackoff,
		MaxBackoff:        c.Research.MaxBackoff,
		RequestsPerSecond: c.Research.RequestsPerSecond,
		Burst:             c.Research.Burst,
		MaxSnippets:       c.Research.MaxSnippets,
		QueryHint:         c.Research.QueryHint,
	}
}
