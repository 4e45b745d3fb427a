package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"

	bq "github.com/dvloznov/merchant-categorizer/internal/bigquery"
)

// Re-export interfaces and rows from the shared package.
type ResultRepository = bq.ResultRepository
type ProfileRepository = bq.ProfileRepository
type ResultRow = bq.ResultRow
type ProfileRow = bq.ProfileRow

const (
	resultsTable  = "categorization_results"
	profilesTable = "merchant_profiles"
)

// BigQueryRepository is the concrete implementation of ResultRepository and
// ProfileRepository. It holds a shared BigQuery client to avoid creating a new
// connection for each operation.
type BigQueryRepository struct {
	client    *bigquery.Client
	projectID string
	datasetID string
}

// NewBigQueryRepository creates a repository for the given project and dataset.
func NewBigQueryRepository(ctx context.Context, projectID, datasetID string) (*BigQueryRepository, error) {
	if projectID == "" || datasetID == "" {
		return nil, fmt.Errorf("NewBigQueryRepository: project and dataset are required")
	}
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewBigQueryRepository: creating client: %w", err)
	}
	return &BigQueryRepository{
		client:    client,
		projectID: projectID,
		datasetID: datasetID,
	}, nil
}

// Close closes the BigQuery client connection. This should be called when
// the repository is no longer needed to release resources.
func (r *BigQueryRepository) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// qualified returns the backtick-quoted fully qualified table name.
func (r *BigQueryRepository) qualified(table string) string {
	return "`" + r.projectID + "." + r.datasetID + "." + table + "`"
}

var (
	_ ResultRepository  = (*BigQueryRepository)(nil)
	_ ProfileRepository = (*BigQueryRepository)(nil)
)
