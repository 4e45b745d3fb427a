package bigquery

import (
	"context"
	"fmt"
)

// insertBatchSize bounds the rows sent in one streaming insert request.
const insertBatchSize = 500

// InsertResults inserts a batch of ResultRow into categorization_results.
func (r *BigQueryRepository) InsertResults(ctx context.Context, rows []*ResultRow) error {
	if len(rows) == 0 {
		return nil
	}

	// Use fully qualified table name to avoid project ID issues
	table := r.client.DatasetInProject(r.projectID, r.datasetID).Table(resultsTable)
	inserter := table.Inserter()

	for start := 0; start < len(rows); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := inserter.Put(ctx, rows[start:end]); err != nil {
			return fmt.Errorf("InsertResults: inserting rows %d-%d: %w", start, end, err)
		}
	}

	return nil
}
