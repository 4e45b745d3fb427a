package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"
)

// UpsertMerchantProfiles merges rows into merchant_profiles keyed by
// merchant_key, in a single DML statement.
func (r *BigQueryRepository) UpsertMerchantProfiles(ctx context.Context, rows []*ProfileRow) error {
	if len(rows) == 0 {
		return nil
	}

	params := make([]ProfileRow, len(rows))
	for i, row := range rows {
		params[i] = *row
		if params[i].SampleAmounts == nil {
			params[i].SampleAmounts = []int64{}
		}
	}

	q := r.client.Query(fmt.Sprintf(`
		MERGE %s T
		USING UNNEST(@profiles) S
		ON T.merchant_key = S.merchant_key
		WHEN MATCHED THEN
		  UPDATE SET
		    category = S.category,
		    confidence = S.confidence,
		    source = S.source,
		    last_validated = S.last_validated,
		    sample_amounts = S.sample_amounts,
		    hit_count = S.hit_count,
		    business_type = S.business_type,
		    justification = S.justification,
		    updated_ts = S.updated_ts
		WHEN NOT MATCHED THEN
		  INSERT (
		    merchant_key, category, confidence, source, last_validated,
		    sample_amounts, hit_count, business_type, justification, updated_ts
		  )
		  VALUES (
		    S.merchant_key, S.category, S.confidence, S.source, S.last_validated,
		    S.sample_amounts, S.hit_count, S.business_type, S.justification, S.updated_ts
		  )
	`, r.qualified(profilesTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "profiles", Value: params},
	}

	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("UpsertMerchantProfiles: run query: %w", err)
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("UpsertMerchantProfiles: wait for job: %w", err)
	}

	if err := status.Err(); err != nil {
		return fmt.Errorf("UpsertMerchantProfiles: job error: %w", err)
	}

	return nil
}

// ListMerchantProfiles returns every exported profile ordered by merchant key.
func (r *BigQueryRepository) ListMerchantProfiles(ctx context.Context) ([]*ProfileRow, error) {
	q := r.client.Query(fmt.Sprintf(`
		SELECT
		  merchant_key,
		  category,
		  confidence,
		  source,
		  last_validated,
		  sample_amounts,
		  hit_count,
		  business_type,
		  justification,
		  updated_ts
		FROM %s
		ORDER BY merchant_key
	`, r.qualified(profilesTable)))

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListMerchantProfiles: query read: %w", err)
	}

	var rows []*ProfileRow
	for {
		var row ProfileRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListMerchantProfiles: iter next: %w", err)
		}
		rows = append(rows, &row)
	}

	return rows, nil
}
