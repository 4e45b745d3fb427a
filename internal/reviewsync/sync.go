// Package reviewsync pushes categorization results that need a human decision
// to a Notion review database.
package reviewsync

import (
	"context"
	"fmt"

	"github.com/jomei/notionapi"

	"github.com/dvloznov/merchant-categorizer/internal/logger"
)

// Summary counts what a sync did.
type Summary struct {
	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Archived int `json:"archived"`
	Failed   int `json:"failed"`
}

// Syncer keeps a Notion database in line with the review queue. Pages are
// keyed by transaction id, so repeated syncs of the same batch are idempotent.
type Syncer struct {
	client     NotionService
	databaseID string
	dryRun     bool
}

// NewSyncer creates a Syncer for the given review database.
func NewSyncer(client NotionService, databaseID string, dryRun bool) *Syncer {
	return &Syncer{client: client, databaseID: databaseID, dryRun: dryRun}
}

// Sync creates a page for every item that needs review and updates pages that
// already exist. Items that no longer need review archive their page. Page
// failures are logged and counted; only a failed database query aborts.
func (s *Syncer) Sync(ctx context.Context, items []Item) (Summary, error) {
	log := logger.FromContext(ctx)
	var sum Summary

	log.Info().
		Int("items", len(items)).
		Bool("dry_run", s.dryRun).
		Msg("Starting review queue sync to Notion")

	pages, err := queryAllNotionPages(ctx, s.client, s.databaseID)
	if err != nil {
		return sum, fmt.Errorf("failed to query Notion pages: %w", err)
	}

	existing := make(map[string]string, len(pages))
	for _, page := range pages {
		if txID := extractTransactionID(page); txID != "" {
			existing[txID] = string(page.ID)
		}
	}
	log.Debug().Int("notion_page_count", len(existing)).Msg("Retrieved existing review pages")

	for _, item := range items {
		txID := item.Transaction.ID
		pageID, found := existing[txID]
		itemLog := log.With().Str("transaction_id", txID).Str("page_id", pageID).Logger()

		switch {
		case !item.Result.NeedsReview && found:
			if s.dryRun {
				itemLog.Info().Msg("[DRY RUN] Would archive resolved review page")
				sum.Archived++
				continue
			}
			if err := s.client.ArchivePage(ctx, pageID); err != nil {
				itemLog.Warn().Err(err).Msg("Failed to archive review page")
				sum.Failed++
				continue
			}
			sum.Archived++

		case !item.Result.NeedsReview:
			continue

		case found:
			if s.dryRun {
				itemLog.Info().Msg("[DRY RUN] Would update review page")
				sum.Updated++
				continue
			}
			if _, err := s.client.UpdatePage(ctx, pageID, ReviewToNotionProperties(item)); err != nil {
				itemLog.Warn().Err(err).Msg("Failed to update review page")
				sum.Failed++
				continue
			}
			sum.Updated++

		default:
			if s.dryRun {
				itemLog.Info().Msg("[DRY RUN] Would create review page")
				sum.Created++
				continue
			}
			page, err := s.client.CreatePage(ctx, s.databaseID, ReviewToNotionProperties(item))
			if err != nil {
				itemLog.Warn().Err(err).Msg("Failed to create review page")
				sum.Failed++
				continue
			}
			existing[txID] = string(page.ID)
			sum.Created++
		}
	}

	log.Info().
		Int("created", sum.Created).
		Int("updated", sum.Updated).
		Int("archived", sum.Archived).
		Int("failed", sum.Failed).
		Msg("Review queue sync completed")

	return sum, nil
}

func queryAllNotionPages(ctx context.Context, client NotionService, databaseID string) ([]notionapi.Page, error) {
	var (
		allPages []notionapi.Page
		cursor   notionapi.Cursor
	)

	for {
		req := &notionapi.DatabaseQueryRequest{PageSize: 100}
		if cursor != "" {
			req.StartCursor = cursor
		}

		resp, err := client.QueryDatabase(ctx, databaseID, req)
		if err != nil {
			return nil, fmt.Errorf("queryAllNotionPages: %w", err)
		}
		allPages = append(allPages, resp.Results...)

		if !resp.HasMore {
			break
		}
		cursor = resp.NextCursor
	}
	return allPages, nil
}
