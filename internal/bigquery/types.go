package bigquery

import (
	"context"
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"

	"github.com/dvloznov/merchant-categorizer/internal/domain"
)

// ResultRepository provides an interface for exporting categorization results.
type ResultRepository interface {
	// InsertResults streams a batch of ResultRow into the results table.
	InsertResults(ctx context.Context, rows []*ResultRow) error
}

// ProfileRepository provides an interface for merchant profile exports.
type ProfileRepository interface {
	// UpsertMerchantProfiles merges profiles into the profiles table by merchant key.
	UpsertMerchantProfiles(ctx context.Context, rows []*ProfileRow) error

	// ListMerchantProfiles retrieves every exported profile.
	ListMerchantProfiles(ctx context.Context) ([]*ProfileRow, error)
}

// ResultRow represents one categorization result in BigQuery.
type ResultRow struct {
	TransactionID string `bigquery:"transaction_id" json:"transaction_id"` // REQUIRED
	BatchID       string `bigquery:"batch_id" json:"batch_id"`             // NULLABLE

	TransactionDate civil.Date `bigquery:"transaction_date" json:"transaction_date"` // REQUIRED
	Amount          *big.Rat   `bigquery:"amount" json:"amount"`                     // REQUIRED NUMERIC

	MerchantKey string  `bigquery:"merchant_key" json:"merchant_key"` // REQUIRED
	Category    string  `bigquery:"category" json:"category"`         // REQUIRED
	Confidence  float64 `bigquery:"confidence" json:"confidence"`     // REQUIRED
	Source      string  `bigquery:"source" json:"source"`             // REQUIRED

	NeedsReview bool                `bigquery:"needs_review" json:"needs_review"`
	Reason      bigquery.NullString `bigquery:"reason" json:"reason,omitempty"`

	RawBankCategory bigquery.NullString `bigquery:"raw_bank_category" json:"raw_bank_category,omitempty"`

	CategorizedTS time.Time `bigquery:"categorized_ts" json:"categorized_ts"` // REQUIRED
}

// ProfileRow represents one merchant profile in BigQuery.
type ProfileRow struct {
	MerchantKey   string    `bigquery:"merchant_key"`
	Category      string    `bigquery:"category"`
	Confidence    float64   `bigquery:"confidence"`
	Source        string    `bigquery:"source"`
	LastValidated time.Time `bigquery:"last_validated"`
	SampleAmounts []int64   `bigquery:"sample_amounts"` // REPEATED INT64, minor units
	HitCount      int64     `bigquery:"hit_count"`
	BusinessType  string    `bigquery:"business_type"`
	Justification string    `bigquery:"justification"`
	UpdatedTS     time.Time `bigquery:"updated_ts"`
}

// NewResultRow builds the export row for a transaction and its result.
func NewResultRow(tx domain.Transaction, res domain.CategorizationResult, batchID string, categorizedAt time.Time) *ResultRow {
	row := &ResultRow{
		TransactionID:   tx.ID,
		BatchID:         batchID,
		TransactionDate: civil.DateOf(tx.Date),
		Amount:          new(big.Rat).SetFrac64(int64(tx.Amount), 100),
		MerchantKey:     string(res.MerchantKey),
		Category:        string(res.Category),
		Confidence:      res.Confidence,
		Source:          string(res.Source),
		NeedsReview:     res.NeedsReview,
		CategorizedTS:   categorizedAt.UTC(),
	}
	if res.Reason != "" {
		row.Reason = bigquery.NullString{StringVal: res.Reason, Valid: true}
	}
	if tx.RawBankCategory != "" {
		row.RawBankCategory = bigquery.NullString{StringVal: tx.RawBankCategory, Valid: true}
	}
	return row
}

// NewProfileRow converts a merchant profile for export.
func NewProfileRow(p domain.MerchantProfile, updatedAt time.Time) *ProfileRow {
	samples := make([]int64, len(p.SampleAmounts))
	for i, a := range p.SampleAmounts {
		samples[i] = int64(a)
	}
	return &ProfileRow{
		MerchantKey:   string(p.MerchantKey),
		Category:      string(p.Category),
		Confidence:    p.Confidence,
		Source:        string(p.Source),
		LastValidated: p.LastValidated.UTC(),
		SampleAmounts: samples,
		HitCount:      p.HitCount,
		BusinessType:  p.BusinessType,
		Justification: p.Justification,
		UpdatedTS:     updatedAt.UTC(),
	}
}

// Profile converts an exported row back into a merchant profile.
func (r *ProfileRow) Profile() domain.MerchantProfile {
	p := domain.MerchantProfile{
		MerchantKey:   domain.MerchantKey(r.MerchantKey),
		Category:      domain.Category(r.Category),
		Confidence:    r.Confidence,
		Source:        domain.Source(r.Source),
		LastValidated: r.LastValidated.UTC(),
		HitCount:      r.HitCount,
		BusinessType:  r.BusinessType,
		Justification: r.Justification,
	}
	if len(r.SampleAmounts) > 0 {
		p.SampleAmounts = make([]domain.Amount, len(r.SampleAmounts))
		for i, a := range r.SampleAmounts {
			p.SampleAmounts[i] = domain.Amount(a)
		}
	}
	return p
}
