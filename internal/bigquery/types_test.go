package bigquery

import (
	"math/big"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/go-cmp/cmp"

	"github.com/dvloznov/merchant-categorizer/internal/domain"
)

func TestNewResultRow(t *testing.T) {
	tx := domain.Transaction{
		ID:              "tx-1",
		Date:            time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		Description:     "CEPSA 0042",
		Amount:          -4550,
		RawBankCategory: "Otros",
	}
	res := domain.CategorizationResult{
		TransactionID: "tx-1",
		MerchantKey:   "cepsa",
		Category:      domain.CategoryFuel,
		Confidence:    1,
		Source:        domain.SourceRule,
	}

	row := NewResultRow(tx, res, "batch-1", time.Date(2025, 7, 2, 10, 0, 0, 0, time.UTC))

	if row.TransactionDate != (civil.Date{Year: 2025, Month: time.July, Day: 1}) {
		t.Errorf("TransactionDate = %v", row.TransactionDate)
	}
	if row.Amount.Cmp(big.NewRat(-455, 10)) != 0 {
		t.Errorf("Amount = %v, want -45.5", row.Amount.FloatString(2))
	}
	if row.Reason.Valid {
		t.Error("Reason should be NULL for a clean result")
	}
	if !row.RawBankCategory.Valid || row.RawBankCategory.StringVal != "Otros" {
		t.Errorf("RawBankCategory = %+v", row.RawBankCategory)
	}
	if row.Category != "Fuel" || row.Source != "rule" || row.BatchID != "batch-1" {
		t.Errorf("row = %+v", row)
	}
}

func TestProfileRow_RoundTrip(t *testing.T) {
	profiles := []domain.MerchantProfile{
		{
			MerchantKey:   "amzn mktp",
			Category:      domain.CategoryShopping,
			Confidence:    0.9,
			Source:        domain.SourceResearch,
			LastValidated: time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC),
			SampleAmounts: []domain.Amount{-2599, -4999},
			HitCount:      2,
			BusinessType:  "marketplace",
			Justification: "online retailer",
		},
		{
			MerchantKey:   "hacienda",
			Category:      domain.CategoryTaxes,
			Confidence:    1,
			Source:        domain.SourceRule,
			LastValidated: time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC),
		},
	}

	for _, want := range profiles {
		got := NewProfileRow(want, time.Now()).Profile()
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}
