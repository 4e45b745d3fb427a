package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Transaction is one normalized, already anonymized transaction handed over by the
// extraction stage. It is never modified by the categorizer.
type Transaction struct {
	ID              string    `json:"id"`
	Date            time.Time `json:"date"`
	Description     string    `json:"description"`
	Amount          Amount    `json:"amount"`                      // signed, minor units (IN = positive, OUT = negative)
	RawBankCategory string    `json:"raw_bank_category,omitempty"` // untrusted, as supplied by the bank
}

// UnmarshalJSON accepts the date either as "2006-01-02" or as RFC 3339.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	type plain Transaction
	var raw struct {
		plain
		Date string `json:"date"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = Transaction(raw.plain)
	t.Date = time.Time{}

	if raw.Date == "" {
		return nil
	}
	for _, layout := range []string{time.DateOnly, time.RFC3339Nano} {
		if d, err := time.Parse(layout, raw.Date); err == nil {
			t.Date = d
			return nil
		}
	}
	return fmt.Errorf("transaction %q: invalid date %q", raw.ID, raw.Date)
}

// MerchantKey is the normalized merchant identifier derived from a description.
// Two transactions with the same key are treated as the same merchant.
type MerchantKey string

// String returns the key as a plain string.
func (k MerchantKey) String() string {
	return string(k)
}
