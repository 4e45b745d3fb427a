package domain

// CategorizationResult is the single output emitted for every input transaction.
type CategorizationResult struct {
	TransactionID string      `json:"transaction_id"`
	MerchantKey   MerchantKey `json:"merchant_key"`
	Category      Category    `json:"category"`
	Confidence    float64     `json:"confidence"`
	Source        Source      `json:"source"`
	NeedsReview   bool        `json:"needs_review"`
	Reason        string      `json:"reason,omitempty"` // why review is needed, empty otherwise
}
