package domain

import (
	"fmt"
	"time"
)

// Source records which stage produced a category assignment.
type Source string

const (
	SourceRule     Source = "rule"
	SourceMemory   Source = "memory"
	SourceResearch Source = "research"
)

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	switch s {
	case SourceRule, SourceMemory, SourceResearch:
		return true
	}
	return false
}

// MerchantProfile is the learned knowledge about one merchant. Profiles are owned
// by the knowledge store; callers always work on copies.
type MerchantProfile struct {
	MerchantKey   MerchantKey `json:"merchant_key"`
	Category      Category    `json:"category"`
	Confidence    float64     `json:"confidence"`
	Source        Source      `json:"source"`
	LastValidated time.Time   `json:"last_validated"`
	SampleAmounts []Amount    `json:"sample_amounts,omitempty"` // most recent last
	HitCount      int64       `json:"hit_count"`
	BusinessType  string      `json:"business_type,omitempty"`
	Justification string      `json:"justification,omitempty"`
}

// Clone returns a deep copy.
func (p MerchantProfile) Clone() MerchantProfile {
	if p.SampleAmounts != nil {
		p.SampleAmounts = append([]Amount(nil), p.SampleAmounts...)
	}
	return p
}

// Validate checks the structural invariants of a profile. It is used when
// profiles are loaded from durable storage.
func (p MerchantProfile) Validate() error {
	if p.MerchantKey == "" {
		return fmt.Errorf("empty merchant key")
	}
	if _, ok := ParseCategory(string(p.Category)); !ok {
		return fmt.Errorf("merchant %q: unknown category %q", p.MerchantKey, p.Category)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("merchant %q: confidence %v outside [0,1]", p.MerchantKey, p.Confidence)
	}
	if !p.Source.Valid() {
		return fmt.Errorf("merchant %q: unknown source %q", p.MerchantKey, p.Source)
	}
	if p.HitCount < 0 {
		return fmt.Errorf("merchant %q: negative hit count", p.MerchantKey)
	}
	return nil
}
