package categorizer

import (
	"fmt"

	"github.com/dvloznov/merchant-categorizer/internal/domain"
)

// Verdict is the outcome of a consistency check.
type Verdict int

const (
	Accept Verdict = iota
	Reject
	Uncertain
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	case Uncertain:
		return "uncertain"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Direction is the sign a category's amounts are expected to have.
type Direction int

const (
	Either Direction = iota
	Outflow
	Inflow
)

// Bounds describes what a plausible amount looks like for a category. Lo and
// Hi are absolute values in minor units; a zero Hi means no static range.
type Bounds struct {
	Lo, Hi    domain.Amount
	Direction Direction
}

func (b Bounds) hasRange() bool { return b.Hi > 0 }

func eur(units int64) domain.Amount { return domain.Amount(units * 100) }

// DefaultBounds is the static plausibility table, in EUR.
func DefaultBounds() map[domain.Category]Bounds {
	return map[domain.Category]Bounds{
		domain.CategoryIncome:           {Lo: eur(1), Hi: eur(20000), Direction: Inflow},
		domain.CategorySavings:          {Lo: eur(1), Hi: eur(50000), Direction: Either},
		domain.CategoryTaxes:            {Lo: eur(1), Hi: eur(20000), Direction: Outflow},
		domain.CategoryTransfers:        {Lo: eur(1), Hi: eur(20000), Direction: Either},
		domain.CategoryInternalTransfer: {Lo: eur(1), Hi: eur(50000), Direction: Either},
		domain.CategoryDonations:        {Lo: eur(1), Hi: eur(1000), Direction: Outflow},
		domain.CategoryLoan:             {Lo: eur(10), Hi: eur(5000), Direction: Outflow},
		domain.CategoryATM:              {Lo: eur(10), Hi: eur(1000), Direction: Outflow},
		domain.CategoryGroceries:        {Lo: eur(1), Hi: eur(400), Direction: Outflow},
		domain.CategoryFoodDining:       {Lo: eur(1), Hi: eur(150), Direction: Outflow},
		domain.CategoryFuel:             {Lo: eur(20), Hi: eur(120), Direction: Outflow},
		domain.CategoryTransportation:   {Lo: eur(1), Hi: eur(150), Direction: Outflow},
		domain.CategoryShopping:         {Lo: eur(1), Hi: eur(1000), Direction: Outflow},
		domain.CategoryEntertainment:    {Lo: eur(1), Hi: eur(200), Direction: Outflow},
		domain.CategoryHealthcare:       {Lo: eur(1), Hi: eur(800), Direction: Outflow},
		domain.CategoryUtilities:        {Lo: eur(5), Hi: eur(400), Direction: Outflow},
		domain.CategoryServices:         {Lo: eur(1), Hi: eur(1000), Direction: Outflow},
		domain.CategoryEducation:        {Lo: eur(5), Hi: eur(3000), Direction: Outflow},
		domain.CategoryTechSoftware:     {Lo: eur(1), Hi: eur(500), Direction: Outflow},
		domain.CategorySports:           {Lo: eur(5), Hi: eur(200), Direction: Outflow},
		domain.CategoryVending:          {Lo: 50, Hi: eur(10), Direction: Outflow},
		domain.CategoryHousing:          {Lo: eur(100), Hi: eur(3000), Direction: Outflow},
		domain.CategoryFees:             {Lo: 10, Hi: eur(100), Direction: Outflow},
	}
}

const (
	// DefaultMinSamples is how many samples are needed before they widen the range.
	DefaultMinSamples = 3

	// DefaultRejectFactor is how far outside the range an amount must fall to be rejected.
	DefaultRejectFactor = 10
)

// ConsistencyValidator checks candidate categories against transaction
// amounts. It is stateless and safe for concurrent use.
type ConsistencyValidator struct {
	bounds       map[domain.Category]Bounds
	minSamples   int
	rejectFactor int64
}

// NewConsistencyValidator creates a validator over the given bounds table. A
// nil table selects DefaultBounds.
func NewConsistencyValidator(bounds map[domain.Category]Bounds) *ConsistencyValidator {
	if bounds == nil {
		bounds = DefaultBounds()
	}
	return &ConsistencyValidator{
		bounds:       bounds,
		minSamples:   DefaultMinSamples,
		rejectFactor: DefaultRejectFactor,
	}
}

// Validate judges category for amount. samples are previously seen amounts
// of the same merchant under the same category; they widen the static range
// once there are enough of them. The returned string explains the verdict.
func (v *ConsistencyValidator) Validate(category domain.Category, amount domain.Amount, samples []domain.Amount) (Verdict, string) {
	if category == domain.CategoryUncategorized {
		return Uncertain, "no category to validate"
	}
	if amount == 0 {
		return Uncertain, "zero amount"
	}

	b := v.bounds[category]
	if b.Direction == Outflow && amount > 0 {
		return Uncertain, fmt.Sprintf("%s is usually an outflow", category)
	}
	if b.Direction == Inflow && amount < 0 {
		return Uncertain, fmt.Sprintf("%s is usually an inflow", category)
	}

	lo, hi, ok := v.plausibleRange(b, samples)
	if !ok {
		return Uncertain, fmt.Sprintf("no known range for %s", category)
	}

	abs := amount.Abs()
	switch {
	case abs >= lo && abs <= hi:
		return Accept, ""
	case int64(abs) > int64(hi)*v.rejectFactor || int64(abs)*v.rejectFactor < int64(lo):
		return Reject, fmt.Sprintf("%s: amount %s far outside plausible range %s..%s: %v",
			category, abs, lo, hi, ErrValidationRejected)
	default:
		return Uncertain, fmt.Sprintf("%s: amount %s outside plausible range %s..%s", category, abs, lo, hi)
	}
}

func (v *ConsistencyValidator) plausibleRange(b Bounds, samples []domain.Amount) (lo, hi domain.Amount, ok bool) {
	if b.hasRange() {
		lo, hi, ok = b.Lo, b.Hi, true
	}
	if len(samples) < v.minSamples {
		return lo, hi, ok
	}
	for _, s := range samples {
		a := s.Abs()
		if a == 0 {
			continue
		}
		if !ok {
			lo, hi, ok = a, a, true
			continue
		}
		if a < lo {
			lo = a
		}
		if a > hi {
			hi = a
		}
	}
	return lo, hi, ok
}
