package domain

import "strings"

// Category is a semantic spending category.
type Category string

// Category taxonomy. The reasoning service must answer with one of these.
const (
	CategoryIncome           Category = "Income"
	CategorySavings          Category = "Savings"
	CategoryTaxes            Category = "Taxes"
	CategoryTransfers        Category = "Transfers"
	CategoryInternalTransfer Category = "Internal Transfer"
	CategoryDonations        Category = "Donations"
	CategoryLoan             Category = "Loan"
	CategoryATM              Category = "ATM"
	CategoryGroceries        Category = "Groceries"
	CategoryFoodDining       Category = "Food & Dining"
	CategoryFuel             Category = "Fuel"
	CategoryTransportation   Category = "Transportation"
	CategoryShopping         Category = "Shopping"
	CategoryEntertainment    Category = "Entertainment"
	CategoryHealthcare       Category = "Healthcare"
	CategoryUtilities        Category = "Utilities"
	CategoryServices         Category = "Services"
	CategoryEducation        Category = "Education"
	CategoryTechSoftware     Category = "Tech & Software"
	CategorySports           Category = "Sports"
	CategoryVending          Category = "Vending"
	CategoryHousing          Category = "Housing"
	CategoryFees             Category = "Fees"

	// CategoryUncategorized is the fallback for rejected or unresolved transactions.
	CategoryUncategorized Category = "Uncategorized"
)

// Categories lists the full taxonomy in display order.
var Categories = []Category{
	CategoryIncome, CategorySavings, CategoryTaxes, CategoryTransfers, CategoryInternalTransfer,
	CategoryDonations, CategoryLoan, CategoryATM, CategoryGroceries, CategoryFoodDining,
	CategoryFuel, CategoryTransportation, CategoryShopping, CategoryEntertainment,
	CategoryHealthcare, CategoryUtilities, CategoryServices, CategoryEducation,
	CategoryTechSoftware, CategorySports, CategoryVending, CategoryHousing, CategoryFees,
	CategoryUncategorized,
}

var categoryIndex = func() map[string]Category {
	m := make(map[string]Category, len(Categories))
	for _, c := range Categories {
		m[normalizeCategory(string(c))] = c
	}
	return m
}()

// ParseCategory resolves a free-form category name against the taxonomy,
// ignoring case and surrounding whitespace.
func ParseCategory(name string) (Category, bool) {
	c, ok := categoryIndex[normalizeCategory(name)]
	return c, ok
}

// normalizeCategory normalizes a category name for comparison.
func normalizeCategory(name string) string {
	return strings.ToUpper(strings.Join(strings.Fields(name), " "))
}
