package categorizer

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dvloznov/merchant-categorizer/internal/domain"
)

// Rule maps merchant keys to a category. A rule matches when any of its
// keywords appears in the key as whole words, or when its pattern matches.
type Rule struct {
	Name     string          `yaml:"name"`
	Category domain.Category `yaml:"category"`
	Keywords []string        `yaml:"keywords,omitempty"`
	Pattern  string          `yaml:"pattern,omitempty"`
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// RuleMatcher evaluates an ordered rule table. The first matching rule wins.
type RuleMatcher struct {
	rules []compiledRule
}

// NewRuleMatcher compiles rules in the order given.
func NewRuleMatcher(rules []Rule) (*RuleMatcher, error) {
	m := &RuleMatcher{rules: make([]compiledRule, 0, len(rules))}
	for i, r := range rules {
		cat, ok := domain.ParseCategory(string(r.Category))
		if !ok {
			return nil, fmt.Errorf("NewRuleMatcher: rule %d (%s): unknown category %q", i, r.Name, r.Category)
		}
		if len(r.Keywords) == 0 && r.Pattern == "" {
			return nil, fmt.Errorf("NewRuleMatcher: rule %d (%s): needs keywords or a pattern", i, r.Name)
		}
		r.Category = cat

		cr := compiledRule{Rule: r}
		cr.Keywords = make([]string, len(r.Keywords))
		for j, kw := range r.Keywords {
			cr.Keywords[j] = string(NormalizeMerchantKey(kw))
		}
		if r.Pattern != "" {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("NewRuleMatcher: rule %d (%s): %w", i, r.Name, err)
			}
			cr.re = re
		}
		m.rules = append(m.rules, cr)
	}
	return m, nil
}

// DefaultRuleMatcher returns the built-in rule table.
func DefaultRuleMatcher() *RuleMatcher {
	m, err := NewRuleMatcher(DefaultRules())
	if err != nil {
		panic(err)
	}
	return m
}

// LoadRules reads an ordered rule table from a YAML file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadRules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes a YAML document of the form `rules: [...]`.
func ParseRules(data []byte) ([]Rule, error) {
	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("ParseRules: %w", err)
	}
	if len(doc.Rules) == 0 {
		return nil, fmt.Errorf("ParseRules: no rules defined")
	}
	return doc.Rules, nil
}

// Match returns the category of the first rule matching key.
func (m *RuleMatcher) Match(key domain.MerchantKey) (domain.Category, string, bool) {
	padded := " " + string(key) + " "
	for _, r := range m.rules {
		for _, kw := range r.Keywords {
			if strings.Contains(padded, " "+kw+" ") {
				return r.Category, r.Name, true
			}
		}
		if r.re != nil && r.re.MatchString(string(key)) {
			return r.Category, r.Name, true
		}
	}
	return "", "", false
}

// Len returns the number of rules.
func (m *RuleMatcher) Len() int {
	return len(m.rules)
}

// DefaultRules is the built-in table for Spanish retail banking descriptions.
// Government and internal movements come first so that merchant patterns
// never shadow them.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "tax-office", Category: domain.CategoryTaxes, Keywords: []string{
			"agencia tributaria", "aeat", "hacienda", "seguridad social", "tgss", "impuesto", "impuestos",
		}},
		{Name: "internal-transfer", Category: domain.CategoryInternalTransfer, Keywords: []string{
			"traspaso", "traspaso programa", "traspaso cuenta",
		}},
		{Name: "cash-withdrawal", Category: domain.CategoryATM, Keywords: []string{
			"cajero", "retirada efectivo", "retirada", "atm",
		}},
		{Name: "income", Category: domain.CategoryIncome, Keywords: []string{
			"nomina", "transferencia recibida", "abono", "pension", "bonificacion",
		}},
		{Name: "outgoing-transfer", Category: domain.CategoryTransfers, Keywords: []string{
			"transferencia realizada", "transferencia enviada", "bizum",
		}},
		{Name: "loan", Category: domain.CategoryLoan, Keywords: []string{
			"prestamo", "amortizacion", "hipoteca", "credito",
		}},
		{Name: "housing", Category: domain.CategoryHousing, Keywords: []string{
			"alquiler", "comunidad", "ibi",
		}},
		{Name: "bank-fees", Category: domain.CategoryFees, Keywords: []string{
			"comision", "comisiones",
		}},
		{Name: "donations", Category: domain.CategoryDonations,
			Pattern: `\b(fundacion|donacion|caritas|cruz roja|unicef)\b`},
		{Name: "groceries", Category: domain.CategoryGroceries,
			Pattern: `\b(supermercado|alimentacion|mercadona|carrefour|lidl|aldi|eroski|alcampo|consum|ahorramas|froiz|condis|bonpreu|caprabo|ametller origen)\b`},
		{Name: "food-delivery", Category: domain.CategoryFoodDining,
			Pattern: `\b(glovo|glovoapp|uber eats|just eat|deliveroo|telepizza|dominos)\b`},
		{Name: "food", Category: domain.CategoryFoodDining,
			Pattern: `\b(mcdonald'?s?|restaurante?|cafeteria|pizzeria|burger|kebab|sushi|cerveceria|gelateria)\b`},
		{Name: "fuel", Category: domain.CategoryFuel,
			Pattern: `\b(gasolinera|gasolina|repsol|cepsa|galp|petronor|ballenoil|plenoil)\b`},
		{Name: "transport", Category: domain.CategoryTransportation,
			Pattern: `\b(renfe|metro|tmb|taxi|uber|cabify|parking|peaje|autopista)\b`},
		{Name: "shopping", Category: domain.CategoryShopping,
			Pattern: `\b(zara|primark|amazon|aliexpress|ikea|decathlon|mango|corte ingles|fnac)\b`},
		{Name: "entertainment", Category: domain.CategoryEntertainment,
			Pattern: `\b(netflix|spotify|hbo|disney|cine|teatro|concierto)\b`},
		{Name: "healthcare", Category: domain.CategoryHealthcare,
			Pattern: `\b(farmacia|clinica|hospital|medico|dentista)\b`},
		{Name: "utilities", Category: domain.CategoryUtilities,
			Pattern: `\b(endesa|naturgy|iberdrola|movistar|vodafone|orange|aigues)\b`},
		{Name: "education", Category: domain.CategoryEducation,
			Pattern: `\b(universidad|escuela|colegio|udemy|coursera)\b`},
		{Name: "software", Category: domain.CategoryTechSoftware,
			Pattern: `\b(openai|github|claude\.ai|microsoft|apple\.com)\b`},
		{Name: "sports", Category: domain.CategorySports,
			Pattern: `\b(gimnasio|gym|fitness|piscina|yoga|pilates|crossfit)\b`},
		{Name: "vending", Category: domain.CategoryVending,
			Pattern: `\bvending\b`},
		{Name: "personal-services", Category: domain.CategoryServices,
			Pattern: `\b(peluqueria|perruqueria|lavanderia|tintoreria)\b`},
	}
}
