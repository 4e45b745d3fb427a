package categorizer

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dvloznov/merchant-categorizer/internal/domain"
)

const maxSnippetChars = 200

// BuildResearchPrompt composes the reasoning prompt for a merchant from its
// key, one transaction amount and the lookup snippets.
func BuildResearchPrompt(key domain.MerchantKey, amount domain.Amount, snippets []Snippet) string {
	var b strings.Builder
	b.WriteString("You are a financial transaction categorizer for Spanish bank statements.\n\n")
	b.WriteString("MERCHANT: " + string(key) + "\n")
	b.WriteString("AMOUNT: " + amount.String() + " EUR (negative is money OUT, positive is money IN)\n\n")

	b.WriteString("WEB SEARCH RESULTS:\n")
	if len(snippets) == 0 {
		b.WriteString("No web results available\n")
	}
	for i, s := range snippets {
		fmt.Fprintf(&b, "Result %d:\nTitle: %s\nContent: %s\n", i+1, s.Title, truncateRunes(s.Content, maxSnippetChars))
	}

	b.WriteString("\nUse ONLY the following categories:\n")
	for _, c := range domain.Categories {
		b.WriteString("  - " + string(c) + "\n")
	}

	b.WriteString("\nCATEGORY ASSIGNMENT RULES:\n")
	b.WriteString("1. Category must be EXACTLY one of the category names shown above.\n")
	b.WriteString("2. Positive amounts are usually Income or refunds.\n")
	b.WriteString("3. \"traspaso\" is usually an Internal Transfer between own accounts.\n")
	b.WriteString("4. Gas stations are Fuel, not Transportation.\n")
	b.WriteString("5. If you are unsure, use \"Uncategorized\" with a low confidence.\n\n")

	b.WriteString("Output STRICT JSON only, a single object with these fields:\n")
	b.WriteString("- \"category\": string\n")
	b.WriteString("- \"confidence\": number between 0.0 and 1.0\n")
	b.WriteString("- \"business_type\": string\n")
	b.WriteString("- \"reasoning\": string, one sentence\n\n")
	b.WriteString("Do NOT wrap the response in code fences.\n")
	b.WriteString("Output must begin with \"{\" and end with \"}\".\n")
	return b.String()
}

// truncateRunes cuts s to at most n runes without splitting a character.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// ParseReasoning extracts a ResearchAnswer from a reasoning response. Any
// deviation from the contract yields ErrReasoningParse.
func ParseReasoning(raw string) (ResearchAnswer, error) {
	clean := cleanModelJSON(raw)
	if clean == "" {
		return ResearchAnswer{}, fmt.Errorf("%w: empty response", ErrReasoningParse)
	}

	var m map[string]interface{}
	if err := json.Unmarshal([]byte(clean), &m); err != nil {
		return ResearchAnswer{}, fmt.Errorf("%w: %v", ErrReasoningParse, err)
	}

	catName, err := getStringField(m, "category", true)
	if err != nil {
		return ResearchAnswer{}, fmt.Errorf("%w: %v", ErrReasoningParse, err)
	}
	category, ok := domain.ParseCategory(catName)
	if !ok {
		return ResearchAnswer{}, fmt.Errorf("%w: unknown category %q", ErrReasoningParse, catName)
	}

	confidence, err := getFloat64Field(m, "confidence", true)
	if err != nil {
		return ResearchAnswer{}, fmt.Errorf("%w: %v", ErrReasoningParse, err)
	}
	if confidence < 0 || confidence > 1 {
		return ResearchAnswer{}, fmt.Errorf("%w: confidence %v outside [0,1]", ErrReasoningParse, confidence)
	}

	justification, err := getStringField(m, "reasoning", false)
	if err != nil {
		return ResearchAnswer{}, fmt.Errorf("%w: %v", ErrReasoningParse, err)
	}
	businessType, err := getStringField(m, "business_type", false)
	if err != nil {
		return ResearchAnswer{}, fmt.Errorf("%w: %v", ErrReasoningParse, err)
	}

	return ResearchAnswer{
		Category:         category,
		Justification:    strings.TrimSpace(justification),
		BusinessType:     strings.TrimSpace(businessType),
		LookupConfidence: confidence,
	}, nil
}

func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	// Handle ```json ... ``` or ``` ... ``` wrappers.
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return ""
		}
		s = strings.TrimSpace(s)
	}

	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}

	s = strings.TrimSpace(s)

	// Keep only from the first '{' to the last '}'.
	if start := strings.Index(s, "{"); start != -1 {
		if end := strings.LastIndex(s, "}"); end != -1 && end > start {
			s = strings.TrimSpace(s[start : end+1])
		}
	}

	return s
}

func getStringField(m map[string]interface{}, key string, required bool) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("missing required field %q", key)
		}
		return "", nil
	}
	switch val := v.(type) {
	case string:
		if required && strings.TrimSpace(val) == "" {
			return "", fmt.Errorf("required field %q is empty", key)
		}
		return val, nil
	default:
		return "", fmt.Errorf("field %q has type %T, want string", key, v)
	}
}

func getFloat64Field(m map[string]interface{}, key string, required bool) (float64, error) {
	v, ok := m[key]
	if !ok || v == nil {
		if required {
			return 0, fmt.Errorf("missing required field %q", key)
		}
		return 0, nil
	}
	switch val := v.(type) {
	case float64:
		return val, nil
	default:
		return 0, fmt.Errorf("field %q has type %T, want number", key, v)
	}
}
