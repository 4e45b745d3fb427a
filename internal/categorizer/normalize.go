package categorizer

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/dvloznov/merchant-categorizer/internal/domain"
)

// UnknownMerchant is the key of transactions with an empty description.
const UnknownMerchant domain.MerchantKey = "unknown"

// Payment-channel prefixes that say nothing about the merchant.
var descriptionPrefixes = []string{
	"compra en",
	"compra tarjeta",
	"pago en",
	"pago con tarjeta",
	"recibo de",
	"transferencia de",
	"card purchase",
	"card payment",
	"contactless",
	"pos",
}

var (
	cardMaskRe  = regexp.MustCompile(`(\*{2,}|x{4,})\d*`)
	isoDateRe   = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	shortDateRe = regexp.MustCompile(`\b\d{1,2}[/.]\d{1,2}([/.]\d{2,4})?\b`)
)

const tokenPunct = ",.;:-_/\\'\"()[]{}"

// NormalizeMerchantKey canonicalizes a raw transaction description into a
// stable merchant key. It never fails: descriptions that reduce to nothing
// fall back to a plain lowercase form, and empty ones to UnknownMerchant.
func NormalizeMerchantKey(description string) domain.MerchantKey {
	base := strings.Join(strings.Fields(strings.ToLower(foldAccents(description))), " ")
	if base == "" {
		return UnknownMerchant
	}

	s := cardMaskRe.ReplaceAllString(base, " ")
	s = isoDateRe.ReplaceAllString(s, " ")
	s = shortDateRe.ReplaceAllString(s, " ")
	s = strings.NewReplacer("*", " ", "#", " ").Replace(s)
	s = strings.Join(strings.Fields(s), " ")
	s = stripPrefixes(s)

	var tokens []string
	for _, tok := range strings.Fields(s) {
		tok = strings.Trim(tok, tokenPunct)
		if tok == "" || isNumeric(tok) {
			continue
		}
		tokens = append(tokens, tok)
	}
	// Trailing tokens carrying digits are transaction or terminal ids.
	for len(tokens) > 1 && hasDigit(tokens[len(tokens)-1]) {
		tokens = tokens[:len(tokens)-1]
	}

	if len(tokens) > 0 {
		return domain.MerchantKey(strings.Join(tokens, " "))
	}
	return fallbackKey(base)
}

func fallbackKey(base string) domain.MerchantKey {
	var kept []string
	for _, tok := range strings.Fields(base) {
		if !isNumeric(strings.Trim(tok, tokenPunct)) {
			kept = append(kept, tok)
		}
	}
	if len(kept) == 0 {
		return domain.MerchantKey(base)
	}
	return domain.MerchantKey(strings.Join(kept, " "))
}

func stripPrefixes(s string) string {
	for stripped := true; stripped; {
		stripped = false
		for _, p := range descriptionPrefixes {
			if strings.HasPrefix(s, p+" ") {
				s = strings.TrimSpace(s[len(p):])
				stripped = true
			}
		}
	}
	return s
}

func foldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func isNumeric(tok string) bool {
	if tok == "" {
		return false
	}
	for _, r := range tok {
		if !unicode.IsDigit(r) && r != '.' && r != ',' {
			return false
		}
	}
	return true
}

func hasDigit(tok string) bool {
	return strings.IndexFunc(tok, unicode.IsDigit) >= 0
}
