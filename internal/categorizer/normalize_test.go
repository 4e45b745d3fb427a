package categorizer

import (
	"testing"

	"github.com/dvloznov/merchant-categorizer/internal/domain"
)

func TestNormalizeMerchantKey(t *testing.T) {
	tests := []struct {
		name        string
		description string
		want        domain.MerchantKey
	}{
		{name: "plain", description: "AMZN MKTP", want: "amzn mktp"},
		{name: "transaction id suffix", description: "AMZN Mktp US*2K3LM4", want: "amzn mktp us"},
		{name: "same merchant other id", description: "AMZN MKTP US*9X8YZ1", want: "amzn mktp us"},
		{name: "payment prefix and card mask", description: "COMPRA EN MERCADONA 01/07 ****1234", want: "mercadona"},
		{name: "iso date and terminal", description: "Pago en  CEPSA 2025-07-01  T0042", want: "cepsa"},
		{name: "accents folded", description: "Farmacia Núñez", want: "farmacia nunez"},
		{name: "hash separator", description: "PAYPAL #SPOTIFY 12345", want: "paypal spotify"},
		{name: "whitespace collapsed", description: "  Bar   Manolo  ", want: "bar manolo"},
		{name: "digits only falls back", description: "16307", want: "16307"},
		{name: "empty", description: "   ", want: UnknownMerchant},
		{name: "only prefix", description: "compra en", want: "compra en"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeMerchantKey(tt.description)
			if got != tt.want {
				t.Errorf("NormalizeMerchantKey(%q) = %q, want %q", tt.description, got, tt.want)
			}
		})
	}
}

func TestNormalizeMerchantKey_Deterministic(t *testing.T) {
	desc := "CARD PURCHASE Lidl 0456 Barcelona 12/05"
	first := NormalizeMerchantKey(desc)
	for i := 0; i < 100; i++ {
		if got := NormalizeMerchantKey(desc); got != first {
			t.Fatalf("run %d: got %q, want %q", i, got, first)
		}
	}
	if first == "" {
		t.Error("Expected non-empty key")
	}
}
