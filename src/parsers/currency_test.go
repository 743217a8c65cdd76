package parsers

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNormalize(t *testing.T) {
	table := DefaultCurrencyTable()

	tests := []struct {
		input string
		want  string
	}{
		{"руб", "RUB"},
		{"рублей", "RUB"},
		{"руб.", "RUB"},
		{"₽", "RUB"},
		{"долларов", "USD"},
		{"долл", "USD"},
		{"$", "USD"},
		{"юаней", "CNY"},
		{"Юань", "CNY"},
		{"¥", "CNY"},
		{"usdt", "USDT"},
		{"тезер", "USDT"},
		{"Тез", "USDT"},
		{"евро", "EUR"},
		{"ЕВРО", "EUR"},
		{"сомов", "KGS"},
		{"тг", "KZT"},
		{"дирхамов", "AED"},
		// unknown codes pass through upper-cased
		{"gbp", "GBP"},
		{"xyz", "XYZ"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := table.Normalize(tt.input); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeUSDTBeforeUSD(t *testing.T) {
	table := DefaultCurrencyTable()
	// "usdt" contains "usd" yet must never collapse into it.
	if got := table.Normalize("usdt"); got != "USDT" {
		t.Fatalf("Normalize(usdt) = %q, want USDT", got)
	}
	if got := table.Normalize("usd"); got != "USD" {
		t.Fatalf("Normalize(usd) = %q, want USD", got)
	}
}

func TestStrongWeakClassification(t *testing.T) {
	table := DefaultCurrencyTable()

	for _, code := range []string{"USD", "USDT", "EUR", "AED"} {
		if !table.IsStrong(code) {
			t.Errorf("IsStrong(%s) = false, want true", code)
		}
		if table.IsWeak(code) {
			t.Errorf("IsWeak(%s) = true, want false", code)
		}
	}
	for _, code := range []string{"RUB", "KGS", "KZT", "CNY"} {
		if !table.IsWeak(code) {
			t.Errorf("IsWeak(%s) = false, want true", code)
		}
	}
	// Codes outside both sets are neither.
	if table.IsStrong("GBP") || table.IsWeak("GBP") {
		t.Errorf("GBP must be outside both classes")
	}
}

func TestFold(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Тезер", "тезер"},
		{"ЁЛКА", "елка"},
		{"  Руб  ", "руб"},
		{"USD", "usd"},
	}
	for _, tt := range tests {
		if got := Fold(tt.input); got != tt.want {
			t.Errorf("Fold(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestLoadCurrencyTable(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "currencies.json")
	valid := `{
		"usdt_aliases": ["usdt"],
		"aliases": {"руб": "RUB", "usd": "USD"},
		"strong": ["USD"],
		"weak": ["RUB"]
	}`
	if err := os.WriteFile(path, []byte(valid), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	table, err := LoadCurrencyTable(path)
	if err != nil {
		t.Fatalf("LoadCurrencyTable failed: %v", err)
	}
	if got := table.Normalize("руб"); got != "RUB" {
		t.Errorf("Normalize(руб) = %q, want RUB", got)
	}
	if !table.IsStrong("USD") || !table.IsWeak("RUB") {
		t.Errorf("loaded table lost strong/weak classification")
	}

	if _, err := LoadCurrencyTable(filepath.Join(dir, "missing.json")); err == nil {
		t.Errorf("expected error for missing file")
	}

	badCode := filepath.Join(dir, "bad_code.json")
	if err := os.WriteFile(badCode, []byte(`{"aliases": {"руб": "rub"}}`), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	if _, err := LoadCurrencyTable(badCode); err == nil {
		t.Errorf("expected error for lower-case target code")
	}

	conflicting := filepath.Join(dir, "conflicting.json")
	both := `{"aliases": {"usd": "USD"}, "strong": ["USD"], "weak": ["USD"]}`
	if err := os.WriteFile(conflicting, []byte(both), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	if _, err := LoadCurrencyTable(conflicting); err == nil {
		t.Errorf("expected error for code classified both strong and weak")
	}
}
