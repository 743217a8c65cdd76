// src/parsers/currency.go
package parsers

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// CurrencyTable drives currency normalization and the strong/weak settlement
// classification. The compiled-in defaults cover the desks' Russian-language
// traffic; an external JSON file can replace them wholesale.
type CurrencyTable struct {
	usdtAliases map[string]struct{}
	aliases     map[string]string
	strong      map[string]struct{}
	weak        map[string]struct{}
}

type currencyTableFile struct {
	USDTAliases []string          `json:"usdt_aliases"`
	Aliases     map[string]string `json:"aliases"`
	Strong      []string          `json:"strong"`
	Weak        []string          `json:"weak"`
}

// DefaultCurrencyTable returns the built-in alias table: morphological Russian
// variants, the symbols $ € ¥ ₽ and the common abbreviations.
func DefaultCurrencyTable() *CurrencyTable {
	return newCurrencyTable(currencyTableFile{
		USDTAliases: []string{"usdt", "тез", "тезер"},
		Aliases: map[string]string{
			"руб": "RUB", "₽": "RUB", "рублей": "RUB", "rub": "RUB", "рубля": "RUB", "рубли": "RUB", "rubles": "RUB",
			"сом": "KGS", "сомов": "KGS", "kgs": "KGS",
			"usd": "USD", "долл": "USD", "$": "USD", "дол": "USD",
			"доллар": "USD", "долларов": "USD", "долларах": "USD",
			"eur": "EUR", "€": "EUR", "ев": "EUR", "евро": "EUR", "euro": "EUR",
			"kzt": "KZT", "тенге": "KZT", "тг": "KZT",
			"cny": "CNY", "yuan": "CNY", "¥": "CNY",
			"юан": "CNY", "юань": "CNY", "юаней": "CNY", "юани": "CNY", "юаня": "CNY",
			"aed": "AED", "дирхам": "AED", "дирхамов": "AED", "дир": "AED", "dirham": "AED", "dirhams": "AED",
		},
		Strong: []string{"USD", "USDT", "EUR", "AED"},
		Weak:   []string{"RUB", "KGS", "KZT", "CNY"},
	})
}

// LoadCurrencyTable reads and validates an external table. Callers fall back
// to DefaultCurrencyTable when the path does not exist.
func LoadCurrencyTable(path string) (*CurrencyTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading currency table: %w", err)
	}
	var f currencyTableFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parsing currency table %s: %w", path, err)
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("invalid currency table %s: %w", path, err)
	}
	return newCurrencyTable(f), nil
}

func (f currencyTableFile) validate() error {
	if len(f.Aliases) == 0 {
		return fmt.Errorf("aliases must not be empty")
	}
	for alias, code := range f.Aliases {
		if strings.TrimSpace(alias) == "" {
			return fmt.Errorf("empty alias key")
		}
		if code == "" || code != strings.ToUpper(code) {
			return fmt.Errorf("alias %q maps to malformed code %q (want upper-case)", alias, code)
		}
	}
	seen := make(map[string]string)
	for _, c := range f.Strong {
		seen[c] = "strong"
	}
	for _, c := range f.Weak {
		if seen[c] == "strong" {
			return fmt.Errorf("currency %s is classified both strong and weak", c)
		}
	}
	return nil
}

func newCurrencyTable(f currencyTableFile) *CurrencyTable {
	t := &CurrencyTable{
		usdtAliases: make(map[string]struct{}, len(f.USDTAliases)),
		aliases:     make(map[string]string, len(f.Aliases)),
		strong:      make(map[string]struct{}, len(f.Strong)),
		weak:        make(map[string]struct{}, len(f.Weak)),
	}
	for _, a := range f.USDTAliases {
		t.usdtAliases[Fold(a)] = struct{}{}
	}
	for alias, code := range f.Aliases {
		t.aliases[Fold(alias)] = code
	}
	for _, c := range f.Strong {
		t.strong[c] = struct{}{}
	}
	for _, c := range f.Weak {
		t.weak[c] = struct{}{}
	}
	return t
}

// Normalize maps a human-typed currency token to its code. USDT aliases are
// checked before the general table so "тезер" never collapses into USD.
// Unknown tokens pass through upper-cased: open-world codes, never an error.
func (t *CurrencyTable) Normalize(token string) string {
	c := Fold(token)
	c = strings.NewReplacer(".", "", ",", "").Replace(c)
	c = strings.TrimSpace(c)
	if c == "" {
		return ""
	}
	if _, ok := t.usdtAliases[c]; ok {
		return "USDT"
	}
	if code, ok := t.aliases[c]; ok {
		return code
	}
	return strings.ToUpper(c)
}

func (t *CurrencyTable) IsStrong(code string) bool {
	_, ok := t.strong[code]
	return ok
}

func (t *CurrencyTable) IsWeak(code string) bool {
	_, ok := t.weak[code]
	return ok
}

// Fold lowercases and folds ё to е so morphological lookups ignore the
// diacritic. Every case-insensitive comparison in the package goes through
// it, so callers matching against folded text must fold their side too.
func Fold(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.ReplaceAll(s, "ё", "е")
}
