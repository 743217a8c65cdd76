package parsers

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestLooksLikeBankIncome(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{
			name: "payment order notification",
			text: "Поступили 79 855,00 руб Согл. П.П. №40 от ООО Ромашка",
			want: true,
		},
		{
			name: "credited usdt",
			text: "Зачислено 5 000 USDT на счет",
			want: true,
		},
		{
			name: "received with transfer marker",
			text: "Получено 1000 eur перевод SPFS",
			want: true,
		},
		{
			name: "manual withdrawal verb blocks",
			text: "Выдача 5000 руб клиенту",
			want: false,
		},
		{
			name: "manual payment verb blocks",
			text: "оплата пп 5000 руб",
			want: false,
		},
		{
			name: "lexicon hit without money",
			text: "Поступление ожидается на следующей неделе",
			want: false,
		},
		{
			name: "plain chat",
			text: "завтра приеду в офис",
			want: false,
		},
		{
			name: "money without lexicon",
			text: "остаток 5000 руб",
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LooksLikeBankIncome(tt.text); got != tt.want {
				t.Errorf("LooksLikeBankIncome(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestParseIncomeNotification(t *testing.T) {
	c := newTestClassifier()

	text := "  Поступило 2 243 262,47 рублей от ООО ТЕСТ согл. п.п. №7  "
	amount, currency, desc, ok := c.ParseIncomeNotification(text)
	if !ok {
		t.Fatalf("ParseIncomeNotification(%q) not ok", text)
	}
	if !amount.Equal(decimal.RequireFromString("2243262.47")) {
		t.Errorf("amount got=%s want=2243262.47", amount)
	}
	if currency != "RUB" {
		t.Errorf("currency got=%s want=RUB", currency)
	}
	// The full trimmed text is the description and the duplicate guard key.
	if desc != "Поступило 2 243 262,47 рублей от ООО ТЕСТ согл. п.п. №7" {
		t.Errorf("description got=%q", desc)
	}

	if _, _, _, ok := c.ParseIncomeNotification("поступление без суммы"); ok {
		t.Errorf("expected not ok for text without a money match")
	}
}

func TestParseIncomeNotificationSymbols(t *testing.T) {
	c := newTestClassifier()

	tests := []struct {
		text       string
		wantAmount string
		wantCur    string
	}{
		{"Поступили 500 $ от партнера", "500", "USD"},
		{"Зачислено 1 200 ₽", "1200", "RUB"},
		{"Получено 300 € из банка", "300", "EUR"},
		{"Поступили 10 000 сомов", "10000", "KGS"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			amount, currency, _, ok := c.ParseIncomeNotification(tt.text)
			if !ok {
				t.Fatalf("not ok for %q", tt.text)
			}
			if !amount.Equal(decimal.RequireFromString(tt.wantAmount)) {
				t.Errorf("amount got=%s want=%s", amount, tt.wantAmount)
			}
			if currency != tt.wantCur {
				t.Errorf("currency got=%s want=%s", currency, tt.wantCur)
			}
		})
	}
}
