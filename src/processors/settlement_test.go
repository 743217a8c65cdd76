package processors

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/username/cashledger/src/models"
	"github.com/username/cashledger/src/parsers"
)

func newCalc() *SettlementCalculator {
	return NewSettlementCalculator(parsers.DefaultCurrencyTable())
}

func TestConvertAmount(t *testing.T) {
	calc := newCalc()

	tests := []struct {
		name   string
		amount string
		rate   string
		from   string
		to     string
		want   string
	}{
		{name: "strong to weak multiplies", amount: "1000", rate: "89.5", from: "USD", to: "RUB", want: "89500"},
		{name: "weak to strong divides", amount: "89500", rate: "89.5", from: "RUB", to: "USD", want: "1000"},
		{name: "weak to weak multiplies", amount: "1000", rate: "5.2", from: "RUB", to: "KZT", want: "5200"},
		{name: "strong to strong multiplies", amount: "100", rate: "0.92", from: "USD", to: "EUR", want: "92"},
		{name: "unknown code multiplies", amount: "10", rate: "2", from: "GBP", to: "USD", want: "20"},
		{name: "division rounds to six places", amount: "100", rate: "89.5", from: "RUB", to: "USD", want: "1.117318"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := calc.ConvertAmount(
				decimal.RequireFromString(tt.amount),
				decimal.RequireFromString(tt.rate),
				tt.from, tt.to,
			)
			if err != nil {
				t.Fatalf("ConvertAmount failed: %v", err)
			}
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("ConvertAmount(%s %s->%s @%s) = %s, want %s",
					tt.amount, tt.from, tt.to, tt.rate, got, tt.want)
			}
		})
	}
}

func TestConvertAmountRejectsNonPositiveRate(t *testing.T) {
	calc := newCalc()
	for _, rate := range []string{"0", "-1"} {
		_, err := calc.ConvertAmount(decimal.NewFromInt(100), decimal.RequireFromString(rate), "USD", "RUB")
		if !errors.Is(err, ErrNonPositiveRate) {
			t.Errorf("rate %s: error = %v, want ErrNonPositiveRate", rate, err)
		}
	}
}

func TestConversionLegsGeneric(t *testing.T) {
	calc := newCalc()

	legs, err := calc.ConversionLegs(models.KindConversion,
		decimal.NewFromInt(1000), decimal.RequireFromString("89.5"), "USD", "RUB", false)
	if err != nil {
		t.Fatalf("ConversionLegs failed: %v", err)
	}
	if len(legs) != 2 {
		t.Fatalf("legs count got=%d want=2", len(legs))
	}
	if legs[0].Currency != "USD" || !legs[0].Amount.Equal(decimal.NewFromInt(-1000)) {
		t.Errorf("source leg = %s %s, want -1000 USD", legs[0].Amount, legs[0].Currency)
	}
	if legs[1].Currency != "RUB" || !legs[1].Amount.Equal(decimal.NewFromInt(89500)) {
		t.Errorf("destination leg = %s %s, want 89500 RUB", legs[1].Amount, legs[1].Currency)
	}
	for _, leg := range legs {
		if leg.Kind != models.KindConversion {
			t.Errorf("leg kind got=%s want=conversion", leg.Kind)
		}
	}
}

func TestConversionLegsFix(t *testing.T) {
	calc := newCalc()

	// Fix buys the source currency and pays out amount*rate of the
	// destination, regardless of the strong/weak table.
	legs, err := calc.ConversionLegs(models.KindConversion,
		decimal.NewFromInt(140000), decimal.RequireFromString("11.4"), "CNY", "RUB", true)
	if err != nil {
		t.Fatalf("ConversionLegs failed: %v", err)
	}
	if legs[0].Currency != "CNY" || !legs[0].Amount.Equal(decimal.NewFromInt(140000)) {
		t.Errorf("source leg = %s %s, want +140000 CNY", legs[0].Amount, legs[0].Currency)
	}
	if legs[1].Currency != "RUB" || !legs[1].Amount.Equal(decimal.NewFromInt(-1596000)) {
		t.Errorf("destination leg = %s %s, want -1596000 RUB", legs[1].Amount, legs[1].Currency)
	}

	// Weak source would divide on the generic path; fix still multiplies.
	legs, err = calc.ConversionLegs(models.KindInternalExchange,
		decimal.NewFromInt(100000), decimal.RequireFromString("89.5"), "RUB", "USD", true)
	if err != nil {
		t.Fatalf("ConversionLegs failed: %v", err)
	}
	if !legs[0].Amount.Equal(decimal.NewFromInt(100000)) {
		t.Errorf("fix source leg got=%s want=+100000", legs[0].Amount)
	}
	if !legs[1].Amount.Equal(decimal.NewFromInt(-8950000)) {
		t.Errorf("fix destination leg got=%s want=-8950000", legs[1].Amount)
	}
	if legs[0].Kind != models.KindInternalExchange {
		t.Errorf("leg kind got=%s want=internal_exchange", legs[0].Kind)
	}
}

func TestConversionLegsRejectsNonPositiveRate(t *testing.T) {
	calc := newCalc()
	_, err := calc.ConversionLegs(models.KindConversion,
		decimal.NewFromInt(100), decimal.Zero, "USD", "RUB", true)
	if !errors.Is(err, ErrNonPositiveRate) {
		t.Fatalf("error = %v, want ErrNonPositiveRate", err)
	}
}
