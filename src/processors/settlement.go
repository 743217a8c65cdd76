// src/processors/settlement.go
package processors

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/username/cashledger/src/models"
	"github.com/username/cashledger/src/parsers"
)

// ErrNonPositiveRate rejects a conversion before any entry exists.
var ErrNonPositiveRate = errors.New("conversion rate must be positive")

// Settled amounts are rounded to 6 decimal places.
const settledPlaces = 6

// SettlementCalculator computes the second leg of a conversion from the
// amount, the rate and the two currencies' strong/weak classification.
type SettlementCalculator struct {
	currencies *parsers.CurrencyTable
}

func NewSettlementCalculator(currencies *parsers.CurrencyTable) *SettlementCalculator {
	return &SettlementCalculator{currencies: currencies}
}

// ConvertAmount applies the generic-path table. Only weak→strong divides by
// the rate; every other combination, including pass-through codes outside
// both sets, multiplies. The asymmetry is intentional and must not be
// "corrected": desks quote weak-currency rates per strong unit.
func (s *SettlementCalculator) ConvertAmount(amount, rate decimal.Decimal, from, to string) (decimal.Decimal, error) {
	if rate.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%w: got %s", ErrNonPositiveRate, rate)
	}

	fromStrong := s.currencies.IsStrong(from)
	fromWeak := s.currencies.IsWeak(from)
	toStrong := s.currencies.IsStrong(to)
	toWeak := s.currencies.IsWeak(to)

	switch {
	case fromStrong && toWeak:
		return amount.Mul(rate).Round(settledPlaces), nil
	case fromWeak && toStrong:
		return amount.Div(rate).Round(settledPlaces), nil
	case fromWeak && toWeak:
		return amount.Mul(rate).Round(settledPlaces), nil
	case fromStrong && toStrong:
		return amount.Mul(rate).Round(settledPlaces), nil
	default:
		return amount.Mul(rate).Round(settledPlaces), nil
	}
}

// ConversionLegs builds the linked pair for a conversion or exchange. The
// generic path debits the source and credits the computed destination. The
// fix path bypasses the table (destination is always amount×rate) and uses
// the inverse sign convention: the source currency is bought (+) and the
// destination paid out (−).
func (s *SettlementCalculator) ConversionLegs(kind models.OperationKind, amount, rate decimal.Decimal, from, to string, fix bool) ([]models.Leg, error) {
	if rate.Sign() <= 0 {
		return nil, fmt.Errorf("%w: got %s", ErrNonPositiveRate, rate)
	}

	if fix {
		settled := amount.Mul(rate).Round(settledPlaces)
		return []models.Leg{
			{Kind: kind, Currency: from, Amount: amount},
			{Kind: kind, Currency: to, Amount: settled.Neg()},
		}, nil
	}

	settled, err := s.ConvertAmount(amount, rate, from, to)
	if err != nil {
		return nil, err
	}
	return []models.Leg{
		{Kind: kind, Currency: from, Amount: amount.Neg()},
		{Kind: kind, Currency: to, Amount: settled},
	}, nil
}
