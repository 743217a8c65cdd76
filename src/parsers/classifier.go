// src/parsers/classifier.go
package parsers

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/username/cashledger/src/models"
)

// ErrUnrecognized marks text that produced no operation. It is dropped at the
// boundary, never surfaced to the sender as a failure.
var ErrUnrecognized = errors.New("unrecognized operation text")

// Op is one classified operation before settlement and scope targeting.
// Conversion-shaped ops carry Rate/ToCurrency and are expanded into a linked
// leg pair later; bulk rows carry the payer block to resolve in ScopeRef.
type Op struct {
	Kind        models.OperationKind
	Amount      decimal.Decimal
	Currency    string
	Rate        decimal.Decimal
	ToCurrency  string
	Fix         bool
	Description string
	AutoIncome  bool
	ReportDesk  bool
	ScopeRef    string
}

// IsConversion reports whether the op needs the settlement calculator to
// build its second leg.
func (o Op) IsConversion() bool {
	return o.Kind == models.KindConversion || o.Kind == models.KindInternalExchange
}

// rule is one row of the ordered cascade. match returns (ops, matched, err);
// a matched rule terminates the cascade even when its payload is bad.
type rule struct {
	name       string
	privileged bool
	match      func(c *Classifier, original, folded string) ([]Op, bool, error)
}

// Classifier evaluates the rule cascade top to bottom; the first matching
// rule wins. Order is load-bearing: fix before generic conversion, bulk
// before the single-line manual rules, report-desk rules before everything.
type Classifier struct {
	currencies *CurrencyTable
	rules      []rule

	reportFxBuyRe   *regexp.Regexp
	reportCashOutRe *regexp.Regexp
}

const currencyToken = `[a-zа-я$€¥₽]{1,10}`

var (
	ppRefundRe   = regexp.MustCompile(`^([\d\s.,]+)\s+([a-zа-я$€¥]{2,6})\s*[-–—]\s*(возврат\s*пп.*)`)
	incomeRe     = regexp.MustCompile(`(поступили|поступило|пришли)\s+([\d\s.,]+)\s+([a-zа-я$€¥]{2,6})`)
	depositRe    = regexp.MustCompile(`взнос\s+наличными\s+([\d\s.,]+)\s+([a-zа-я$€¥]{2,6})`)
	withdrawalRe = regexp.MustCompile(`(выдача|выдали|выдано)\s+([\d\s.,]+)\s+([a-zа-я$€¥]{2,6})`)
	ppPaymentRe  = regexp.MustCompile(`оплата\s*пп\s+([\d\s.,]+)\s+([a-zа-я$€¥]{2,6})`)
	fixRe        = regexp.MustCompile(`фикс\s+([\d\s.,]+)\s*(` + currencyToken + `)\s+([\d\s.,]+)\s*(` + currencyToken + `)`)
	conversionRe = regexp.MustCompile(`(?:конвертация|конверсия)\s+([\d\s.,]+)\s*(` + currencyToken + `)\s+([\d\s.,]+)\s*(` + currencyToken + `)`)
	commissionRe = regexp.MustCompile(`харбор\s+комиссия\s+([\d\s.,]+)\s+([a-zа-я$€¥]{2,6})`)
	bankFeeRe    = regexp.MustCompile(`запрос\s+банку\s+([\d\s.,]+)\s+([a-zа-я$€¥]{2,6})`)
)

// NewClassifier builds the cascade. reportTag is the reserved bracket tag of
// the reporting desk ("internal_report" by default).
func NewClassifier(currencies *CurrencyTable, reportTag string) *Classifier {
	c := &Classifier{currencies: currencies}
	tag := regexp.QuoteMeta(Fold(reportTag))
	c.reportFxBuyRe = regexp.MustCompile(`\[` + tag + `\]\s+([\d.,]+)\s+([a-zа-я$€¥]{2,6})\s+([\d.,]+)`)
	c.reportCashOutRe = regexp.MustCompile(`\[` + tag + `\]\s+наличные\s+([\d\s.,]+)\s+([a-zа-я$€¥]{2,6})`)

	c.rules = []rule{
		{name: "bank_income", privileged: false, match: matchBankIncome},
		{name: "bulk_payments", privileged: true, match: matchBulkPayments},
		{name: "report_fx_buy", privileged: true, match: matchReportFxBuy},
		{name: "report_cash_out", privileged: true, match: matchReportCashOut},
		{name: "pp_refund", privileged: true, match: matchPPRefund},
		{name: "income", privileged: true, match: matchIncome},
		{name: "cash_deposit", privileged: true, match: matchCashDeposit},
		{name: "cash_withdrawal", privileged: true, match: matchCashWithdrawal},
		{name: "pp_payment", privileged: true, match: matchPPPayment},
		{name: "fix_conversion", privileged: true, match: matchFixConversion},
		{name: "conversion", privileged: true, match: matchConversion},
		{name: "commission", privileged: true, match: matchCommission},
		{name: "bank_fee_request", privileged: true, match: matchBankFeeRequest},
	}
	return c
}

// RuleNames exposes the evaluation order so tests can pin it.
func (c *Classifier) RuleNames() []string {
	names := make([]string, len(c.rules))
	for i, r := range c.rules {
		names[i] = r.name
	}
	return names
}

// Classify runs the cascade over cleaned text. Unprivileged senders only get
// the bank-income path; everything else is skipped for them. No match yields
// ErrUnrecognized.
func (c *Classifier) Classify(text string, privileged bool) ([]Op, error) {
	original := strings.TrimSpace(text)
	if original == "" {
		return nil, ErrUnrecognized
	}
	folded := Fold(original)

	for _, r := range c.rules {
		if r.privileged && !privileged {
			continue
		}
		ops, matched, err := r.match(c, original, folded)
		if !matched {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.name, err)
		}
		return ops, nil
	}
	return nil, ErrUnrecognized
}

func matchReportFxBuy(c *Classifier, _, folded string) ([]Op, bool, error) {
	m := c.reportFxBuyRe.FindStringSubmatch(folded)
	if m == nil {
		return nil, false, nil
	}
	amount, err := ParseNumber(m[1])
	if err != nil {
		return nil, true, err
	}
	rate, err := ParseNumber(m[3])
	if err != nil {
		return nil, true, err
	}
	cur := c.currencies.Normalize(m[2])
	return []Op{{
		Kind:        models.KindInternalExchange,
		Amount:      amount,
		Currency:    cur,
		Rate:        rate,
		ToCurrency:  "RUB",
		Fix:         true,
		Description: fmt.Sprintf("FX: Buy %s rate %s", cur, rate),
		ReportDesk:  true,
	}}, true, nil
}

func matchReportCashOut(c *Classifier, _, folded string) ([]Op, bool, error) {
	m := c.reportCashOutRe.FindStringSubmatch(folded)
	if m == nil {
		return nil, false, nil
	}
	amount, err := ParseNumber(m[1])
	if err != nil {
		return nil, true, err
	}
	return []Op{{
		Kind:        models.KindCashWithdrawal,
		Amount:      amount,
		Currency:    c.currencies.Normalize(m[2]),
		Description: "Выдача наличных (внутренний отчет)",
		ReportDesk:  true,
	}}, true, nil
}

func matchBankIncome(c *Classifier, original, folded string) ([]Op, bool, error) {
	if !LooksLikeBankIncome(folded) {
		return nil, false, nil
	}
	amount, currency, desc, ok := c.ParseIncomeNotification(original)
	if !ok {
		// Detector fired but no clean money match: drop, same as no match.
		return nil, true, ErrUnrecognized
	}
	return []Op{{
		Kind:        models.KindIncome,
		Amount:      amount,
		Currency:    currency,
		Description: desc,
		AutoIncome:  true,
	}}, true, nil
}

func matchBulkPayments(c *Classifier, original, _ string) ([]Op, bool, error) {
	rows := ParseBulkPayments(original)
	if len(rows) == 0 {
		return nil, false, nil
	}
	ops := make([]Op, 0, len(rows))
	for _, row := range rows {
		ops = append(ops, Op{
			Kind:        models.KindPPPayment,
			Amount:      row.Amount,
			Currency:    row.Currency,
			Description: fmt.Sprintf("%s | %s", row.Company, row.Receiver),
			ScopeRef:    row.PayerBlock,
		})
	}
	return ops, true, nil
}

func matchPPRefund(c *Classifier, _, folded string) ([]Op, bool, error) {
	m := ppRefundRe.FindStringSubmatch(folded)
	if m == nil {
		return nil, false, nil
	}
	amount, err := ParseNumber(m[1])
	if err != nil {
		return nil, true, err
	}
	return []Op{{
		Kind:        models.KindPPRefund,
		Amount:      amount,
		Currency:    c.currencies.Normalize(m[2]),
		Description: capitalize(m[3]),
	}}, true, nil
}

func matchIncome(c *Classifier, _, folded string) ([]Op, bool, error) {
	m := incomeRe.FindStringSubmatch(folded)
	if m == nil {
		return nil, false, nil
	}
	amount, err := ParseNumber(m[2])
	if err != nil {
		return nil, true, err
	}
	return []Op{{
		Kind:        models.KindIncome,
		Amount:      amount,
		Currency:    c.currencies.Normalize(m[3]),
		Description: "Поступление (ручное)",
	}}, true, nil
}

func matchCashDeposit(c *Classifier, _, folded string) ([]Op, bool, error) {
	m := depositRe.FindStringSubmatch(folded)
	if m == nil {
		return nil, false, nil
	}
	amount, err := ParseNumber(m[1])
	if err != nil {
		return nil, true, err
	}
	return []Op{{
		Kind:        models.KindCashDeposit,
		Amount:      amount,
		Currency:    c.currencies.Normalize(m[2]),
		Description: "Взнос наличными",
	}}, true, nil
}

func matchCashWithdrawal(c *Classifier, _, folded string) ([]Op, bool, error) {
	m := withdrawalRe.FindStringSubmatch(folded)
	if m == nil {
		return nil, false, nil
	}
	amount, err := ParseNumber(m[2])
	if err != nil {
		return nil, true, err
	}
	return []Op{{
		Kind:        models.KindCashWithdrawal,
		Amount:      amount,
		Currency:    c.currencies.Normalize(m[3]),
		Description: "Выдача",
	}}, true, nil
}

func matchPPPayment(c *Classifier, _, folded string) ([]Op, bool, error) {
	m := ppPaymentRe.FindStringSubmatch(folded)
	if m == nil {
		return nil, false, nil
	}
	amount, err := ParseNumber(m[1])
	if err != nil {
		return nil, true, err
	}
	return []Op{{
		Kind:        models.KindPPPayment,
		Amount:      amount,
		Currency:    c.currencies.Normalize(m[2]),
		Description: "Оплата ПП",
	}}, true, nil
}

func matchFixConversion(c *Classifier, _, folded string) ([]Op, bool, error) {
	return matchConversionShape(c, folded, fixRe, true, "Фикс")
}

func matchConversion(c *Classifier, _, folded string) ([]Op, bool, error) {
	return matchConversionShape(c, folded, conversionRe, false, "Конвертация")
}

func matchConversionShape(c *Classifier, folded string, re *regexp.Regexp, fix bool, desc string) ([]Op, bool, error) {
	m := re.FindStringSubmatch(folded)
	if m == nil {
		return nil, false, nil
	}
	amount, err := ParseNumber(m[1])
	if err != nil {
		return nil, true, err
	}
	rate, err := ParseNumber(m[3])
	if err != nil {
		return nil, true, err
	}
	return []Op{{
		Kind:        models.KindConversion,
		Amount:      amount,
		Currency:    c.currencies.Normalize(m[2]),
		Rate:        rate,
		ToCurrency:  c.currencies.Normalize(m[4]),
		Fix:         fix,
		Description: desc,
	}}, true, nil
}

func matchCommission(c *Classifier, _, folded string) ([]Op, bool, error) {
	m := commissionRe.FindStringSubmatch(folded)
	if m == nil {
		return nil, false, nil
	}
	amount, err := ParseNumber(m[1])
	if err != nil {
		return nil, true, err
	}
	return []Op{{
		Kind:        models.KindCommission,
		Amount:      amount,
		Currency:    c.currencies.Normalize(m[2]),
		Description: "Харбор комиссия",
	}}, true, nil
}

func matchBankFeeRequest(c *Classifier, _, folded string) ([]Op, bool, error) {
	m := bankFeeRe.FindStringSubmatch(folded)
	if m == nil {
		return nil, false, nil
	}
	amount, err := ParseNumber(m[1])
	if err != nil {
		return nil, true, err
	}
	return []Op{{
		Kind:        models.KindBankFeeRequest,
		Amount:      amount,
		Currency:    c.currencies.Normalize(m[2]),
		Description: "Запрос банку",
	}}, true, nil
}

func capitalize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	runes := []rune(s)
	return strings.ToUpper(string(runes[0])) + string(runes[1:])
}
