// src/parsers/income.go
package parsers

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/username/cashledger/src/logger"
)

// Bank-notification income detection. Both the lexicon hit and a money
// pattern are required; institution/transfer markers only reinforce.
// Go's \b is ASCII-only, so Cyrillic word starts are guarded explicitly.
var (
	incomeLexiconRe = regexp.MustCompile(`(?:^|[^a-zа-я])(поступ|зачисл|получен)`)

	incomeMoneyRe = regexp.MustCompile(
		`(\d[\d\s` + "  " + `]*(?:[.,]\d{1,2})?)\s*` +
			`(₽|руб(?:ля|лей)?|rub|сом(?:ов)?|kgs|usdt|usd|\$|eur|€|kzt|тенге|cny|юан(?:ь|я|ей|и)?|¥|aed|дирх(?:ам|ама|амов)?)` +
			`(?:[^a-zа-я0-9]|$)`)

	bankMarkers = []string{
		"перевод spfs", "перевод finline", "согл. п.п.", "п.п.",
		"отпр.", "отпр ", "отправ", "ooo", "ооо", "osoo",
		"mcrb", "mti", "р/с", "инн", "банк", "bank",
	}

	manualVerbPrefixes = []string{"оплата", "взнос", "выдача", "выдали", "выдано", "фикс", "запрос", "конвертация", "конверсия"}
)

// LooksLikeBankIncome reports whether free text reads like a bank credit
// notification. Texts opening with a manual-operation verb never do, so the
// manual rules keep their precedence.
func LooksLikeBankIncome(text string) bool {
	t := Fold(text)
	for _, p := range manualVerbPrefixes {
		if strings.HasPrefix(t, p) {
			return false
		}
	}
	if !incomeLexiconRe.MatchString(t) {
		return false
	}
	if !incomeMoneyRe.MatchString(t) {
		return false
	}
	for _, marker := range bankMarkers {
		if strings.Contains(t, marker) {
			logger.L.Debug("bank income marker present", "marker", marker)
			break
		}
	}
	return true
}

// ParseIncomeNotification pulls the first money match out of a bank
// notification. The full trimmed text becomes the entry description, which
// also feeds the duplicate guard key.
func (c *Classifier) ParseIncomeNotification(text string) (decimal.Decimal, string, string, bool) {
	trimmed := strings.TrimSpace(text)
	m := incomeMoneyRe.FindStringSubmatch(Fold(trimmed))
	if m == nil {
		return decimal.Zero, "", "", false
	}
	amount, err := ParseNumber(m[1])
	if err != nil {
		logger.L.Warn("income notification amount unparseable", "token", m[1], "error", err)
		return decimal.Zero, "", "", false
	}
	return amount, c.currencies.Normalize(m[2]), trimmed, true
}
