// src/parsers/bulk.go
package parsers

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/username/cashledger/src/logger"
)

// BulkPayment is one parsed row of a pasted payment list. PayerBlock names
// the scope the debit lands on; Receiver only feeds the description.
type BulkPayment struct {
	Company    string
	PayerBlock string
	Receiver   string
	Amount     decimal.Decimal
	Currency   string
}

var (
	// seq, payer-block, receiver, amount, 3-letter code; columns separated by
	// two or more spaces.
	bulkRowRe = regexp.MustCompile(`^\s*(\d+)\s+(.+?)\s{2,}(.+?)\s{2,}([0-9][0-9=\-., ]*)\s+([A-Z]{3})\s*$`)

	// A header line carries no trailing amount/currency, just a company name,
	// optionally ending with a colon.
	bulkHeaderRe = regexp.MustCompile(`^[А-Яа-яA-Za-z0-9().\- ]{2,}:\s*$|^[А-Яа-яA-Za-z0-9().\- ]{2,}$`)
)

// ParseBulkPayments groups consecutive payment rows under the most recent
// header line. Rows with unparseable amounts are skipped, not fatal: one bad
// line must not sink the rest of the list.
func ParseBulkPayments(text string) []BulkPayment {
	var items []BulkPayment
	company := ""

	for _, ln := range strings.Split(text, "\n") {
		ln = strings.TrimSpace(ln)
		if ln == "" {
			continue
		}

		if m := bulkRowRe.FindStringSubmatch(ln); m != nil {
			amount, err := parseBulkAmount(m[4])
			if err != nil {
				logger.L.Warn("skipping bulk row with bad amount", "line", ln, "error", err)
				continue
			}
			items = append(items, BulkPayment{
				Company:    company,
				PayerBlock: strings.TrimSpace(m[2]),
				Receiver:   strings.TrimSpace(m[3]),
				Amount:     amount,
				Currency:   m[5],
			})
			continue
		}

		if strings.Contains(strings.ToLower(ln), "список платежей") {
			continue
		}

		if bulkHeaderRe.MatchString(ln) {
			company = strings.TrimSpace(strings.TrimSuffix(ln, ":"))
		}
	}

	return items
}
