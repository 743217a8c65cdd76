// src/parsers/number.go
package parsers

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// ErrNumberFormat reports a token that survived pattern matching but is not a
// parseable amount.
var ErrNumberFormat = errors.New("malformed number")

var (
	dotGroupsRe   = regexp.MustCompile(`^\d{1,3}(\.\d{3})+$`)
	commaGroupsRe = regexp.MustCompile(`^\d{1,3}(,\d{3})+$`)
)

// ParseNumber converts a human-typed amount into a decimal. All whitespace is
// stripped, including non-breaking (U+00A0) and narrow no-break (U+202F)
// spaces. When both '.' and ',' occur, the later symbol is the decimal mark
// and the earlier one a thousands separator. A single symbol is a thousands
// separator only when the digits after it form complete 3-digit groups
// ("1.234.567", "1,000"); otherwise it is the decimal mark ("11,5").
func ParseNumber(raw string) (decimal.Decimal, error) {
	s := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, raw)
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: empty token", ErrNumberFormat)
	}

	hasDot := strings.Contains(s, ".")
	hasComma := strings.Contains(s, ",")

	switch {
	case hasDot && hasComma:
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.ReplaceAll(s, ",", ".")
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case hasDot:
		if dotGroupsRe.MatchString(s) {
			s = strings.ReplaceAll(s, ".", "")
		}
	case hasComma:
		if commaGroupsRe.MatchString(s) {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.ReplaceAll(s, ",", ".")
		}
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrNumberFormat, raw)
	}
	return d, nil
}

// parseBulkAmount handles the looser amount shape of bulk payment rows: a
// trailing '=' is noise, and a single '-' immediately before exactly two
// trailing digits is a decimal point, not a minus sign ("1 500-25" = 1500.25).
func parseBulkAmount(raw string) (decimal.Decimal, error) {
	s := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '=' {
			return -1
		}
		return r
	}, raw)
	if i := strings.LastIndex(s, "-"); i >= 0 && strings.Count(s, "-") == 1 {
		tail := s[i+1:]
		if len(tail) == 2 && isDigits(tail) {
			s = s[:i] + "." + tail
		}
	}
	if strings.Contains(s, ",") && strings.Contains(s, ".") {
		s = strings.ReplaceAll(s, ",", "")
	} else {
		s = strings.ReplaceAll(s, ",", ".")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrNumberFormat, raw)
	}
	return d, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
