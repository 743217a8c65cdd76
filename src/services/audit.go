package services

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/username/cashledger/src/models"
)

// auditEpsilon is the tolerated gap between a stored balance and the sum of
// its entries once every pending batch has flushed.
var auditEpsilon = decimal.RequireFromString("0.01")

// Audit reconciles the whole ledger: the sign convention of every entry, and
// per-(scope, currency) drift between stored balances and recomputed entry
// sums. Read-only; issues are data and remediation is an explicit recompute.
func (s *ledgerServiceImpl) Audit(ctx context.Context) ([]models.AuditIssue, error) {
	entries, err := s.store.AllEntries(ctx)
	if err != nil {
		return nil, err
	}
	balances, err := s.store.AllBalances(ctx)
	if err != nil {
		return nil, err
	}

	var issues []models.AuditIssue

	// Sign check. Conversion and exchange legs carry both signs and are
	// exempt; AllEntries is ordered, so the issues are too.
	for _, e := range entries {
		switch e.Kind.SignClass() {
		case models.SignInflow:
			if e.Amount.Sign() < 0 {
				issues = append(issues, models.AuditIssue{
					Kind:     models.AuditSignViolation,
					Scope:    e.Scope,
					Currency: e.Currency,
					Detail:   fmt.Sprintf("entry %d (%s) has negative amount %s", e.ID, e.Kind, e.Amount),
				})
			}
		case models.SignOutflow:
			if e.Amount.Sign() > 0 {
				issues = append(issues, models.AuditIssue{
					Kind:     models.AuditSignViolation,
					Scope:    e.Scope,
					Currency: e.Currency,
					Detail:   fmt.Sprintf("entry %d (%s) has positive amount %s", e.ID, e.Kind, e.Amount),
				})
			}
		}
	}

	type key struct{ scope, currency string }
	sums := make(map[key]decimal.Decimal)
	stored := make(map[key]decimal.Decimal)
	for _, e := range entries {
		k := key{e.Scope, e.Currency}
		sums[k] = sums[k].Add(e.Amount)
	}
	for _, b := range balances {
		stored[key{b.Scope, b.Currency}] = b.Amount
	}

	union := make(map[key]struct{}, len(sums)+len(stored))
	for k := range sums {
		union[k] = struct{}{}
	}
	for k := range stored {
		union[k] = struct{}{}
	}
	ordered := make([]key, 0, len(union))
	for k := range union {
		ordered = append(ordered, k)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].scope != ordered[j].scope {
			return ordered[i].scope < ordered[j].scope
		}
		return ordered[i].currency < ordered[j].currency
	})

	for _, k := range ordered {
		sum := sums[k]
		have, hasRow := stored[k]
		_, hasEntries := sums[k]

		diff := have.Sub(sum).Abs()
		if diff.Cmp(auditEpsilon) <= 0 {
			continue
		}

		detail := fmt.Sprintf("stored balance %s differs from entry sum %s by %s", have, sum, diff)
		switch {
		case !hasRow:
			detail = fmt.Sprintf("no balance row but entries sum to %s", sum)
		case !hasEntries:
			detail = fmt.Sprintf("balance row holds %s but no entries back it", have)
		}
		issues = append(issues, models.AuditIssue{
			Kind:     models.AuditBalanceDrift,
			Scope:    k.scope,
			Currency: k.currency,
			Detail:   detail,
		})
	}
	return issues, nil
}
