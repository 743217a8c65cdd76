package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	"github.com/google/uuid"
	"github.com/username/cashledger/src/logger"
	"github.com/username/cashledger/src/models"
	"github.com/username/cashledger/src/parsers"
	"github.com/username/cashledger/src/processors"
	"github.com/username/cashledger/src/storage"
)

const (
	// Short-lived balance read cache
	ckScopeBalances = "balances_scope_%s"
	ckScopeBalance  = "balance_%s_%s"

	DefaultHistoryLimit = 20
)

func balancesCacheKey(scope string) string {
	return fmt.Sprintf(ckScopeBalances, scope)
}

func balanceCacheKey(scope, currency string) string {
	return fmt.Sprintf(ckScopeBalance, scope, currency)
}

var (
	// ErrScopeRequired marks an operation arriving in an ambient context
	// without a resolvable scope tag. Nothing is written.
	ErrScopeRequired = errors.New("operation requires a resolvable scope")

	// ErrInvalidIntent marks a pre-built intent that fails validation.
	ErrInvalidIntent = errors.New("invalid operation intent")
)

// LedgerService is the engine API. Submissions run the full
// classify/settle/guard/enqueue pipeline; reads bypass the writer queue.
type LedgerService interface {
	SubmitMessage(ctx context.Context, msg models.Message) (*models.SubmitReceipt, error)
	SubmitIntent(ctx context.Context, intent models.OperationIntent) (*models.SubmitReceipt, error)
	GetBalance(ctx context.Context, scope, currency string) (decimal.Decimal, error)
	GetBalances(ctx context.Context, scope string) (map[string]decimal.Decimal, error)
	GetHistory(ctx context.Context, scope string, f models.HistoryFilter) ([]models.LedgerEntry, error)
	GetStats(ctx context.Context, scope string, from, to time.Time) (*models.ScopeStats, error)
	GetScopes(ctx context.Context) ([]models.ScopeInfo, error)
	Audit(ctx context.Context) ([]models.AuditIssue, error)
	Recompute(ctx context.Context, scope string) error
	ReverseEntry(ctx context.Context, scope string, id int64) (*models.LedgerEntry, error)
	ClearAll(ctx context.Context) error
}

type ledgerServiceImpl struct {
	store      storage.Store
	writer     *BatchWriter
	classifier *parsers.Classifier
	resolver   *parsers.ScopeResolver
	settlement *processors.SettlementCalculator
	readCache  *cache.Cache

	reportingScope string
	reportTag      string
	dupWindow      time.Duration
}

func NewLedgerService(
	store storage.Store,
	writer *BatchWriter,
	classifier *parsers.Classifier,
	resolver *parsers.ScopeResolver,
	settlement *processors.SettlementCalculator,
	readCache *cache.Cache,
	reportingScope string,
	reportTag string,
	dupWindow time.Duration,
) LedgerService {
	if dupWindow <= 0 {
		dupWindow = 24 * time.Hour
	}
	return &ledgerServiceImpl{
		store:          store,
		writer:         writer,
		classifier:     classifier,
		resolver:       resolver,
		settlement:     settlement,
		readCache:      readCache,
		reportingScope: reportingScope,
		reportTag:      reportTag,
		dupWindow:      dupWindow,
	}
}

// SubmitMessage turns one raw chat message into zero or more queued intents.
// A message with a scope hint targets that scope. An ambient message must
// carry a leading [SCOPE] tag; the reserved report tag addresses the
// reporting desk and is left in the text so the desk rules can match it.
func (s *ledgerServiceImpl) SubmitMessage(ctx context.Context, msg models.Message) (*models.SubmitReceipt, error) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return &models.SubmitReceipt{Status: models.SubmitIgnored}, nil
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	if msg.ScopeHint != "" {
		name := msg.ScopeName
		if name == "" {
			name = msg.ScopeHint
		}
		if err := s.store.UpsertScope(ctx, msg.ScopeHint, name, ts); err != nil {
			logger.L.Warn("Failed to refresh scope registry", "scope", msg.ScopeHint, "error", err)
		}
	}

	target := msg.ScopeHint
	classifyText := text
	unresolvedTag := ""

	if msg.ScopeHint == "" {
		tag, rest := parsers.ExtractScopeTag(text)
		switch {
		case tag == "":
			// Untagged ambient text. Classify as-is; any op that needs a
			// scope fails below.
		case parsers.Fold(tag) == parsers.Fold(s.reportTag):
			// The reserved tag stays in the text: the reporting-desk rules
			// match on it.
			target = s.reportingScope
		default:
			if id, ok := s.resolveTag(ctx, tag); ok {
				target = id
			} else {
				unresolvedTag = tag
			}
			classifyText = rest
		}
	}

	ops, err := s.classifier.Classify(classifyText, msg.Privileged)
	if err != nil {
		if errors.Is(err, parsers.ErrUnrecognized) {
			return &models.SubmitReceipt{Status: models.SubmitIgnored}, nil
		}
		return nil, err
	}

	if unresolvedTag != "" {
		return nil, fmt.Errorf("%w: scope tag %q matches no registered scope", ErrScopeRequired, unresolvedTag)
	}

	intents := make([]models.OperationIntent, 0, len(ops))
	var skipped []string

	for _, op := range ops {
		scope := target
		switch {
		case op.ReportDesk:
			if s.reportingScope == "" {
				return nil, errors.New("reporting desk operation but no reporting scope is configured")
			}
			scope = s.reportingScope
		case op.ScopeRef != "":
			id, ok := s.resolveTag(ctx, op.ScopeRef)
			if !ok {
				logger.L.Warn("Skipping bulk row with unresolved payer block", "payerBlock", op.ScopeRef)
				skipped = append(skipped, op.ScopeRef)
				continue
			}
			scope = id
		}
		if scope == "" {
			return nil, fmt.Errorf("%w: message carries no scope hint or tag", ErrScopeRequired)
		}

		if op.AutoIncome {
			dup, dupErr := s.store.HasRecentIncome(ctx, scope, op.Amount, op.Currency, op.Description, ts.Add(-s.dupWindow))
			if dupErr != nil {
				return nil, fmt.Errorf("duplicate guard lookup: %w", dupErr)
			}
			if dup {
				logger.L.Info("Suppressed duplicate auto income",
					"scope", scope, "amount", op.Amount, "currency", op.Currency)
				return &models.SubmitReceipt{
					Status: models.SubmitSuppressed,
					Hint:   "identical income already recorded inside the duplicate window",
				}, nil
			}
		}

		intent, buildErr := s.buildIntent(scope, op, ts)
		if buildErr != nil {
			return nil, buildErr
		}
		intents = append(intents, intent)
	}

	if len(intents) == 0 {
		receipt := &models.SubmitReceipt{Status: models.SubmitIgnored}
		if len(skipped) > 0 {
			receipt.Hint = fmt.Sprintf("no rows resolved; unmatched payer blocks: %s", strings.Join(skipped, ", "))
		}
		return receipt, nil
	}

	receipt := &models.SubmitReceipt{Status: models.SubmitAccepted}
	for _, intent := range intents {
		if err := s.writer.Enqueue(ctx, intent); err != nil {
			return nil, fmt.Errorf("enqueue intent: %w", err)
		}
		receipt.IntentIDs = append(receipt.IntentIDs, intent.ID)
		for _, leg := range intent.Legs {
			receipt.LegIDs = append(receipt.LegIDs, leg.ID)
		}
	}
	if len(skipped) > 0 {
		receipt.Hint = fmt.Sprintf("skipped payer blocks with no registered scope: %s", strings.Join(skipped, ", "))
	}
	return receipt, nil
}

// buildIntent applies sign conventions and, for conversion-shaped ops, asks
// the settlement calculator for the linked leg pair.
func (s *ledgerServiceImpl) buildIntent(scope string, op parsers.Op, ts time.Time) (models.OperationIntent, error) {
	intent := models.OperationIntent{
		ID:           uuid.NewString(),
		Scope:        scope,
		Description:  op.Description,
		Timestamp:    ts,
		AutoDetected: op.AutoIncome,
	}

	if op.IsConversion() {
		legs, err := s.settlement.ConversionLegs(op.Kind, op.Amount, op.Rate, op.Currency, op.ToCurrency, op.Fix)
		if err != nil {
			return intent, err
		}
		for i := range legs {
			legs[i].ID = uuid.NewString()
		}
		intent.Legs = legs
		return intent, nil
	}

	amount := op.Amount
	if op.Kind.SignClass() == models.SignOutflow {
		amount = amount.Neg()
	}
	intent.Legs = []models.Leg{{
		ID:       uuid.NewString(),
		Kind:     op.Kind,
		Currency: op.Currency,
		Amount:   amount,
	}}
	return intent, nil
}

func (s *ledgerServiceImpl) resolveTag(ctx context.Context, tag string) (string, bool) {
	scopes, err := s.store.Scopes(ctx)
	if err != nil {
		logger.L.Error("Failed to list scopes for tag resolution", "error", err)
		return "", false
	}
	return s.resolver.Resolve(tag, scopes)
}

// SubmitIntent admits a pre-built intent (OCR confirmations and the like).
// Legs arrive signed; validation enforces the kind's sign class, then the
// intent takes the same dedup and writer path as classified text.
func (s *ledgerServiceImpl) SubmitIntent(ctx context.Context, intent models.OperationIntent) (*models.SubmitReceipt, error) {
	if strings.TrimSpace(intent.Scope) == "" {
		return nil, fmt.Errorf("%w: intent names no scope", ErrScopeRequired)
	}
	if len(intent.Legs) == 0 || len(intent.Legs) > 2 {
		return nil, fmt.Errorf("%w: expected 1 or 2 legs, got %d", ErrInvalidIntent, len(intent.Legs))
	}

	kind := intent.Legs[0].Kind
	conversion := kind == models.KindConversion || kind == models.KindInternalExchange
	if conversion && len(intent.Legs) != 2 {
		return nil, fmt.Errorf("%w: %s needs a linked leg pair", ErrInvalidIntent, kind)
	}
	if !conversion && len(intent.Legs) != 1 {
		return nil, fmt.Errorf("%w: %s takes a single leg", ErrInvalidIntent, kind)
	}

	for i := range intent.Legs {
		leg := &intent.Legs[i]
		if !leg.Kind.Valid() {
			return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidIntent, leg.Kind)
		}
		if leg.Kind != kind {
			return nil, fmt.Errorf("%w: legs must share one kind", ErrInvalidIntent)
		}
		leg.Currency = strings.ToUpper(strings.TrimSpace(leg.Currency))
		if leg.Currency == "" {
			return nil, fmt.Errorf("%w: leg without currency", ErrInvalidIntent)
		}
		if leg.Amount.IsZero() {
			return nil, fmt.Errorf("%w: leg with zero amount", ErrInvalidIntent)
		}
		switch leg.Kind.SignClass() {
		case models.SignInflow:
			if leg.Amount.Sign() < 0 {
				return nil, fmt.Errorf("%w: %s leg must be positive", ErrInvalidIntent, leg.Kind)
			}
		case models.SignOutflow:
			if leg.Amount.Sign() > 0 {
				return nil, fmt.Errorf("%w: %s leg must be negative", ErrInvalidIntent, leg.Kind)
			}
		}
		if leg.ID == "" {
			leg.ID = uuid.NewString()
		}
	}

	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	if intent.Timestamp.IsZero() {
		intent.Timestamp = time.Now().UTC()
	}

	if intent.AutoDetected && kind == models.KindIncome {
		leg := intent.Legs[0]
		dup, err := s.store.HasRecentIncome(ctx, intent.Scope, leg.Amount, leg.Currency, intent.Description, intent.Timestamp.Add(-s.dupWindow))
		if err != nil {
			return nil, fmt.Errorf("duplicate guard lookup: %w", err)
		}
		if dup {
			return &models.SubmitReceipt{
				Status: models.SubmitSuppressed,
				Hint:   "identical income already recorded inside the duplicate window",
			}, nil
		}
	}

	if err := s.writer.Enqueue(ctx, intent); err != nil {
		return nil, fmt.Errorf("enqueue intent: %w", err)
	}

	legIDs := make([]string, 0, len(intent.Legs))
	for _, leg := range intent.Legs {
		legIDs = append(legIDs, leg.ID)
	}
	return &models.SubmitReceipt{
		Status:    models.SubmitAccepted,
		IntentIDs: []string{intent.ID},
		LegIDs:    legIDs,
	}, nil
}

func (s *ledgerServiceImpl) GetBalance(ctx context.Context, scope, currency string) (decimal.Decimal, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	key := balanceCacheKey(scope, currency)
	if cached, found := s.readCache.Get(key); found {
		return cached.(decimal.Decimal), nil
	}

	b, err := s.store.Balance(ctx, scope, currency)
	if errors.Is(err, storage.ErrNotFound) {
		// A currency the scope never touched is simply zero.
		s.readCache.Set(key, decimal.Zero, cache.DefaultExpiration)
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Decimal{}, err
	}
	s.readCache.Set(key, b.Amount, cache.DefaultExpiration)
	return b.Amount, nil
}

func (s *ledgerServiceImpl) GetBalances(ctx context.Context, scope string) (map[string]decimal.Decimal, error) {
	key := balancesCacheKey(scope)
	if cached, found := s.readCache.Get(key); found {
		return cached.(map[string]decimal.Decimal), nil
	}

	rows, err := s.store.Balances(ctx, scope)
	if err != nil {
		return nil, err
	}
	balances := make(map[string]decimal.Decimal, len(rows))
	for _, b := range rows {
		balances[b.Currency] = b.Amount
	}
	s.readCache.Set(key, balances, cache.DefaultExpiration)
	return balances, nil
}

func (s *ledgerServiceImpl) GetHistory(ctx context.Context, scope string, f models.HistoryFilter) ([]models.LedgerEntry, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultHistoryLimit
	}
	return s.store.History(ctx, scope, f)
}

func (s *ledgerServiceImpl) GetStats(ctx context.Context, scope string, from, to time.Time) (*models.ScopeStats, error) {
	entries, err := s.store.History(ctx, scope, models.HistoryFilter{From: from, To: to})
	if err != nil {
		return nil, err
	}

	stats := &models.ScopeStats{
		Scope:  scope,
		From:   from,
		To:     to,
		Totals: make(map[models.OperationKind]map[string]decimal.Decimal),
	}
	for _, e := range entries {
		stats.Entries++
		byCurrency, ok := stats.Totals[e.Kind]
		if !ok {
			byCurrency = make(map[string]decimal.Decimal)
			stats.Totals[e.Kind] = byCurrency
		}
		byCurrency[e.Currency] = byCurrency[e.Currency].Add(e.Amount)
	}
	return stats, nil
}

func (s *ledgerServiceImpl) GetScopes(ctx context.Context) ([]models.ScopeInfo, error) {
	return s.store.Scopes(ctx)
}

func (s *ledgerServiceImpl) Recompute(ctx context.Context, scope string) error {
	if err := s.store.Recompute(ctx, scope); err != nil {
		return err
	}
	s.readCache.Flush()
	logger.L.Info("Recomputed balances from entries", "scope", scopeLabel(scope))
	return nil
}

func (s *ledgerServiceImpl) ReverseEntry(ctx context.Context, scope string, id int64) (*models.LedgerEntry, error) {
	e, err := s.store.DeleteEntry(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	s.readCache.Delete(balancesCacheKey(scope))
	s.readCache.Delete(balanceCacheKey(scope, e.Currency))
	logger.L.Info("Reversed ledger entry",
		"scope", scope, "entryID", id, "kind", e.Kind, "amount", e.Amount, "currency", e.Currency)
	return &e, nil
}

func (s *ledgerServiceImpl) ClearAll(ctx context.Context) error {
	if err := s.store.ClearAll(ctx); err != nil {
		return err
	}
	s.readCache.Flush()
	logger.L.Warn("Cleared all ledger entries and balances")
	return nil
}

func scopeLabel(scope string) string {
	if scope == "" {
		return "all"
	}
	return scope
}
