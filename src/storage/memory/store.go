package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/username/cashledger/src/models"
	"github.com/username/cashledger/src/storage"
)

// Store is an in-memory ledger store. It backs tests and the memory driver;
// nothing survives a restart.
type Store struct {
	mu       sync.Mutex
	nextID   int64
	entries  []models.LedgerEntry
	balances map[string]map[string]models.Balance
	scopes   map[string]models.ScopeInfo
}

func New() *Store {
	return &Store{
		balances: make(map[string]map[string]models.Balance),
		scopes:   make(map[string]models.ScopeInfo),
	}
}

func (m *Store) CommitBatch(ctx context.Context, entries []models.LedgerEntry) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		m.nextID++
		e.ID = m.nextID
		e.Timestamp = e.Timestamp.UTC()
		m.entries = append(m.entries, e)
		m.applyDelta(e.Scope, e.Currency, e.Amount)
		ids = append(ids, e.ID)
	}
	return ids, nil
}

// applyDelta must be called with the lock held.
func (m *Store) applyDelta(scope, currency string, delta decimal.Decimal) {
	byCurrency, ok := m.balances[scope]
	if !ok {
		byCurrency = make(map[string]models.Balance)
		m.balances[scope] = byCurrency
	}
	b, ok := byCurrency[currency]
	if !ok {
		b = models.Balance{Scope: scope, Currency: currency, Amount: decimal.Zero}
	}
	b.Amount = b.Amount.Add(delta)
	b.LastUpdated = time.Now().UTC()
	byCurrency[currency] = b
}

func (m *Store) Balances(ctx context.Context, scope string) ([]models.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []models.Balance
	for _, b := range m.balances[scope] {
		result = append(result, b)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Currency < result[j].Currency })
	return result, nil
}

func (m *Store) Balance(ctx context.Context, scope, currency string) (models.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.balances[scope][currency]
	if !ok {
		return models.Balance{}, storage.ErrNotFound
	}
	return b, nil
}

func (m *Store) History(ctx context.Context, scope string, f models.HistoryFilter) ([]models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []models.LedgerEntry
	for _, e := range m.entries {
		if e.Scope != scope {
			continue
		}
		if f.Kind != "" && e.Kind != f.Kind {
			continue
		}
		if f.Currency != "" && e.Currency != f.Currency {
			continue
		}
		if !f.From.IsZero() && e.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.Timestamp.After(f.To) {
			continue
		}
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].Timestamp.After(result[j].Timestamp)
		}
		return result[i].ID > result[j].ID
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *Store) HasRecentIncome(ctx context.Context, scope string, amount decimal.Decimal, currency, description string, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.Scope == scope && e.Kind == models.KindIncome && e.Currency == currency &&
			e.Amount.Equal(amount) && e.Description == description && !e.Timestamp.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Store) AllEntries(ctx context.Context) ([]models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]models.LedgerEntry, len(m.entries))
	copy(copied, m.entries)
	sort.Slice(copied, func(i, j int) bool {
		if copied[i].Scope != copied[j].Scope {
			return copied[i].Scope < copied[j].Scope
		}
		return copied[i].ID < copied[j].ID
	})
	return copied, nil
}

func (m *Store) AllBalances(ctx context.Context) ([]models.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []models.Balance
	for _, byCurrency := range m.balances {
		for _, b := range byCurrency {
			result = append(result, b)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Scope != result[j].Scope {
			return result[i].Scope < result[j].Scope
		}
		return result[i].Currency < result[j].Currency
	})
	return result, nil
}

func (m *Store) Recompute(ctx context.Context, scope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if scope == "" {
		m.balances = make(map[string]map[string]models.Balance)
	} else {
		delete(m.balances, scope)
	}

	for _, e := range m.entries {
		if scope != "" && e.Scope != scope {
			continue
		}
		byCurrency, ok := m.balances[e.Scope]
		if !ok {
			byCurrency = make(map[string]models.Balance)
			m.balances[e.Scope] = byCurrency
		}
		bal, ok := byCurrency[e.Currency]
		if !ok {
			bal = models.Balance{Scope: e.Scope, Currency: e.Currency, Amount: decimal.Zero}
		}
		bal.Amount = bal.Amount.Add(e.Amount)
		if e.Timestamp.After(bal.LastUpdated) {
			bal.LastUpdated = e.Timestamp
		}
		byCurrency[e.Currency] = bal
	}
	return nil
}

func (m *Store) DeleteEntry(ctx context.Context, scope string, id int64) (models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, e := range m.entries {
		if e.Scope == scope && e.ID == id {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			m.applyDelta(e.Scope, e.Currency, e.Amount.Neg())
			return e, nil
		}
	}
	return models.LedgerEntry{}, storage.ErrNotFound
}

func (m *Store) ClearAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = nil
	m.balances = make(map[string]map[string]models.Balance)
	return nil
}

func (m *Store) UpsertScope(ctx context.Context, id, name string, seen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.scopes[id]
	if !ok {
		info = models.ScopeInfo{ID: id, RegisteredAt: seen.UTC()}
	}
	info.Name = name
	info.LastSeen = seen.UTC()
	m.scopes[id] = info
	return nil
}

func (m *Store) Scopes(ctx context.Context) ([]models.ScopeInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []models.ScopeInfo
	for _, info := range m.scopes {
		result = append(result, info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (m *Store) Close() error {
	return nil
}

var _ storage.Store = (*Store)(nil)
