package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/username/cashledger/src/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// Store is the persistence boundary of the ledger. Implementations must make
// CommitBatch atomic: either every entry of the batch lands and the balances
// move with it, or nothing does.
type Store interface {
	// CommitBatch appends entries and applies their deltas to the balance
	// rows in one transaction. Returns the assigned entry ids in input order.
	CommitBatch(ctx context.Context, entries []models.LedgerEntry) ([]int64, error)

	// Balances returns every balance row of a scope ordered by currency.
	// Rows that have gone to zero are kept, not dropped.
	Balances(ctx context.Context, scope string) ([]models.Balance, error)

	// Balance returns a single (scope, currency) row or ErrNotFound.
	Balance(ctx context.Context, scope, currency string) (models.Balance, error)

	// History returns entries of a scope, most recent first.
	History(ctx context.Context, scope string, f models.HistoryFilter) ([]models.LedgerEntry, error)

	// HasRecentIncome reports whether an income entry with the same
	// amount, currency and description exists in the scope at or after
	// the given instant.
	HasRecentIncome(ctx context.Context, scope string, amount decimal.Decimal, currency, description string, since time.Time) (bool, error)

	// AllEntries and AllBalances feed reconciliation. Both are ordered
	// deterministically (scope, then id or currency).
	AllEntries(ctx context.Context) ([]models.LedgerEntry, error)
	AllBalances(ctx context.Context) ([]models.Balance, error)

	// Recompute rebuilds balance rows from the entries. An empty scope
	// rebuilds everything.
	Recompute(ctx context.Context, scope string) error

	// DeleteEntry removes one entry and rolls its delta out of the balance.
	// Returns the removed entry, or ErrNotFound.
	DeleteEntry(ctx context.Context, scope string, id int64) (models.LedgerEntry, error)

	// ClearAll drops all entries and balances. The scope registry survives.
	ClearAll(ctx context.Context) error

	// UpsertScope registers a scope or refreshes its name and last-seen time.
	UpsertScope(ctx context.Context, id, name string, seen time.Time) error

	// Scopes lists the registry ordered by name.
	Scopes(ctx context.Context) ([]models.ScopeInfo, error)

	Close() error
}
