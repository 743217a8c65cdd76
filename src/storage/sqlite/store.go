package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/username/cashledger/src/logger"
	"github.com/username/cashledger/src/models"
	"github.com/username/cashledger/src/storage"
)

// timeLayout is RFC3339 with the fraction padded to nine digits so that
// stored timestamps compare correctly as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const createTableStatement = `
CREATE TABLE IF NOT EXISTS entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	scope TEXT NOT NULL,
	kind TEXT NOT NULL,
	currency TEXT NOT NULL,
	amount TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	ts TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entries_scope_ts ON entries(scope, ts);

CREATE TABLE IF NOT EXISTS balances (
	scope TEXT NOT NULL,
	currency TEXT NOT NULL,
	amount TEXT NOT NULL,
	last_updated TEXT NOT NULL,
	PRIMARY KEY (scope, currency)
);

CREATE TABLE IF NOT EXISTS scopes (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	registered_at TEXT NOT NULL,
	last_seen TEXT NOT NULL DEFAULT ''
);
`

// Store is the sqlite-backed ledger store. DB is exported for tests that need
// to corrupt or inspect rows directly.
type Store struct {
	DB *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=8000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{DB: db}
	s.migrateScopesTable()

	if _, err := db.Exec(createTableStatement); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	logger.L.Info("Database tables ensured/created.", "path", path)
	return s, nil
}

// migrateScopesTable adds the last_seen column to scope registries created
// before it existed. No-op when the table is absent or already current.
func (s *Store) migrateScopesTable() {
	var tableName string
	err := s.DB.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='scopes'").Scan(&tableName)
	if err != nil {
		if err == sql.ErrNoRows {
			return
		}
		logger.L.Error("Error checking for 'scopes' table", "error", err)
		return
	}

	rows, err := s.DB.Query("PRAGMA table_info(scopes)")
	if err != nil {
		logger.L.Error("Error querying table schema for 'scopes'", "error", err)
		return
	}
	defer rows.Close()

	columnExists := make(map[string]bool)
	for rows.Next() {
		var cid, pk int
		var name, dataType string
		var notnullVal int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &dataType, &notnullVal, &dfltValue, &pk); err != nil {
			logger.L.Error("Error scanning column info for 'scopes'", "error", err)
			return
		}
		columnExists[name] = true
	}
	if err = rows.Err(); err != nil {
		logger.L.Error("Error iterating over column info for 'scopes'", "error", err)
		return
	}

	if _, ok := columnExists["last_seen"]; !ok {
		if _, err := s.DB.Exec("ALTER TABLE scopes ADD COLUMN last_seen TEXT NOT NULL DEFAULT ''"); err != nil {
			logger.L.Error("Error adding 'last_seen' column to 'scopes' table", "error", err)
		} else {
			logger.L.Info("Added 'last_seen' column to 'scopes' table")
		}
	}
}

func (s *Store) CommitBatch(ctx context.Context, entries []models.LedgerEntry) ([]int64, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO entries (scope, kind, currency, amount, description, ts) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	type key struct{ scope, currency string }
	ids := make([]int64, 0, len(entries))
	deltas := make(map[key]decimal.Decimal)
	order := make([]key, 0, len(entries))

	for _, e := range entries {
		var res sql.Result
		res, err = stmt.ExecContext(ctx, e.Scope, string(e.Kind), e.Currency,
			e.Amount.String(), e.Description, e.Timestamp.UTC().Format(timeLayout))
		if err != nil {
			return nil, err
		}
		var id int64
		id, err = res.LastInsertId()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)

		k := key{e.Scope, e.Currency}
		if _, ok := deltas[k]; !ok {
			order = append(order, k)
		}
		deltas[k] = deltas[k].Add(e.Amount)
	}

	now := time.Now().UTC().Format(timeLayout)
	for _, k := range order {
		if err = applyDelta(ctx, tx, k.scope, k.currency, deltas[k], now); err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// applyDelta moves one balance row by delta inside an open transaction,
// creating the row when it does not exist yet.
func applyDelta(ctx context.Context, tx *sql.Tx, scope, currency string, delta decimal.Decimal, now string) error {
	var current string
	err := tx.QueryRowContext(ctx,
		`SELECT amount FROM balances WHERE scope = ? AND currency = ?`, scope, currency).Scan(&current)
	if err == sql.ErrNoRows {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO balances (scope, currency, amount, last_updated) VALUES (?, ?, ?, ?)`,
			scope, currency, delta.String(), now)
		return err
	}
	if err != nil {
		return err
	}

	prev, err := decimal.NewFromString(current)
	if err != nil {
		return fmt.Errorf("corrupt balance amount for %s/%s: %w", scope, currency, err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE balances SET amount = ?, last_updated = ? WHERE scope = ? AND currency = ?`,
		prev.Add(delta).String(), now, scope, currency)
	return err
}

func (s *Store) Balances(ctx context.Context, scope string) ([]models.Balance, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT scope, currency, amount, last_updated FROM balances WHERE scope = ? ORDER BY currency`, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBalances(rows)
}

func (s *Store) Balance(ctx context.Context, scope, currency string) (models.Balance, error) {
	var b models.Balance
	var amount, updated string
	err := s.DB.QueryRowContext(ctx,
		`SELECT scope, currency, amount, last_updated FROM balances WHERE scope = ? AND currency = ?`,
		scope, currency).Scan(&b.Scope, &b.Currency, &amount, &updated)
	if err == sql.ErrNoRows {
		return b, storage.ErrNotFound
	}
	if err != nil {
		return b, err
	}
	return parseBalance(b, amount, updated)
}

func (s *Store) History(ctx context.Context, scope string, f models.HistoryFilter) ([]models.LedgerEntry, error) {
	query := `SELECT id, scope, kind, currency, amount, description, ts FROM entries WHERE scope = ?`
	args := []interface{}{scope}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	if f.Currency != "" {
		query += ` AND currency = ?`
		args = append(args, f.Currency)
	}
	if !f.From.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, f.From.UTC().Format(timeLayout))
	}
	if !f.To.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, f.To.UTC().Format(timeLayout))
	}
	query += ` ORDER BY ts DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (s *Store) HasRecentIncome(ctx context.Context, scope string, amount decimal.Decimal, currency, description string, since time.Time) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx,
		`SELECT 1 FROM entries WHERE scope = ? AND kind = ? AND currency = ? AND amount = ? AND description = ? AND ts >= ? LIMIT 1`,
		scope, string(models.KindIncome), currency, amount.String(), description,
		since.UTC().Format(timeLayout)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) AllEntries(ctx context.Context) ([]models.LedgerEntry, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, scope, kind, currency, amount, description, ts FROM entries ORDER BY scope, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (s *Store) AllBalances(ctx context.Context) ([]models.Balance, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT scope, currency, amount, last_updated FROM balances ORDER BY scope, currency`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBalances(rows)
}

func (s *Store) Recompute(ctx context.Context, scope string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if scope == "" {
		_, err = tx.ExecContext(ctx, `DELETE FROM balances`)
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM balances WHERE scope = ?`, scope)
	}
	if err != nil {
		return err
	}

	query := `SELECT scope, currency, amount, ts FROM entries`
	args := []interface{}{}
	if scope != "" {
		query += ` WHERE scope = ?`
		args = append(args, scope)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}

	type key struct{ scope, currency string }
	sums := make(map[key]decimal.Decimal)
	latest := make(map[key]string)
	order := make([]key, 0)

	for rows.Next() {
		var entryScope, currency, amount, ts string
		if err = rows.Scan(&entryScope, &currency, &amount, &ts); err != nil {
			rows.Close()
			return err
		}
		var d decimal.Decimal
		d, err = decimal.NewFromString(amount)
		if err != nil {
			rows.Close()
			return fmt.Errorf("corrupt entry amount for %s/%s: %w", entryScope, currency, err)
		}
		k := key{entryScope, currency}
		if _, ok := sums[k]; !ok {
			order = append(order, k)
		}
		sums[k] = sums[k].Add(d)
		if ts > latest[k] {
			latest[k] = ts
		}
	}
	if err = rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, k := range order {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO balances (scope, currency, amount, last_updated) VALUES (?, ?, ?, ?)`,
			k.scope, k.currency, sums[k].String(), latest[k])
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) DeleteEntry(ctx context.Context, scope string, id int64) (models.LedgerEntry, error) {
	var e models.LedgerEntry

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return e, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var kind, amount, ts string
	err = tx.QueryRowContext(ctx,
		`SELECT id, scope, kind, currency, amount, description, ts FROM entries WHERE scope = ? AND id = ?`,
		scope, id).Scan(&e.ID, &e.Scope, &kind, &e.Currency, &amount, &e.Description, &ts)
	if err == sql.ErrNoRows {
		err = storage.ErrNotFound
		return e, err
	}
	if err != nil {
		return e, err
	}
	e.Kind = models.OperationKind(kind)
	e.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return e, fmt.Errorf("corrupt entry amount for id %d: %w", id, err)
	}
	e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return e, fmt.Errorf("corrupt entry timestamp for id %d: %w", id, err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, id); err != nil {
		return e, err
	}

	now := time.Now().UTC().Format(timeLayout)
	if err = applyDelta(ctx, tx, e.Scope, e.Currency, e.Amount.Neg(), now); err != nil {
		return e, err
	}

	if err = tx.Commit(); err != nil {
		return e, err
	}
	return e, nil
}

func (s *Store) ClearAll(ctx context.Context) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM entries`); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM balances`); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) UpsertScope(ctx context.Context, id, name string, seen time.Time) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO scopes (id, name, registered_at, last_seen) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, last_seen = excluded.last_seen`,
		id, name, seen.UTC().Format(timeLayout), seen.UTC().Format(timeLayout))
	return err
}

func (s *Store) Scopes(ctx context.Context) ([]models.ScopeInfo, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, name, registered_at, last_seen FROM scopes ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []models.ScopeInfo
	for rows.Next() {
		var info models.ScopeInfo
		var registered, seen string
		if err := rows.Scan(&info.ID, &info.Name, &registered, &seen); err != nil {
			return nil, err
		}
		if info.RegisteredAt, err = time.Parse(time.RFC3339Nano, registered); err != nil {
			return nil, fmt.Errorf("corrupt registered_at for scope %s: %w", info.ID, err)
		}
		if seen != "" {
			if info.LastSeen, err = time.Parse(time.RFC3339Nano, seen); err != nil {
				return nil, fmt.Errorf("corrupt last_seen for scope %s: %w", info.ID, err)
			}
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *Store) Close() error {
	return s.DB.Close()
}

func collectEntries(rows *sql.Rows) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var kind, amount, ts string
		if err := rows.Scan(&e.ID, &e.Scope, &kind, &e.Currency, &amount, &e.Description, &ts); err != nil {
			return nil, err
		}
		e.Kind = models.OperationKind(kind)
		var err error
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("corrupt entry amount for id %d: %w", e.ID, err)
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("corrupt entry timestamp for id %d: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func collectBalances(rows *sql.Rows) ([]models.Balance, error) {
	var balances []models.Balance
	for rows.Next() {
		var b models.Balance
		var amount, updated string
		if err := rows.Scan(&b.Scope, &b.Currency, &amount, &updated); err != nil {
			return nil, err
		}
		var err error
		if b, err = parseBalance(b, amount, updated); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func parseBalance(b models.Balance, amount, updated string) (models.Balance, error) {
	var err error
	if b.Amount, err = decimal.NewFromString(amount); err != nil {
		return b, fmt.Errorf("corrupt balance amount for %s/%s: %w", b.Scope, b.Currency, err)
	}
	if b.LastUpdated, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return b, fmt.Errorf("corrupt balance timestamp for %s/%s: %w", b.Scope, b.Currency, err)
	}
	return b, nil
}

var _ storage.Store = (*Store)(nil)
