package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/username/cashledger/src/logger"
	"github.com/username/cashledger/src/models"
	"github.com/username/cashledger/src/storage"
)

const createTableStatement = `
CREATE TABLE IF NOT EXISTS entries (
	id BIGSERIAL PRIMARY KEY,
	scope TEXT NOT NULL,
	kind TEXT NOT NULL,
	currency TEXT NOT NULL,
	amount NUMERIC(30, 10) NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	ts TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entries_scope_ts ON entries (scope, ts);

CREATE TABLE IF NOT EXISTS balances (
	scope TEXT NOT NULL,
	currency TEXT NOT NULL,
	amount NUMERIC(30, 10) NOT NULL,
	last_updated TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (scope, currency)
);

CREATE TABLE IF NOT EXISTS scopes (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	registered_at TIMESTAMPTZ NOT NULL,
	last_seen TIMESTAMPTZ
);
`

type Store struct {
	db *sql.DB
}

func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.Exec(createTableStatement); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	logger.L.Info("Database tables ensured/created.", "driver", "postgres")
	return &Store{db: db}, nil
}

func (s *Store) CommitBatch(ctx context.Context, entries []models.LedgerEntry) ([]int64, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO entries (scope, kind, currency, amount, description, ts)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	type key struct{ scope, currency string }
	ids := make([]int64, 0, len(entries))
	deltas := make(map[key]decimal.Decimal)
	order := make([]key, 0, len(entries))

	for _, e := range entries {
		var id int64
		err = stmt.QueryRowContext(ctx, e.Scope, string(e.Kind), e.Currency,
			e.Amount, e.Description, e.Timestamp.UTC()).Scan(&id)
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

	now := time.Now().UTC()
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

func applyDelta(ctx context.Context, tx *sql.Tx, scope, currency string, delta decimal.Decimal, now time.Time) error {
	var current decimal.Decimal
	err := tx.QueryRowContext(ctx,
		`SELECT amount FROM balances WHERE scope = $1 AND currency = $2 FOR UPDATE`,
		scope, currency).Scan(&current)
	if err == sql.ErrNoRows {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO balances (scope, currency, amount, last_updated) VALUES ($1, $2, $3, $4)`,
			scope, currency, delta, now)
		return err
	}
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE balances SET amount = $1, last_updated = $2 WHERE scope = $3 AND currency = $4`,
		current.Add(delta), now, scope, currency)
	return err
}

func (s *Store) Balances(ctx context.Context, scope string) ([]models.Balance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scope, currency, amount, last_updated FROM balances WHERE scope = $1 ORDER BY currency`, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBalances(rows)
}

func (s *Store) Balance(ctx context.Context, scope, currency string) (models.Balance, error) {
	var b models.Balance
	err := s.db.QueryRowContext(ctx,
		`SELECT scope, currency, amount, last_updated FROM balances WHERE scope = $1 AND currency = $2`,
		scope, currency).Scan(&b.Scope, &b.Currency, &b.Amount, &b.LastUpdated)
	if err == sql.ErrNoRows {
		return b, storage.ErrNotFound
	}
	return b, err
}

func (s *Store) History(ctx context.Context, scope string, f models.HistoryFilter) ([]models.LedgerEntry, error) {
	query := `SELECT id, scope, kind, currency, amount, description, ts FROM entries WHERE scope = $1`
	args := []interface{}{scope}
	if f.Kind != "" {
		args = append(args, string(f.Kind))
		query += fmt.Sprintf(` AND kind = $%d`, len(args))
	}
	if f.Currency != "" {
		args = append(args, f.Currency)
		query += fmt.Sprintf(` AND currency = $%d`, len(args))
	}
	if !f.From.IsZero() {
		args = append(args, f.From.UTC())
		query += fmt.Sprintf(` AND ts >= $%d`, len(args))
	}
	if !f.To.IsZero() {
		args = append(args, f.To.UTC())
		query += fmt.Sprintf(` AND ts <= $%d`, len(args))
	}
	query += ` ORDER BY ts DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (s *Store) HasRecentIncome(ctx context.Context, scope string, amount decimal.Decimal, currency, description string, since time.Time) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM entries WHERE scope = $1 AND kind = $2 AND currency = $3 AND amount = $4 AND description = $5 AND ts >= $6 LIMIT 1`,
		scope, string(models.KindIncome), currency, amount, description, since.UTC()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) AllEntries(ctx context.Context) ([]models.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scope, kind, currency, amount, description, ts FROM entries ORDER BY scope, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (s *Store) AllBalances(ctx context.Context) ([]models.Balance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scope, currency, amount, last_updated FROM balances ORDER BY scope, currency`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBalances(rows)
}

func (s *Store) Recompute(ctx context.Context, scope string) error {
	tx, err := s.db.BeginTx(ctx, nil)
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
		_, err = tx.ExecContext(ctx, `DELETE FROM balances WHERE scope = $1`, scope)
	}
	if err != nil {
		return err
	}

	if scope == "" {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO balances (scope, currency, amount, last_updated)
			 SELECT scope, currency, SUM(amount), MAX(ts) FROM entries GROUP BY scope, currency`)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO balances (scope, currency, amount, last_updated)
			 SELECT scope, currency, SUM(amount), MAX(ts) FROM entries WHERE scope = $1 GROUP BY scope, currency`,
			scope)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) DeleteEntry(ctx context.Context, scope string, id int64) (models.LedgerEntry, error) {
	var e models.LedgerEntry

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return e, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var kind string
	err = tx.QueryRowContext(ctx,
		`SELECT id, scope, kind, currency, amount, description, ts FROM entries WHERE scope = $1 AND id = $2 FOR UPDATE`,
		scope, id).Scan(&e.ID, &e.Scope, &kind, &e.Currency, &e.Amount, &e.Description, &e.Timestamp)
	if err == sql.ErrNoRows {
		err = storage.ErrNotFound
		return e, err
	}
	if err != nil {
		return e, err
	}
	e.Kind = models.OperationKind(kind)

	if _, err = tx.ExecContext(ctx, `DELETE FROM entries WHERE id = $1`, id); err != nil {
		return e, err
	}
	if err = applyDelta(ctx, tx, e.Scope, e.Currency, e.Amount.Neg(), time.Now().UTC()); err != nil {
		return e, err
	}

	if err = tx.Commit(); err != nil {
		return e, err
	}
	return e, nil
}

func (s *Store) ClearAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scopes (id, name, registered_at, last_seen) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, last_seen = excluded.last_seen`,
		id, name, seen.UTC(), seen.UTC())
	return err
}

func (s *Store) Scopes(ctx context.Context) ([]models.ScopeInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, registered_at, last_seen FROM scopes ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []models.ScopeInfo
	for rows.Next() {
		var info models.ScopeInfo
		var seen sql.NullTime
		if err := rows.Scan(&info.ID, &info.Name, &info.RegisteredAt, &seen); err != nil {
			return nil, err
		}
		if seen.Valid {
			info.LastSeen = seen.Time
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func collectEntries(rows *sql.Rows) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var kind string
		if err := rows.Scan(&e.ID, &e.Scope, &kind, &e.Currency, &e.Amount, &e.Description, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Kind = models.OperationKind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func collectBalances(rows *sql.Rows) ([]models.Balance, error) {
	var balances []models.Balance
	for rows.Next() {
		var b models.Balance
		if err := rows.Scan(&b.Scope, &b.Currency, &b.Amount, &b.LastUpdated); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

var _ storage.Store = (*Store)(nil)
