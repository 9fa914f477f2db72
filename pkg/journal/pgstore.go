package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"evaldb/pkg/generation"
)

// PgStore is a PostgreSQL-backed journal.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureTable creates the databases and transactions tables if they don't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS databases (
			name       TEXT PRIMARY KEY,
			lang       TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `ALTER TABLE databases ADD COLUMN IF NOT EXISTS hostname TEXT UNIQUE`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS transactions (
			db         TEXT NOT NULL REFERENCES databases(name),
			gen        BIGINT NOT NULL,
			parent     BIGINT NOT NULL,
			query      JSONB NOT NULL,
			result     JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (db, gen)
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_transactions_parent ON transactions(db, parent)`)
	return err
}

// CreateDatabase registers a new database under a fresh name.
func (s *PgStore) CreateDatabase(ctx context.Context, lang string) (*Database, error) {
	d := &Database{
		Name:      uuid.Must(uuid.NewV7()).String(),
		Lang:      lang,
		CreatedAt: time.Now().Truncate(time.Microsecond),
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO databases (name, lang, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO NOTHING`, d.Name, d.Lang, d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create database: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("create database %s: %w", d.Name, ErrDatabaseExists)
	}
	return d, nil
}

// Database looks a database up by name.
func (s *PgStore) Database(ctx context.Context, name string) (*Database, error) {
	return s.scanDatabase(ctx, "database "+name, `
		SELECT name, lang, created_at, COALESCE(hostname, '') FROM databases WHERE name = $1`, name)
}

// DatabaseForHost finds the database linked to hostname.
func (s *PgStore) DatabaseForHost(ctx context.Context, hostname string) (*Database, error) {
	return s.scanDatabase(ctx, "host "+hostname, `
		SELECT name, lang, created_at, hostname FROM databases WHERE hostname = $1`, hostname)
}

func (s *PgStore) scanDatabase(ctx context.Context, what, query string, arg string) (*Database, error) {
	var d Database
	err := s.pool.QueryRow(ctx, query, arg).Scan(&d.Name, &d.Lang, &d.CreatedAt, &d.Hostname)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", what, ErrDatabaseNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return &d, nil
}

// Link binds hostname to db. Rebinding a database frees its old hostname.
func (s *PgStore) Link(ctx context.Context, db, hostname string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE databases SET hostname = $2 WHERE name = $1`, db, hostname)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("link %s: %w", hostname, ErrHostnameTaken)
	}
	if err != nil {
		return fmt.Errorf("link %s: %w", hostname, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("link %s: %w", hostname, ErrDatabaseNotFound)
	}
	return nil
}

// Append stores a transaction. A generation that is already journaled is kept as is.
func (s *PgStore) Append(ctx context.Context, db string, tx generation.Transac) error {
	queryJSON, err := json.Marshal(tx.Query)
	if err != nil {
		return fmt.Errorf("marshal query: %w", err)
	}
	resultJSON, err := json.Marshal(tx.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO transactions (db, gen, parent, query, result)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb)
		ON CONFLICT (db, gen) DO NOTHING`,
		db, int64(tx.Result.Gen), int64(tx.Result.Parent), string(queryJSON), string(resultJSON))
	if err != nil {
		return fmt.Errorf("append transaction %d: %w", tx.Result.Gen, err)
	}
	return nil
}

// Get retrieves one generation's transaction.
func (s *PgStore) Get(ctx context.Context, db string, gen generation.ID) (*generation.Transac, error) {
	txs, err := s.scanMany(ctx, `
		SELECT query, result FROM transactions WHERE db = $1 AND gen = $2`, db, int64(gen))
	if err != nil {
		return nil, fmt.Errorf("get transaction %d: %w", gen, err)
	}
	if len(txs) == 0 {
		return nil, fmt.Errorf("get transaction %d: %w", gen, pgx.ErrNoRows)
	}
	return &txs[0], nil
}

// All returns a database's whole log in generation order.
func (s *PgStore) All(ctx context.Context, db string) ([]generation.Transac, error) {
	return s.Since(ctx, db, -1, 0)
}

// Since returns transactions with a generation after the given one, for tail catch-up.
func (s *PgStore) Since(ctx context.Context, db string, after generation.ID, limit int) ([]generation.Transac, error) {
	if limit <= 0 {
		return s.scanMany(ctx, `
			SELECT query, result FROM transactions WHERE db = $1 AND gen > $2
			ORDER BY gen ASC`, db, int64(after))
	}
	return s.scanMany(ctx, `
		SELECT query, result FROM transactions WHERE db = $1 AND gen > $2
		ORDER BY gen ASC LIMIT $3`, db, int64(after), limit)
}

// Count returns the number of journaled generations in a database.
func (s *PgStore) Count(ctx context.Context, db string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM transactions WHERE db = $1`, db).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return n, nil
}

// Ancestors walks up the parent chain recursively, at most maxDepth steps.
func (s *PgStore) Ancestors(ctx context.Context, db string, gen generation.ID, maxDepth int) ([]generation.Transac, error) {
	if maxDepth <= 0 {
		return nil, nil
	}
	return s.scanMany(ctx, `
		WITH RECURSIVE ancestors AS (
			SELECT t.db, t.gen, t.parent, t.query, t.result, 1 AS depth
			FROM transactions t
			JOIN transactions c ON c.db = t.db AND c.parent = t.gen
			WHERE c.db = $1 AND c.gen = $2
			UNION
			SELECT t.db, t.gen, t.parent, t.query, t.result, a.depth + 1
			FROM transactions t
			JOIN ancestors a ON t.db = a.db AND t.gen = a.parent
			WHERE a.depth < $3
		)
		SELECT query, result FROM ancestors ORDER BY gen ASC`, db, int64(gen), maxDepth)
}

func (s *PgStore) scanMany(ctx context.Context, query string, args ...any) ([]generation.Transac, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

func scanRows(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]generation.Transac, error) {
	var txs []generation.Transac
	for rows.Next() {
		var tx generation.Transac
		var queryJSON, resultJSON []byte
		if err := rows.Scan(&queryJSON, &resultJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(queryJSON, &tx.Query); err != nil {
			return nil, fmt.Errorf("unmarshal query: %w", err)
		}
		if err := json.Unmarshal(resultJSON, &tx.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return txs, nil
}
